package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tekupdk/actionguard/resilience"
)

func ExampleKeyedLimiter() {
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	limiter := resilience.NewKeyedLimiter(resilience.KeyedLimiterConfig{
		Now: func() time.Time { return start },
	})

	for i := 0; i < 3; i++ {
		err := limiter.Allow("42:book_meeting", 2)
		fmt.Println(err == nil)
	}
	// Output:
	// true
	// true
	// false
}

func ExampleBreakerSet() {
	breakers := resilience.NewBreakerSet(resilience.CircuitBreakerConfig{MaxFailures: 1})
	ctx := context.Background()

	_ = breakers.Execute(ctx, "create_invoice", func(context.Context) error {
		return errors.New("billing API down")
	})

	err := breakers.Execute(ctx, "create_invoice", func(context.Context) error { return nil })
	fmt.Println(errors.Is(err, resilience.ErrCircuitOpen))

	err = breakers.Execute(ctx, "create_task", func(context.Context) error { return nil })
	fmt.Println(err)
	// Output:
	// true
	// <nil>
}

func ExampleExecutor() {
	exec := resilience.NewExecutor(
		resilience.WithBulkhead(resilience.NewBulkhead(resilience.BulkheadConfig{MaxConcurrent: 4})),
		resilience.WithBreakers(resilience.NewBreakerSet(resilience.CircuitBreakerConfig{})),
		resilience.WithTimeout(resilience.NewTimeout(time.Second)),
	)

	err := exec.Execute(context.Background(), "create_task", func(ctx context.Context) error {
		return nil
	})
	fmt.Println(err)
	// Output:
	// <nil>
}
