package idempotency_test

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tekupdk/actionguard/idempotency"
)

func ExampleGenerateKey() {
	key, err := idempotency.GenerateKey(42, "create_invoice", "conv-7", "draft-1")
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	again, _ := idempotency.GenerateKey(42, "create_invoice", "conv-7", "draft-1")
	fmt.Println(len(key), key == again)
	// Output:
	// 52 true
}

func ExampleMemoryStore() {
	ctx := context.Background()
	store := idempotency.NewMemoryStore(idempotency.DefaultPolicy())

	_ = store.Store(ctx, "u1:create_invoice:c1:a1", "create_invoice", "1", json.RawMessage(`{"id":"inv_1"}`))

	hit, _ := store.Lookup(ctx, "u1:create_invoice:c1:a1")
	fmt.Println(hit.Duplicate, string(hit.Result))

	removed, _ := store.Delete(ctx, "u1:create_invoice:c1:a1")
	miss, _ := store.Lookup(ctx, "u1:create_invoice:c1:a1")
	fmt.Println(removed, miss.Duplicate)
	// Output:
	// true {"id":"inv_1"}
	// true false
}

func ExampleGuard_Execute() {
	ctx := context.Background()
	guard, _ := idempotency.NewGuard(idempotency.NewMemoryStore(idempotency.DefaultPolicy()), idempotency.GuardConfig{})

	calls := 0
	createInvoice := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"id":"inv_1"}`), nil
	}

	action := idempotency.Action{OwnerID: 42, ActionType: "create_invoice", ConversationID: "C", InstanceID: "A"}
	first, _ := guard.Execute(ctx, action, createInvoice)
	second, _ := guard.Execute(ctx, action, createInvoice)

	fmt.Println(calls, first.Duplicate, second.Duplicate, string(second.Result))
	// Output:
	// 1 false true {"id":"inv_1"}
}
