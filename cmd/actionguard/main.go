// Command actionguard runs the action execution service and administers its
// idempotency store.
//
// # Usage
//
//	# Serve HTTP with a config file
//	actionguard serve --config config.yaml
//
//	# Inspect the store the config points at
//	actionguard stats --config config.yaml
//	actionguard lookup idem:create_lead:3f0c...
//
//	# Derive a key without touching the store
//	actionguard key --owner 42 --type create_task --conversation 7 --action s-1
//
// Settings come from the YAML file, .env files and ACTIONGUARD_* variables;
// see config/example.yaml.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
