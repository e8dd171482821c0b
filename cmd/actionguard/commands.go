package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/tekupdk/actionguard/app"
	"github.com/tekupdk/actionguard/config"
	"github.com/tekupdk/actionguard/idempotency"
	"github.com/tekupdk/actionguard/observe"
	"github.com/tekupdk/actionguard/server"
)

type rootOptions struct {
	configPath string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "actionguard",
		Short: "Run assistant actions at most once",
		Long: `actionguard executes side-effecting assistant actions behind an
allowlist, role checks, per-user rate limits and an idempotency store, so a
retried request never repeats its side effect.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load (default .env)")

	root.AddCommand(
		newServeCmd(opts),
		newKeyCmd(),
		newStatsCmd(opts),
		newLookupCmd(opts),
		newDeleteCmd(opts),
		newReapCmd(opts),
	)
	return root
}

func (o *rootOptions) load(ctx context.Context) (*config.Config, error) {
	return config.Load(ctx, o.configPath, o.envFiles...)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := opts.load(ctx)
			if err != nil {
				return err
			}
			gin.SetMode(cfg.Server.Mode)

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
					a.Logger.Error(ctx, "shutdown incomplete", observe.F("error", cerr))
				}
			}()
			if err := a.Start(ctx); err != nil {
				return err
			}

			srv, err := server.New(cfg.Server, server.FromApp(a))
			if err != nil {
				return err
			}
			a.Logger.Info(ctx, "actionguard starting",
				observe.F("store", cfg.Store.Backend),
				observe.F("fail_policy", cfg.FailPolicy),
			)
			return srv.Run(ctx)
		},
	}
}

func newKeyCmd() *cobra.Command {
	var owner, actionType, conversation, instance string
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Print the idempotency key for an action",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := idempotency.GenerateKey(owner, actionType, conversation, instance)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "user id that owns the action")
	cmd.Flags().StringVar(&actionType, "type", "", "action type")
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&instance, "action", "", "action instance id")
	for _, f := range []string{"owner", "type", "conversation", "action"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

// withStore opens the configured store for one administrative command.
func withStore(cmd *cobra.Command, opts *rootOptions, fn func(context.Context, idempotency.Store) (any, error)) error {
	ctx := cmd.Context()
	cfg, err := opts.load(ctx)
	if err != nil {
		return err
	}
	store, closeStore, err := app.OpenStore(ctx, cfg, observe.NopLogger())
	if err != nil {
		return err
	}
	defer closeStore()

	out, err := fn(ctx, store)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count stored records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, opts, func(ctx context.Context, s idempotency.Store) (any, error) {
				return s.Stats(ctx)
			})
		},
	}
}

func newLookupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <key>",
		Short: "Show the stored result for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, s idempotency.Store) (any, error) {
				if err := idempotency.ValidateKey(args[0]); err != nil {
					return nil, err
				}
				return s.Lookup(ctx, args[0])
			})
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Forget a key so the action may run again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, s idempotency.Store) (any, error) {
				if err := idempotency.ValidateKey(args[0]); err != nil {
					return nil, err
				}
				removed, err := s.Delete(ctx, args[0])
				return map[string]any{"key": args[0], "removed": removed}, err
			})
		},
	}
}

func newReapCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Remove expired records now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, opts, func(ctx context.Context, s idempotency.Store) (any, error) {
				sw, ok := s.(idempotency.Sweeper)
				if !ok {
					return nil, fmt.Errorf("store %T expires records on its own", s)
				}
				n, err := sw.Sweep(ctx)
				return map[string]int{"removed": n}, err
			})
		},
	}
}
