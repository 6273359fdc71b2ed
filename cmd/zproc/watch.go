package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gitter-badger/zproc/internal/proxy"
)

func newWatchCmd() *cobra.Command {
	var (
		equals   string
		notEqual string
		available bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <key>",
		Short: "Block until key matches a condition",
		Long: `Block until key's value satisfies a condition, then exit 0.

With no flags, blocks until key changes at all. --equals and
--not-equal compare against a JSON-decoded value; --available waits for
the key to exist.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := proxy.Connect()
			if err != nil {
				return err
			}
			defer p.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			key := args[0]
			opts := proxy.WatchOptions{Timeout: timeout}

			switch {
			case equals != "":
				var want any
				if err := json.Unmarshal([]byte(equals), &want); err != nil {
					return fmt.Errorf("zproc: --equals value is not valid JSON: %w", err)
				}
				return p.WatchEqual(ctx, key, want, opts)
			case notEqual != "":
				var avoid any
				if err := json.Unmarshal([]byte(notEqual), &avoid); err != nil {
					return fmt.Errorf("zproc: --not-equal value is not valid JSON: %w", err)
				}
				return p.WatchNotEqual(ctx, key, avoid, opts)
			case available:
				return p.WatchAvailable(ctx, key, opts)
			default:
				return p.WatchChange(ctx, key, opts)
			}
		},
	}

	cmd.Flags().StringVar(&equals, "equals", "", "wait for key's value to equal this JSON value")
	cmd.Flags().StringVar(&notEqual, "not-equal", "", "wait for key's value to differ from this JSON value")
	cmd.Flags().BoolVar(&available, "available", false, "wait for key to exist")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (default: wait forever)")
	return cmd
}
