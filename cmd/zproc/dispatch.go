package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gitter-badger/zproc/internal/dispatch"
	"github.com/gitter-badger/zproc/internal/proxy"
)

func newDispatchCmd() *cobra.Command {
	var (
		workers    int
		handlerID  string
		commonArgs string
	)

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Fan out a JSON array of items (read from stdin) across worker processes",
		Long: `Reads a JSON array from stdin, splits it into --workers contiguous
chunks worked concurrently (each item runs in its own re-exec of this
same binary's hidden "work" command), and prints one tab-separated line
per input item, in input order, as each becomes available: the item's
index, "ok" or "error", then the JSON result or the error message.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := proxy.Connect()
			if err != nil {
				return err
			}
			defer p.Close()

			var items []json.RawMessage
			dec := json.NewDecoder(os.Stdin)
			if err := dec.Decode(&items); err != nil {
				return fmt.Errorf("zproc dispatch: decode stdin as a JSON array: %w", err)
			}

			self, err := os.Executable()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			seq, runID, err := dispatch.Run(ctx, p, items, dispatch.Options{
				Workers:       workers,
				WorkerCommand: self,
				WorkerArgs:    []string{"work"},
				HandlerID:     handlerID,
				CommonArgs:    json.RawMessage(commonArgs),
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "zproc dispatch: run %s, %d items across %d workers\n", runID, len(items), workers)

			for idx, res := range seq {
				if res.Err != nil {
					fmt.Printf("%d\terror\t%s\n", idx, res.Err)
					continue
				}
				fmt.Printf("%d\tok\t%s\n", idx, res.Value)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 4, "number of worker processes")
	cmd.Flags().StringVar(&handlerID, "handler", "", "registered task handler id to invoke (required)")
	cmd.Flags().StringVar(&commonArgs, "args", "null", "JSON value passed unchanged to every task invocation")
	cmd.MarkFlagRequired("handler")
	return cmd
}
