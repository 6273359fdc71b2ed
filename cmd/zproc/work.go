package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/gitter-badger/zproc/internal/dispatch"
	"github.com/gitter-badger/zproc/internal/registry"
)

// newWorkCmd returns the hidden entry point the dispatcher re-execs
// itself into for each chunked work item: "zproc work <handler-id>"
// reads one JSON item from stdin and writes one JSON result line to
// stdout. Not meant to be invoked directly by an operator.
func newWorkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "work <handler-id>",
		Short:  "Run one dispatched task item (invoked by the dispatcher, not directly)",
		Args:   cobra.ExactArgs(1),
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatch.RunWorkerMain(context.Background(), registry.Default, args[0], os.Stdin, os.Stdout)
		},
	}
	return cmd
}
