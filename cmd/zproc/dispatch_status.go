package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitter-badger/zproc/internal/dispatch"
	"github.com/gitter-badger/zproc/internal/proxy"
)

func newDispatchStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch-status <run-id>",
		Short: "Report a dispatch run's live progress",
		Long: `Reads the progress summary a "zproc dispatch" run publishes to
state as its results land, identified by the run id printed to stderr
when that run started. Works from any process with access to the same
state server, not just the one driving the run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := proxy.Connect()
			if err != nil {
				return err
			}
			defer p.Close()

			prog, err := dispatch.Status(p, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				enc, err := json.Marshal(prog)
				if err != nil {
					return err
				}
				fmt.Println(string(enc))
				return nil
			}
			fmt.Printf("total=%d completed=%d failed=%d done=%t\n",
				prog.Total, prog.Completed, prog.Failed, prog.Done)
			return nil
		},
	}
}
