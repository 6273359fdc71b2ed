// Command zproc is the operator and worker CLI for a zprocd-managed
// state server: point reads and writes, ad hoc watches, and the entry
// point spawned workers re-exec to run a dispatched task.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// jsonOutput switches ping/set/dispatch-status's human-readable summary lines to a
// single JSON object on stdout, for scripting. Package-level rather than
// threaded through every RunE, matching the rest of the pack's CLI idiom.
var jsonOutput bool

func main() {
	root := &cobra.Command{
		Use:   "zproc",
		Short: "zproc reads, writes, and watches the shared state managed by zprocd",
	}
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON instead of human-readable text")

	root.AddCommand(
		newPingCmd(),
		newGetCmd(),
		newSetCmd(),
		newWatchCmd(),
		newHandlersCmd(),
		newWorkCmd(),
		newDispatchCmd(),
		newDispatchStatusCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
