package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitter-badger/zproc/internal/registry"
)

func newHandlersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "handlers",
		Short: "List registered ATOMIC and dispatch task handler ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("atomic:")
			for _, id := range registry.Default.AtomicIDs() {
				fmt.Printf("  %s\n", id)
			}
			fmt.Println("task:")
			for _, id := range registry.Default.TaskIDs() {
				fmt.Printf("  %s\n", id)
			}
			return nil
		},
	}
}
