package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitter-badger/zproc/internal/proxy"
	"github.com/gitter-badger/zproc/internal/zerrors"
)

func newGetCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the JSON value at key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := proxy.Connect()
			if err != nil {
				return err
			}
			defer p.Close()

			var value json.RawMessage
			ok, err := p.Get(args[0], &value)
			if err != nil {
				return err
			}
			if !ok {
				if strict {
					return zerrors.KeyMissing(args[0])
				}
				fmt.Println("null")
				return nil
			}
			fmt.Println(string(value))
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit with an error if the key is absent")
	return cmd
}

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <json-value>",
		Short: "Set key to a JSON-encoded value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := proxy.Connect()
			if err != nil {
				return err
			}
			defer p.Close()

			var decoded any
			if err := json.Unmarshal([]byte(args[1]), &decoded); err != nil {
				return fmt.Errorf("zproc: %q is not valid JSON: %w", args[1], err)
			}

			rev, err := p.Set(args[0], decoded)
			if err != nil {
				return err
			}
			if jsonOutput {
				fmt.Printf("{\"revision\":%d}\n", rev)
				return nil
			}
			fmt.Printf("revision=%d\n", rev)
			return nil
		},
	}
}
