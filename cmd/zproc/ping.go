package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitter-badger/zproc/internal/proxy"
)

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Report the state server's identity and current revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := proxy.Connect()
			if err != nil {
				return err
			}
			defer p.Close()

			res, err := p.Ping()
			if err != nil {
				return err
			}
			if jsonOutput {
				enc, err := json.Marshal(res)
				if err != nil {
					return err
				}
				fmt.Println(string(enc))
				return nil
			}
			fmt.Printf("server_id=%s revision=%d\n", res.ServerID, res.Revision)
			return nil
		},
	}
}
