package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sushant-115/transx/config/certs"
)

func newCertsCommand() *cobra.Command {
	var dir, host string
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Generate a development CA with server and client certificates for the admin endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := certs.Generate(dir, host); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s, %s, %s to %s\n", certs.CAFile, certs.ServerCertFile, certs.ClientCertFile, dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "certs", "output directory")
	cmd.Flags().StringVar(&host, "host", "localhost", "server host name or IP")
	return cmd
}
