package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newSealCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "seal VALUE",
		Short: "Encrypt a password or DSN with TRANSX_SECRET_KEY for use in the configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sealer, err := secretSealer(v)
			if err != nil {
				return err
			}
			if sealer == nil {
				return errors.New("TRANSX_SECRET_KEY is not set")
			}
			sealed, err := sealer.Seal(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}
