// Command transx runs managed XA connection pools with background recovery
// and offers one-shot recovery, statistics and certificate tooling.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sushant-115/transx/config"
	"github.com/sushant-115/transx/core/security/encryption"
)

func main() {
	os.Exit(submain())
}

func submain() int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "transx",
		Short:         "Managed XA connection pools with transaction recovery",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addGlobalFlags(root.PersistentFlags())
	v := bindViper(root.PersistentFlags())

	root.AddCommand(
		newServeCommand(v),
		newRecoverCommand(v),
		newStatsCommand(v),
		newCertsCommand(),
		newSealCommand(v),
	)
	return root
}

var globalFlags = []string{"config", "log-level", "log-format", "admin-addr"}

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to the YAML configuration file")
	fs.String("log-level", "", "log level: debug, info, warn or error")
	fs.String("log-format", "", "log format: json or console")
	fs.String("admin-addr", "", "admin HTTP listen address")
}

// bindViper resolves global settings from flags first, then TRANSX_*
// environment variables.
func bindViper(fs *pflag.FlagSet) *viper.Viper {
	v := viper.New()
	for _, name := range globalFlags {
		if err := v.BindPFlag(name, fs.Lookup(name)); err != nil {
			panic(err)
		}
	}
	v.SetEnvPrefix("TRANSX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig reads the file named by --config (or TRANSX_CONFIG) and layers
// flag and environment overrides on top.
func loadConfig(v *viper.Viper) (config.Config, error) {
	cfg := config.Default()
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if v.IsSet("log-level") {
		cfg.Logger.Level = v.GetString("log-level")
	}
	if v.IsSet("log-format") {
		cfg.Logger.Format = v.GetString("log-format")
	}
	if v.IsSet("admin-addr") {
		cfg.Admin.Addr = v.GetString("admin-addr")
	}
	cfg.ApplyDefaults()
	sealer, err := secretSealer(v)
	if err != nil {
		return cfg, err
	}
	if err := cfg.OpenSecrets(sealer); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// secretSealer returns the sealer for TRANSX_SECRET_KEY, or nil when unset.
func secretSealer(v *viper.Viper) (*encryption.Sealer, error) {
	raw := v.GetString("secret-key")
	if raw == "" {
		return nil, nil
	}
	key, err := encryption.ParseKey(raw)
	if err != nil {
		return nil, err
	}
	return encryption.NewSealer(key)
}
