// Package cmd defines and implements the CLI commands of the aardwiki
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/aardwiki/internal/config"
	"github.com/JakeFAU/aardwiki/internal/logging"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

type envKeyType struct{}

// env is what PersistentPreRunE hands to the subcommands.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newLogger is replaced in tests.
var newLogger = func(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Logging.Development || logging.Interactive())
}

// NewRootCmd creates and configures the root command.
func NewRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "aardwiki",
		Short: "Converts a wiki article store into an offline dictionary.",
		Long: `aardwiki converts the raw articles of a wiki data directory into a
dictionary file: one JSON record per article or redirect, plus metadata.
Articles are converted by a pool of worker processes that is reset when it
stalls, so a single pathological article cannot stop the run.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Read(v, cfgFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKeyType{}, &env{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKeyType{}).(*env); ok {
				_ = e.logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	flags.String("data-dir", "", "directory holding the article store and siteinfo")
	flags.String("lang", "", "wiki language code")
	flags.Bool("dev", false, "human-readable development logging")
	bindFlags(v, flags, map[string]string{
		"wiki.data_dir":       "data-dir",
		"wiki.lang":           "lang",
		"logging.development": "dev",
	})

	cmd.AddCommand(
		newConvertCmd(v),
		newWorkerCmd(),
		newImportCmd(),
		newSiteInfoCmd(v),
	)
	return cmd
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKeyType{}).(*env)
	if !ok || e == nil {
		return nil, errors.New("command environment not initialized")
	}
	return e, nil
}

// bindFlags maps viper keys onto flag names. Unknown flags are a programming
// error.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}
