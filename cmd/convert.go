package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/aardwiki/internal/server"
)

// newConvertCmd creates the 'convert' subcommand.
func newConvertCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Converts every article of the store into the output dictionary",
		Long: `Converts the articles of --data-dir/--lang into --output. With --workers 0
the conversion runs in-process; otherwise a pool of worker processes is used
and reset whenever no result arrives within --timeout seconds.`,
		Args: cobra.NoArgs,
		RunE: runConvertCommand,
	}

	flags := cmd.Flags()
	flags.StringP("output", "o", "", "output dictionary path (default <data-dir>/<lang>.jsonl)")
	flags.IntP("workers", "w", 0, "worker processes; 0 converts in-process (default number of CPUs)")
	flags.Int("timeout", 0, "seconds without a result before the pool is reset (default 120)")
	flags.Int("start", 0, "skip articles up to this position")
	flags.Int("end", 0, "stop after this position; 0 converts to the end")
	flags.Int("max-item-stalls", 0, "retire an article after it was in flight during this many resets (default 2)")
	flags.Float64("respawn-rate", 0, "lost workers replaced per second (default 5)")
	flags.StringSlice("metadata", nil, "metadata TOML files, later files win")
	flags.String("license", "", "file with the license text")
	flags.String("copyright", "", "file with the copyright text")
	flags.String("dict-ver", "", "dictionary version")
	flags.String("dict-update", "", "dictionary update tag")
	flags.String("upload", "", "upload target: none, local or gcs")
	flags.Int("port", 0, "status server port; 0 disables it")
	bindFlags(v, flags, map[string]string{
		"output.path":             "output",
		"convert.workers":         "workers",
		"convert.timeout_seconds": "timeout",
		"convert.start":           "start",
		"convert.end":             "end",
		"convert.max_item_stalls": "max-item-stalls",
		"convert.respawn_rate":    "respawn-rate",
		"metadata.files":          "metadata",
		"metadata.license_file":   "license",
		"metadata.copyright_file": "copyright",
		"metadata.dict_version":   "dict-ver",
		"metadata.dict_update":    "dict-update",
		"output.upload":           "upload",
		"server.port":             "port",
	})
	return cmd
}

func runConvertCommand(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	cfg := e.cfg
	logger := e.logger

	app, err := server.Build(cmd.Context(), cfg, logger, server.Options{
		Version:    Version,
		Executable: workerExecutable,
		WorkerArgs: workerArgs(cfg.Wiki.DataDir, cfg.Wiki.Lang, cfg.Logging.Development),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize conversion: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if cerr := app.Close(closeCtx); cerr != nil {
			logger.Warn("failed to close conversion", zap.Error(cerr))
		}
	}()

	sum, runErr := app.Run(cmd.Context())
	out := cmd.OutOrStdout()
	printSummary(out, sum, shouldColorize(out))
	if runErr != nil {
		return fmt.Errorf("convert: %w", runErr)
	}
	return nil
}
