package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/aardwiki/internal/logging"
	"github.com/JakeFAU/aardwiki/internal/server"
	"github.com/JakeFAU/aardwiki/internal/worker"
)

const workerCmdName = "worker"

// workerExecutable is the binary started for each worker; empty means the
// running executable. Tests point it at the test binary.
var workerExecutable string

// workerArgs are the arguments the parent passes to its own executable to
// start one worker process.
func workerArgs(dataDir, lang string, debug bool) []string {
	args := []string{workerCmdName, "--data-dir", dataDir, "--lang", lang}
	if debug {
		args = append(args, "--debug")
	}
	return args
}

// newWorkerCmd creates the hidden 'worker' subcommand run by the pool. It
// speaks JSON lines on stdin/stdout and logs JSON to stderr.
func newWorkerCmd() *cobra.Command {
	var (
		dataDir string
		lang    string
		debug   bool
	)
	cmd := &cobra.Command{
		Use:    workerCmdName,
		Short:  "Runs one conversion worker process",
		Hidden: true,
		Args:   cobra.NoArgs,
		// Overrides the root hook: workers ignore config files and log JSON.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := zapcore.InfoLevel
			if debug {
				level = zapcore.DebugLevel
			}
			logger, err := logging.NewWorker(level)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if dataDir == "" || lang == "" {
				return fmt.Errorf("--data-dir and --lang are required")
			}
			return worker.Serve(cmd.Context(), os.Stdin, os.Stdout,
				server.WorkerOpener(dataDir, lang, logger), logger)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory holding the article store")
	cmd.Flags().StringVar(&lang, "lang", "", "wiki language code")
	cmd.Flags().BoolVar(&debug, "debug", false, "log at debug level")
	return cmd
}
