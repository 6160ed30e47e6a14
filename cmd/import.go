package cmd

import (
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/aardwiki/internal/dump"
	"github.com/JakeFAU/aardwiki/internal/storage/sqlite"
)

// newImportCmd creates the 'import' subcommand.
func newImportCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "import <dump.xml[.bz2]>",
		Short: "Imports a MediaWiki XML dump into the article store",
		Long: `Streams the pages of a MediaWiki XML export into --data-dir/--lang.
Fetch the siteinfo first so localized redirect keywords are recognized.
Use "-" to read the dump from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := sqlite.Open(ctx, e.cfg.Wiki.DataDir, e.cfg.Wiki.Lang)
			if err != nil {
				return fmt.Errorf("open article store: %w", err)
			}
			defer func() { _ = store.Close() }()
			if !store.HasSiteInfo() {
				e.logger.Warn("no siteinfo cached, only default redirect keywords are recognized",
					zap.String("lang", e.cfg.Wiki.Lang))
			}

			r, closeInput, err := openDump(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer closeInput()

			imp := dump.NewImporter(store, e.cfg.Wiki.Lang, e.logger,
				dump.WithBatchSize(batch),
				dump.WithRedirectAliases(store.SiteInfo().RedirectAliases()),
			)
			stats, err := imp.Import(ctx, r)
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d pages (%d weak redirects, %d empty) into %s\n",
				stats.Imported, stats.Pages, stats.WeakRedirects, stats.Empty, store.Path())
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "pages written per transaction")
	return cmd
}

// openDump opens path, decompressing .bz2 files on the fly.
func openDump(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "-" {
		return stdin, func() {}, nil
	}
	// #nosec G304 -- operator-supplied dump file.
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open dump: %w", err)
	}
	closeFn := func() { _ = f.Close() }
	if strings.HasSuffix(path, ".bz2") {
		return bzip2.NewReader(f), closeFn, nil
	}
	return f, closeFn, nil
}
