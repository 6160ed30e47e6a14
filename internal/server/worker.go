package server

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/JakeFAU/aardwiki/internal/convert"
	"github.com/JakeFAU/aardwiki/internal/markup"
	"github.com/JakeFAU/aardwiki/internal/storage/sqlite"
	"github.com/JakeFAU/aardwiki/internal/wiki"
	"github.com/JakeFAU/aardwiki/internal/worker"
)

// WorkerOpener opens the article store of a worker process once and builds
// its converter. A store without siteinfo is rejected the same way the
// parent rejects it.
func WorkerOpener(dataDir, lang string, logger *zap.Logger) worker.Opener {
	return func(ctx context.Context) (wiki.Converter, io.Closer, error) {
		st, err := sqlite.Open(ctx, dataDir, lang)
		if err != nil {
			return nil, nil, err
		}
		if !st.HasSiteInfo() {
			_ = st.Close()
			return nil, nil, fmt.Errorf("no siteinfo for %q in %s", lang, dataDir)
		}
		return convert.New(st, markup.NewParser(), logger), st, nil
	}
}
