// Package dump streams a MediaWiki XML export into the article store.
package dump

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/aardwiki/internal/storage/sqlite"
	"github.com/JakeFAU/aardwiki/internal/wiki"
)

const defaultBatchSize = 500

// PageWriter persists imported pages.
type PageWriter interface {
	PutBatch(ctx context.Context, pages []sqlite.Page) error
}

// titleNormalizer is implemented by writers that know the canonical title
// form of their store, such as the sqlite article store.
type titleNormalizer interface {
	NormalizeTitle(title string) string
}

// Stats summarizes one import.
type Stats struct {
	Pages         int
	Imported      int
	WeakRedirects int
	Empty         int
	SiteName      string
}

// Importer reads <page> elements and writes them in dump order.
type Importer struct {
	writer    PageWriter
	lang      string
	redirect  *wiki.RedirectMatcher
	normalize func(string) string
	logger    *zap.Logger
	batchSize int
}

// Option customizes an Importer.
type Option func(*Importer)

// WithBatchSize overrides how many pages are written per transaction.
func WithBatchSize(n int) Option {
	return func(i *Importer) {
		if n > 0 {
			i.batchSize = n
		}
	}
}

// WithRedirectAliases sets the localized redirect keywords.
func WithRedirectAliases(aliases []string) Option {
	return func(i *Importer) {
		i.redirect = wiki.NewRedirectMatcher(i.lang, aliases)
	}
}

// NewImporter builds an Importer writing to w.
func NewImporter(w PageWriter, lang string, logger *zap.Logger, opts ...Option) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	imp := &Importer{
		writer:    w,
		lang:      lang,
		redirect:  wiki.NewRedirectMatcher(lang, nil),
		logger:    logger.Named("dump"),
		batchSize: defaultBatchSize,
	}
	imp.normalize = func(title string) string { return wiki.NormalizeTitle(lang, title) }
	if n, ok := w.(titleNormalizer); ok {
		imp.normalize = n.NormalizeTitle
	}
	for _, opt := range opts {
		opt(imp)
	}
	return imp
}

type page struct {
	Title    string `xml:"title"`
	Revision struct {
		Text string `xml:"text"`
	} `xml:"revision"`
}

// Import consumes r until the end of the dump or ctx cancellation.
func (i *Importer) Import(ctx context.Context, r io.Reader) (Stats, error) {
	var (
		stats Stats
		batch = make([]sqlite.Page, 0, i.batchSize)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := i.writer.PutBatch(ctx, batch); err != nil {
			return err
		}
		stats.Imported += len(batch)
		i.logger.Debug("batch written", zap.Int("size", len(batch)), zap.Int("imported", stats.Imported))
		batch = batch[:0]
		return nil
	}

	dec := xml.NewDecoder(r)
	for {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("import canceled: %w", err)
		}
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("read dump: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "sitename":
			var name string
			if err := dec.DecodeElement(&name, &start); err != nil {
				return stats, fmt.Errorf("decode sitename: %w", err)
			}
			stats.SiteName = strings.TrimSpace(name)
		case "page":
			var p page
			if err := dec.DecodeElement(&p, &start); err != nil {
				return stats, fmt.Errorf("decode page %d: %w", stats.Pages+1, err)
			}
			stats.Pages++
			title := strings.TrimSpace(strings.ReplaceAll(p.Title, "\n", " "))
			if title == "" || strings.TrimSpace(p.Revision.Text) == "" {
				stats.Empty++
				continue
			}
			if i.weakRedirect(title, p.Revision.Text) {
				stats.WeakRedirects++
				i.logger.Debug("weak redirect skipped", zap.String("title", title))
				continue
			}
			batch = append(batch, sqlite.Page{Title: title, Text: p.Revision.Text})
			if len(batch) >= i.batchSize {
				if err := flush(); err != nil {
					return stats, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}
	i.logger.Info("dump imported",
		zap.Int("pages", stats.Pages),
		zap.Int("imported", stats.Imported),
		zap.Int("weak_redirects", stats.WeakRedirects),
		zap.Int("empty", stats.Empty),
	)
	return stats, nil
}

// weakRedirect reports whether text redirects title to itself.
func (i *Importer) weakRedirect(title, text string) bool {
	target, ok := i.redirect.Target(text)
	if !ok {
		return false
	}
	return target == i.normalize(title)
}
