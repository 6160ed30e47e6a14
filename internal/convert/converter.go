// Package convert implements the per-title conversion step: fetch the raw
// markup, short-circuit redirects, parse everything else and serialize the
// result. Every failure comes back as a wiki.Outcome of KindFailed.
package convert

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/JakeFAU/aardwiki/internal/wiki"
)

// Parser turns raw markup into an Article.
type Parser interface {
	Parse(title, raw string) (wiki.Article, error)
}

// Converter is a wiki.Converter bound to one store handle.
type Converter struct {
	store     wiki.Store
	parser    Parser
	logger    *zap.Logger
	reclaimGC bool
}

var _ wiki.Converter = (*Converter)(nil)

// Option customizes a Converter.
type Option func(*Converter)

// WithoutGC disables the memory reclamation pass before each item.
func WithoutGC() Option {
	return func(c *Converter) { c.reclaimGC = false }
}

// New builds a Converter.
func New(store wiki.Store, parser Parser, logger *zap.Logger, opts ...Option) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Converter{
		store:     store,
		parser:    parser,
		logger:    logger.Named("convert"),
		reclaimGC: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Convert converts one title. It never panics and never returns a partial
// payload.
func (c *Converter) Convert(ctx context.Context, title string) (out wiki.Outcome) {
	if c.reclaimGC {
		runtime.GC()
	}
	defer func() {
		if r := recover(); r != nil {
			out = c.fail(title, fmt.Errorf("panic: %v", r))
		}
	}()

	raw, err := c.store.FetchRaw(ctx, title)
	if err != nil {
		return c.fail(title, err)
	}
	if raw == "" {
		return c.fail(title, wiki.ErrEmptyArticle)
	}

	if target, ok := c.store.RedirectTarget(raw); ok {
		payload, err := wiki.NewRedirect(target).Encode()
		if err != nil {
			return c.fail(title, err)
		}
		return wiki.Outcome{Title: title, Kind: wiki.KindRedirect, Payload: payload, Redirect: target}
	}

	article, err := c.parser.Parse(title, raw)
	if err != nil {
		return c.fail(title, err)
	}
	payload, err := article.Encode()
	if err != nil {
		return c.fail(title, err)
	}
	return wiki.Outcome{Title: title, Kind: wiki.KindArticle, Payload: payload}
}

func (c *Converter) fail(title string, cause error) wiki.Outcome {
	out := wiki.Failure(title, cause)
	c.logger.Warn("article conversion failed", zap.String("title", title), zap.Error(cause))
	return out
}
