// Package sequencer yields the titles of a store that are due for
// conversion: range bounds applied, non-content namespaces filtered out.
package sequencer

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"go.uber.org/zap"

	"github.com/JakeFAU/aardwiki/internal/wiki"
)

// Config bounds the sequence. Positions count titles read from the store,
// starting at 1.
type Config struct {
	// Start skips every position <= Start.
	Start int
	// End stops after position End; 0 means no bound.
	End int
	// Pooled is false in single-threaded mode, where the runtime is asked
	// to reclaim memory after each yield.
	Pooled bool
}

// Sequencer is a lazy, finite, non-restartable title sequence.
type Sequencer struct {
	store   wiki.Store
	cfg     Config
	logger  *zap.Logger
	reclaim func()

	cur     wiki.TitleCursor
	done    bool
	read    int
	yielded int
	skipped int
}

// Option customizes a Sequencer.
type Option func(*Sequencer)

// WithReclaim replaces the memory reclamation hook used in non-pooled mode.
func WithReclaim(fn func()) Option {
	return func(s *Sequencer) {
		if fn != nil {
			s.reclaim = fn
		}
	}
}

// New builds a Sequencer over store.
func New(store wiki.Store, cfg Config, logger *zap.Logger, opts ...Option) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sequencer{
		store:   store,
		cfg:     cfg,
		logger:  logger.Named("sequencer"),
		reclaim: runtime.GC,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next returns the next title or io.EOF once the sequence is exhausted.
func (s *Sequencer) Next(ctx context.Context) (string, error) {
	if s.done {
		return "", io.EOF
	}
	if s.cur == nil {
		if s.cfg.Start > 0 {
			s.logger.Info("skipping to article", zap.Int("start", s.cfg.Start))
		}
		cur, err := s.store.Titles(ctx)
		if err != nil {
			s.done = true
			return "", fmt.Errorf("open title cursor: %w", err)
		}
		s.cur = cur
	}
	if !s.cfg.Pooled && s.yielded > 0 {
		s.reclaim()
	}

	for s.cur.Next() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		s.read++
		if s.read <= s.cfg.Start {
			continue
		}
		if s.cfg.End > 0 && s.read > s.cfg.End {
			s.logger.Info("reached end bound, stopping", zap.Int("end", s.cfg.End))
			return "", s.finish(nil)
		}
		title := s.cur.Title()
		if wiki.IsSpecial(title) {
			s.skipped++
			s.logger.Debug("special article, skipping",
				zap.String("title", title),
				zap.Int("skipped", s.skipped),
			)
			continue
		}
		s.yielded++
		s.logger.Debug("yielding title", zap.String("title", title))
		return title, nil
	}
	return "", s.finish(s.cur.Err())
}

func (s *Sequencer) finish(err error) error {
	s.done = true
	closeErr := s.cur.Close()
	if err != nil {
		return fmt.Errorf("iterate titles: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("close title cursor: %w", closeErr)
	}
	return io.EOF
}

// Close releases the underlying cursor early.
func (s *Sequencer) Close() error {
	if s.done || s.cur == nil {
		s.done = true
		return nil
	}
	s.done = true
	return s.cur.Close()
}

// Read is the number of titles read from the store so far.
func (s *Sequencer) Read() int { return s.read }

// Yielded is the number of titles handed out.
func (s *Sequencer) Yielded() int { return s.yielded }

// Skipped is the number of special titles filtered out.
func (s *Sequencer) Skipped() int { return s.skipped }
