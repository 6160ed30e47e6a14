package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/aardwiki/internal/wiki"
)

// ArticleStore is an in-memory wiki.Store that iterates titles in the order
// they were first added.
type ArticleStore struct {
	mu       sync.RWMutex
	lang     string
	titles   []string
	raw      map[string]string
	redirect *wiki.RedirectMatcher
}

var _ wiki.Store = (*ArticleStore)(nil)

// NewArticleStore constructs an empty ArticleStore for lang.
func NewArticleStore(lang string) *ArticleStore {
	return &ArticleStore{
		lang:     lang,
		raw:      make(map[string]string),
		redirect: wiki.NewRedirectMatcher(lang, nil),
	}
}

// Put stores raw markup for title, replacing any previous value.
func (s *ArticleStore) Put(title, raw string) *ArticleStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.raw[title]; !exists {
		s.titles = append(s.titles, title)
	}
	s.raw[title] = raw
	return s
}

// Titles returns a cursor over a snapshot of the current titles.
func (s *ArticleStore) Titles(_ context.Context) (wiki.TitleCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &sliceCursor{titles: append([]string(nil), s.titles...), pos: -1}, nil
}

// FetchRaw returns the stored markup, or "" for unknown titles.
func (s *ArticleStore) FetchRaw(_ context.Context, title string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.raw[title], nil
}

// RedirectTarget implements wiki.Store.
func (s *ArticleStore) RedirectTarget(raw string) (string, bool) {
	return s.redirect.Target(raw)
}

// NormalizeTitle implements wiki.Store.
func (s *ArticleStore) NormalizeTitle(title string) string {
	return wiki.NormalizeTitle(s.lang, title)
}

// Lang implements wiki.Store.
func (s *ArticleStore) Lang() string { return s.lang }

// Close implements wiki.Store.
func (s *ArticleStore) Close() error { return nil }

type sliceCursor struct {
	titles []string
	pos    int
}

func (c *sliceCursor) Next() bool {
	if c.pos+1 >= len(c.titles) {
		c.pos = len(c.titles)
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor) Title() string {
	if c.pos < 0 || c.pos >= len(c.titles) {
		return ""
	}
	return c.titles[c.pos]
}

func (c *sliceCursor) Err() error   { return nil }
func (c *sliceCursor) Close() error { return nil }
