package wiki

import (
	"context"
	"io"
	"time"
)

// Store provides raw article content keyed by title.
type Store interface {
	// Titles opens a cursor over every title in store order.
	Titles(ctx context.Context) (TitleCursor, error)
	// FetchRaw returns the raw markup without following redirects. A missing
	// article yields an empty string and no error.
	FetchRaw(ctx context.Context, title string) (string, error)
	// RedirectTarget reports whether raw is a redirect and returns the
	// normalized target title.
	RedirectTarget(raw string) (string, bool)
	// NormalizeTitle folds a title into its canonical form.
	NormalizeTitle(title string) string
	// Lang is the language tag the store was opened with.
	Lang() string
	Close() error
}

// TitleCursor iterates titles lazily. It is not restartable.
type TitleCursor interface {
	Next() bool
	Title() string
	Err() error
	Close() error
}

// Sink accumulates converted articles and dictionary metadata.
type Sink interface {
	// AddMetadata sets key to value; the last write wins.
	AddMetadata(key string, value any) error
	// AddArticle appends a serialized article in arrival order.
	AddArticle(title string, payload []byte, redirect bool) error
}

// Converter turns one title into a tagged outcome.
type Converter interface {
	Convert(ctx context.Context, title string) Outcome
}

// Worker is one isolated conversion process owned by the pool.
type Worker interface {
	// Convert hands title to the worker and blocks until it answers. A
	// non-nil error means the worker itself is gone, not that the article
	// failed.
	Convert(ctx context.Context, title string) (Outcome, error)
	// Close asks the worker to exit after its current item and reaps it.
	Close() error
	// Kill terminates the worker immediately, abandoning any in-flight item.
	Kill() error
}

// WorkerFactory starts workers bound to one data directory and language.
// Start returns once the worker finished its one-time store initialization.
type WorkerFactory interface {
	Start(ctx context.Context, id int) (Worker, error)
}

// BlobStore writes finished artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes run completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
