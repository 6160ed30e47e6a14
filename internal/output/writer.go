// Package output writes the converted dictionary: one JSON record per
// article in arrival order, plus a metadata sidecar written on Close.
package output

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/JakeFAU/aardwiki/internal/wiki"
)

// ErrLocked is returned when another process is writing the same output.
var ErrLocked = errors.New("output file is locked by another process")

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("output writer closed")

// MetadataSuffix is appended to the output path for the metadata sidecar.
const MetadataSuffix = ".metadata.json"

// Record is one line of the article file.
type Record struct {
	Title    string          `json:"title"`
	Redirect bool            `json:"redirect,omitempty"`
	Article  json.RawMessage `json:"article"`
}

// Writer is a wiki.Sink backed by a JSON-lines file. It has a single writer:
// the coordinator.
type Writer struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	enc    *json.Encoder
	lock   *flock.Flock
	logger *zap.Logger

	mu       sync.Mutex
	metadata map[string]any
	articles int
	closed   bool
}

var _ wiki.Sink = (*Writer)(nil)

// Create truncates or creates path and locks it for the lifetime of the
// Writer.
func Create(path string, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("ensure output dir: %w", err)
	}
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire output lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	// #nosec G304 -- path is the operator-supplied output file.
	file, err := os.Create(path)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("create output %s: %w", path, err)
	}
	buf := bufio.NewWriterSize(file, 1<<20)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)

	logger.Named("output").Info("writing dictionary", zap.String("path", path))
	return &Writer{
		path:     path,
		file:     file,
		buf:      buf,
		enc:      enc,
		lock:     lock,
		logger:   logger.Named("output"),
		metadata: make(map[string]any),
	}, nil
}

// Path returns the article file path.
func (w *Writer) Path() string { return w.path }

// MetadataPath returns the sidecar path.
func (w *Writer) MetadataPath() string { return w.path + MetadataSuffix }

// AddMetadata sets key to value; the last write wins.
func (w *Writer) AddMetadata(key string, value any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.metadata[key] = value
	return nil
}

// HasMetadata reports whether key was set.
func (w *Writer) HasMetadata(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.metadata[key]
	return ok
}

// AddArticle appends one serialized article.
func (w *Writer) AddArticle(title string, payload []byte, redirect bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if !json.Valid(payload) {
		return fmt.Errorf("article %q: payload is not valid JSON", title)
	}
	if err := w.enc.Encode(Record{Title: title, Redirect: redirect, Article: payload}); err != nil {
		return fmt.Errorf("write article %q: %w", title, err)
	}
	w.articles++
	return nil
}

// Articles returns the number of records written.
func (w *Writer) Articles() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.articles
}

// Close flushes the article file, writes the metadata sidecar and releases
// the lock.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if err := w.buf.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush output: %w", err))
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close output: %w", err))
	}
	if err := writeMetadata(w.MetadataPath(), w.metadata); err != nil {
		errs = append(errs, err)
	}
	if err := w.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("release output lock: %w", err))
	}
	w.logger.Info("dictionary written",
		zap.String("path", w.path),
		zap.Int("articles", w.articles),
		zap.Int("metadata_keys", len(w.metadata)),
	)
	return errors.Join(errs...)
}

func writeMetadata(path string, metadata map[string]any) error {
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write metadata %s: %w", path, err)
	}
	return nil
}
