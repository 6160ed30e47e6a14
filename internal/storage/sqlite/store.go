// Package sqlite implements the article store of a data directory on top of
// an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/aardwiki/internal/siteinfo"
	"github.com/JakeFAU/aardwiki/internal/wiki"
)

// Page is one raw article as imported from a dump.
type Page struct {
	Title string
	Text  string
}

// Store is a wiki.Store backed by <dataDir>/<lang>.db.
type Store struct {
	db       *sql.DB
	path     string
	lang     string
	redirect *wiki.RedirectMatcher
	info     siteinfo.Info
}

var _ wiki.Store = (*Store)(nil)

// FileName returns the database file name used for lang.
func FileName(lang string) string {
	return lang + ".db"
}

// Open opens (creating if needed) the article database for lang in dataDir.
// Redirect aliases come from the cached siteinfo when one exists.
func Open(ctx context.Context, dataDir, lang string) (*Store, error) {
	if lang == "" {
		return nil, errors.New("language is required")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}

	info, err := siteinfo.Load(dataDir, lang)
	if err != nil && !errors.Is(err, siteinfo.ErrNotFound) {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, FileName(lang))
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{
		db:       db,
		path:     dbPath,
		lang:     lang,
		redirect: wiki.NewRedirectMatcher(lang, info.RedirectAliases()),
		info:     info,
	}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS articles (
        id    INTEGER PRIMARY KEY AUTOINCREMENT,
        title TEXT NOT NULL UNIQUE,
        text  TEXT NOT NULL
    )`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create articles table: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Lang returns the language the store was opened for.
func (s *Store) Lang() string { return s.lang }

// SiteInfo returns the cached siteinfo, zero when none was found.
func (s *Store) SiteInfo() siteinfo.Info { return s.info }

// HasSiteInfo reports whether a siteinfo file was loaded.
func (s *Store) HasSiteInfo() bool { return s.info.General.SiteName != "" }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutBatch upserts pages in one transaction. New titles keep import order.
func (s *Store) PutBatch(ctx context.Context, pages []Page) error {
	if len(pages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO articles (title, text) VALUES (?, ?)
         ON CONFLICT(title) DO UPDATE SET text = excluded.text`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range pages {
		if _, err := stmt.ExecContext(ctx, p.Title, p.Text); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert %q: %w", p.Title, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Count returns the number of stored articles.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count articles: %w", err)
	}
	return n, nil
}

// FetchRaw returns the raw markup of title without following redirects.
// Unknown titles yield an empty string.
func (s *Store) FetchRaw(ctx context.Context, title string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT text FROM articles WHERE title = ?`, title).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fetch %q: %w", title, err)
	}
	return text, nil
}

// RedirectTarget reports whether raw is a redirect and returns its
// normalized target.
func (s *Store) RedirectTarget(raw string) (string, bool) {
	return s.redirect.Target(raw)
}

// NormalizeTitle folds title using the store language.
func (s *Store) NormalizeTitle(title string) string {
	return wiki.NormalizeTitle(s.lang, title)
}

// Titles iterates all titles in insertion order.
func (s *Store) Titles(ctx context.Context) (wiki.TitleCursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT title FROM articles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query titles: %w", err)
	}
	return &titleCursor{rows: rows}, nil
}

type titleCursor struct {
	rows  *sql.Rows
	title string
	err   error
}

func (c *titleCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	if err := c.rows.Scan(&c.title); err != nil {
		c.err = fmt.Errorf("scan title: %w", err)
		return false
	}
	return true
}

func (c *titleCursor) Title() string { return c.title }

func (c *titleCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *titleCursor) Close() error { return c.rows.Close() }
