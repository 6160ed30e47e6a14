package siteinfo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleResponse = `{
  "batchcomplete": "",
  "query": {
    "general": {"sitename": "Wikipedia", "lang": "de", "base": "https://de.wikipedia.org/wiki/Wikipedia:Hauptseite", "generator": "MediaWiki 1.42"},
    "namespaces": {"0": {"id": 0, "*": ""}, "14": {"id": 14, "*": "Kategorie", "canonical": "Category"}},
    "magicwords": [
      {"name": "notoc", "aliases": ["__KEIN_INHALTSVERZEICHNIS__", "__NOTOC__"]},
      {"name": "redirect", "aliases": ["#WEITERLEITUNG", "#REDIRECT"]}
    ]
  }
}`

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	info := Info{
		General:    General{SiteName: "Wikipedia", Lang: "en"},
		MagicWords: []MagicWord{{Name: "redirect", Aliases: []string{"#REDIRECT"}}},
	}
	path, err := Save(dir, "en", info)
	require.NoError(t, err)
	assert.FileExists(t, path)

	loaded, err := Load(dir, "en")
	require.NoError(t, err)
	assert.Equal(t, "Wikipedia", loaded.General.SiteName)
	assert.Equal(t, []string{"#REDIRECT"}, loaded.RedirectAliases())
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()

	_, err := Load(t.TempDir(), "xx")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLoadRequiresSiteName(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := Save(dir, "en", Info{})
	require.NoError(t, err)
	_, err = Load(dir, "en")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestFetcherDecodesSiteinfo(t *testing.T) {
	t.Parallel()

	var gotQuery, gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAgent = r.UserAgent()
		assert.Equal(t, "/w/api.php", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	f := NewFetcher(Config{BaseURL: srv.URL, UserAgent: "aardwiki-test", Timeout: 5 * time.Second})
	info, err := f.Fetch(context.Background(), "de")
	require.NoError(t, err)

	assert.Contains(t, gotQuery, "meta=siteinfo")
	assert.Equal(t, "aardwiki-test", gotAgent)
	assert.Equal(t, "Wikipedia", info.General.SiteName)
	assert.Equal(t, "Kategorie", info.Namespaces["14"].Name)
	assert.Equal(t, []string{"#WEITERLEITUNG", "#REDIRECT"}, info.RedirectAliases())
}

func TestFetcherReportsHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFetcher(Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	_, err := f.Fetch(context.Background(), "en")
	require.Error(t, err)
}

func TestFetcherReportsAPIErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"code":"badvalue","info":"Unrecognized value"}}`))
	}))
	defer srv.Close()

	f := NewFetcher(Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	_, err := f.Fetch(context.Background(), "en")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "badvalue")
}

func TestFetcherURLTemplate(t *testing.T) {
	t.Parallel()

	f := NewFetcher(Config{BaseURL: "https://%s.wikipedia.org/"})
	assert.Equal(t,
		"https://fr.wikipedia.org/w/api.php?"+apiQuery,
		f.URL("fr"),
	)
}
