package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/aardwiki/internal/siteinfo"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	store, err := Open(context.Background(), dir, "en")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func collectTitles(t *testing.T, store *Store) []string {
	t.Helper()
	cur, err := store.Titles(context.Background())
	require.NoError(t, err)
	defer func() { _ = cur.Close() }()
	var titles []string
	for cur.Next() {
		titles = append(titles, cur.Title())
	}
	require.NoError(t, cur.Err())
	return titles
}

func TestPutBatchKeepsInsertionOrder(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.PutBatch(ctx, []Page{
		{Title: "Zebra", Text: "z"},
		{Title: "Apple", Text: "a"},
	}))
	require.NoError(t, store.PutBatch(ctx, []Page{
		{Title: "Mango", Text: "m"},
		{Title: "Zebra", Text: "z2"},
	}))

	assert.Equal(t, []string{"Zebra", "Apple", "Mango"}, collectTitles(t, store))

	text, err := store.FetchRaw(ctx, "Zebra")
	require.NoError(t, err)
	assert.Equal(t, "z2", text)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestFetchRawMissingIsEmpty(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, t.TempDir())
	text, err := store.FetchRaw(context.Background(), "Nope")
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestRedirectAliasesFromSiteinfo(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := siteinfo.Save(dir, "en", siteinfo.Info{
		General:    siteinfo.General{SiteName: "Wikipedia", Lang: "en"},
		MagicWords: []siteinfo.MagicWord{{Name: "redirect", Aliases: []string{"#REDIRECT", "#RENVOI"}}},
	})
	require.NoError(t, err)

	store := openTestStore(t, dir)
	assert.True(t, store.HasSiteInfo())

	target, ok := store.RedirectTarget("#renvoi [[paris]]")
	assert.True(t, ok)
	assert.Equal(t, "Paris", target)
	assert.Equal(t, "Foo bar", store.NormalizeTitle("foo_bar"))
	assert.Equal(t, "en", store.Lang())
}

func TestReopenSeesPersistedArticles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := Open(context.Background(), dir, "en")
	require.NoError(t, err)
	require.NoError(t, first.PutBatch(context.Background(), []Page{{Title: "A", Text: "alpha"}}))
	require.NoError(t, first.Close())

	second := openTestStore(t, dir)
	assert.False(t, second.HasSiteInfo())
	assert.Equal(t, []string{"A"}, collectTitles(t, second))
}

func TestOpenRequiresLanguage(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), t.TempDir(), "")
	require.Error(t, err)
}
