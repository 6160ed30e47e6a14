package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArticleStoreIteratesInInsertionOrder(t *testing.T) {
	t.Parallel()

	store := NewArticleStore("en").
		Put("B", "b").
		Put("A", "a").
		Put("B", "b2")

	cur, err := store.Titles(context.Background())
	require.NoError(t, err)
	var titles []string
	for cur.Next() {
		titles = append(titles, cur.Title())
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, []string{"B", "A"}, titles)
	assert.False(t, cur.Next())

	raw, err := store.FetchRaw(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, "b2", raw)

	raw, err = store.FetchRaw(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestArticleStoreRedirects(t *testing.T) {
	t.Parallel()

	store := NewArticleStore("en")
	target, ok := store.RedirectTarget("#REDIRECT [[main_page]]")
	assert.True(t, ok)
	assert.Equal(t, "Main page", target)
	assert.Equal(t, "en", store.Lang())
	assert.NoError(t, store.Close())
}
