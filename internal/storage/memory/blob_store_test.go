package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "dicts/en.jsonl", "application/x-ndjson", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://dicts/en.jsonl", uri)

	payload[0] = 'C'
	stored, ok := store.Object("dicts/en.jsonl")
	require.True(t, ok)
	assert.Equal(t, "content", string(stored))

	_, ok = store.Object("missing")
	assert.False(t, ok)
}
