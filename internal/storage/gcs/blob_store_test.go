package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type stubFactory struct {
	client *storage.Client
	err    error
}

func (s stubFactory) NewClient(context.Context, ...option.ClientOption) (*storage.Client, error) {
	return s.client, s.err
}

func newStatusClient(t *testing.T, status int, body string) *storage.Client {
	t.Helper()
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{
			Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
				assert.Contains(t, r.URL.Path, "/storage/v1/b/dicts")
				return &http.Response{
					StatusCode: status,
					Body:       io.NopCloser(strings.NewReader(body)),
					Header:     make(http.Header),
					Request:    r,
				}, nil
			}),
		}),
	)
	require.NoError(t, err)
	return client
}

func TestOpenChecksBucket(t *testing.T) {
	t.Parallel()

	store, err := Open(context.Background(), Config{Bucket: "dicts"},
		stubFactory{client: newStatusClient(t, http.StatusOK, `{"name":"dicts"}`)})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = Open(context.Background(), Config{Bucket: "dicts"},
		stubFactory{client: newStatusClient(t, http.StatusNotFound, `{"error":{"code":404,"message":"no bucket"}}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get GCS bucket")
}

func TestOpenValidation(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{}, nil)
	require.Error(t, err)

	_, err = Open(context.Background(), Config{Bucket: "dicts"}, stubFactory{err: errors.New("no credentials")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create GCS client")

	_, err = New(nil, Config{Bucket: "dicts"})
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"title":"A"}`)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/dicts/o")
		assert.Equal(t, "en/en.jsonl", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), string(payload))
		assert.Contains(t, string(body), "application/x-ndjson")
		fmt.Fprintln(w, `{"name":"en/en.jsonl","bucket":"dicts"}`)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	store, err := New(client, Config{Bucket: "dicts"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "en/en.jsonl", "application/x-ndjson", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "gs://dicts/en/en.jsonl", uri)
	require.NoError(t, store.Close())

	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(payload))
	require.Error(t, err)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	store, err := New(client, Config{Bucket: "dicts"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "en/en.jsonl", "", bytes.NewReader([]byte("x")))
	require.Error(t, err)
}
