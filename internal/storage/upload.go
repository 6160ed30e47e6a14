// Package storage publishes finished dictionaries to a blob store. The
// concrete stores live in the gcs, local and memory subpackages.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/aardwiki/internal/wiki"
)

// Artifact is one local file to publish.
type Artifact struct {
	Path        string
	ContentType string
}

// Uploader copies local artifacts into a blob store below a prefix.
type Uploader struct {
	blobs  wiki.BlobStore
	prefix string
	logger *zap.Logger
}

// NewUploader returns an Uploader; prefix may be empty.
func NewUploader(blobs wiki.BlobStore, prefix string, logger *zap.Logger) (*Uploader, error) {
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		blobs:  blobs,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.Named("upload"),
	}, nil
}

// ObjectName is the blob path for a local file.
func (u *Uploader) ObjectName(local string) string {
	name := filepath.Base(local)
	if u.prefix == "" {
		return name
	}
	return path.Join(u.prefix, name)
}

// Upload publishes every artifact in order and returns their URIs. It stops
// at the first failure.
func (u *Uploader) Upload(ctx context.Context, artifacts ...Artifact) ([]string, error) {
	uris := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		uri, err := u.uploadOne(ctx, a)
		if err != nil {
			return uris, err
		}
		u.logger.Info("artifact uploaded", zap.String("path", a.Path), zap.String("uri", uri))
		uris = append(uris, uri)
	}
	return uris, nil
}

func (u *Uploader) uploadOne(ctx context.Context, a Artifact) (string, error) {
	// #nosec G304 -- artifacts are files this process just wrote.
	f, err := os.Open(a.Path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	uri, err := u.blobs.PutObject(ctx, u.ObjectName(a.Path), a.ContentType, f)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", a.Path, err)
	}
	return uri, nil
}
