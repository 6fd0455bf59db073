// Package storage exports fetched documents to a blob store. Objects are
// written once and never read back.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"regexp"
	"strings"

	gcsclient "cloud.google.com/go/storage"

	"github.com/JakeFAU/citefetch/internal/storage/gcs"
	"github.com/JakeFAU/citefetch/internal/storage/local"
)

// BlobStore persists one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Exporter is a BlobStore with resources to release.
type Exporter struct {
	BlobStore
	close func() error
}

// NewExporter pairs store with an optional close function.
func NewExporter(store BlobStore, closeFn func() error) *Exporter {
	return &Exporter{BlobStore: store, close: closeFn}
}

// Close releases the underlying client, if any.
func (e *Exporter) Close() error {
	if e.close == nil {
		return nil
	}
	return e.close()
}

// Open selects a blob store for target: gs://bucket/prefix uploads to GCS,
// anything else is treated as a local directory.
func Open(ctx context.Context, target string) (*Exporter, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("export target is required")
	}
	if !strings.HasPrefix(target, "gs://") {
		store, err := local.New(local.Config{BaseDir: target})
		if err != nil {
			return nil, fmt.Errorf("open local export: %w", err)
		}
		return NewExporter(store, nil), nil
	}

	bucket, prefix, err := parseGCSTarget(target)
	if err != nil {
		return nil, err
	}
	client, err := gcsclient.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	store, err := gcs.New(client, gcs.Config{Bucket: bucket, Prefix: prefix})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("open gcs export: %w", err)
	}
	return NewExporter(store, client.Close), nil
}

func parseGCSTarget(target string) (string, string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", "", fmt.Errorf("parse gcs target %q: %w", target, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("gcs target %q has no bucket", target)
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ObjectName derives a stable name for a document from its final URL and a
// digest of its content, with an extension taken from contentType.
func ObjectName(rawURL, contentType string, body []byte) string {
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])[:16]

	host, p := "unknown", "root"
	if u, err := url.Parse(rawURL); err == nil {
		if h := invalidNameChars.ReplaceAllString(u.Hostname(), "_"); h != "" {
			host = h
		}
		if trimmed := strings.Trim(u.EscapedPath(), "/"); trimmed != "" {
			p = invalidNameChars.ReplaceAllString(path.Base(trimmed), "_")
			p = strings.TrimSuffix(p, path.Ext(p))
		}
	}
	return fmt.Sprintf("%s/%s_%s%s", host, p, digest, extensionFor(contentType))
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".bin"
	}
	switch mediaType {
	case "application/pdf":
		return ".pdf"
	case "text/html", "application/xhtml+xml":
		return ".html"
	case "text/plain":
		return ".txt"
	case "application/xml", "text/xml":
		return ".xml"
	case "application/json":
		return ".json"
	default:
		return ".bin"
	}
}
