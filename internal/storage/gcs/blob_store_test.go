package gcs_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	gcsclient "cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/citefetch/internal/storage/gcs"
)

func newTestBlobStore(t *testing.T, handler http.Handler, prefix string) *gcs.BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := gcsclient.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := gcs.New(client, gcs.Config{Bucket: "test-bucket", Prefix: prefix})
	require.NoError(t, err)
	return store
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	assert.Error(t, err)

	client, err := gcsclient.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = gcs.New(client, gcs.Config{})
	assert.Error(t, err)
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	data := []byte("%PDF-1.7 test")
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		assert.Equal(t, "exports/pub.example/paper.pdf", r.URL.Query().Get("name"))
		assert.Equal(t, "0", r.URL.Query().Get("ifGenerationMatch"), "uploads must never overwrite")

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), string(data))
		assert.Contains(t, string(body), "application/pdf")

		fmt.Fprintln(w, `{"name": "exports/pub.example/paper.pdf", "bucket": "test-bucket"}`)
	})
	store := newTestBlobStore(t, handler, "/exports/")

	uri, err := store.PutObject(context.Background(), "pub.example/paper.pdf", "application/pdf", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/exports/pub.example/paper.pdf", uri)
}

func TestPutObjectExisting(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprintln(w, `{"error": {"code": 412, "message": "conditionNotMet"}}`)
	})
	store := newTestBlobStore(t, handler, "")

	_, err := store.PutObject(context.Background(), "doc.html", "text/html", bytes.NewReader([]byte("x")))
	require.Error(t, err)
	assert.ErrorIs(t, err, gcs.ErrObjectExists)
}

func TestPutObjectRejected(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestBlobStore(t, handler, "")

	_, err := store.PutObject(context.Background(), "doc.html", "text/html", bytes.NewReader([]byte("x")))
	require.Error(t, err)
	assert.NotErrorIs(t, err, gcs.ErrObjectExists)
}

func TestPutObjectEmptyPath(t *testing.T) {
	t.Parallel()

	store := newTestBlobStore(t, http.NotFoundHandler(), "")
	_, err := store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestObjectPath(t *testing.T) {
	t.Parallel()

	store := newTestBlobStore(t, http.NotFoundHandler(), "a/b")
	assert.Equal(t, "a/b/c.pdf", store.ObjectPath("c.pdf"))

	bare := newTestBlobStore(t, http.NotFoundHandler(), "")
	assert.Equal(t, "c.pdf", bare.ObjectPath("c.pdf"))
}
