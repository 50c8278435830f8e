package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func testClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPutObjectUploadsWithPrefix(t *testing.T) {
	t.Parallel()

	var gotName string
	var gotBody []byte
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/facetrace-runs/o")
		gotName = r.URL.Query().Get("name")
		gotBody, _ = io.ReadAll(r.Body)
		fmt.Fprintf(w, `{"name":%q,"bucket":"facetrace-runs"}`, gotName)
	}))

	store, err := New(client, Config{Bucket: "facetrace-runs", Prefix: "/runs/"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "r1/candidates.json", "application/json", bytes.NewReader([]byte(`[{"rank":1}]`)))
	require.NoError(t, err)
	assert.Equal(t, "gs://facetrace-runs/runs/r1/candidates.json", uri)
	assert.Equal(t, "runs/r1/candidates.json", gotName)
	assert.Contains(t, string(gotBody), `[{"rank":1}]`)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	store, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "x.json", "", bytes.NewReader([]byte("{}")))
	assert.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	assert.Error(t, err)

	client := testClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	assert.Error(t, err)

	store, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	assert.Error(t, err)
	assert.NoError(t, store.Close(), "borrowed clients are not closed")
}

func TestDialChecksBucket(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/b/missing" || r.URL.Path == "/storage/v1/b/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"name":"present"}`)
	}))
	defer server.Close()

	store, err := Dial(context.Background(), Config{Bucket: "present"}, option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = Dial(context.Background(), Config{Bucket: "missing"}, option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.Error(t, err)
}
