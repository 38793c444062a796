package compilerstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studioplatforms/contract-verifier/pkg/catalog"
)

func fakeBinaryServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body)
	}))
}

func TestStore_LoadDownloadsAndCaches(t *testing.T) {
	srv := fakeBinaryServer(t, "#!/bin/sh\necho fake-solc\n")
	defer srv.Close()

	dir := t.TempDir()
	s := New(&Config{CacheDir: dir, MaxWarm: 2})

	desc := catalog.Descriptor{Version: "0.8.20", CanonicalBuild: "v0.8.20+commit.deadbeef", SourceURL: srv.URL}

	h1, err := s.Load(context.Background(), desc)
	require.NoError(t, err)
	require.NotNil(t, h1)

	if _, err := os.Stat(h1.BinaryPath); err != nil {
		t.Fatalf("expected binary to be persisted on disk: %v", err)
	}

	h2, err := s.Load(context.Background(), desc)
	require.NoError(t, err)
	assert.Same(t, h1, h2, "second Load for the same build should return the warm handle")
}

func TestStore_EvictsLeastRecentlyUsed(t *testing.T) {
	srv := fakeBinaryServer(t, "fake")
	defer srv.Close()

	dir := t.TempDir()
	s := New(&Config{CacheDir: dir, MaxWarm: 1})

	descA := catalog.Descriptor{CanonicalBuild: "a", SourceURL: srv.URL}
	descB := catalog.Descriptor{CanonicalBuild: "b", SourceURL: srv.URL}

	hA, err := s.Load(context.Background(), descA)
	require.NoError(t, err)

	_, err = s.Load(context.Background(), descB)
	require.NoError(t, err)

	assert.Equal(t, 1, s.WarmLen())

	hA2, err := s.Load(context.Background(), descA)
	require.NoError(t, err)
	assert.NotSame(t, hA, hA2, "evicted build reloaded should be a fresh handle")
}

func TestStore_DownloadFailureSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	s := New(&Config{CacheDir: dir})

	_, err := s.Load(context.Background(), catalog.Descriptor{CanonicalBuild: "missing", SourceURL: srv.URL})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDownloadFailed)
}

func TestHandle_LockCountsUses(t *testing.T) {
	h := &Handle{BinaryPath: filepath.Join(t.TempDir(), "solc")}
	h.Lock()
	h.Unlock()
	h.Lock()
	h.Unlock()
	assert.Equal(t, int64(2), h.useCount)
}
