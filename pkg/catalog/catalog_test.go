package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureIndex = `{
  "builds": [
    {"version": "0.8.20", "build": "commit.a1b79de6", "path": "solc-linux-amd64-v0.8.20+commit.a1b79de6", "longVersion": "0.8.20+commit.a1b79de6"},
    {"version": "0.8.19", "build": "commit.7dd6d404", "path": "solc-linux-amd64-v0.8.19+commit.7dd6d404", "longVersion": "0.8.19+commit.7dd6d404"}
  ],
  "releases": {"0.8.20": "solc-linux-amd64-v0.8.20+commit.a1b79de6"}
}`

func TestCatalog_Resolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		w.Write([]byte(fixtureIndex))
	}))
	defer srv.Close()

	cat := New(&Config{ReleaseIndexURL: srv.URL})

	tests := []struct {
		name      string
		shorthand string
		wantErr   bool
	}{
		{"plain version", "0.8.20", false},
		{"full build id", "0.8.19+commit.7dd6d404", false},
		{"unknown version", "0.4.99", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := cat.Resolve(context.Background(), tt.shorthand)
			if tt.wantErr {
				assert.Error(t, err)
				assert.ErrorIs(t, err, ErrUnknownVersion)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, d.CanonicalBuild)
		})
	}
}

func TestCatalog_ResolveMemoizes(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(fixtureIndex))
	}))
	defer srv.Close()

	cat := New(&Config{ReleaseIndexURL: srv.URL})

	_, err := cat.Resolve(context.Background(), "0.8.20")
	require.NoError(t, err)
	_, err = cat.Resolve(context.Background(), "0.8.20")
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "second resolve of the same shorthand should hit the in-process memo, not refetch")
}

func TestCatalog_RetriesThenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cat := New(&Config{
		ReleaseIndexURL: srv.URL,
		RetryAttempts:   2,
		RetryBaseDelay:  time.Millisecond,
		RetryMaxDelay:   2 * time.Millisecond,
	})

	_, err := cat.Resolve(context.Background(), "0.8.20")
	assert.ErrorIs(t, err, ErrCatalogUnavailable)
}
