package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testFetcher(t *testing.T) *Fetcher {
	t.Helper()
	return New(nil, Config{
		ScratchDir: t.TempDir(),
		Attempts:   3,
		RetryDelay: time.Millisecond,
	}, zap.NewNop())
}

func TestFetchStagesFileWithHashAndSize(t *testing.T) {
	t.Parallel()
	payload := []byte("these are definitely image bytes\x00\x01\x02")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="My Photo.png"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := testFetcher(t)
	got, err := f.Fetch(context.Background(), srv.URL, Options{ResourceID: "post-1"})
	require.NoError(t, err)
	require.NotNil(t, got)

	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), got.SHA256)
	assert.Equal(t, int64(len(payload)), got.Size)
	assert.Equal(t, "My-Photo.png", got.Name)

	onDisk, err := os.ReadFile(got.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)
}

func TestFetchGoneStatusesReturnNilWithoutRetry(t *testing.T) {
	t.Parallel()
	for _, status := range []int{400, 401, 403, 404} {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(status)
		}))

		f := testFetcher(t)
		got, err := f.Fetch(context.Background(), srv.URL, Options{ResourceID: "post-1"})
		srv.Close()

		require.NoError(t, err, "status %d", status)
		assert.Nil(t, got, "status %d", status)
		assert.Equal(t, int32(1), hits.Load(), "status %d should not be retried", status)
	}
}

func TestFetchHTMLBodyReturnsNil(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>please log in</html>"))
	}))
	defer srv.Close()

	f := testFetcher(t)
	got, err := f.Fetch(context.Background(), srv.URL, Options{ResourceID: "post-1"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	payload := []byte("eventually fine")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := testFetcher(t)
	got, err := f.Fetch(context.Background(), srv.URL, Options{ResourceID: "post-1"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, int64(len(payload)), got.Size)
}

func TestFetchExhaustsAttempts(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := testFetcher(t)
	got, err := f.Fetch(context.Background(), srv.URL, Options{ResourceID: "post-1"})
	require.Error(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchSizeMismatchIsRetried(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			// Lie about the length on the first attempt.
			w.Header().Set("Content-Length", "999")
			w.WriteHeader(http.StatusOK)
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 999\r\n\r\nshort"))
				_ = conn.Close()
			}
			return
		}
		_, _ = w.Write([]byte("full payload"))
	}))
	defer srv.Close()

	f := testFetcher(t)
	got, err := f.Fetch(context.Background(), srv.URL, Options{ResourceID: "post-1"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.GreaterOrEqual(t, hits.Load(), int32(2))
}

func TestFetchFilenameFallsBackToHash(t *testing.T) {
	t.Parallel()
	payload := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := testFetcher(t)
	got, err := f.Fetch(context.Background(), srv.URL, Options{ResourceID: "post-1"})
	require.NoError(t, err)
	require.NotNil(t, got)

	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:])[:32]+got.Extension, got.Name)
	assert.Equal(t, ".png", got.Extension)
}

func TestSweepRemovesResourceScratch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	f := testFetcher(t)
	got, err := f.Fetch(context.Background(), srv.URL, Options{ResourceID: "post-9"})
	require.NoError(t, err)
	require.NotNil(t, got)

	f.Sweep("post-9")
	_, err = os.Stat(got.LocalPath)
	assert.True(t, os.IsNotExist(err))
}

func TestInitScratchWipesLeftovers(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	leftover := filepath.Join(root, "crashed-run", "orphan")
	require.NoError(t, os.MkdirAll(filepath.Dir(leftover), 0o750))
	require.NoError(t, os.WriteFile(leftover, []byte("stale"), 0o600))

	f := New(nil, Config{ScratchDir: root}, zap.NewNop())
	require.NoError(t, f.InitScratch())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSlugify(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a-b_c.png", slugify("a b_c.png"))
	assert.Equal(t, "weird-name", slugify("--weird/name--"))
}
