package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/localwiki/internal/catalog"
	apperrors "github.com/Aman-CERP/localwiki/internal/errors"
	"github.com/Aman-CERP/localwiki/internal/storage"
)

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "store.db"), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Initialize(storage.Schema{
		Collections: []storage.CollectionSpec{
			{Name: storage.CollectionLibraryFiles},
			{Name: storage.CollectionModelFiles},
			{Name: storage.CollectionDownloadProgress},
		},
	}))
	return s
}

func testManager(t *testing.T, store *storage.Store) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Timeout = 5 * time.Second
	cfg.Retry = apperrors.RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		RetryIf:      apperrors.IsRetryable,
	}
	return NewManager(store, NewStoreSink(store), cfg, nil)
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func testResource(name, url string, body []byte) catalog.Resource {
	return catalog.Resource{
		Name:      name,
		Kind:      catalog.KindModel,
		SourceURL: url,
		Size:      int64(len(body)),
		Checksum:  checksumOf(body),
	}
}

func TestDownloadResourceStoresVerifiedBlob(t *testing.T) {
	// Given a server holding the resource bytes
	body := []byte(strings.Repeat("model weights ", 1024))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "model.gguf", time.Time{}, strings.NewReader(string(body)))
	}))
	defer srv.Close()

	store := testStore(t)
	m := testManager(t, store)
	res := testResource("model.gguf", srv.URL+"/model.gguf", body)

	// When the resource is downloaded
	var events []ProgressEvent
	err := m.DownloadResource(context.Background(), &res, func(ev ProgressEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)

	// Then the verified bytes are in the store
	blob, err := store.GetBlob(storage.CollectionModelFiles, "model.gguf")
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.Equal(t, body, blob.Data)
	assert.Equal(t, res.Checksum, blob.Checksum)

	// And progress ended at the full size
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, int64(len(body)), last.BytesReceived)
	assert.Equal(t, StatusStored, m.State("model.gguf").Status)
}

func TestDownloadResourceProgressMonotonic(t *testing.T) {
	body := []byte(strings.Repeat("x", 256*1024))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		flusher := w.(http.Flusher)
		for i := 0; i < len(body); i += 32 * 1024 {
			_, _ = w.Write(body[i : i+32*1024])
			flusher.Flush()
		}
	}))
	defer srv.Close()

	store := testStore(t)
	m := testManager(t, store)
	res := testResource("model.gguf", srv.URL, body)

	var prev int64 = -1
	err := m.DownloadResource(context.Background(), &res, func(ev ProgressEvent) {
		assert.GreaterOrEqual(t, ev.BytesReceived, prev, "progress must not regress")
		prev = ev.BytesReceived
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), prev)
}

func TestDownloadResourceChunkedTransferEmitsFinalProgress(t *testing.T) {
	// Given a server that streams without declaring a length
	body := []byte(strings.Repeat("y", 128*1024))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < len(body); i += 32 * 1024 {
			_, _ = w.Write(body[i : i+32*1024])
			flusher.Flush()
		}
	}))
	defer srv.Close()

	store := testStore(t)
	m := testManager(t, store)
	res := catalog.Resource{
		Name:      "corpus.db",
		Kind:      catalog.KindCorpus,
		SourceURL: srv.URL,
		Checksum:  checksumOf(body),
	}

	// When the transfer completes, the throttle must not swallow the
	// end-of-stream event; the full byte count has to be reported while
	// the total is still unknown, before the blob is committed.
	var last, streamed int64
	err := m.DownloadResource(context.Background(), &res, func(ev ProgressEvent) {
		last = ev.BytesReceived
		if ev.TotalBytes <= 0 && ev.BytesReceived > streamed {
			streamed = ev.BytesReceived
		}
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), streamed)
	assert.Equal(t, int64(len(body)), last)
}

func TestDownloadResourceChecksumMismatchRetriesExactlyOnce(t *testing.T) {
	// Given a server that always returns bytes that fail verification
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("corrupted payload"))
	}))
	defer srv.Close()

	store := testStore(t)
	m := testManager(t, store)
	res := catalog.Resource{
		Name:      "model.gguf",
		Kind:      catalog.KindModel,
		SourceURL: srv.URL,
		Size:      17,
		Checksum:  strings.Repeat("ab", 32),
	}

	err := m.DownloadResource(context.Background(), &res, nil)

	// Then it fails terminally after one automatic re-download
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeChecksumMismatch))
	assert.False(t, apperrors.IsRetryable(err))
	assert.Equal(t, int32(2), hits.Load()-1, "one probe plus exactly two transfer attempts")
	assert.Equal(t, StatusError, m.State("model.gguf").Status)

	// And nothing was committed
	blob, getErr := store.GetBlob(storage.CollectionModelFiles, "model.gguf")
	require.NoError(t, getErr)
	assert.Nil(t, blob)
}

func TestDownloadResourceMismatchThenCleanCopySucceeds(t *testing.T) {
	body := []byte("good payload bytes")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			return
		}
		if hits.Add(1) == 1 {
			_, _ = w.Write([]byte("garbled first copy!"))
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	store := testStore(t)
	m := testManager(t, store)
	res := testResource("model.gguf", srv.URL, body)

	require.NoError(t, m.DownloadResource(context.Background(), &res, nil))
	assert.Equal(t, int32(2), hits.Load())

	blob, err := store.GetBlob(storage.CollectionModelFiles, "model.gguf")
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.Equal(t, body, blob.Data)
}

func TestDownloadResourceUnreachableFailsFast(t *testing.T) {
	// Given a server that reports the resource gone
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	store := testStore(t)
	m := testManager(t, store)
	res := catalog.Resource{
		Name:      "model.gguf",
		Kind:      catalog.KindModel,
		SourceURL: srv.URL + "/missing",
		Size:      100,
		Checksum:  strings.Repeat("ab", 32),
	}

	start := time.Now()
	err := m.DownloadResource(context.Background(), &res, nil)

	// Then the probe surfaces the failure immediately, without backoff
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeResourceUnavailable))
	assert.Less(t, time.Since(start), time.Second)
}

func TestDownloadResourceFallbackURL(t *testing.T) {
	body := []byte("mirror copy")
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "lib.wasm", time.Time{}, strings.NewReader(string(body)))
	}))
	defer mirror.Close()
	dead := httptest.NewServer(http.NotFoundHandler())
	defer dead.Close()

	store := testStore(t)
	m := testManager(t, store)
	res := catalog.Resource{
		Name:        "lib.wasm",
		Kind:        catalog.KindLibrary,
		SourceURL:   dead.URL + "/lib.wasm",
		FallbackURL: mirror.URL + "/lib.wasm",
		Size:        int64(len(body)),
		Checksum:    checksumOf(body),
	}

	require.NoError(t, m.DownloadResource(context.Background(), &res, nil))

	blob, err := store.GetBlob(storage.CollectionLibraryFiles, "lib.wasm")
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.Equal(t, body, blob.Data)
}

func TestDownloadResourceAlreadyStoredSkipsTransfer(t *testing.T) {
	body := []byte("already here")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	store := testStore(t)
	require.NoError(t, store.PutBlob(storage.CollectionModelFiles, &storage.Blob{
		Key:      "model.gguf",
		Data:     body,
		Checksum: checksumOf(body),
	}))

	m := testManager(t, store)
	res := testResource("model.gguf", srv.URL, body)

	require.NoError(t, m.DownloadResource(context.Background(), &res, nil))
	assert.Equal(t, int32(0), hits.Load(), "no request for a stored resource")
	assert.Equal(t, StatusStored, m.State("model.gguf").Status)
}

func TestPauseAndResumeTransfersBoundedBytes(t *testing.T) {
	// Given a resource served in flushed chunks with range support
	body := []byte(strings.Repeat("0123456789abcdef", 16*1024)) // 256 KiB
	sum := checksumOf(body)

	var served atomic.Int64
	release := make(chan struct{})
	var releaseOnce sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			return
		}
		start := 0
		if rng := r.Header.Get("Range"); rng != "" {
			fmt.Sscanf(rng, "bytes=%d-", &start)
			w.Header().Set("Content-Range",
				fmt.Sprintf("bytes %d-%d/%d", start, len(body)-1, len(body)))
			w.WriteHeader(http.StatusPartialContent)
		}
		flusher := w.(http.Flusher)
		for i := start; i < len(body); i += 32 * 1024 {
			end := i + 32*1024
			if end > len(body) {
				end = len(body)
			}
			n, err := w.Write(body[i:end])
			served.Add(int64(n))
			if err != nil {
				return
			}
			flusher.Flush()
			if start == 0 && i >= 64*1024 {
				// First pass stalls after 96 KiB until released.
				releaseOnce.Do(func() { close(release) })
				<-r.Context().Done()
				return
			}
		}
	}))
	defer srv.Close()

	store := testStore(t)
	m := testManager(t, store)
	res := catalog.Resource{
		Name:      "model.gguf",
		Kind:      catalog.KindModel,
		SourceURL: srv.URL,
		Size:      int64(len(body)),
		Checksum:  sum,
	}

	// When the first attempt is paused mid-stream
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.DownloadResource(context.Background(), &res, nil)
	}()
	<-release
	m.Pause("model.gguf")

	err := <-errCh
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDownloadAborted))
	assert.Equal(t, StatusPending, m.State("model.gguf").Status)

	// And the download is restarted
	require.NoError(t, m.DownloadResource(context.Background(), &res, nil))

	// Then the stored blob is complete and the resume did not re-transfer
	// more than one full copy beyond an uninterrupted download
	blob, getErr := store.GetBlob(storage.CollectionModelFiles, "model.gguf")
	require.NoError(t, getErr)
	require.NotNil(t, blob)
	assert.Equal(t, body, blob.Data)
	assert.LessOrEqual(t, served.Load(), int64(2*len(body)))
}

func TestCancelDiscardsPartialState(t *testing.T) {
	body := []byte(strings.Repeat("z", 128*1024))
	stall := make(chan struct{})
	var stallOnce sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			return
		}
		_, _ = w.Write(body[:32*1024])
		w.(http.Flusher).Flush()
		stallOnce.Do(func() { close(stall) })
		<-r.Context().Done()
	}))
	defer srv.Close()

	store := testStore(t)
	m := testManager(t, store)
	res := testResource("model.gguf", srv.URL, body)

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.DownloadResource(context.Background(), &res, nil)
	}()
	<-stall
	m.Cancel("model.gguf")
	<-errCh

	state := m.State("model.gguf")
	assert.Equal(t, StatusPending, state.Status)
	assert.Zero(t, state.BytesDownloaded)

	rec, err := store.Get(storage.CollectionDownloadProgress, "model.gguf")
	require.NoError(t, err)
	assert.Nil(t, rec, "progress record removed on cancel")
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCode  string
		retryable bool
	}{
		{"ok", http.StatusOK, "", false},
		{"not found", http.StatusNotFound, apperrors.ErrCodeResourceUnavailable, false},
		{"gone", http.StatusGone, apperrors.ErrCodeResourceUnavailable, false},
		{"throttled", http.StatusTooManyRequests, apperrors.ErrCodeNetworkUnavailable, true},
		{"server error", http.StatusBadGateway, apperrors.ErrCodeNetworkUnavailable, true},
		{"forbidden", http.StatusForbidden, apperrors.ErrCodeResourceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyStatus("http://example.test/r", tt.status)
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, tt.wantCode))
			assert.Equal(t, tt.retryable, apperrors.IsRetryable(err))
		})
	}
}
