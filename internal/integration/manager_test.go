package integration

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Aman-CERP/localwiki/internal/catalog"
	"github.com/Aman-CERP/localwiki/internal/config"
	"github.com/Aman-CERP/localwiki/internal/download"
	apperrors "github.com/Aman-CERP/localwiki/internal/errors"
	"github.com/Aman-CERP/localwiki/internal/searchidx"
	"github.com/Aman-CERP/localwiki/internal/storage"
)

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func corpusBytes(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corpus.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)

	_, err = db.Exec(`CREATE TABLE articles (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		summary TEXT,
		url TEXT,
		categories TEXT
	)`)
	require.NoError(t, err)
	rows := [][]any{
		{1, "JavaScript", "JavaScript is a scripting language for web pages.", "Web language.", "", "programming"},
		{2, "Python", "Python is a general-purpose programming language.", "Readable language.", "", "programming"},
		{3, "Rome", "Rome is the capital of Italy.", "Italian capital.", "", "geography"},
	}
	for _, row := range rows {
		_, err = db.Exec(`INSERT INTO articles (id, title, content, summary, url, categories) VALUES (?, ?, ?, ?, ?, ?)`, row...)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// testFixture serves a complete minimal package over httptest and returns
// a manager wired against it.
type testFixture struct {
	manager *Manager
	store   *storage.Store
	cfg     *config.Config
	catalog *catalog.Catalog

	libHits   *atomic.Int32
	modelHits *atomic.Int32

	// serveBadModel makes the model endpoint return garbage when set.
	serveBadModel *atomic.Bool
}

func newFixture(t *testing.T, handlers Handlers) *testFixture {
	t.Helper()

	libBody := []byte("wasm runtime bytes")
	modelBody := []byte("quantized model bytes")
	corpusBody := corpusBytes(t)

	f := &testFixture{
		libHits:       &atomic.Int32{},
		modelHits:     &atomic.Int32{},
		serveBadModel: &atomic.Bool{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/lib.wasm", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			f.libHits.Add(1)
		}
		_, _ = w.Write(libBody)
	})
	mux.HandleFunc("/model.gguf", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			f.modelHits.Add(1)
		}
		if f.serveBadModel.Load() {
			_, _ = w.Write([]byte("truncated garbage"))
			return
		}
		_, _ = w.Write(modelBody)
	})
	mux.HandleFunc("/corpus.db", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(corpusBody)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	manifest := fmt.Sprintf(`packages:
  - id: minimal
    name: Minimal
    description: smallest usable bundle
    resources:
      - name: lib.wasm
        kind: library
        url: %s/lib.wasm
        size: %d
        checksum: %s
      - name: model.gguf
        kind: model
        url: %s/model.gguf
        size: %d
        checksum: %s
      - name: corpus.db
        kind: corpus
        url: %s/corpus.db
        size: %d
        checksum: %s
`,
		srv.URL, len(libBody), checksumOf(libBody),
		srv.URL, len(modelBody), checksumOf(modelBody),
		srv.URL, len(corpusBody), checksumOf(corpusBody))

	cat, err := catalog.Parse([]byte(manifest))
	require.NoError(t, err)
	pkg, err := cat.Get("minimal")
	require.NoError(t, err)
	for _, res := range pkg.Resources {
		require.NotEmpty(t, res.Checksum, "fixture resource %s must carry a bound checksum", res.Name)
	}

	cfg := config.NewConfig()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Download.TimeoutSeconds = 10
	cfg.Download.MaxRetries = 1
	// Sequential transfers keep hit counting deterministic.
	cfg.Download.Concurrency = 1

	store, err := storage.Open(cfg.StorePath(), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m, err := NewManager(cfg, store, nil, Options{Catalog: cat, Handlers: handlers})
	require.NoError(t, err)

	f.manager = m
	f.store = store
	f.cfg = cfg
	f.catalog = cat
	return f
}

func TestSetupFlowReachesReady(t *testing.T) {
	var completed atomic.Bool
	var lastProgress atomic.Value
	f := newFixture(t, Handlers{
		OnComplete: func() { completed.Store(true) },
		OnProgress: func(ev ProgressEvent) { lastProgress.Store(ev) },
	})
	m := f.manager

	// Given a selected package
	require.NoError(t, m.SelectPackage("minimal"))
	assert.Equal(t, StatePackageSelected, m.State())

	// When setup runs to completion
	require.NoError(t, m.Initialize(context.Background()))

	// Then the lifecycle is Ready with full progress
	assert.Equal(t, StateReady, m.State())
	assert.True(t, completed.Load())
	st := m.Status()
	assert.Equal(t, float64(100), st.OverallProgress)
	assert.Equal(t, "minimal", st.Package)

	// And the corpus is searchable
	results, err := m.Search("javascript", searchidx.SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "1", results[0].ID)

	cats, err := m.Categories()
	require.NoError(t, err)
	assert.Equal(t, []string{"geography", "programming"}, cats)

	// And articles are retrievable by ID
	a, err := m.Article("3")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "Rome", a.Title)
}

func TestSearchBeforeReadyFails(t *testing.T) {
	f := newFixture(t, Handlers{})
	_, err := f.manager.Search("anything", searchidx.SearchOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeIndexNotReady))
}

func TestInitializeWithoutSelection(t *testing.T) {
	f := newFixture(t, Handlers{})
	err := f.manager.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidPackage))
}

func TestUnknownPackageRejected(t *testing.T) {
	f := newFixture(t, Handlers{})
	err := f.manager.SelectPackage("enormous")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidPackage))
	assert.Equal(t, StateUninitialized, f.manager.State())
}

func TestFailedSetupIsReentrantAndSkipsStoredResources(t *testing.T) {
	var errorEvents []ErrorEvent
	f := newFixture(t, Handlers{
		OnError: func(ev ErrorEvent) { errorEvents = append(errorEvents, ev) },
	})
	m := f.manager

	// Given a model endpoint serving bytes that fail verification
	f.serveBadModel.Store(true)
	require.NoError(t, m.SelectPackage("minimal"))
	err := m.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeChecksumMismatch))
	assert.Equal(t, StateFailed, m.State())
	require.NotEmpty(t, errorEvents)
	assert.Equal(t, "model.gguf", errorEvents[0].Resource)
	assert.NotEmpty(t, m.Status().Error)

	libHitsAfterFailure := f.libHits.Load()

	// When the endpoint recovers and setup is retried
	f.serveBadModel.Store(false)
	require.NoError(t, m.SelectPackage("minimal"))
	require.NoError(t, m.Initialize(context.Background()))

	// Then setup completes without re-downloading stored resources
	assert.Equal(t, StateReady, m.State())
	assert.Equal(t, libHitsAfterFailure, f.libHits.Load(),
		"stored library must not be fetched again")

	results, serr := m.Search("python", searchidx.SearchOptions{})
	require.NoError(t, serr)
	assert.NotEmpty(t, results)
}

func TestClearAllResetsEverything(t *testing.T) {
	f := newFixture(t, Handlers{})
	m := f.manager

	require.NoError(t, m.SelectPackage("minimal"))
	require.NoError(t, m.Initialize(context.Background()))
	require.Equal(t, StateReady, m.State())

	// When everything is cleared
	require.NoError(t, m.ClearAll())

	// Then the lifecycle is back at the start
	assert.Equal(t, StateUninitialized, m.State())
	_, err := m.Search("javascript", searchidx.SearchOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeIndexNotReady))

	for _, col := range Schema().Collections {
		count, cerr := f.store.Count(col.Name)
		require.NoError(t, cerr, col.Name)
		assert.Zero(t, count, col.Name)
	}

	st := m.Status()
	assert.Equal(t, float64(0), st.OverallProgress)
	assert.Empty(t, st.Package)
	for name, rs := range st.Resources {
		assert.Equal(t, download.StatusPending, rs.Status, name)
		assert.Zero(t, rs.BytesDownloaded, name)
	}
}

func TestSearchIsSafeDuringClearAll(t *testing.T) {
	f := newFixture(t, Handlers{})
	m := f.manager

	require.NoError(t, m.SelectPackage("minimal"))
	require.NoError(t, m.Initialize(context.Background()))

	// Queries racing a clear must either succeed or fail not-ready,
	// never observe a torn index.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := m.Search("python", searchidx.SearchOptions{}); err != nil {
					assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeIndexNotReady))
				}
				if _, err := m.Categories(); err != nil {
					assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeIndexNotReady))
				}
			}
		}()
	}
	require.NoError(t, m.ClearAll())
	wg.Wait()

	assert.Equal(t, StateUninitialized, m.State())
}

func TestAsyncIndexBuildReachesReady(t *testing.T) {
	f := newFixture(t, Handlers{})
	m := f.manager
	// Force the background build path even for a tiny corpus.
	f.cfg.Search.AsyncBuildThreshold = 1

	require.NoError(t, m.SelectPackage("minimal"))
	require.NoError(t, m.Initialize(context.Background()))

	// Initialize returns while indexing runs in the background.
	require.Eventually(t, func() bool {
		return m.State() == StateReady
	}, 5*time.Second, 10*time.Millisecond)

	results, err := m.Search("rome", searchidx.SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "3", results[0].ID)
}

func TestRestoreFromStoreReusesPersistedIndex(t *testing.T) {
	f := newFixture(t, Handlers{})
	require.NoError(t, f.manager.SelectPackage("minimal"))
	require.NoError(t, f.manager.Initialize(context.Background()))

	// A fresh manager over the same store reaches Ready without any
	// network traffic.
	modelHits := f.modelHits.Load()
	m2, err := NewManager(f.cfg, f.store, nil, Options{Catalog: f.catalog})
	require.NoError(t, err)
	require.NoError(t, m2.RestoreFromStore())
	assert.Equal(t, StateReady, m2.State())
	assert.Equal(t, modelHits, f.modelHits.Load())

	results, err := m2.Search("javascript", searchidx.SearchOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestGenerateRequiresReady(t *testing.T) {
	f := newFixture(t, Handlers{})
	_, err := f.manager.Generate(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeIndexNotReady))
}
