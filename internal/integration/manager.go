// Package integration wires storage, downloads, the corpus importer, and
// the search index into one setup flow. A Manager owns the lifecycle from
// package selection through downloading and verification to a searchable,
// generation-capable state.
package integration

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Aman-CERP/localwiki/internal/async"
	"github.com/Aman-CERP/localwiki/internal/catalog"
	"github.com/Aman-CERP/localwiki/internal/config"
	"github.com/Aman-CERP/localwiki/internal/corpus"
	"github.com/Aman-CERP/localwiki/internal/download"
	apperrors "github.com/Aman-CERP/localwiki/internal/errors"
	"github.com/Aman-CERP/localwiki/internal/model"
	"github.com/Aman-CERP/localwiki/internal/searchidx"
	"github.com/Aman-CERP/localwiki/internal/storage"
)

const searchIndexKey = "corpus-index"

// ProgressEvent is pushed to OnProgress during setup.
type ProgressEvent struct {
	State           State
	OverallProgress float64
	Resources       map[string]download.ResourceState
	IndexBuild      async.ProgressSnapshot
}

// ErrorEvent is pushed to OnError when setup fails. Resource fields are
// populated when the failure is attributable to one transfer.
type ErrorEvent struct {
	Resource        string
	URL             string
	BytesDownloaded int64
	Err             error
}

// Handlers receive lifecycle notifications. Nil fields are skipped.
type Handlers struct {
	OnProgress func(ProgressEvent)
	OnError    func(ErrorEvent)
	OnComplete func()
}

// Status is a point-in-time view of the setup lifecycle.
type Status struct {
	State           State
	Package         string
	OverallProgress float64
	Resources       map[string]download.ResourceState
	IndexBuild      async.ProgressSnapshot
	Error           string
}

// Manager coordinates the setup flow. Construct one per process with
// NewManager; it holds no global state.
type Manager struct {
	cfg       *config.Config
	cat       *catalog.Catalog
	store     *storage.Store
	downloads *download.Manager
	index     *searchidx.Index
	logger    *slog.Logger
	handlers  Handlers

	mu        sync.Mutex
	state     State
	pkg       *catalog.Package
	lastErr   error
	builder   *async.Builder
	generator model.Generator
}

// Options carries optional collaborators for NewManager.
type Options struct {
	// Catalog defaults to the embedded package catalog.
	Catalog *catalog.Catalog

	// Downloads defaults to a manager built from cfg with a sink that
	// imports corpus databases and stores other kinds as blobs.
	Downloads *download.Manager

	// Generator defaults to model.Unavailable.
	Generator model.Generator

	Handlers Handlers
}

// NewManager creates a setup manager over an opened store.
func NewManager(cfg *config.Config, store *storage.Store, logger *slog.Logger, opts Options) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cat := opts.Catalog
	if cat == nil {
		var err error
		cat, err = catalog.LoadEmbedded()
		if err != nil {
			return nil, err
		}
	}
	gen := opts.Generator
	if gen == nil {
		gen = model.Unavailable{}
	}

	m := &Manager{
		cfg:       cfg,
		cat:       cat,
		store:     store,
		index:     searchidx.New(),
		logger:    logger,
		handlers:  opts.Handlers,
		state:     StateUninitialized,
		generator: gen,
	}

	m.downloads = opts.Downloads
	if m.downloads == nil {
		dcfg := download.DefaultConfig()
		dcfg.Timeout = time.Duration(cfg.Download.TimeoutSeconds) * time.Second
		dcfg.UserAgent = cfg.Download.UserAgent
		dcfg.Concurrency = cfg.Download.Concurrency
		dcfg.Retry.MaxRetries = cfg.Download.MaxRetries
		sink := newRoutingSink(context.Background(), store, cfg.ScratchDir(), logger)
		m.downloads = download.NewManager(store, sink, dcfg, logger)
	}
	return m, nil
}

// Schema is the full collection layout the setup flow relies on.
func Schema() storage.Schema {
	return storage.Schema{
		Collections: []storage.CollectionSpec{
			{Name: storage.CollectionLibraryFiles},
			{Name: storage.CollectionModelFiles},
			{Name: storage.CollectionModelMetadata},
			{
				Name:   storage.CollectionArticles,
				Cached: true,
				Indexes: []storage.IndexSpec{
					{Name: "category", Extract: corpus.CategoryIndex},
				},
			},
			{Name: storage.CollectionCorpusMeta},
			{Name: storage.CollectionSearchIndex},
			{Name: storage.CollectionDownloadProgress},
		},
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status reports lifecycle state, aggregate download progress, and
// per-resource transfer detail.
func (m *Manager) Status() Status {
	m.mu.Lock()
	state := m.state
	pkg := m.pkg
	lastErr := m.lastErr
	builder := m.builder
	m.mu.Unlock()

	st := Status{
		State:     state,
		Resources: m.downloads.States(),
	}
	if pkg != nil {
		st.Package = pkg.ID
		st.OverallProgress = m.downloads.OverallProgress(pkg)
	}
	if builder != nil {
		st.IndexBuild = builder.Progress().Snapshot()
	}
	if lastErr != nil {
		st.Error = lastErr.Error()
	}
	return st
}

// SelectPackage validates and records the package to acquire. Allowed
// from the initial state, after a previous selection, or after a failure.
func (m *Manager) SelectPackage(id string) error {
	pkg, err := m.cat.Get(id)
	if err != nil {
		return err
	}
	if err := pkg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.canTransition(StatePackageSelected) {
		return transitionErr(m.state, StatePackageSelected)
	}
	m.state = StatePackageSelected
	m.pkg = pkg
	m.lastErr = nil
	m.logger.Info("package selected", "package", id, "resources", len(pkg.Resources),
		"total_bytes", pkg.TotalSize())
	return nil
}

// Initialize acquires the selected package and prepares the search index.
// It is re-entrant after failure: stored resources are skipped and only
// missing ones are fetched. Large corpora finish indexing in the
// background; Search returns a not-ready error until that completes.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	pkg := m.pkg
	if pkg == nil {
		m.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeInvalidPackage,
			"no package selected", nil).
			WithSuggestion("call SelectPackage first")
	}
	if !m.state.canTransition(StateDownloading) {
		from := m.state
		m.mu.Unlock()
		return transitionErr(from, StateDownloading)
	}
	m.state = StateDownloading
	m.lastErr = nil
	m.mu.Unlock()

	if err := m.store.Initialize(Schema()); err != nil {
		return m.fail(err)
	}

	err := m.downloads.DownloadPackage(ctx, pkg, func(overall float64, states map[string]download.ResourceState) {
		m.emitProgress(ProgressEvent{
			State:           StateDownloading,
			OverallProgress: overall,
			Resources:       states,
		})
	})
	if err != nil {
		return m.fail(err)
	}

	m.setState(StateVerifying)
	m.emitProgress(ProgressEvent{
		State:           StateVerifying,
		OverallProgress: m.downloads.OverallProgress(pkg),
		Resources:       m.downloads.States(),
	})

	return m.prepareIndex(ctx)
}

// prepareIndex loads the persisted index artifact, or rebuilds it from
// the stored articles when absent or corrupt. Rebuilds over large corpora
// run on a background builder.
func (m *Manager) prepareIndex(ctx context.Context) error {
	raw, err := m.store.Get(storage.CollectionSearchIndex, searchIndexKey)
	if err != nil {
		return m.fail(err)
	}
	if raw != nil {
		artifact, decErr := searchidx.DecodeArtifact(raw)
		if decErr == nil {
			if loadErr := m.index.Load(artifact); loadErr == nil {
				m.finishReady()
				return nil
			}
		}
		m.logger.Warn("persisted search index unusable, rebuilding", "error", decErr)
	}

	count, err := m.store.Count(storage.CollectionArticles)
	if err != nil {
		return m.fail(err)
	}

	if count >= m.cfg.Search.AsyncBuildThreshold {
		builder := async.NewBuilder(m.buildIndex)
		m.mu.Lock()
		m.builder = builder
		m.mu.Unlock()
		builder.Start(ctx)
		go func() {
			if err := builder.Wait(); err != nil {
				_ = m.fail(err)
				return
			}
			m.finishReady()
		}()
		return nil
	}

	progress := async.NewProgress()
	if err := m.buildIndex(ctx, progress); err != nil {
		return m.fail(err)
	}
	m.finishReady()
	return nil
}

// buildIndex loads every stored article, builds the index, and persists
// the resulting artifact so later startups skip the rebuild.
func (m *Manager) buildIndex(ctx context.Context, progress *async.Progress) error {
	articles, err := corpus.LoadAll(m.store)
	if err != nil {
		return err
	}
	progress.SetStage(async.StageIndexing, len(articles))

	docs := make([]searchidx.Document, 0, len(articles))
	for i, a := range articles {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		docs = append(docs, searchidx.Document{
			ID:       a.ID,
			Title:    a.Title,
			Summary:  a.Summary,
			Content:  a.Content,
			Category: a.Category,
		})
		progress.Update(i + 1)
	}

	artifact, err := m.index.Build(docs)
	if err != nil {
		return err
	}
	if err := m.store.Put(storage.CollectionSearchIndex, searchIndexKey, artifact.Encode()); err != nil {
		return err
	}
	m.logger.Info("search index built", "documents", len(docs))
	return nil
}

// Search runs a ranked query against the corpus. Fails with a not-ready
// error until setup reaches Ready.
func (m *Manager) Search(query string, opts searchidx.SearchOptions) ([]searchidx.Result, error) {
	m.mu.Lock()
	state := m.state
	idx := m.index
	m.mu.Unlock()
	if state != StateReady {
		return nil, apperrors.New(apperrors.ErrCodeIndexNotReady,
			"search is not available until setup completes", nil).
			WithSuggestion("run status to check setup progress")
	}
	if opts.Limit == 0 {
		opts.Limit = m.cfg.Search.DefaultLimit
	}
	return idx.Search(query, opts)
}

// Categories lists the distinct article categories once setup is Ready.
func (m *Manager) Categories() ([]string, error) {
	m.mu.Lock()
	state := m.state
	idx := m.index
	m.mu.Unlock()
	if state != StateReady {
		return nil, apperrors.New(apperrors.ErrCodeIndexNotReady,
			"categories are not available until setup completes", nil)
	}
	return idx.Categories(), nil
}

// Article fetches a stored article by ID.
func (m *Manager) Article(id string) (*corpus.Article, error) {
	return corpus.Get(m.store, id)
}

// ArticlesByCategory lists the stored articles in one category using the
// persistent category index.
func (m *Manager) ArticlesByCategory(category string) ([]corpus.Article, error) {
	return corpus.ByCategory(m.store, category)
}

// AttachGenerator swaps in the text-generation engine.
func (m *Manager) AttachGenerator(g model.Generator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g == nil {
		g = model.Unavailable{}
	}
	m.generator = g
}

// Generate delegates a prompt to the attached engine. Requires Ready so
// the engine's runtime and model blobs are guaranteed stored.
func (m *Manager) Generate(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	state := m.state
	gen := m.generator
	m.mu.Unlock()
	if state != StateReady {
		return "", apperrors.New(apperrors.ErrCodeIndexNotReady,
			"generation is not available until setup completes", nil)
	}
	return gen.Generate(ctx, prompt)
}

// Pause aborts in-flight transfers, keeping received bytes for resumption.
func (m *Manager) Pause() {
	m.downloads.PauseAll()
}

// ClearAll removes every stored resource, article, and index, returning
// the lifecycle to its initial state.
func (m *Manager) ClearAll() error {
	m.mu.Lock()
	builder := m.builder
	m.builder = nil
	m.mu.Unlock()
	if builder != nil {
		builder.Stop()
		_ = builder.Wait()
	}

	m.downloads.PauseAll()
	m.downloads.Reset()

	for _, col := range Schema().Collections {
		if err := m.store.Clear(col.Name); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.index = searchidx.New()
	m.state = StateUninitialized
	m.pkg = nil
	m.lastErr = nil
	m.mu.Unlock()

	m.logger.Info("all stored data cleared")
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) finishReady() {
	m.mu.Lock()
	m.state = StateReady
	idx := m.index
	m.mu.Unlock()
	m.logger.Info("setup complete", "documents", idx.DocCount())
	if m.handlers.OnComplete != nil {
		m.handlers.OnComplete()
	}
}

// fail records the error, moves to Failed, and notifies OnError with
// per-resource detail when one transfer is to blame.
func (m *Manager) fail(err error) error {
	m.mu.Lock()
	m.state = StateFailed
	m.lastErr = err
	m.mu.Unlock()

	m.logger.Error("setup failed", "error", err)
	if m.handlers.OnError != nil {
		m.handlers.OnError(m.errorEvent(err))
	}
	return err
}

func (m *Manager) errorEvent(err error) ErrorEvent {
	ev := ErrorEvent{Err: err}
	for name, s := range m.downloads.States() {
		if s.Status == download.StatusError {
			ev.Resource = name
			ev.BytesDownloaded = s.BytesDownloaded
			break
		}
	}
	m.mu.Lock()
	pkg := m.pkg
	m.mu.Unlock()
	if ev.Resource != "" && pkg != nil {
		for i := range pkg.Resources {
			if pkg.Resources[i].Name == ev.Resource {
				ev.URL = pkg.Resources[i].SourceURL
				break
			}
		}
	}
	return ev
}

func (m *Manager) emitProgress(ev ProgressEvent) {
	if m.handlers.OnProgress == nil {
		return
	}
	m.mu.Lock()
	builder := m.builder
	m.mu.Unlock()
	if builder != nil {
		ev.IndexBuild = builder.Progress().Snapshot()
	}
	m.handlers.OnProgress(ev)
}

// RestoreFromStore lets a fresh manager over an existing store reach
// Ready without re-downloading, when a usable index artifact is present.
// Used by the CLI for search and status invocations after fetch.
func (m *Manager) RestoreFromStore() error {
	if err := m.store.Initialize(Schema()); err != nil {
		return err
	}
	raw, err := m.store.Get(storage.CollectionSearchIndex, searchIndexKey)
	if err != nil || raw == nil {
		return err
	}
	artifact, err := searchidx.DecodeArtifact(raw)
	if err != nil {
		m.logger.Warn("persisted search index unusable", "error", err)
		return nil
	}
	if err := m.index.Load(artifact); err != nil {
		m.logger.Warn("persisted search index unusable", "error", err)
		return nil
	}
	m.mu.Lock()
	m.state = StateReady
	m.mu.Unlock()
	return nil
}
