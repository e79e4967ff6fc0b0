package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Aman-CERP/localwiki/internal/catalog"
	apperrors "github.com/Aman-CERP/localwiki/internal/errors"
	"github.com/Aman-CERP/localwiki/internal/storage"
)

// progressEventsPerSecond bounds progress-callback churn per resource.
const progressEventsPerSecond = 10

// Config configures a Manager.
type Config struct {
	// Timeout bounds each HTTP request, including body streaming.
	Timeout time.Duration

	// Retry is the shared backoff policy for transient failures.
	Retry apperrors.RetryConfig

	// UserAgent is sent with every request.
	UserAgent string

	// Concurrency bounds parallel resource downloads within a package.
	Concurrency int
}

// DefaultConfig returns the standard download configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:     5 * time.Minute,
		Retry:       apperrors.DefaultRetryConfig(),
		UserAgent:   "localwiki/1.0",
		Concurrency: 2,
	}
}

// probeInfo is what an availability probe learns about a resource.
type probeInfo struct {
	URL           string
	ContentLength int64
	AcceptRanges  bool
	ETag          string
}

// partial holds paused transfer bytes for in-process resume.
type partial struct {
	url          string
	etag         string
	acceptRanges bool
	data         []byte
}

// Manager downloads resources. Safe for concurrent use; at most one
// in-flight transfer per resource is enforced.
type Manager struct {
	client *http.Client
	store  *storage.Store
	sink   Sink
	cfg    Config
	logger *slog.Logger
	states *stateTable

	mu        sync.Mutex
	inflight  map[string]context.CancelFunc
	partials  map[string]*partial
	highWater map[string]int64
}

// NewManager creates a download manager. store is used only for
// download-progress records; verified payloads go through sink.
func NewManager(store *storage.Store, sink Sink, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		client:    &http.Client{Timeout: cfg.Timeout},
		store:     store,
		sink:      sink,
		cfg:       cfg,
		logger:    logger,
		states:    newStateTable(),
		inflight:  make(map[string]context.CancelFunc),
		partials:  make(map[string]*partial),
		highWater: make(map[string]int64),
	}
}

// State returns a snapshot of one resource's transfer state.
func (m *Manager) State(name string) ResourceState {
	return m.states.get(name)
}

// States returns a snapshot of every tracked resource state.
func (m *Manager) States() map[string]ResourceState {
	return m.states.snapshot()
}

// Reset drops partial buffers and returns every tracked resource to
// pending with zero bytes. Used by clear-all.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.partials = make(map[string]*partial)
	m.highWater = make(map[string]int64)
	m.mu.Unlock()
	for name := range m.states.snapshot() {
		m.states.update(name, func(s *ResourceState) {
			s.Status = StatusPending
			s.BytesDownloaded = 0
			s.Attempts = 0
			s.Error = ""
		})
	}
}

// Pause aborts the in-flight transfer for the named resource, keeping
// received bytes for resumption. No-op when nothing is in flight.
func (m *Manager) Pause(name string) {
	m.mu.Lock()
	cancel, ok := m.inflight[name]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Cancel aborts the in-flight transfer and discards partial state.
func (m *Manager) Cancel(name string) {
	m.Pause(name)
	m.mu.Lock()
	delete(m.partials, name)
	delete(m.highWater, name)
	m.mu.Unlock()
	_ = m.store.Delete(storage.CollectionDownloadProgress, name)
	m.states.update(name, func(s *ResourceState) {
		if s.Status != StatusStored {
			s.Status = StatusPending
			s.BytesDownloaded = 0
		}
	})
}

// PauseAll aborts every in-flight transfer.
func (m *Manager) PauseAll() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.inflight))
	for _, c := range m.inflight {
		cancels = append(cancels, c)
	}
	m.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Probe checks that the resource is reachable before committing to a full
// transfer, so an unreachable resource fails immediately instead of
// appearing to hang at 0%. The source URL is tried first, then the
// fallback.
func (m *Manager) Probe(ctx context.Context, res *catalog.Resource) (*probeInfo, error) {
	info, srcErr := m.probeURL(ctx, res.SourceURL)
	if srcErr == nil {
		return info, nil
	}
	if res.FallbackURL != "" {
		info, fbErr := m.probeURL(ctx, res.FallbackURL)
		if fbErr == nil {
			m.logger.Warn("primary URL unreachable, using fallback",
				"resource", res.Name, "error", srcErr)
			return info, nil
		}
	}
	return nil, srcErr
}

// probeURL issues a HEAD request (GET on 405) and classifies the outcome.
func (m *Manager) probeURL(ctx context.Context, url string) (*probeInfo, error) {
	return apperrors.RetryWithResult(ctx, m.cfg.Retry, func() (*probeInfo, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrCodeInvalidResource,
				fmt.Sprintf("bad resource URL %s: %v", url, err), err)
		}
		req.Header.Set("User-Agent", m.cfg.UserAgent)

		resp, err := m.client.Do(req)
		if err != nil {
			return nil, classifyTransportError(url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusMethodNotAllowed {
			return m.probeWithGet(ctx, url)
		}
		if err := classifyStatus(url, resp.StatusCode); err != nil {
			return nil, err
		}

		return &probeInfo{
			URL:           url,
			ContentLength: resp.ContentLength,
			AcceptRanges:  strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
			ETag:          resp.Header.Get("ETag"),
		}, nil
	})
}

// probeWithGet probes servers that reject HEAD by requesting a single byte.
func (m *Manager) probeWithGet(ctx context.Context, url string) (*probeInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInvalidResource, err)
	}
	req.Header.Set("User-Agent", m.cfg.UserAgent)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1))

	if err := classifyStatus(url, resp.StatusCode); err != nil {
		return nil, err
	}

	length := resp.ContentLength
	if resp.StatusCode == http.StatusPartialContent {
		length = parseContentRangeTotal(resp.Header.Get("Content-Range"))
	}
	return &probeInfo{
		URL:           url,
		ContentLength: length,
		AcceptRanges:  resp.StatusCode == http.StatusPartialContent,
		ETag:          resp.Header.Get("ETag"),
	}, nil
}

// DownloadResource streams one resource, verifies it, and commits it to
// the sink. Progress callbacks are monotonically non-decreasing and
// debounced. A checksum mismatch triggers exactly one automatic
// re-download; a second mismatch is terminal.
func (m *Manager) DownloadResource(ctx context.Context, res *catalog.Resource, onProgress ProgressFunc) error {
	if err := res.Validate(); err != nil {
		return err
	}

	done, err := m.sink.Exists(res)
	if err != nil {
		return err
	}
	if done {
		m.states.update(res.Name, func(s *ResourceState) {
			s.Status = StatusStored
			s.BytesDownloaded = res.Size
			s.TotalBytes = res.Size
		})
		m.emitProgress(res.Name, res.Size, res.Size, onProgress, nil)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := m.register(res.Name, cancel); err != nil {
		return err
	}
	defer m.unregister(res.Name)

	info, err := m.Probe(ctx, res)
	if err != nil {
		if isAbort(err) {
			m.states.update(res.Name, func(s *ResourceState) { s.Status = StatusPending })
			return apperrors.New(apperrors.ErrCodeDownloadAborted,
				fmt.Sprintf("download of %s aborted", res.Name), err)
		}
		m.failState(res.Name, err)
		return err
	}

	total := res.Size
	if info.ContentLength > 0 {
		total = info.ContentLength
	}
	m.states.update(res.Name, func(s *ResourceState) {
		s.Status = StatusDownloading
		s.TotalBytes = total
	})

	limiter := rate.NewLimiter(rate.Limit(progressEventsPerSecond), 1)

	// The checksum rule: one automatic re-download after a mismatch,
	// never a third attempt.
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		m.states.update(res.Name, func(s *ResourceState) { s.Attempts++ })

		data, err := m.fetch(ctx, res, info, onProgress, limiter)
		if err != nil {
			if isAbort(err) {
				m.states.update(res.Name, func(s *ResourceState) { s.Status = StatusPending })
				return apperrors.New(apperrors.ErrCodeDownloadAborted,
					fmt.Sprintf("download of %s aborted", res.Name), err)
			}
			m.failState(res.Name, err)
			return err
		}

		m.states.update(res.Name, func(s *ResourceState) { s.Status = StatusVerifying })

		sum := sha256.Sum256(data)
		checksum := hex.EncodeToString(sum[:])
		if res.Checksum != "" && checksum != res.Checksum {
			lastErr = apperrors.New(apperrors.ErrCodeChecksumMismatch,
				fmt.Sprintf("checksum mismatch for %s: got %s, want %s", res.Name, checksum, res.Checksum), nil).
				WithDetail("url", info.URL)
			m.dropPartial(res.Name)
			if attempt == 1 {
				m.logger.Warn("checksum mismatch, re-downloading once",
					"resource", res.Name, "got", checksum, "want", res.Checksum)
				m.states.update(res.Name, func(s *ResourceState) {
					s.Status = StatusDownloading
					s.BytesDownloaded = 0
				})
				continue
			}
			break
		}

		if err := m.sink.Commit(res, data, checksum); err != nil {
			m.failState(res.Name, err)
			return err
		}

		m.dropPartial(res.Name)
		_ = m.store.Delete(storage.CollectionDownloadProgress, res.Name)
		m.states.update(res.Name, func(s *ResourceState) {
			s.Status = StatusStored
			s.BytesDownloaded = int64(len(data))
			s.TotalBytes = int64(len(data))
		})
		m.emitProgress(res.Name, int64(len(data)), int64(len(data)), onProgress, nil)
		m.logger.Info("resource stored", "resource", res.Name, "bytes", len(data))
		return nil
	}

	m.failState(res.Name, lastErr)
	return lastErr
}

// fetch retrieves the full resource body, retrying transient failures
// under the shared policy and resuming from a paused partial when the
// server supports byte ranges.
func (m *Manager) fetch(ctx context.Context, res *catalog.Resource, info *probeInfo, onProgress ProgressFunc, limiter *rate.Limiter) ([]byte, error) {
	var data []byte
	err := apperrors.Retry(ctx, m.cfg.Retry, func() error {
		var fetchErr error
		data, fetchErr = m.fetchOnce(ctx, res, info, onProgress, limiter)
		return fetchErr
	})
	return data, err
}

func (m *Manager) fetchOnce(ctx context.Context, res *catalog.Resource, info *probeInfo, onProgress ProgressFunc, limiter *rate.Limiter) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInvalidResource, err)
	}
	req.Header.Set("User-Agent", m.cfg.UserAgent)

	// Resume from a paused partial when the server advertised range
	// support and the entity is unchanged.
	buf := m.takePartial(res.Name, info)
	if len(buf) > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", len(buf)))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.savePartial(res.Name, info, buf)
		return nil, classifyTransportError(info.URL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent && len(buf) > 0:
		// Range honored; keep the prefix.
	case resp.StatusCode == http.StatusOK:
		// Full body (or range ignored): start over without
		// re-attributing already-counted progress.
		buf = buf[:0]
	default:
		if err := classifyStatus(info.URL, resp.StatusCode); err != nil {
			return nil, err
		}
		buf = buf[:0]
	}

	total := res.Size
	if resp.ContentLength > 0 {
		total = int64(len(buf)) + resp.ContentLength
	} else if resp.ContentLength < 0 && res.Size <= 0 {
		// Chunked response with no declared size: indeterminate.
		total = -1
	}

	chunk := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			m.savePartial(res.Name, info, buf)
			return nil, ctx.Err()
		default:
		}

		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			m.emitProgress(res.Name, int64(len(buf)), total, onProgress, limiter)
			m.persistProgress(res.Name, res, info, int64(len(buf)), limiter)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				m.savePartial(res.Name, info, buf)
				return nil, ctx.Err()
			}
			m.savePartial(res.Name, info, buf)
			return nil, classifyTransportError(info.URL, readErr)
		}
	}

	// Servers that stream without a Content-Length never hit the
	// received >= total short-circuit, so the limiter could swallow the
	// last chunk's event. Emit once unthrottled at end of stream.
	if total <= 0 {
		m.emitProgress(res.Name, int64(len(buf)), total, onProgress, nil)
	}

	return buf, nil
}

// emitProgress updates state and invokes the callback, clamped so the
// reported byte count never decreases even across retries that restart
// from scratch. A nil limiter forces emission (used for final events).
func (m *Manager) emitProgress(name string, received, total int64, onProgress ProgressFunc, limiter *rate.Limiter) {
	m.mu.Lock()
	if received < m.highWater[name] {
		received = m.highWater[name]
	} else {
		m.highWater[name] = received
	}
	m.mu.Unlock()

	m.states.update(name, func(s *ResourceState) {
		s.BytesDownloaded = received
		if total > 0 {
			s.TotalBytes = total
		}
	})

	if onProgress == nil {
		return
	}
	final := total > 0 && received >= total
	if limiter != nil && !final && !limiter.Allow() {
		return
	}
	onProgress(ProgressEvent{Resource: name, BytesReceived: received, TotalBytes: total})
}

// persistProgress writes the resume record, piggybacking on the progress
// limiter so the store is not hammered on every chunk.
func (m *Manager) persistProgress(name string, res *catalog.Resource, info *probeInfo, received int64, limiter *rate.Limiter) {
	if limiter != nil && !limiter.Allow() {
		return
	}
	record := progressRecord{
		Resource:      name,
		URL:           info.URL,
		Collection:    res.Kind.Collection(),
		Key:           res.Name,
		BytesReceived: received,
		ETag:          info.ETag,
		UpdatedAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := m.store.Put(storage.CollectionDownloadProgress, name, data); err != nil {
		m.logger.Debug("progress record write failed", "resource", name, "error", err)
	}
}

func (m *Manager) register(name string, cancel context.CancelFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.inflight[name]; exists {
		return apperrors.New(apperrors.ErrCodeInternal,
			fmt.Sprintf("resource %s already has an in-flight transfer", name), nil)
	}
	m.inflight[name] = cancel
	return nil
}

func (m *Manager) unregister(name string) {
	m.mu.Lock()
	delete(m.inflight, name)
	m.mu.Unlock()
}

func (m *Manager) takePartial(name string, info *probeInfo) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partials[name]
	if !ok {
		return nil
	}
	delete(m.partials, name)
	if !p.acceptRanges || p.url != info.URL {
		return nil
	}
	if p.etag != "" && info.ETag != "" && p.etag != info.ETag {
		return nil
	}
	return p.data
}

func (m *Manager) savePartial(name string, info *probeInfo, data []byte) {
	if len(data) == 0 {
		return
	}
	m.mu.Lock()
	m.partials[name] = &partial{
		url:          info.URL,
		etag:         info.ETag,
		acceptRanges: info.AcceptRanges,
		data:         data,
	}
	m.mu.Unlock()
}

func (m *Manager) dropPartial(name string) {
	m.mu.Lock()
	delete(m.partials, name)
	delete(m.highWater, name)
	m.mu.Unlock()
}

func (m *Manager) failState(name string, err error) {
	m.states.update(name, func(s *ResourceState) {
		s.Status = StatusError
		if err != nil {
			s.Error = err.Error()
		}
	})
}

func isAbort(err error) bool {
	return errors.Is(err, context.Canceled)
}

// classifyTransportError maps transport failures onto the error taxonomy:
// timeouts and connection failures are retryable, cancellation is not.
func classifyTransportError(url string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperrors.TimeoutError(fmt.Sprintf("request to %s timed out", url), err)
	}
	return apperrors.NetworkError(fmt.Sprintf("request to %s failed: %v", url, err), err)
}

// classifyStatus maps HTTP status codes onto the error taxonomy. 404 and
// other client errors are terminal ResourceUnavailable; server errors and
// throttling are retryable network failures.
func classifyStatus(url string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return apperrors.New(apperrors.ErrCodeResourceUnavailable,
			fmt.Sprintf("resource not found at %s (HTTP %d)", url, status), nil).
			WithSuggestion("the package manifest may be outdated")
	case status == http.StatusTooManyRequests || status >= 500:
		return apperrors.NetworkError(fmt.Sprintf("server error from %s (HTTP %d)", url, status), nil)
	default:
		return apperrors.New(apperrors.ErrCodeResourceUnavailable,
			fmt.Sprintf("unexpected HTTP %d from %s", status, url), nil)
	}
}

// parseContentRangeTotal extracts the total from "bytes 0-0/12345".
func parseContentRangeTotal(header string) int64 {
	i := strings.LastIndexByte(header, '/')
	if i < 0 {
		return -1
	}
	var total int64
	if _, err := fmt.Sscanf(header[i+1:], "%d", &total); err != nil {
		return -1
	}
	return total
}
