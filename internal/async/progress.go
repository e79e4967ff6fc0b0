// Package async provides background processing infrastructure for localwiki.
package async

import (
	"sync"
	"time"
)

// BuildStatus represents the overall background-build state.
type BuildStatus string

const (
	// StatusRunning indicates the build is in progress.
	StatusRunning BuildStatus = "running"
	// StatusReady indicates the build completed and the result is usable.
	StatusReady BuildStatus = "ready"
	// StatusError indicates the build failed.
	StatusError BuildStatus = "error"
)

// BuildStage represents the current phase of a corpus build.
type BuildStage string

const (
	// StageImporting indicates articles are being read from the corpus.
	StageImporting BuildStage = "importing"
	// StageIndexing indicates the search index is being constructed.
	StageIndexing BuildStage = "indexing"
)

// ProgressSnapshot is an immutable snapshot of build progress.
type ProgressSnapshot struct {
	Status         string  `json:"status"`
	Stage          string  `json:"stage"`
	Total          int     `json:"total"`
	Done           int     `json:"done"`
	ProgressPct    float64 `json:"progress_pct"`
	ElapsedSeconds int     `json:"elapsed_seconds"`
	ErrorMessage   string  `json:"error_message,omitempty"`
}

// Progress provides thread-safe tracking of background build progress.
type Progress struct {
	mu sync.RWMutex

	status    BuildStatus
	stage     BuildStage
	total     int
	done      int
	startTime time.Time
	errorMsg  string
}

// NewProgress creates a progress tracker in the running state.
func NewProgress() *Progress {
	return &Progress{
		status:    StatusRunning,
		stage:     StageImporting,
		startTime: time.Now(),
	}
}

// SetStage updates the current stage and resets counters.
func (p *Progress) SetStage(stage BuildStage, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stage = stage
	p.total = total
	p.done = 0
}

// Update sets the completed count within the current stage.
func (p *Progress) Update(done int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if done > p.done {
		p.done = done
	}
}

// MarkReady transitions to the ready state.
func (p *Progress) MarkReady() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = StatusReady
}

// MarkError records a failure.
func (p *Progress) MarkError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = StatusError
	if err != nil {
		p.errorMsg = err.Error()
	}
}

// Snapshot returns the current progress state.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pct := 0.0
	if p.total > 0 {
		pct = float64(p.done) / float64(p.total) * 100
	}
	if p.status == StatusReady {
		pct = 100
	}

	return ProgressSnapshot{
		Status:         string(p.status),
		Stage:          string(p.stage),
		Total:          p.total,
		Done:           p.done,
		ProgressPct:    pct,
		ElapsedSeconds: int(time.Since(p.startTime).Seconds()),
		ErrorMessage:   p.errorMsg,
	}
}
