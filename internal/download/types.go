// Package download fetches package resources with progress tracking,
// retry, checksum verification, and resumable cancellation.
//
// Verified bytes are handed to a Sink (backed by the storage layer); the
// manager itself never touches the store file directly. All transient
// network failures go through one shared backoff policy; checksum
// mismatches get exactly one automatic re-download before the resource is
// marked failed.
package download

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a resource transfer. Transitions form
// a DAG per attempt: pending → downloading → verifying → stored | failed.
type Status string

const (
	// StatusPending means the resource has not started (or was paused).
	StatusPending Status = "pending"
	// StatusDownloading means bytes are being received.
	StatusDownloading Status = "downloading"
	// StatusVerifying means the checksum is being checked and the blob committed.
	StatusVerifying Status = "verifying"
	// StatusStored means the verified blob is persisted.
	StatusStored Status = "stored"
	// StatusError means the transfer failed terminally.
	StatusError Status = "error"
)

// ResourceState is the mutable runtime state of one resource transfer.
// Only the download manager mutates it.
type ResourceState struct {
	Name            string `json:"name"`
	Status          Status `json:"status"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
	// TotalBytes is the declared size, or the Content-Length when the
	// manifest omitted one. -1 means indeterminate.
	TotalBytes int64  `json:"total_bytes"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

// Fraction returns completion in [0,1]; stored resources count as 1
// regardless of byte accounting, indeterminate ones as 0 until stored.
func (s *ResourceState) Fraction() float64 {
	if s.Status == StatusStored {
		return 1
	}
	if s.TotalBytes <= 0 {
		return 0
	}
	f := float64(s.BytesDownloaded) / float64(s.TotalBytes)
	if f > 1 {
		f = 1
	}
	return f
}

// ProgressEvent reports transfer progress for one resource.
// BytesReceived is monotonically non-decreasing for a given resource.
type ProgressEvent struct {
	Resource      string
	BytesReceived int64
	// TotalBytes is -1 when the server sent no Content-Length.
	TotalBytes int64
}

// ProgressFunc receives per-resource progress events.
type ProgressFunc func(ProgressEvent)

// PackageProgressFunc receives debounced overall package progress in [0,100].
type PackageProgressFunc func(overall float64, perResource map[string]ResourceState)

// progressRecord is the resume state persisted in the download-progress
// collection.
type progressRecord struct {
	Resource      string    `json:"resource"`
	URL           string    `json:"url"`
	Collection    string    `json:"collection"`
	Key           string    `json:"key"`
	BytesReceived int64     `json:"bytes_received"`
	ETag          string    `json:"etag,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// stateTable tracks per-resource states with snapshot access.
type stateTable struct {
	mu     sync.RWMutex
	states map[string]*ResourceState
}

func newStateTable() *stateTable {
	return &stateTable{states: make(map[string]*ResourceState)}
}

func (t *stateTable) get(name string) ResourceState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.states[name]; ok {
		return *s
	}
	return ResourceState{Name: name, Status: StatusPending}
}

func (t *stateTable) snapshot() map[string]ResourceState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ResourceState, len(t.states))
	for name, s := range t.states {
		out[name] = *s
	}
	return out
}

func (t *stateTable) update(name string, fn func(*ResourceState)) ResourceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[name]
	if !ok {
		s = &ResourceState{Name: name, Status: StatusPending}
		t.states[name] = s
	}
	fn(s)
	return *s
}
