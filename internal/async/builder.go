package async

import (
	"context"
	"sync"
)

// BuildFunc is the work executed by a background Builder.
type BuildFunc func(ctx context.Context, progress *Progress) error

// Builder runs a build function in a background goroutine with progress
// tracking. Large corpus index builds go through a Builder so interactive
// work (status queries, searches over the previous index) is never blocked;
// small corpora are built inline by the caller instead.
type Builder struct {
	progress *Progress

	// BuildFunc is the work to run. Injectable for testing.
	BuildFunc BuildFunc

	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	running bool
	started bool
	err     error
}

// NewBuilder creates a background builder for fn.
func NewBuilder(fn BuildFunc) *Builder {
	return &Builder{
		progress:  NewProgress(),
		BuildFunc: fn,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Progress returns the progress tracker for this builder.
func (b *Builder) Progress() *Progress {
	return b.progress
}

// IsRunning reports whether the build is currently executing.
func (b *Builder) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Start begins the build in a background goroutine. Non-blocking;
// a second Start is a no-op. Use Wait to block until completion.
func (b *Builder) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.running = true
	b.mu.Unlock()

	go b.run(ctx)
}

// Stop requests cancellation of a running build.
func (b *Builder) Stop() {
	select {
	case <-b.stopCh:
	default:
		close(b.stopCh)
	}
}

// Wait blocks until the build finishes and returns its error.
func (b *Builder) Wait() error {
	<-b.doneCh
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Builder) run(ctx context.Context) {
	defer close(b.doneCh)
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := b.BuildFunc(ctx, b.progress)

	b.mu.Lock()
	b.err = err
	b.mu.Unlock()

	if err != nil {
		b.progress.MarkError(err)
		return
	}
	b.progress.MarkReady()
}
