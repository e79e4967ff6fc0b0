package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// PlainRenderer outputs plain text progress (for CI/pipes).
type PlainRenderer struct {
	mu     sync.Mutex
	out    io.Writer
	stage  Stage
	errors []ErrorEvent

	// lastPct suppresses repeated lines for the same whole percent.
	lastPct map[string]int
}

// NewPlainRenderer creates a plain text renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{
		out:     cfg.Output,
		lastPct: make(map[string]int),
	}
}

// Start implements Renderer.
func (r *PlainRenderer) Start(ctx context.Context) error {
	return nil
}

// UpdateProgress implements Renderer.
func (r *PlainRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.Stage != r.stage {
		r.stage = event.Stage
		r.lastPct = make(map[string]int)
	}

	if event.Message != "" {
		_, _ = fmt.Fprintf(r.out, "[%s] %s\n", event.Stage.Icon(), event.Message)
		return
	}
	if event.Resource == "" {
		return
	}

	if event.TotalBytes > 0 {
		pct := int(float64(event.BytesReceived) / float64(event.TotalBytes) * 100)
		if pct == r.lastPct[event.Resource] {
			return
		}
		r.lastPct[event.Resource] = pct
		_, _ = fmt.Fprintf(r.out, "[%s] %s %d%% (%s / %s)\n",
			event.Stage.Icon(), event.Resource, pct,
			humanize.Bytes(uint64(event.BytesReceived)),
			humanize.Bytes(uint64(event.TotalBytes)))
		return
	}
	_, _ = fmt.Fprintf(r.out, "[%s] %s %s\n",
		event.Stage.Icon(), event.Resource,
		humanize.Bytes(uint64(event.BytesReceived)))
}

// AddError implements Renderer.
func (r *PlainRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errors = append(r.errors, event)

	prefix := "ERROR"
	if event.IsWarn {
		prefix = "WARN"
	}
	if event.Resource != "" {
		_, _ = fmt.Fprintf(r.out, "%s: %s: %v\n", prefix, event.Resource, event.Err)
		return
	}
	_, _ = fmt.Fprintf(r.out, "%s: %v\n", prefix, event.Err)
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, _ = fmt.Fprintf(r.out, "Complete: %s (%d resources, %s) in %s",
		stats.Package, stats.Resources,
		humanize.Bytes(uint64(stats.Bytes)),
		stats.Duration.Round(100*time.Millisecond))
	if stats.Articles > 0 {
		_, _ = fmt.Fprintf(r.out, ", %d articles indexed", stats.Articles)
	}
	if stats.Errors > 0 || stats.Warnings > 0 {
		_, _ = fmt.Fprintf(r.out, " (%d errors, %d warnings)", stats.Errors, stats.Warnings)
	}
	_, _ = fmt.Fprintln(r.out)
}

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error {
	return nil
}
