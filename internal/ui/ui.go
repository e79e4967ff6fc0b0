// Package ui provides terminal rendering for package acquisition and
// setup progress.
package ui

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
)

// Stage represents a setup phase.
type Stage int

const (
	// StageProbing is the up-front availability check.
	StageProbing Stage = iota
	// StageDownloading is the resource transfer phase.
	StageDownloading
	// StageVerifying is checksum verification.
	StageVerifying
	// StageImporting is corpus article import.
	StageImporting
	// StageIndexing is search index construction.
	StageIndexing
	// StageComplete indicates setup is finished.
	StageComplete
)

// String returns the human-readable stage name.
func (s Stage) String() string {
	switch s {
	case StageProbing:
		return "Probing"
	case StageDownloading:
		return "Downloading"
	case StageVerifying:
		return "Verifying"
	case StageImporting:
		return "Importing"
	case StageIndexing:
		return "Indexing"
	case StageComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Icon returns the short stage tag for plain text output.
func (s Stage) Icon() string {
	switch s {
	case StageProbing:
		return "PROBE"
	case StageDownloading:
		return "FETCH"
	case StageVerifying:
		return "VERIFY"
	case StageImporting:
		return "IMPORT"
	case StageIndexing:
		return "INDEX"
	case StageComplete:
		return "DONE"
	default:
		return "???"
	}
}

// ProgressEvent represents a progress update.
type ProgressEvent struct {
	Stage         Stage
	Resource      string
	BytesReceived int64
	TotalBytes    int64
	Overall       float64 // package-wide percent, 0 to 100
	Message       string
}

// ErrorEvent represents an error during setup.
type ErrorEvent struct {
	Resource string
	Err      error
	IsWarn   bool
}

// CompletionStats contains final setup statistics.
type CompletionStats struct {
	Package   string
	Resources int
	Articles  int
	Bytes     int64
	Duration  time.Duration
	Errors    int
	Warnings  int
}

// Renderer defines the interface for progress display.
type Renderer interface {
	// Start initializes the renderer.
	Start(ctx context.Context) error

	// UpdateProgress updates progress display.
	UpdateProgress(event ProgressEvent)

	// AddError adds an error to display.
	AddError(event ErrorEvent)

	// Complete marks rendering as complete with summary.
	Complete(stats CompletionStats)

	// Stop stops the renderer and cleans up.
	Stop() error
}

// Config configures the UI renderer.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool
}

// NewRenderer creates an appropriate renderer based on config and
// environment: a TUI for interactive terminals, plain text for CI,
// pipes, or when plain output is forced.
func NewRenderer(cfg Config) Renderer {
	if cfg.ForcePlain || !IsTTY(cfg.Output) || DetectCI() {
		return NewPlainRenderer(cfg)
	}
	return NewTUIRenderer(cfg)
}

// IsTTY checks if output is a terminal.
func IsTTY(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

// DetectNoColor checks if the NO_COLOR environment variable is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// DetectCI checks if running in a CI environment.
func DetectCI() bool {
	ciVars := []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"}
	for _, v := range ciVars {
		if _, exists := os.LookupEnv(v); exists {
			return true
		}
	}
	return false
}
