package ui

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
)

// TUIRenderer provides rich terminal UI using bubbletea.
type TUIRenderer struct {
	mu      sync.Mutex
	cfg     Config
	program *tea.Program
	model   *setupModel
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

// NewTUIRenderer creates a TUI renderer.
func NewTUIRenderer(cfg Config) *TUIRenderer {
	model := newSetupModel()
	if cfg.NoColor || DetectNoColor() {
		model.styles = NoColorStyles()
	}
	return &TUIRenderer{
		cfg:   cfg,
		model: model,
		done:  make(chan struct{}),
	}
}

// Start implements Renderer.
func (r *TUIRenderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	_, r.cancel = context.WithCancel(ctx)

	var opts []tea.ProgramOption
	if f, ok := r.cfg.Output.(*os.File); ok {
		opts = append(opts, tea.WithOutput(f))
	}
	r.program = tea.NewProgram(r.model, opts...)
	r.started = true

	go func() {
		defer close(r.done)
		_, _ = r.program.Run()
	}()
	return nil
}

// UpdateProgress implements Renderer.
func (r *TUIRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.program != nil {
		r.program.Send(progressUpdateMsg(event))
	}
}

// AddError implements Renderer.
func (r *TUIRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.program != nil {
		r.program.Send(errorMsg(event))
	}
}

// Complete implements Renderer.
func (r *TUIRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.program != nil {
		r.program.Send(completeMsg(stats))
	}
}

// Stop implements Renderer.
func (r *TUIRenderer) Stop() error {
	r.mu.Lock()
	program := r.program
	cancel := r.cancel
	started := r.started
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if program != nil {
		program.Quit()
	}
	if started {
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			if program != nil {
				program.Kill()
			}
		}
	}
	return nil
}

type progressUpdateMsg ProgressEvent
type errorMsg ErrorEvent
type completeMsg CompletionStats

// resourceRow is one resource's display state.
type resourceRow struct {
	name     string
	received int64
	total    int64
	done     bool
}

// setupModel is the bubbletea model for the setup flow.
type setupModel struct {
	styles    Styles
	spin      spinner.Model
	bar       progress.Model
	stage     Stage
	overall   float64
	resources map[string]*resourceRow
	errors    []ErrorEvent
	stats     *CompletionStats
	start     time.Time
	quitting  bool
}

func newSetupModel() *setupModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return &setupModel{
		styles:    DefaultStyles(),
		spin:      sp,
		bar:       progress.New(progress.WithDefaultGradient()),
		resources: make(map[string]*resourceRow),
		start:     time.Now(),
	}
}

// Init implements tea.Model.
func (m *setupModel) Init() tea.Cmd {
	return m.spin.Tick
}

// Update implements tea.Model.
func (m *setupModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = msg.Width - 10
		if m.bar.Width > 60 {
			m.bar.Width = 60
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case progressUpdateMsg:
		m.stage = msg.Stage
		if msg.Overall > 0 {
			m.overall = msg.Overall
		}
		if msg.Resource != "" {
			row, ok := m.resources[msg.Resource]
			if !ok {
				row = &resourceRow{name: msg.Resource}
				m.resources[msg.Resource] = row
			}
			row.received = msg.BytesReceived
			row.total = msg.TotalBytes
			row.done = row.total > 0 && row.received >= row.total
		}
	case errorMsg:
		m.errors = append(m.errors, ErrorEvent(msg))
	case completeMsg:
		stats := CompletionStats(msg)
		m.stats = &stats
		m.stage = StageComplete
		m.overall = 100
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model.
func (m *setupModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.styles.Header.Render("localwiki setup"))
	b.WriteString("\n\n")

	if m.stage != StageComplete {
		b.WriteString(m.spin.View())
		b.WriteString(" ")
	}
	b.WriteString(m.styles.Stage.Render(m.stage.String()))
	b.WriteString("\n")
	b.WriteString(m.bar.ViewAs(m.overall / 100))
	b.WriteString(fmt.Sprintf(" %.1f%%\n\n", m.overall))

	names := make([]string, 0, len(m.resources))
	for name := range m.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		row := m.resources[name]
		mark := " "
		if row.done {
			mark = m.styles.Success.Render("*")
		}
		line := fmt.Sprintf("  %s %s  %s", mark,
			m.styles.Resource.Render(row.name),
			m.styles.Label.Render(formatBytes(row.received, row.total)))
		b.WriteString(line)
		b.WriteString("\n")
	}

	for _, e := range m.errors {
		style := m.styles.Error
		prefix := "error"
		if e.IsWarn {
			style = m.styles.Warning
			prefix = "warn"
		}
		b.WriteString(style.Render(fmt.Sprintf("  %s: %s: %v", prefix, e.Resource, e.Err)))
		b.WriteString("\n")
	}

	if m.stats != nil {
		b.WriteString("\n")
		b.WriteString(m.styles.Success.Render(fmt.Sprintf(
			"Done: %d resources, %s in %s",
			m.stats.Resources,
			humanize.Bytes(uint64(m.stats.Bytes)),
			m.stats.Duration.Round(100*time.Millisecond))))
		b.WriteString("\n")
	} else {
		b.WriteString("\n")
		b.WriteString(m.styles.Dim.Render(fmt.Sprintf(
			"  elapsed %s  (q to abort)",
			time.Since(m.start).Round(time.Second))))
		b.WriteString("\n")
	}
	return b.String()
}

func formatBytes(received, total int64) string {
	if total > 0 {
		return fmt.Sprintf("%s / %s",
			humanize.Bytes(uint64(received)), humanize.Bytes(uint64(total)))
	}
	if received > 0 {
		return humanize.Bytes(uint64(received))
	}
	return "pending"
}
