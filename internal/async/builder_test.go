package async

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_CompletesAndReportsReady(t *testing.T) {
	b := NewBuilder(func(ctx context.Context, p *Progress) error {
		p.SetStage(StageIndexing, 10)
		for i := 1; i <= 10; i++ {
			p.Update(i)
		}
		return nil
	})

	b.Start(context.Background())
	require.NoError(t, b.Wait())

	snap := b.Progress().Snapshot()
	assert.Equal(t, string(StatusReady), snap.Status)
	assert.Equal(t, 100.0, snap.ProgressPct)
	assert.False(t, b.IsRunning())
}

func TestBuilder_PropagatesError(t *testing.T) {
	boom := errors.New("index build failed")
	b := NewBuilder(func(ctx context.Context, p *Progress) error {
		return boom
	})

	b.Start(context.Background())
	assert.ErrorIs(t, b.Wait(), boom)

	snap := b.Progress().Snapshot()
	assert.Equal(t, string(StatusError), snap.Status)
	assert.Contains(t, snap.ErrorMessage, "index build failed")
}

func TestBuilder_StopCancelsContext(t *testing.T) {
	started := make(chan struct{})
	b := NewBuilder(func(ctx context.Context, p *Progress) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	b.Start(context.Background())
	<-started
	b.Stop()

	err := b.Wait()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuilder_SecondStartIsNoop(t *testing.T) {
	calls := 0
	release := make(chan struct{})
	b := NewBuilder(func(ctx context.Context, p *Progress) error {
		calls++
		<-release
		return nil
	})

	b.Start(context.Background())
	b.Start(context.Background())
	close(release)
	require.NoError(t, b.Wait())
	assert.Equal(t, 1, calls)
}

func TestProgress_SnapshotMath(t *testing.T) {
	p := NewProgress()
	p.SetStage(StageImporting, 200)
	p.Update(50)

	snap := p.Snapshot()
	assert.Equal(t, 25.0, snap.ProgressPct)
	assert.Equal(t, string(StageImporting), snap.Stage)

	// Updates never move progress backwards.
	p.Update(40)
	assert.Equal(t, 50, p.Snapshot().Done)
}

func TestProgress_ZeroTotal(t *testing.T) {
	p := NewProgress()
	assert.Equal(t, 0.0, p.Snapshot().ProgressPct)
	p.MarkReady()
	assert.Equal(t, 100.0, p.Snapshot().ProgressPct)
}

func TestBuilder_StopBeforeStartDoesNotPanic(t *testing.T) {
	b := NewBuilder(func(ctx context.Context, p *Progress) error { return nil })
	b.Stop()
	b.Stop()

	b.Start(context.Background())
	// Stop was requested before start, so the run is cancelled promptly.
	_ = b.Wait()
	assert.Eventually(t, func() bool { return !b.IsRunning() }, time.Second, 10*time.Millisecond)
}
