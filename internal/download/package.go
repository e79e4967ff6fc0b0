package download

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Aman-CERP/localwiki/internal/catalog"
	apperrors "github.com/Aman-CERP/localwiki/internal/errors"
)

// DownloadPackage acquires every resource in the package. All resources
// are probed up front so an unreachable critical resource aborts before
// any bytes move. Critical failures cancel the remaining transfers;
// optional failures are logged and skipped. Already-stored resources are
// not re-downloaded.
func (m *Manager) DownloadPackage(ctx context.Context, pkg *catalog.Package, onProgress PackageProgressFunc) error {
	if err := pkg.Validate(); err != nil {
		return err
	}

	for i := range pkg.Resources {
		res := &pkg.Resources[i]
		m.states.update(res.Name, func(s *ResourceState) {
			if s.Status == "" {
				s.Status = StatusPending
			}
			s.TotalBytes = res.Size
		})
	}

	if err := m.probeAll(ctx, pkg); err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Limit(progressEventsPerSecond), 1)
	var progressMu sync.Mutex
	notify := func(force bool) {
		if onProgress == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		if !force && !limiter.Allow() {
			return
		}
		onProgress(m.OverallProgress(pkg), m.states.snapshot())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)

	var optMu sync.Mutex
	var optionalFailures []error

	for i := range pkg.Resources {
		res := &pkg.Resources[i]
		g.Go(func() error {
			err := m.DownloadResource(gctx, res, func(ProgressEvent) {
				notify(false)
			})
			if err == nil {
				notify(false)
				return nil
			}
			if !res.Critical() && !apperrors.HasCode(err, apperrors.ErrCodeDownloadAborted) {
				m.logger.Warn("optional resource failed, continuing",
					"resource", res.Name, "error", err)
				optMu.Lock()
				optionalFailures = append(optionalFailures, err)
				optMu.Unlock()
				return nil
			}
			return fmt.Errorf("resource %s: %w", res.Name, err)
		})
	}

	err := g.Wait()
	notify(true)
	if err != nil {
		return err
	}
	if len(optionalFailures) > 0 {
		m.logger.Info("package acquired with optional resources missing",
			"package", pkg.ID, "failed", len(optionalFailures))
	}
	return nil
}

// probeAll verifies every resource is reachable before transfers start.
// Already-stored resources are exempt; a dead URL for a critical resource
// fails the whole package immediately.
func (m *Manager) probeAll(ctx context.Context, pkg *catalog.Package) error {
	for i := range pkg.Resources {
		res := &pkg.Resources[i]
		stored, err := m.sink.Exists(res)
		if err != nil {
			return err
		}
		if stored {
			continue
		}
		if _, err := m.Probe(ctx, res); err != nil {
			if !res.Critical() {
				m.logger.Warn("optional resource unreachable", "resource", res.Name, "error", err)
				continue
			}
			m.failState(res.Name, err)
			return fmt.Errorf("resource %s unavailable: %w", res.Name, err)
		}
	}
	return nil
}

// OverallProgress reports package completion as a size-weighted
// percentage. It is exactly 0 when nothing has been received, exactly 100
// only when every resource is stored, and strictly between otherwise.
func (m *Manager) OverallProgress(pkg *catalog.Package) float64 {
	states := m.states.snapshot()

	var totalSize, weighted int64
	allStored := len(pkg.Resources) > 0
	anyProgress := false

	for i := range pkg.Resources {
		res := &pkg.Resources[i]
		s := states[res.Name]
		totalSize += res.Size
		if s.Status == StatusStored {
			weighted += res.Size
		} else {
			allStored = false
			got := s.BytesDownloaded
			if got > res.Size {
				got = res.Size
			}
			weighted += got
		}
		if s.BytesDownloaded > 0 || s.Status == StatusStored {
			anyProgress = true
		}
	}

	switch {
	case totalSize == 0 || !anyProgress:
		return 0
	case allStored:
		return 100
	}

	pct := float64(weighted) / float64(totalSize) * 100
	// Partial packages never round up to complete.
	if pct >= 100 {
		pct = 99.9
	}
	if pct <= 0 {
		pct = 0.1
	}
	return pct
}
