package originstate

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically evicts expired entries from all three caches on a
// single background goroutine, mirroring the teacher's one-ticker cleanup
// loop instead of giving each cache its own timer.
type Sweeper struct {
	metadata *MetadataCache
	redirect *RedirectCache
	preload  *PreloadCache
	interval time.Duration
	log      *zap.Logger
}

// NewSweeper builds a Sweeper over the three caches, sweeping once per
// interval (60s by default).
func NewSweeper(metadata *MetadataCache, redirect *RedirectCache, preload *PreloadCache, interval time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{metadata: metadata, redirect: redirect, preload: preload, interval: interval, log: log}
}

// Run blocks, sweeping every interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	now := time.Now()
	mRemoved := s.metadata.sweep(now)
	rRemoved := s.redirect.sweep(now)
	pRemoved := s.preload.sweep(now)
	if mRemoved+rRemoved+pRemoved > 0 {
		s.log.Debug("cache sweep",
			zap.Int("metadataExpired", mRemoved),
			zap.Int("redirectExpired", rRemoved),
			zap.Int("preloadExpired", pRemoved),
			zap.Int("metadataLive", s.metadata.Len()),
			zap.Int("redirectLive", s.redirect.Len()),
		)
	}
}
