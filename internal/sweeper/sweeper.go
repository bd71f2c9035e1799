// Package sweeper periodically evicts expired files from the artifact store.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-broker/internal/artifact"
	"github.com/book-expert/speech-broker/internal/metrics"
	"github.com/book-expert/speech-broker/internal/tts/ttsutils"
)

// ErrIntervalInvalid indicates a non-positive sweep interval.
var ErrIntervalInvalid = errors.New("sweep interval must be positive")

// Sweeper runs Store.Sweep on a fixed interval.
type Sweeper struct {
	store    *artifact.Store
	interval time.Duration
	recorder metrics.Recorder
	log      *logger.Logger
}

// New creates a sweeper. A nil recorder disables metrics.
func New(store *artifact.Store, interval time.Duration, recorder metrics.Recorder, log *logger.Logger) (*Sweeper, error) {
	if interval <= 0 {
		return nil, ErrIntervalInvalid
	}

	if recorder == nil {
		recorder = metrics.Noop{}
	}

	return &Sweeper{store: store, interval: interval, recorder: recorder, log: log}, nil
}

// Run sweeps once immediately and then on every tick until ctx is done. A
// failed pass is logged and the loop carries on.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("Sweeper started: retention %s, interval %s",
		ttsutils.FormatAge(s.store.Retention()), ttsutils.FormatAge(s.interval))

	for {
		s.SweepOnce(ctx)

		select {
		case <-ctx.Done():
			s.log.Info("Sweeper stopped")

			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce runs a single pass and reports it.
func (s *Sweeper) SweepOnce(ctx context.Context) artifact.SweepReport {
	report, err := s.store.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		s.log.Error("Sweep of %s failed: %v", s.store.Dir(), err)
	}

	s.recorder.Swept(report.Deleted, report.Failed)

	if report.Deleted > 0 || report.Failed > 0 {
		s.log.Info("Sweep complete: scanned %d, deleted %d, failed %d",
			report.Scanned, report.Deleted, report.Failed)
	}

	return report
}
