// Package reconciler periodically cross-checks the Adapter Manager
// tables against the Device Registry facade, surfacing devices the
// registry knows about but that have no live adapter (spec §10).
package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/derconn/pkg/log"
	"github.com/cuemby/derconn/pkg/manager"
	"github.com/cuemby/derconn/pkg/metrics"
	"github.com/cuemby/derconn/pkg/registry"
)

const defaultInterval = 10 * time.Second

// Reconciler compares what the Device Registry reports against what is
// actually live across every protocol family's Adapter Manager.
type Reconciler struct {
	managers []*manager.Manager
	registry registry.Lookup
	interval time.Duration
	logger   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Reconciler over one Manager per protocol family.
func New(managers []*manager.Manager, reg registry.Lookup) *Reconciler {
	return &Reconciler{
		managers: managers,
		registry: reg,
		interval: defaultInterval,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop in its own goroutine.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop halts the reconciliation loop and waits for it to exit.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")
	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// reconcile performs one cycle: every registered device is expected to
// have a live adapter in the Manager for its protocol family. A mismatch
// is drift — logged and counted, never auto-corrected (spec §10: the
// core does not provision adapters outside an explicit AddDevice call).
func (r *Reconciler) reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	devices, err := r.registry.All(ctx)
	if err != nil {
		return err
	}

	for _, d := range devices {
		if r.hasLiveAdapter(d.Protocol, d.ID) {
			continue
		}
		r.logger.Warn().
			Str("device_id", d.ID).
			Str("protocol", d.Protocol).
			Str("site_id", d.SiteID).
			Msg("registry device has no live adapter")
		metrics.ReconciliationDriftTotal.WithLabelValues("missing_adapter").Inc()
	}

	return nil
}

func (r *Reconciler) hasLiveAdapter(protocol, deviceID string) bool {
	for _, m := range r.managers {
		if m.Protocol() != protocol {
			continue
		}
		_, ok := m.GetAdapter(deviceID)
		return ok
	}
	return false
}
