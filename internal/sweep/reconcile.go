package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"provider-pool/internal/lease"
	"provider-pool/internal/provider"
	"provider-pool/internal/session"
	"provider-pool/pkg/metrics"
)

// Reconciler is the pool reconciliation sweep: the backstop for leases whose
// per-lease timeout task never fired (lost task, dead dispatcher, crashed
// worker). It runs on its own cadence, re-reads state directly, and releases
// through the lease manager's unconditional path.
type Reconciler struct {
	providers provider.Store
	sessions  session.Store
	leases    *lease.Service
	m         *metrics.Metrics
	log       *slog.Logger

	cfg ReconcileConfig

	clock func() time.Time
}

// ReconcileConfig thresholds. BusyThreshold is deliberately at least as long
// as the per-lease safety window, so the sweep only acts where that window
// already elapsed and should have auto-released. ExtendedGrace applies when
// the session read errors (as opposed to "not found"): a transient store
// failure must not trigger a premature release.
type ReconcileConfig struct {
	BusyThreshold time.Duration
	ExtendedGrace time.Duration
	BatchLimit    int
}

func NewReconciler(providers provider.Store, sessions session.Store, leases *lease.Service, m *metrics.Metrics, log *slog.Logger, cfg ReconcileConfig) *Reconciler {
	return &Reconciler{
		providers: providers,
		sessions:  sessions,
		leases:    leases,
		m:         m,
		log:       log,
		cfg:       cfg,
		clock:     time.Now,
	}
}

// Report summarizes one sweep pass.
type Report struct {
	Scanned  int `json:"scanned"`
	Released int `json:"released"`

	SkippedTest  int `json:"skipped_test"`
	SkippedYoung int `json:"skipped_young"`
	SkippedOpen  int `json:"skipped_open"`

	// Deferred counts busy providers whose session read errored inside the
	// extended grace window; the next pass retries them.
	Deferred int `json:"deferred"`

	Errors int `json:"errors"`
}

type releaseCandidate struct {
	providerID string
	cause      string
}

const (
	causeOrphaned      = "orphaned_no_session_ref"
	causeSessionGone   = "session_terminal_or_missing"
	causeSessionUnread = "session_read_failed_grace_elapsed"
	reasonReconcile    = "reconcile_sweep"
)

// Run executes one sweep pass. Idempotent per invocation.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	now := r.clock().UTC()
	rep := Report{}

	busy, err := r.providers.ListBusy(ctx)
	if err != nil {
		return rep, err
	}

	candidates := make([]releaseCandidate, 0)
	for _, p := range busy {
		rep.Scanned++

		if p.IsTestAccount {
			rep.SkippedTest++
			r.m.SweepSkips.WithLabelValues("reconcile", "test_account").Inc()
			continue
		}

		// Durations, not wall-clock deadlines: a sweep that starts late
		// still evaluates time-held correctly.
		var busyFor time.Duration
		if p.BusySince != nil {
			busyFor = now.Sub(*p.BusySince)
		}
		if p.BusySince != nil && busyFor < r.cfg.BusyThreshold {
			rep.SkippedYoung++
			r.m.SweepSkips.WithLabelValues("reconcile", "young").Inc()
			continue
		}

		if p.CurrentSessionID == "" {
			// Busy with no session reference is definitionally orphaned.
			candidates = append(candidates, releaseCandidate{providerID: p.ID, cause: causeOrphaned})
			continue
		}

		sess, err := r.sessions.Get(ctx, p.CurrentSessionID)
		switch {
		case err == nil:
			if sess.Status.Open() {
				rep.SkippedOpen++
				r.m.SweepSkips.WithLabelValues("reconcile", "session_open").Inc()
				continue
			}
			candidates = append(candidates, releaseCandidate{providerID: p.ID, cause: causeSessionGone})
		case errors.Is(err, session.ErrNotFound):
			candidates = append(candidates, releaseCandidate{providerID: p.ID, cause: causeSessionGone})
		default:
			// A nil busy_since cannot age into the grace window; the row is
			// already invariant-violating, so release rather than defer forever.
			if p.BusySince == nil || busyFor >= r.cfg.ExtendedGrace {
				candidates = append(candidates, releaseCandidate{providerID: p.ID, cause: causeSessionUnread})
				continue
			}
			rep.Deferred++
			r.m.SweepSkips.WithLabelValues("reconcile", "deferred_read_error").Inc()
			r.log.Warn("session read failed, deferring release within grace",
				"provider_id", p.ID, "session_id", p.CurrentSessionID, "busy_for", busyFor, "err", err)
		}
	}

	r.releaseBatches(ctx, candidates, &rep)
	r.log.Info("reconcile sweep done",
		"scanned", rep.Scanned, "released", rep.Released, "skipped_open", rep.SkippedOpen,
		"skipped_young", rep.SkippedYoung, "deferred", rep.Deferred, "errors", rep.Errors)
	return rep, nil
}

// releaseBatches clears candidates in chunks sized under the store's
// per-batch write ceiling; one failed chunk never fails the whole sweep.
func (r *Reconciler) releaseBatches(ctx context.Context, candidates []releaseCandidate, rep *Report) {
	limit := r.cfg.BatchLimit
	if limit <= 0 {
		limit = len(candidates)
	}
	for start := 0; start < len(candidates); start += limit {
		end := start + limit
		if end > len(candidates) {
			end = len(candidates)
		}
		for _, c := range candidates[start:end] {
			out, err := r.leases.Release(ctx, c.providerID, reasonReconcile)
			if err != nil {
				rep.Errors++
				r.log.Error("sweep release failed", "provider_id", c.providerID, "cause", c.cause, "err", err)
				continue
			}
			if out.Code == lease.ReleaseCodeReleased {
				rep.Released++
				r.m.SweepReleases.WithLabelValues("reconcile", c.cause).Inc()
				r.log.Info("stuck lease released by sweep",
					"provider_id", c.providerID, "session_id", out.SessionID, "cause", c.cause)
			}
		}
	}
}
