package tasks

import (
	"context"
	"log/slog"

	"provider-pool/internal/lease"
	"provider-pool/pkg/metrics"
)

// TimeoutTask is the per-lease safety timeout. It fires once, a safety window
// after acquire, and asks the lease manager to release the lease if the
// originating session is no longer active. Every branch reaches a terminal
// decision, so the handler reports success to the dispatcher on all of them.
type TimeoutTask struct {
	leases *lease.Service
	m      *metrics.Metrics
	log    *slog.Logger
}

func NewTimeoutTask(leases *lease.Service, m *metrics.Metrics, log *slog.Logger) *TimeoutTask {
	return &TimeoutTask{leases: leases, m: m, log: log}
}

const reasonLeaseTimeout = "lease_timeout"

func (t *TimeoutTask) Run(ctx context.Context, env Envelope) (lease.ReleaseOutcome, error) {
	out, err := t.leases.ConditionalRelease(ctx, env.ProviderID, env.SessionID, reasonLeaseTimeout)
	if err != nil {
		t.m.TaskOutcomes.WithLabelValues("lease_timeout", "error").Inc()
		t.log.Error("lease timeout task failed",
			"task_id", env.TaskID, "provider_id", env.ProviderID, "session_id", env.SessionID, "err", err)
		return lease.ReleaseOutcome{}, err
	}

	t.m.TaskOutcomes.WithLabelValues("lease_timeout", string(out.Code)).Inc()
	t.log.Info("lease timeout task done",
		"task_id", env.TaskID, "provider_id", env.ProviderID, "session_id", env.SessionID, "outcome", out.Code)
	return out, nil
}
