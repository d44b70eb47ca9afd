package tasks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"provider-pool/internal/lease"
	"provider-pool/internal/session"
	"provider-pool/internal/telephony"
	"provider-pool/pkg/metrics"
)

// GuardTask is the call-duration guard: it fires once, maxCallDuration after
// session start, and force-terminates a session that is somehow still open.
// This is the only component that actively hangs up call legs.
type GuardTask struct {
	sessions session.Store
	leases   *lease.Service
	calls    telephony.Controller
	m        *metrics.Metrics
	log      *slog.Logger

	clock func() time.Time
}

func NewGuardTask(sessions session.Store, leases *lease.Service, calls telephony.Controller, m *metrics.Metrics, log *slog.Logger) *GuardTask {
	return &GuardTask{
		sessions: sessions,
		leases:   leases,
		calls:    calls,
		m:        m,
		log:      log,
		clock:    time.Now,
	}
}

const reasonMaxDuration = "max_call_duration_exceeded"

// GuardOutcome reports what the guard decided.
type GuardOutcome struct {
	Code           GuardCode           `json:"code"`
	HangupFailures int                 `json:"hangup_failures,omitempty"`
	Release        lease.ReleaseOutcome `json:"release,omitempty"`
}

type GuardCode string

const (
	GuardCodeTerminated      GuardCode = "terminated"
	GuardCodeSessionTerminal GuardCode = "session_terminal"
	GuardCodeSessionMissing  GuardCode = "session_missing"
	GuardCodeNoProvider      GuardCode = "no_provider"
)

func (g *GuardTask) Run(ctx context.Context, env Envelope) (GuardOutcome, error) {
	sess, err := g.sessions.Get(ctx, env.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			g.m.TaskOutcomes.WithLabelValues("call_guard", string(GuardCodeSessionMissing)).Inc()
			return GuardOutcome{Code: GuardCodeSessionMissing}, nil
		}
		g.m.TaskOutcomes.WithLabelValues("call_guard", "error").Inc()
		return GuardOutcome{}, err
	}

	if sess.Status.Terminal() {
		g.m.TaskOutcomes.WithLabelValues("call_guard", string(GuardCodeSessionTerminal)).Inc()
		return GuardOutcome{Code: GuardCodeSessionTerminal}, nil
	}

	// Forced termination path. Hangups are best-effort: a leg that cannot be
	// hung up remotely times out on the carrier side.
	failures := 0
	for _, ref := range []string{sess.ClientCallRef, sess.ProviderCallRef} {
		if ref == "" {
			continue
		}
		if err := g.calls.Hangup(ctx, ref); err != nil {
			failures++
			g.m.HangupFailures.Inc()
			g.log.Warn("call leg hangup failed", "session_id", sess.ID, "call_ref", ref, "err", err)
		}
	}

	now := g.clock().UTC()
	if _, _, err := g.sessions.MarkFailed(ctx, sess.ID, reasonMaxDuration, true, now); err != nil {
		g.m.TaskOutcomes.WithLabelValues("call_guard", "error").Inc()
		return GuardOutcome{}, err
	}

	providerID, ok := sess.ResolveProviderID()
	if !ok {
		// Session never recorded a provider; the reconciliation sweep will
		// find the orphaned busy flag if one exists.
		g.m.TaskOutcomes.WithLabelValues("call_guard", string(GuardCodeNoProvider)).Inc()
		g.log.Warn("guarded session has no provider reference", "session_id", sess.ID)
		return GuardOutcome{Code: GuardCodeNoProvider, HangupFailures: failures}, nil
	}

	rel, err := g.leases.ConditionalRelease(ctx, providerID, sess.ID, reasonMaxDuration)
	if err != nil {
		g.m.TaskOutcomes.WithLabelValues("call_guard", "error").Inc()
		return GuardOutcome{}, err
	}

	g.m.TaskOutcomes.WithLabelValues("call_guard", string(GuardCodeTerminated)).Inc()
	g.log.Info("runaway session terminated",
		"session_id", sess.ID, "provider_id", providerID, "hangup_failures", failures, "release", rel.Code)

	return GuardOutcome{Code: GuardCodeTerminated, HangupFailures: failures, Release: rel}, nil
}
