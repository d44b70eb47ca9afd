package lease

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"provider-pool/internal/provider"
	"provider-pool/internal/schedule"
	"provider-pool/internal/session"
	"provider-pool/pkg/metrics"
)

// Service is the lease manager: the single choke-point that mutates a
// provider's availability/session pair. Every other component reaches that
// pair exclusively through Release/ConditionalRelease, which bounds the
// invariant-violation surface to this package.
//
// Lease invariants:
// - busy ⇔ current session set ⇔ busy-since set (enforced by the store's
//   conditional transitions)
// - a session must be terminal, or its record missing, before any release
//   that names it
// - Release is idempotent; ConditionalRelease never clobbers a newer lease
type Service struct {
	providers provider.Store
	sessions  session.Store
	scheduler schedule.Scheduler
	m         *metrics.Metrics
	log       *slog.Logger

	safetyWindow time.Duration

	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(providers provider.Store, sessions session.Store, scheduler schedule.Scheduler, m *metrics.Metrics, log *slog.Logger, safetyWindow time.Duration) *Service {
	return &Service{
		providers:    providers,
		sessions:     sessions,
		scheduler:    scheduler,
		m:            m,
		log:          log,
		safetyWindow: safetyWindow,
		clock:        time.Now,
	}
}

var (
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrProviderBusy is the acquire conflict; callers pick another provider.
	ErrProviderBusy = errors.New("provider is not available")
)

// TimeoutTaskID is deterministic per session so Release can cancel the
// pending timeout task without persisting its id anywhere.
func TimeoutTaskID(sessionID string) string {
	return "lease-timeout:" + sessionID
}

// AcquireResult reports a successful lease acquisition.
type AcquireResult struct {
	Provider      provider.Provider
	TimeoutTaskID string
	TimeoutAt     time.Time
}

// Acquire takes the lease on an available provider for sessionID and
// schedules the per-lease timeout task. A provider that is already busy (or
// offline) yields ErrProviderBusy; the caller must retry another provider.
func (s *Service) Acquire(ctx context.Context, providerID, sessionID string) (AcquireResult, error) {
	if providerID == "" || sessionID == "" {
		return AcquireResult{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	p, err := s.providers.AcquireLease(ctx, providerID, sessionID, now)
	if err != nil {
		if errors.Is(err, provider.ErrConflict) {
			s.m.LeaseConflicts.Inc()
			return AcquireResult{}, ErrProviderBusy
		}
		return AcquireResult{}, err
	}

	timeoutAt := now.Add(s.safetyWindow)
	task := schedule.Task{
		ID:             TimeoutTaskID(sessionID),
		Kind:           schedule.KindLeaseTimeout,
		ProviderID:     providerID,
		SessionID:      sessionID,
		RunAt:          timeoutAt,
		TimeoutSeconds: int(s.safetyWindow / time.Second),
	}
	if err := s.scheduler.Schedule(ctx, task); err != nil {
		// The lease stands: the reconciliation sweep is the backstop for a
		// timeout task that never got scheduled.
		s.log.Error("timeout task scheduling failed, sweep will reconcile",
			"provider_id", providerID, "session_id", sessionID, "err", err)
	}

	s.m.LeaseAcquired.Inc()
	s.log.Info("lease acquired", "provider_id", providerID, "session_id", sessionID, "timeout_at", timeoutAt)

	return AcquireResult{Provider: p, TimeoutTaskID: task.ID, TimeoutAt: timeoutAt}, nil
}

// ReleaseCode classifies what a release call actually did.
type ReleaseCode string

const (
	ReleaseCodeReleased         ReleaseCode = "released"
	ReleaseCodeAlreadyAvailable ReleaseCode = "already_available"
	ReleaseCodeLeaseSuperseded  ReleaseCode = "lease_superseded"
	ReleaseCodeSessionOpen      ReleaseCode = "session_open"
)

// ReleaseOutcome is the typed result every release path returns; no release
// branch is reported as an error once it reaches a terminal decision.
type ReleaseOutcome struct {
	Code       ReleaseCode `json:"code"`
	ProviderID string      `json:"provider_id"`
	SessionID  string      `json:"session_id,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// Release unconditionally clears the lease. Used by legitimate completion
// callbacks and the reconciliation sweep, both of which have already
// re-validated state. Idempotent: releasing an available provider is a no-op.
func (s *Service) Release(ctx context.Context, providerID, reason string) (ReleaseOutcome, error) {
	if providerID == "" {
		return ReleaseOutcome{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	before, err := s.providers.Get(ctx, providerID)
	if err != nil {
		return ReleaseOutcome{}, err
	}
	heldSession := before.CurrentSessionID

	p, cleared, err := s.providers.ReleaseLease(ctx, providerID, now)
	if err != nil {
		return ReleaseOutcome{}, err
	}
	if !cleared {
		s.m.ReleaseNoops.WithLabelValues(string(ReleaseCodeAlreadyAvailable)).Inc()
		return ReleaseOutcome{Code: ReleaseCodeAlreadyAvailable, ProviderID: p.ID, Reason: reason}, nil
	}

	s.cancelTimeoutTask(ctx, heldSession)
	s.m.LeaseReleased.WithLabelValues(reason).Inc()
	s.log.Info("lease released", "provider_id", providerID, "session_id", heldSession, "reason", reason)

	return ReleaseOutcome{Code: ReleaseCodeReleased, ProviderID: p.ID, SessionID: heldSession, Reason: reason}, nil
}

// ConditionalRelease clears the lease only while the provider still holds
// expectedSessionID and that session is terminal or missing. Everything else
// is a deliberate no-op: this is the tie-break that keeps a late timeout from
// evicting a newer, legitimate lease.
func (s *Service) ConditionalRelease(ctx context.Context, providerID, expectedSessionID, reason string) (ReleaseOutcome, error) {
	if providerID == "" || expectedSessionID == "" {
		return ReleaseOutcome{}, ErrInvalidArgument
	}

	p, err := s.providers.Get(ctx, providerID)
	if err != nil {
		return ReleaseOutcome{}, err
	}

	if p.Availability != provider.AvailabilityBusy {
		s.m.ReleaseNoops.WithLabelValues(string(ReleaseCodeAlreadyAvailable)).Inc()
		return ReleaseOutcome{Code: ReleaseCodeAlreadyAvailable, ProviderID: providerID, SessionID: expectedSessionID, Reason: reason}, nil
	}
	if p.CurrentSessionID != expectedSessionID {
		s.m.ReleaseNoops.WithLabelValues(string(ReleaseCodeLeaseSuperseded)).Inc()
		s.log.Info("conditional release skipped, lease superseded",
			"provider_id", providerID, "expected_session_id", expectedSessionID, "current_session_id", p.CurrentSessionID)
		return ReleaseOutcome{Code: ReleaseCodeLeaseSuperseded, ProviderID: providerID, SessionID: expectedSessionID, Reason: reason}, nil
	}

	sess, err := s.sessions.Get(ctx, expectedSessionID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		// Transient read failure: no release decision can be made safely.
		return ReleaseOutcome{}, err
	}
	if err == nil && sess.Status.Open() {
		// Legitimately long-running call; the duration guard handles
		// genuinely runaway sessions.
		s.m.ReleaseNoops.WithLabelValues(string(ReleaseCodeSessionOpen)).Inc()
		return ReleaseOutcome{Code: ReleaseCodeSessionOpen, ProviderID: providerID, SessionID: expectedSessionID, Reason: reason}, nil
	}
	// Terminal, or the record never existed: a lease cannot legitimately
	// reference a session that was never persisted.

	now := s.clock().UTC()
	_, cleared, err := s.providers.ReleaseLeaseIfSession(ctx, providerID, expectedSessionID, now)
	if err != nil {
		return ReleaseOutcome{}, err
	}
	if !cleared {
		// Another writer got there between our read and the conditional
		// write. Already healed; success, not an error.
		s.m.ReleaseNoops.WithLabelValues(string(ReleaseCodeLeaseSuperseded)).Inc()
		return ReleaseOutcome{Code: ReleaseCodeLeaseSuperseded, ProviderID: providerID, SessionID: expectedSessionID, Reason: reason}, nil
	}

	s.cancelTimeoutTask(ctx, expectedSessionID)
	s.m.LeaseReleased.WithLabelValues(reason).Inc()
	s.log.Info("lease conditionally released",
		"provider_id", providerID, "session_id", expectedSessionID, "reason", reason)

	return ReleaseOutcome{Code: ReleaseCodeReleased, ProviderID: providerID, SessionID: expectedSessionID, Reason: reason}, nil
}

// cancelTimeoutTask is best-effort removal from the scheduler. A cancel that
// fails or races the fire is harmless: the task's own staleness checks make a
// duplicate fire a no-op.
func (s *Service) cancelTimeoutTask(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if err := s.scheduler.Cancel(ctx, TimeoutTaskID(sessionID)); err != nil {
		s.log.Warn("timeout task cancel failed", "session_id", sessionID, "err", err)
	}
}

// ScheduleCallGuard submits the call-duration guard task for a session. It is
// scheduled at session start, on an independent clock from the per-lease
// timeout.
func (s *Service) ScheduleCallGuard(ctx context.Context, providerID, sessionID string, maxCallDuration time.Duration) error {
	if sessionID == "" {
		return ErrInvalidArgument
	}
	now := s.clock().UTC()
	return s.scheduler.Schedule(ctx, schedule.Task{
		ID:             "call-guard:" + sessionID,
		Kind:           schedule.KindCallGuard,
		ProviderID:     providerID,
		SessionID:      sessionID,
		RunAt:          now.Add(maxCallDuration),
		TimeoutSeconds: int(maxCallDuration / time.Second),
	})
}
