package lease

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"provider-pool/internal/provider"
	"provider-pool/internal/schedule"
	"provider-pool/internal/session"
	"provider-pool/pkg/metrics"
)

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []schedule.Task
	cancelled []string
}

func (f *fakeScheduler) Schedule(ctx context.Context, t schedule.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, t)
	return nil
}

func (f *fakeScheduler) Cancel(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

func newTestService(t *testing.T) (*Service, *provider.MemoryStore, *session.MemoryStore, *fakeScheduler) {
	t.Helper()
	providers := provider.NewMemoryStore()
	sessions := session.NewMemoryStore()
	sched := &fakeScheduler{}
	svc := NewService(providers, sessions, sched, metrics.New(), slog.Default(), 10*time.Minute)
	svc.clock = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return svc, providers, sessions, sched
}

func assertLeaseConsistent(t *testing.T, providers *provider.MemoryStore, id string) {
	t.Helper()
	p, err := providers.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get provider: %v", err)
	}
	if !p.LeaseConsistent() {
		t.Fatalf("lease invariant violated: %+v", p)
	}
}

func TestAcquire_SetsLeaseAndSchedulesTimeout(t *testing.T) {
	svc, providers, _, sched := newTestService(t)
	providers.Put(provider.Provider{ID: "p1", Availability: provider.AvailabilityAvailable})

	res, err := svc.Acquire(context.Background(), "p1", "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if res.Provider.Availability != provider.AvailabilityBusy || res.Provider.CurrentSessionID != "s1" {
		t.Fatalf("unexpected provider state: %+v", res.Provider)
	}
	if res.Provider.BusySince == nil {
		t.Fatalf("expected busy_since to be set")
	}
	assertLeaseConsistent(t, providers, "p1")

	if len(sched.scheduled) != 1 {
		t.Fatalf("expected 1 scheduled task, got %d", len(sched.scheduled))
	}
	task := sched.scheduled[0]
	if task.ID != TimeoutTaskID("s1") || task.Kind != schedule.KindLeaseTimeout {
		t.Fatalf("unexpected task: %+v", task)
	}
	if got := task.RunAt.Sub(time.Unix(1700000000, 0).UTC()); got != 10*time.Minute {
		t.Fatalf("expected timeout at +10m, got %v", got)
	}
}

func TestAcquire_ConflictWhenBusy(t *testing.T) {
	svc, providers, _, _ := newTestService(t)
	providers.Put(provider.Provider{ID: "p1", Availability: provider.AvailabilityAvailable})

	if _, err := svc.Acquire(context.Background(), "p1", "s1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := svc.Acquire(context.Background(), "p1", "s2"); err != ErrProviderBusy {
		t.Fatalf("expected ErrProviderBusy, got %v", err)
	}
	// The losing acquire must not disturb the winning lease.
	p, _ := providers.Get(context.Background(), "p1")
	if p.CurrentSessionID != "s1" {
		t.Fatalf("conflicting acquire mutated the lease: %+v", p)
	}
}

func TestAcquire_ConflictWhenOffline(t *testing.T) {
	svc, providers, _, _ := newTestService(t)
	providers.Put(provider.Provider{ID: "p1", Availability: provider.AvailabilityOffline})

	if _, err := svc.Acquire(context.Background(), "p1", "s1"); err != ErrProviderBusy {
		t.Fatalf("expected ErrProviderBusy, got %v", err)
	}
}

func TestRelease_ClearsLeaseAndCancelsTask(t *testing.T) {
	svc, providers, _, sched := newTestService(t)
	providers.Put(provider.Provider{ID: "p1", Availability: provider.AvailabilityAvailable})

	if _, err := svc.Acquire(context.Background(), "p1", "s1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	out, err := svc.Release(context.Background(), "p1", "call_completed")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if out.Code != ReleaseCodeReleased || out.SessionID != "s1" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	assertLeaseConsistent(t, providers, "p1")

	if len(sched.cancelled) != 1 || sched.cancelled[0] != TimeoutTaskID("s1") {
		t.Fatalf("expected timeout task cancel, got %v", sched.cancelled)
	}
}

func TestRelease_IsIdempotent(t *testing.T) {
	svc, providers, _, _ := newTestService(t)
	providers.Put(provider.Provider{ID: "p1", Availability: provider.AvailabilityAvailable})

	if _, err := svc.Acquire(context.Background(), "p1", "s1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	first, err := svc.Release(context.Background(), "p1", "call_completed")
	if err != nil {
		t.Fatalf("first release: %v", err)
	}
	second, err := svc.Release(context.Background(), "p1", "call_completed")
	if err != nil {
		t.Fatalf("second release must not error: %v", err)
	}
	if first.Code != ReleaseCodeReleased || second.Code != ReleaseCodeAlreadyAvailable {
		t.Fatalf("unexpected codes: %v then %v", first.Code, second.Code)
	}

	p, _ := providers.Get(context.Background(), "p1")
	if p.Availability != provider.AvailabilityAvailable || p.CurrentSessionID != "" || p.BusySince != nil {
		t.Fatalf("double release changed end state: %+v", p)
	}
}

func TestRelease_ClearsSiblingFlags(t *testing.T) {
	svc, providers, _, _ := newTestService(t)
	providers.Put(provider.Provider{ID: "p1", Availability: provider.AvailabilityAvailable, SiblingProviderID: "p2"})
	providers.Put(provider.Provider{ID: "p2", Availability: provider.AvailabilityAvailable, SiblingProviderID: "p1"})

	if _, err := svc.Acquire(context.Background(), "p1", "s1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	sib, _ := providers.Get(context.Background(), "p2")
	if !sib.BusyBySibling || sib.BusySiblingProviderID != "p1" {
		t.Fatalf("sibling busy flag not propagated: %+v", sib)
	}

	if _, err := svc.Release(context.Background(), "p1", "call_completed"); err != nil {
		t.Fatalf("release: %v", err)
	}
	sib, _ = providers.Get(context.Background(), "p2")
	if sib.BusyBySibling || sib.BusySiblingProviderID != "" {
		t.Fatalf("sibling busy flag not cleared: %+v", sib)
	}
}

func TestRelease_MissingSiblingIsNotAnError(t *testing.T) {
	svc, providers, _, _ := newTestService(t)
	// Dangling sibling reference: the sibling row does not exist.
	providers.Put(provider.Provider{ID: "p1", Availability: provider.AvailabilityAvailable, SiblingProviderID: "ghost"})

	if _, err := svc.Acquire(context.Background(), "p1", "s1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	out, err := svc.Release(context.Background(), "p1", "call_completed")
	if err != nil {
		t.Fatalf("release with dangling sibling: %v", err)
	}
	if out.Code != ReleaseCodeReleased {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

// Scenario: session went terminal before the timeout task fired.
func TestConditionalRelease_ReleasesWhenSessionFailed(t *testing.T) {
	svc, providers, sessions, _ := newTestService(t)
	providers.Put(provider.Provider{ID: "p1", Availability: provider.AvailabilityAvailable})

	if _, err := svc.Acquire(context.Background(), "p1", "s1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	sessions.Put(session.Session{ID: "s1", Status: session.StatusFailed, ProviderID: "p1"})

	out, err := svc.ConditionalRelease(context.Background(), "p1", "s1", "lease_timeout")
	if err != nil {
		t.Fatalf("conditional release: %v", err)
	}
	if out.Code != ReleaseCodeReleased {
		t.Fatalf("expected release, got %v", out.Code)
	}
	assertLeaseConsistent(t, providers, "p1")
}

// Scenario: long-running call, still active at the safety window.
func TestConditionalRelease_NoopWhileSessionOpen(t *testing.T) {
	svc, providers, sessions, _ := newTestService(t)
	providers.Put(provider.Provider{ID: "p1", Availability: provider.AvailabilityAvailable})

	if _, err := svc.Acquire(context.Background(), "p1", "s1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	sessions.Put(session.Session{ID: "s1", Status: session.StatusActive, ProviderID: "p1"})

	out, err := svc.ConditionalRelease(context.Background(), "p1", "s1", "lease_timeout")
	if err != nil {
		t.Fatalf("conditional release: %v", err)
	}
	if out.Code != ReleaseCodeSessionOpen {
		t.Fatalf("expected session_open no-op, got %v", out.Code)
	}
	p, _ := providers.Get(context.Background(), "p1")
	if p.Availability != provider.AvailabilityBusy {
		t.Fatalf("open session must keep the lease: %+v", p)
	}

	// Later, the normal completion callback releases immediately.
	sessions.Put(session.Session{ID: "s1", Status: session.StatusCompleted, ProviderID: "p1"})
	rel, err := svc.Release(context.Background(), "p1", "call_completed")
	if err != nil || rel.Code != ReleaseCodeReleased {
		t.Fatalf("expected release, got %+v err=%v", rel, err)
	}
}

// Scenario: a stale timeout task fires after the provider re-acquired under a
// new session. It must no-op even though the stale session is terminal.
func TestConditionalRelease_NoopWhenLeaseSuperseded(t *testing.T) {
	svc, providers, sessions, _ := newTestService(t)
	providers.Put(provider.Provider{ID: "p1", Availability: provider.AvailabilityAvailable})

	if _, err := svc.Acquire(context.Background(), "p1", "s1"); err != nil {
		t.Fatalf("acquire s1: %v", err)
	}
	sessions.Put(session.Session{ID: "s1", Status: session.StatusFailed, ProviderID: "p1"})
	if _, err := svc.Release(context.Background(), "p1", "call_failed"); err != nil {
		t.Fatalf("release s1: %v", err)
	}
	if _, err := svc.Acquire(context.Background(), "p1", "s2"); err != nil {
		t.Fatalf("acquire s2: %v", err)
	}

	out, err := svc.ConditionalRelease(context.Background(), "p1", "s1", "lease_timeout")
	if err != nil {
		t.Fatalf("conditional release: %v", err)
	}
	if out.Code != ReleaseCodeLeaseSuperseded {
		t.Fatalf("expected lease_superseded, got %v", out.Code)
	}
	p, _ := providers.Get(context.Background(), "p1")
	if p.CurrentSessionID != "s2" {
		t.Fatalf("stale task evicted the new lease: %+v", p)
	}
}

func TestConditionalRelease_ReleasesWhenSessionMissing(t *testing.T) {
	svc, providers, _, _ := newTestService(t)
	providers.Put(provider.Provider{ID: "p1", Availability: provider.AvailabilityAvailable})

	if _, err := svc.Acquire(context.Background(), "p1", "s1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// No session record was ever persisted for s1.
	out, err := svc.ConditionalRelease(context.Background(), "p1", "s1", "lease_timeout")
	if err != nil {
		t.Fatalf("conditional release: %v", err)
	}
	if out.Code != ReleaseCodeReleased {
		t.Fatalf("expected release for missing session, got %v", out.Code)
	}
	assertLeaseConsistent(t, providers, "p1")
}

func TestConditionalRelease_NoopWhenAlreadyAvailable(t *testing.T) {
	svc, providers, _, _ := newTestService(t)
	providers.Put(provider.Provider{ID: "p1", Availability: provider.AvailabilityAvailable})

	out, err := svc.ConditionalRelease(context.Background(), "p1", "s1", "lease_timeout")
	if err != nil {
		t.Fatalf("conditional release: %v", err)
	}
	if out.Code != ReleaseCodeAlreadyAvailable {
		t.Fatalf("expected already_available, got %v", out.Code)
	}
}

func TestScheduleCallGuard(t *testing.T) {
	svc, _, _, sched := newTestService(t)

	if err := svc.ScheduleCallGuard(context.Background(), "p1", "s1", 2*time.Hour); err != nil {
		t.Fatalf("schedule guard: %v", err)
	}
	if len(sched.scheduled) != 1 {
		t.Fatalf("expected 1 task, got %d", len(sched.scheduled))
	}
	task := sched.scheduled[0]
	if task.Kind != schedule.KindCallGuard || task.SessionID != "s1" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if got := task.RunAt.Sub(time.Unix(1700000000, 0).UTC()); got != 2*time.Hour {
		t.Fatalf("expected guard at +2h, got %v", got)
	}
}
