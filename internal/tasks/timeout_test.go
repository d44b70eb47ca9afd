package tasks

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"provider-pool/internal/lease"
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

func newTestDeps(t *testing.T) (*provider.MemoryStore, *session.MemoryStore, *lease.Service, *metrics.Metrics) {
	t.Helper()
	providers := provider.NewMemoryStore()
	sessions := session.NewMemoryStore()
	m := metrics.New()
	leases := lease.NewService(providers, sessions, &fakeScheduler{}, m, slog.Default(), 10*time.Minute)
	return providers, sessions, leases, m
}

func envFor(providerID, sessionID string) Envelope {
	return Envelope{
		TaskID:     "lease-timeout:" + sessionID,
		ProviderID: providerID,
		SessionID:  sessionID,
	}
}

func TestTimeoutTask_ReleasesStaleLeaseAfterTerminalSession(t *testing.T) {
	providers, sessions, leases, m := newTestDeps(t)
	task := NewTimeoutTask(leases, m, slog.Default())

	providers.Put(provider.Provider{ID: "p1", Availability: provider.AvailabilityAvailable})
	if _, err := leases.Acquire(context.Background(), "p1", "s1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	sessions.Put(session.Session{ID: "s1", Status: session.StatusFailed, ProviderID: "p1"})

	out, err := task.Run(context.Background(), envFor("p1", "s1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Code != lease.ReleaseCodeReleased {
		t.Fatalf("expected release, got %v", out.Code)
	}

	p, _ := providers.Get(context.Background(), "p1")
	if p.Availability != provider.AvailabilityAvailable {
		t.Fatalf("provider still busy after timeout release: %+v", p)
	}
}

func TestTimeoutTask_NoopWhileSessionOpen(t *testing.T) {
	providers, sessions, leases, m := newTestDeps(t)
	task := NewTimeoutTask(leases, m, slog.Default())

	providers.Put(provider.Provider{ID: "p1", Availability: provider.AvailabilityAvailable})
	if _, err := leases.Acquire(context.Background(), "p1", "s1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	sessions.Put(session.Session{ID: "s1", Status: session.StatusActive, ProviderID: "p1"})

	out, err := task.Run(context.Background(), envFor("p1", "s1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Code != lease.ReleaseCodeSessionOpen {
		t.Fatalf("expected session_open, got %v", out.Code)
	}

	p, _ := providers.Get(context.Background(), "p1")
	if p.Availability != provider.AvailabilityBusy || p.CurrentSessionID != "s1" {
		t.Fatalf("open session lost its lease: %+v", p)
	}
}

func TestTimeoutTask_StaleFireAfterReacquireIsNoop(t *testing.T) {
	providers, sessions, leases, m := newTestDeps(t)
	task := NewTimeoutTask(leases, m, slog.Default())

	providers.Put(provider.Provider{ID: "p1", Availability: provider.AvailabilityAvailable})
	if _, err := leases.Acquire(context.Background(), "p1", "s1"); err != nil {
		t.Fatalf("acquire s1: %v", err)
	}
	sessions.Put(session.Session{ID: "s1", Status: session.StatusCompleted, ProviderID: "p1"})
	if _, err := leases.Release(context.Background(), "p1", "call_completed"); err != nil {
		t.Fatalf("release s1: %v", err)
	}
	if _, err := leases.Acquire(context.Background(), "p1", "s2"); err != nil {
		t.Fatalf("acquire s2: %v", err)
	}

	out, err := task.Run(context.Background(), envFor("p1", "s1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Code != lease.ReleaseCodeLeaseSuperseded {
		t.Fatalf("expected lease_superseded, got %v", out.Code)
	}
}

func TestDecodeEnvelope(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		env, err := DecodeEnvelope(jsonBody(`{"task_id":"t1","provider_id":"p1","session_id":"s1","timeout_seconds":600}`))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.TaskID != "t1" || env.ProviderID != "p1" || env.SessionID != "s1" || env.TimeoutSeconds != 600 {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	})
	t.Run("unknown field rejected", func(t *testing.T) {
		if _, err := DecodeEnvelope(jsonBody(`{"task_id":"t1","provider_id":"p1","session_id":"s1","surprise":true}`)); err == nil {
			t.Fatalf("expected decode error")
		}
	})
	t.Run("missing session id rejected", func(t *testing.T) {
		if _, err := DecodeEnvelope(jsonBody(`{"task_id":"t1","provider_id":"p1"}`)); err == nil {
			t.Fatalf("expected decode error")
		}
	})
}
