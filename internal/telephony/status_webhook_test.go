package telephony

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"provider-pool/internal/lease"
	"provider-pool/internal/provider"
	"provider-pool/internal/schedule"
	"provider-pool/internal/session"
	"provider-pool/pkg/metrics"

	"github.com/gin-gonic/gin"
)

func TestTerminalSessionStatus(t *testing.T) {
	cases := []struct {
		carrier  string
		want     session.Status
		terminal bool
	}{
		{"completed", session.StatusCompleted, true},
		{"failed", session.StatusFailed, true},
		{"busy", session.StatusFailed, true},
		{"no-answer", session.StatusFailed, true},
		{"canceled", session.StatusCancelled, true},
		{"cancelled", session.StatusCancelled, true},
		{"ringing", "", false},
		{"in-progress", "", false},
		{"queued", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := TerminalSessionStatus(tc.carrier)
		if got != tc.want || ok != tc.terminal {
			t.Fatalf("TerminalSessionStatus(%q) = (%q, %v), want (%q, %v)", tc.carrier, got, ok, tc.want, tc.terminal)
		}
	}
}

type nopScheduler struct{}

func (nopScheduler) Schedule(ctx context.Context, t schedule.Task) error { return nil }
func (nopScheduler) Cancel(ctx context.Context, taskID string) error     { return nil }

func newWebhookRouter(t *testing.T) (*gin.Engine, *provider.MemoryStore, *session.MemoryStore, *lease.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	providers := provider.NewMemoryStore()
	sessions := session.NewMemoryStore()
	leases := lease.NewService(providers, sessions, nopScheduler{}, metrics.New(), slog.Default(), 10*time.Minute)

	h := StatusWebhookHandler{Sessions: sessions, Leases: leases}
	r := gin.New()
	r.POST("/webhooks/calls/status", h.HandleCallStatus)
	return r, providers, sessions, leases
}

func postStatus(t *testing.T, r *gin.Engine, form url.Values) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/calls/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w.Code, out
}

func TestStatusWebhook_CompletedReleasesLease(t *testing.T) {
	r, providers, sessions, _ := newWebhookRouter(t)

	since := time.Now().Add(-5 * time.Minute).UTC()
	providers.Put(provider.Provider{
		ID:               "p1",
		Availability:     provider.AvailabilityBusy,
		CurrentSessionID: "s1",
		BusySince:        &since,
	})
	sessions.Put(session.Session{ID: "s1", Status: session.StatusActive, ProviderID: "p1"})

	code, out := postStatus(t, r, url.Values{
		"CallSid":    {"CA123"},
		"CallStatus": {"completed"},
		"SessionId":  {"s1"},
	})
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if out["handled"] != true || out["released"] != true {
		t.Fatalf("unexpected body: %v", out)
	}

	sess, _ := sessions.Get(context.Background(), "s1")
	if sess.Status != session.StatusCompleted {
		t.Fatalf("session not completed: %+v", sess)
	}
	p, _ := providers.Get(context.Background(), "p1")
	if p.Availability != provider.AvailabilityAvailable || !p.LeaseConsistent() {
		t.Fatalf("provider not released: %+v", p)
	}
}

func TestStatusWebhook_InFlightStatusIgnored(t *testing.T) {
	r, providers, sessions, _ := newWebhookRouter(t)

	since := time.Now().Add(-1 * time.Minute).UTC()
	providers.Put(provider.Provider{
		ID:               "p1",
		Availability:     provider.AvailabilityBusy,
		CurrentSessionID: "s1",
		BusySince:        &since,
	})
	sessions.Put(session.Session{ID: "s1", Status: session.StatusActive, ProviderID: "p1"})

	code, out := postStatus(t, r, url.Values{
		"CallStatus": {"ringing"},
		"SessionId":  {"s1"},
	})
	if code != http.StatusOK || out["handled"] != false {
		t.Fatalf("in-flight status must be ignored: code=%d body=%v", code, out)
	}

	p, _ := providers.Get(context.Background(), "p1")
	if p.Availability != provider.AvailabilityBusy {
		t.Fatalf("in-flight status released the lease: %+v", p)
	}
}

func TestStatusWebhook_UnknownSessionIsNotAnError(t *testing.T) {
	r, _, _, _ := newWebhookRouter(t)

	code, out := postStatus(t, r, url.Values{
		"CallStatus": {"completed"},
		"SessionId":  {"ghost"},
	})
	if code != http.StatusOK || out["handled"] != false {
		t.Fatalf("unknown session must answer 200: code=%d body=%v", code, out)
	}
}

func TestStatusWebhook_SessionIDFromQueryFallback(t *testing.T) {
	r, providers, sessions, _ := newWebhookRouter(t)

	since := time.Now().Add(-5 * time.Minute).UTC()
	providers.Put(provider.Provider{
		ID:               "p1",
		Availability:     provider.AvailabilityBusy,
		CurrentSessionID: "s1",
		BusySince:        &since,
	})
	sessions.Put(session.Session{ID: "s1", Status: session.StatusActive, ProviderID: "p1"})

	form := url.Values{"CallStatus": {"failed"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/calls/status?session_id=s1", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	sess, _ := sessions.Get(context.Background(), "s1")
	if sess.Status != session.StatusFailed {
		t.Fatalf("query fallback did not resolve the session: %+v", sess)
	}
}

// Carriers redeliver status callbacks. A delayed duplicate for a call that
// already completed must not evict the lease the provider has since taken
// for a newer call.
func TestStatusWebhook_DuplicateCallbackDoesNotEvictNewerLease(t *testing.T) {
	r, providers, sessions, leases := newWebhookRouter(t)

	since := time.Now().Add(-5 * time.Minute).UTC()
	providers.Put(provider.Provider{
		ID:               "p1",
		Availability:     provider.AvailabilityBusy,
		CurrentSessionID: "s1",
		BusySince:        &since,
	})
	sessions.Put(session.Session{ID: "s1", Status: session.StatusActive, ProviderID: "p1"})

	form := url.Values{"CallStatus": {"completed"}, "SessionId": {"s1"}}
	code, out := postStatus(t, r, form)
	if code != http.StatusOK || out["released"] != true {
		t.Fatalf("first callback must release: code=%d body=%v", code, out)
	}

	// Provider takes a new call before the duplicate arrives.
	if _, err := leases.Acquire(context.Background(), "p1", "s2"); err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	sessions.Put(session.Session{ID: "s2", Status: session.StatusActive, ProviderID: "p1"})

	code, out = postStatus(t, r, form)
	if code != http.StatusOK {
		t.Fatalf("duplicate callback: expected 200, got %d", code)
	}
	if out["handled"] != true || out["released"] != false {
		t.Fatalf("duplicate must be a no-op: %v", out)
	}

	p, _ := providers.Get(context.Background(), "p1")
	if p.Availability != provider.AvailabilityBusy || p.CurrentSessionID != "s2" {
		t.Fatalf("duplicate callback evicted the newer lease: %+v", p)
	}
}

// Even when the duplicate sneaks past the status check (the stale terminal
// session write raced in elsewhere), the release itself is conditional on the
// lease still naming the stale session.
func TestStatusWebhook_StaleTerminalCallbackLeavesForeignLease(t *testing.T) {
	r, providers, sessions, _ := newWebhookRouter(t)

	since := time.Now().Add(-1 * time.Minute).UTC()
	providers.Put(provider.Provider{
		ID:               "p1",
		Availability:     provider.AvailabilityBusy,
		CurrentSessionID: "s2",
		BusySince:        &since,
	})
	// Older call for the same provider, still marked open in the store.
	sessions.Put(session.Session{ID: "s1", Status: session.StatusActive, ProviderID: "p1"})
	sessions.Put(session.Session{ID: "s2", Status: session.StatusActive, ProviderID: "p1"})

	code, out := postStatus(t, r, url.Values{"CallStatus": {"completed"}, "SessionId": {"s1"}})
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if out["released"] != false {
		t.Fatalf("stale callback must not release a foreign lease: %v", out)
	}

	p, _ := providers.Get(context.Background(), "p1")
	if p.CurrentSessionID != "s2" {
		t.Fatalf("foreign lease evicted: %+v", p)
	}
}

func TestStatusWebhook_MissingSessionIDRejected(t *testing.T) {
	r, _, _, _ := newWebhookRouter(t)

	code, _ := postStatus(t, r, url.Values{"CallStatus": {"completed"}})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 without session id, got %d", code)
	}
}
