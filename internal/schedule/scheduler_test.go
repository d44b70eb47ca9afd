package schedule

import (
	"testing"
	"time"
)

func TestKindPath(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{KindLeaseTimeout, "/webhooks/tasks/lease-timeout"},
		{KindCallGuard, "/webhooks/tasks/call-guard"},
	}
	for _, tc := range cases {
		got, err := tc.kind.Path()
		if err != nil || got != tc.want {
			t.Fatalf("Path(%q) = (%q, %v), want %q", tc.kind, got, err, tc.want)
		}
	}

	if _, err := Kind("mystery").Path(); err == nil {
		t.Fatalf("unknown kind must not resolve to a path")
	}
}

func TestEnvelopeFromTask(t *testing.T) {
	runAt := time.Unix(1700000600, 0).UTC()
	task := Task{
		ID:             "lease-timeout:s1",
		Kind:           KindLeaseTimeout,
		ProviderID:     "p1",
		SessionID:      "s1",
		RunAt:          runAt,
		TimeoutSeconds: 600,
	}

	env := envelopeFromTask(task)
	if env.TaskID != task.ID || env.ProviderID != "p1" || env.SessionID != "s1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if !env.ScheduledAt.Equal(runAt) || env.TimeoutSeconds != 600 {
		t.Fatalf("schedule fields not carried over: %+v", env)
	}
}
