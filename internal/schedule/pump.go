package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

const headerTaskSecret = "X-Task-Secret"

// HeaderTaskSecret is the shared-secret header task handlers authenticate.
const HeaderTaskSecret = headerTaskSecret

// Pump polls the delayed-task set and delivers due envelopes to the HTTP
// handlers. Delivery is at-least-once: anything but HTTP 200 is requeued with
// a flat backoff. Handlers therefore return 200 for every business outcome
// and reserve non-200 for authentication failure.
type Pump struct {
	scheduler *RedisScheduler
	client    *http.Client
	log       *slog.Logger

	baseURL      string
	secret       string
	pollInterval time.Duration
	batchLimit   int
	retryDelay   time.Duration
}

type PumpConfig struct {
	TargetBaseURL string
	SharedSecret  string
	PollInterval  time.Duration
	BatchLimit    int
}

func NewPump(s *RedisScheduler, cfg PumpConfig, log *slog.Logger) *Pump {
	retry := 30 * time.Second
	return &Pump{
		scheduler:    s,
		client:       &http.Client{Timeout: 15 * time.Second},
		log:          log,
		baseURL:      cfg.TargetBaseURL,
		secret:       cfg.SharedSecret,
		pollInterval: cfg.PollInterval,
		batchLimit:   cfg.BatchLimit,
		retryDelay:   retry,
	}
}

// Run polls until ctx is cancelled.
func (p *Pump) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Pump) tick(ctx context.Context) {
	due, err := p.scheduler.PopDue(ctx, time.Now(), p.batchLimit)
	if err != nil {
		p.log.Error("task poll failed", "err", err)
		return
	}
	for _, t := range due {
		if err := p.deliver(ctx, t); err != nil {
			p.log.Warn("task delivery failed, requeued", "task_id", t.ID, "kind", t.Kind, "err", err)
			if rqErr := p.scheduler.Requeue(ctx, t, time.Now().Add(p.retryDelay)); rqErr != nil {
				p.log.Error("task requeue failed; per-lease delivery lost, sweep will reconcile",
					"task_id", t.ID, "err", rqErr)
			}
		}
	}
}

type deliveryError struct{ msg string }

func (e deliveryError) Error() string { return e.msg }

func (p *Pump) deliver(ctx context.Context, t Task) error {
	path, err := t.Kind.Path()
	if err != nil {
		// Undeliverable; dropping is correct, the sweep backstops.
		p.log.Error("task with unknown kind dropped", "task_id", t.ID, "kind", t.Kind)
		return nil
	}

	body, err := json.Marshal(envelopeFromTask(t))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTaskSecret, p.secret)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return deliveryError{msg: "task endpoint returned " + resp.Status}
	}
	return nil
}

// envelope is the wire shape task handlers decode. Kept in sync with
// tasks.Envelope.
type envelope struct {
	TaskID         string    `json:"task_id"`
	ProviderID     string    `json:"provider_id"`
	SessionID      string    `json:"session_id"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	TimeoutSeconds int       `json:"timeout_seconds"`
}

func envelopeFromTask(t Task) envelope {
	return envelope{
		TaskID:         t.ID,
		ProviderID:     t.ProviderID,
		SessionID:      t.SessionID,
		ScheduledAt:    t.RunAt,
		TimeoutSeconds: t.TimeoutSeconds,
	}
}
