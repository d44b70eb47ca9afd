package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"provider-pool/internal/config"

	"golang.org/x/time/rate"
)

// Controller is the provider-agnostic call-control interface.
//
// Rules:
// - No carrier SDK calls outside telephony adapters.
// - Hangup is best-effort; callers log failures and continue.
type Controller interface {
	Hangup(ctx context.Context, callRef string) error
}

// HTTPController talks to the carrier's call-control REST API.
// A token bucket caps request rate so a guard pass over many runaway
// sessions cannot hammer the carrier.
type HTTPController struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

func NewHTTPController(cfg config.TelephonyConfig, log *slog.Logger) *HTTPController {
	return &HTTPController{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.HangupRatePerSec), 1),
		log:     log,
	}
}

func (c *HTTPController) Hangup(ctx context.Context, callRef string) error {
	if callRef == "" {
		return fmt.Errorf("call ref is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/v1/calls/%s/hangup", c.baseURL, url.PathEscape(callRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		// Leg already gone at the carrier; that is the goal state.
		c.log.Debug("hangup target already gone", "call_ref", callRef)
		return nil
	default:
		return fmt.Errorf("hangup %s: carrier returned %s", callRef, resp.Status)
	}
}

// NopController ignores hangups; used when no carrier is configured (local env).
type NopController struct{}

func (NopController) Hangup(ctx context.Context, callRef string) error { return nil }
