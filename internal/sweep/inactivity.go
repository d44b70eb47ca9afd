package sweep

import (
	"context"
	"log/slog"
	"time"

	"provider-pool/internal/provider"
	"provider-pool/pkg/metrics"
)

// InactivitySweeper marks providers offline after a long period with no
// heartbeat, protecting the pool against disconnected clients. It never
// touches busy providers; only the lease machinery does that.
type InactivitySweeper struct {
	providers provider.Store
	m         *metrics.Metrics
	log       *slog.Logger

	cfg InactivityConfig

	clock func() time.Time
}

// InactivityConfig thresholds. RecencyWindow shields providers who just
// connected and whose first heartbeat has not landed yet.
type InactivityConfig struct {
	RecencyWindow      time.Duration
	StalenessThreshold time.Duration
	BatchLimit         int
}

func NewInactivitySweeper(providers provider.Store, m *metrics.Metrics, log *slog.Logger, cfg InactivityConfig) *InactivitySweeper {
	return &InactivitySweeper{
		providers: providers,
		m:         m,
		log:       log,
		cfg:       cfg,
		clock:     time.Now,
	}
}

// InactivityReport summarizes one sweep pass.
type InactivityReport struct {
	Scanned       int `json:"scanned"`
	MarkedOffline int `json:"marked_offline"`
	SkippedRecent int `json:"skipped_recent"`
}

// Run executes one pass. Idempotent per invocation.
func (s *InactivitySweeper) Run(ctx context.Context) (InactivityReport, error) {
	now := s.clock().UTC()
	rep := InactivityReport{}

	online, err := s.providers.ListAvailable(ctx)
	if err != nil {
		return rep, err
	}

	stale := make([]string, 0)
	for _, p := range online {
		rep.Scanned++

		if within(p.LastActivity, now, s.cfg.RecencyWindow) || within(p.LastStatusChange, now, s.cfg.RecencyWindow) {
			rep.SkippedRecent++
			s.m.SweepSkips.WithLabelValues("inactivity", "recent").Inc()
			continue
		}

		last := p.LastActivity
		if last == nil {
			// No heartbeat ever recorded; judge by the status change.
			last = p.LastStatusChange
		}
		if last == nil {
			// Nothing to judge by; leave alone rather than punish.
			rep.SkippedRecent++
			continue
		}
		if now.Sub(*last) > s.cfg.StalenessThreshold {
			stale = append(stale, p.ID)
		}
	}

	// Chunked under the store's write ceiling.
	limit := s.cfg.BatchLimit
	if limit <= 0 {
		limit = len(stale)
	}
	for start := 0; start < len(stale); start += limit {
		end := start + limit
		if end > len(stale) {
			end = len(stale)
		}
		n, err := s.providers.MarkOffline(ctx, stale[start:end], now)
		if err != nil {
			s.log.Error("mark offline batch failed", "batch_size", end-start, "err", err)
			continue
		}
		rep.MarkedOffline += n
		// Count rows that actually changed, not candidates submitted.
		s.m.SweepReleases.WithLabelValues("inactivity", "stale_heartbeat").Add(float64(n))
	}

	s.log.Info("inactivity sweep done",
		"scanned", rep.Scanned, "marked_offline", rep.MarkedOffline, "skipped_recent", rep.SkippedRecent)
	return rep, nil
}

func within(t *time.Time, now time.Time, window time.Duration) bool {
	return t != nil && now.Sub(*t) < window
}
