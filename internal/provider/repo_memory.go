package provider

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and early development.
// It mirrors the Postgres store's semantics, including sibling propagation
// and the treat-missing-sibling-as-cleared behavior.
type MemoryStore struct {
	mu        sync.Mutex
	providers map[string]Provider
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{providers: map[string]Provider{}}
}

// Put seeds or replaces a provider record. Test helper.
func (s *MemoryStore) Put(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID] = p
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return Provider{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) AcquireLease(ctx context.Context, providerID, sessionID string, now time.Time) (Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.providers[providerID]
	if !ok {
		return Provider{}, ErrNotFound
	}
	if p.Availability != AvailabilityAvailable {
		return Provider{}, ErrConflict
	}

	since := now
	p.Availability = AvailabilityBusy
	p.CurrentSessionID = sessionID
	p.BusySince = &since
	p.UpdatedAt = now
	s.providers[providerID] = p

	if p.SiblingProviderID != "" {
		if sib, ok := s.providers[p.SiblingProviderID]; ok {
			sib.BusyBySibling = true
			sib.BusySiblingProviderID = providerID
			sib.UpdatedAt = now
			s.providers[sib.ID] = sib
		}
	}
	return p, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, providerID string, now time.Time) (Provider, bool, error) {
	return s.release(ctx, providerID, "", now)
}

func (s *MemoryStore) ReleaseLeaseIfSession(ctx context.Context, providerID, sessionID string, now time.Time) (Provider, bool, error) {
	return s.release(ctx, providerID, sessionID, now)
}

func (s *MemoryStore) release(ctx context.Context, providerID, expectedSessionID string, now time.Time) (Provider, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.providers[providerID]
	if !ok {
		return Provider{}, false, ErrNotFound
	}
	if p.Availability != AvailabilityBusy {
		return p, false, nil
	}
	if expectedSessionID != "" && p.CurrentSessionID != expectedSessionID {
		return p, false, nil
	}

	p.Availability = AvailabilityAvailable
	p.CurrentSessionID = ""
	p.BusySince = nil
	p.UpdatedAt = now
	s.providers[providerID] = p

	if p.SiblingProviderID != "" {
		if sib, ok := s.providers[p.SiblingProviderID]; ok {
			sib.BusyBySibling = false
			sib.BusySiblingProviderID = ""
			sib.UpdatedAt = now
			s.providers[sib.ID] = sib
		}
	}
	return p, true, nil
}

func (s *MemoryStore) ListBusy(ctx context.Context) ([]Provider, error) {
	return s.list(AvailabilityBusy), nil
}

func (s *MemoryStore) ListAvailable(ctx context.Context) ([]Provider, error) {
	return s.list(AvailabilityAvailable), nil
}

func (s *MemoryStore) list(a Availability) []Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Provider, 0)
	for _, p := range s.providers {
		if p.Availability == a {
			out = append(out, p)
		}
	}
	return out
}

func (s *MemoryStore) Heartbeat(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return ErrNotFound
	}
	t := now
	p.LastActivity = &t
	p.UpdatedAt = now
	s.providers[id] = p
	return nil
}

func (s *MemoryStore) SetAvailability(ctx context.Context, id string, a Availability, now time.Time) (Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return Provider{}, ErrNotFound
	}
	if p.Availability == AvailabilityBusy || a == AvailabilityBusy {
		return Provider{}, ErrConflict
	}
	t := now
	p.Availability = a
	p.LastStatusChange = &t
	p.UpdatedAt = now
	s.providers[id] = p
	return p, nil
}

func (s *MemoryStore) MarkOffline(ctx context.Context, ids []string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	t := now
	for _, id := range ids {
		p, ok := s.providers[id]
		if !ok || p.Availability != AvailabilityAvailable {
			continue
		}
		p.Availability = AvailabilityOffline
		p.LastStatusChange = &t
		p.UpdatedAt = now
		s.providers[id] = p
		n++
	}
	return n, nil
}
