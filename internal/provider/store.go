package provider

import (
	"context"
	"time"
)

// Store is the availability store. Lease transitions are atomic per provider
// row; acquire and release also touch the linked sibling row, and
// implementations must make those two writes transactional.
//
// The lease manager is the only caller of the lease methods. Sweeps and API
// handlers consume the read and heartbeat methods.
type Store interface {
	Get(ctx context.Context, id string) (Provider, error)

	// AcquireLease moves an available provider to busy with the given
	// session. Returns ErrConflict if the provider is not available,
	// ErrNotFound if it does not exist.
	AcquireLease(ctx context.Context, providerID, sessionID string, now time.Time) (Provider, error)

	// ReleaseLease clears the lease unconditionally. Idempotent: a provider
	// that is not busy is returned unchanged with cleared=false.
	ReleaseLease(ctx context.Context, providerID string, now time.Time) (Provider, bool, error)

	// ReleaseLeaseIfSession clears the lease only while the provider still
	// holds sessionID; any other current session leaves the row untouched.
	ReleaseLeaseIfSession(ctx context.Context, providerID, sessionID string, now time.Time) (Provider, bool, error)

	ListBusy(ctx context.Context) ([]Provider, error)
	ListAvailable(ctx context.Context) ([]Provider, error)

	Heartbeat(ctx context.Context, id string, now time.Time) error

	// SetAvailability toggles between available and offline. Busy providers
	// are refused with ErrConflict; only lease release can leave busy.
	SetAvailability(ctx context.Context, id string, a Availability, now time.Time) (Provider, error)

	// MarkOffline batch-transitions providers to offline. Implementations
	// are expected to be called with batches already sized under the store's
	// write ceiling. Returns how many rows actually changed.
	MarkOffline(ctx context.Context, ids []string, now time.Time) (int, error)
}
