package provider

import (
	"errors"
	"time"
)

// Provider is a pool member that fulfills real-time voice-call requests.
//
// Lease invariant: Availability == busy ⇔ CurrentSessionID != "" ⇔ BusySince
// is set. Every mutation of that triple goes through the Store's lease
// methods; nothing else writes those columns. A provider that is busy with no
// session (or the reverse) is exactly the orphaned state the reconciliation
// sweep exists to repair.
type Provider struct {
	ID string `json:"id" db:"id"`

	Availability     Availability `json:"availability" db:"availability"`
	CurrentSessionID string       `json:"current_session_id,omitempty" db:"current_session_id"`
	BusySince        *time.Time   `json:"busy_since,omitempty" db:"busy_since"`

	// Heartbeat / transition stamps consumed by the inactivity sweep.
	LastActivity     *time.Time `json:"last_activity,omitempty" db:"last_activity"`
	LastStatusChange *time.Time `json:"last_status_change,omitempty" db:"last_status_change"`

	// A sibling is a second profile for the same human operator. Its busy
	// flag mirrors this record's lease and is derived state only.
	SiblingProviderID     string `json:"sibling_provider_id,omitempty" db:"sibling_provider_id"`
	BusyBySibling         bool   `json:"busy_by_sibling,omitempty" db:"busy_by_sibling"`
	BusySiblingProviderID string `json:"busy_sibling_provider_id,omitempty" db:"busy_sibling_provider_id"`

	// Test accounts are exempt from sweep reconciliation.
	IsTestAccount bool `json:"is_test_account,omitempty" db:"is_test_account"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Availability string

const (
	AvailabilityAvailable Availability = "available"
	AvailabilityBusy      Availability = "busy"
	AvailabilityOffline   Availability = "offline"
)

func (a Availability) Valid() bool {
	switch a {
	case AvailabilityAvailable, AvailabilityBusy, AvailabilityOffline:
		return true
	default:
		return false
	}
}

// LeaseConsistent reports whether the busy/session/timestamp triple agrees.
func (p Provider) LeaseConsistent() bool {
	busy := p.Availability == AvailabilityBusy
	hasSession := p.CurrentSessionID != ""
	hasSince := p.BusySince != nil && !p.BusySince.IsZero()
	return busy == hasSession && busy == hasSince
}

var (
	ErrNotFound = errors.New("provider not found")
	ErrConflict = errors.New("provider state conflict")
)
