package session

import (
	"errors"
	"time"
)

// Session is one call attempt between a client and a provider. Rows are
// retained indefinitely for audit; nothing in this service deletes them.
type Session struct {
	ID string `json:"id" db:"id"`

	Status Status `json:"status" db:"status"`

	// ProviderID is authoritative. LegacyProviderID exists because older
	// rows recorded the provider only in metadata; resolution order is
	// defined by ResolveProviderID and nowhere else.
	ProviderID       string `json:"provider_id,omitempty" db:"provider_id"`
	LegacyProviderID string `json:"legacy_provider_id,omitempty" db:"legacy_provider_id"`

	// Opaque telephony handles for the two call legs. Used only by the
	// call-duration guard to force-terminate.
	ClientCallRef   string `json:"client_call_ref,omitempty" db:"client_call_ref"`
	ProviderCallRef string `json:"provider_call_ref,omitempty" db:"provider_call_ref"`

	// PaymentHoldRef points at the external payment hold; when the guard
	// fails a session it flags the hold for cancellation downstream.
	PaymentHoldRef             string `json:"payment_hold_ref,omitempty" db:"payment_hold_ref"`
	PaymentHoldCancelRequested bool   `json:"payment_hold_cancel_requested,omitempty" db:"payment_hold_cancel_requested"`

	TerminationReason string `json:"termination_reason,omitempty" db:"termination_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusPending            Status = "pending"
	StatusProviderConnecting Status = "provider_connecting"
	StatusClientConnecting   Status = "client_connecting"
	StatusBothConnecting     Status = "both_connecting"
	StatusActive             Status = "active"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusCancelled          Status = "cancelled"
)

// Terminal reports whether no further transition can occur. A lease naming a
// session may only be released once that session is terminal (or the row is
// missing entirely).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Open is the complement of Terminal over the valid status set.
func (s Status) Open() bool {
	switch s {
	case StatusPending, StatusProviderConnecting, StatusClientConnecting, StatusBothConnecting, StatusActive:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	return s.Open() || s.Terminal()
}

// ResolveProviderID returns the provider holding this session's lease.
// Precedence: the primary provider_id column wins; the legacy column is
// consulted only when the primary is absent. ok is false when neither is set.
func (s Session) ResolveProviderID() (id string, ok bool) {
	if s.ProviderID != "" {
		return s.ProviderID, true
	}
	if s.LegacyProviderID != "" {
		return s.LegacyProviderID, true
	}
	return "", false
}

var ErrNotFound = errors.New("session not found")
