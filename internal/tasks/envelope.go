package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Envelope is the decoded task payload delivered by the push queue.
// Decoding is strict: unknown fields and missing identifiers are typed decode
// errors, and handlers never proceed past this boundary with unchecked input.
type Envelope struct {
	TaskID         string    `json:"task_id"`
	ProviderID     string    `json:"provider_id"`
	SessionID      string    `json:"session_id"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	TimeoutSeconds int       `json:"timeout_seconds"`
}

var ErrInvalidEnvelope = errors.New("invalid task envelope")

func DecodeEnvelope(r io.Reader) (Envelope, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var e Envelope
	if err := dec.Decode(&e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if e.TaskID == "" {
		return Envelope{}, fmt.Errorf("%w: task_id is required", ErrInvalidEnvelope)
	}
	if e.ProviderID == "" {
		return Envelope{}, fmt.Errorf("%w: provider_id is required", ErrInvalidEnvelope)
	}
	if e.SessionID == "" {
		return Envelope{}, fmt.Errorf("%w: session_id is required", ErrInvalidEnvelope)
	}
	return e, nil
}
