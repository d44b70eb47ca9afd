package session

import (
	"context"
	"time"
)

// Store is the session store. Reads distinguish ErrNotFound from transient
// failures: the sweeps treat a missing session as terminal but a failed read
// as grounds for extended grace.
type Store interface {
	Get(ctx context.Context, id string) (Session, error)

	Create(ctx context.Context, s Session) error

	// SetStatus moves a still-open session to the given status and records
	// the termination reason when one is supplied. A session that is already
	// terminal is returned unchanged with changed=false: terminal statuses
	// admit no further transition.
	SetStatus(ctx context.Context, id string, status Status, reason string, now time.Time) (Session, bool, error)

	// MarkFailed force-fails a still-open session, recording reason and
	// optionally flagging the payment hold for cancellation. A session that
	// is already terminal is returned unchanged with changed=false.
	MarkFailed(ctx context.Context, id, reason string, cancelHold bool, now time.Time) (Session, bool, error)
}
