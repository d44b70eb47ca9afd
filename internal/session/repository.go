package session

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists sessions in a `call_sessions` table.
//
// NOTE: assumed schema:
//   call_sessions(id, status, provider_id, legacy_provider_id,
//                 client_call_ref, provider_call_ref, payment_hold_ref,
//                 payment_hold_cancel_requested, termination_reason,
//                 created_at, updated_at)
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `
id, status, provider_id, legacy_provider_id, client_call_ref,
provider_call_ref, payment_hold_ref, payment_hold_cancel_requested,
termination_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var providerID, legacyID, clientRef, providerRef, holdRef, reason sql.NullString

	if err := row.Scan(
		&s.ID,
		&s.Status,
		&providerID,
		&legacyID,
		&clientRef,
		&providerRef,
		&holdRef,
		&s.PaymentHoldCancelRequested,
		&reason,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return Session{}, err
	}

	s.ProviderID = providerID.String
	s.LegacyProviderID = legacyID.String
	s.ClientCallRef = clientRef.String
	s.ProviderCallRef = providerRef.String
	s.PaymentHoldRef = holdRef.String
	s.TerminationReason = reason.String
	return s, nil
}

func (st *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM call_sessions WHERE id = $1`
	s, err := scanSession(st.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return s, nil
}

func (st *PostgresStore) Create(ctx context.Context, s Session) error {
	const q = `
INSERT INTO call_sessions (
  id, status, provider_id, legacy_provider_id, client_call_ref,
  provider_call_ref, payment_hold_ref, payment_hold_cancel_requested,
  termination_reason, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
`
	_, err := st.db.ExecContext(ctx, q,
		s.ID,
		s.Status,
		nullable(s.ProviderID),
		nullable(s.LegacyProviderID),
		nullable(s.ClientCallRef),
		nullable(s.ProviderCallRef),
		nullable(s.PaymentHoldRef),
		s.PaymentHoldCancelRequested,
		nullable(s.TerminationReason),
		s.CreatedAt,
		s.UpdatedAt,
	)
	return err
}

func (st *PostgresStore) SetStatus(ctx context.Context, id string, status Status, reason string, now time.Time) (Session, bool, error) {
	// Conditional on still being open: a terminal session stays as-is.
	q := `
UPDATE call_sessions
SET status = $2, termination_reason = COALESCE(NULLIF($3, ''), termination_reason), updated_at = $4
WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
RETURNING ` + sessionColumns
	s, err := scanSession(st.db.QueryRowContext(ctx, q, id, status, reason, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			existing, gerr := st.Get(ctx, id)
			if gerr != nil {
				return Session{}, false, gerr
			}
			return existing, false, nil
		}
		return Session{}, false, err
	}
	return s, true, nil
}

func (st *PostgresStore) MarkFailed(ctx context.Context, id, reason string, cancelHold bool, now time.Time) (Session, bool, error) {
	// Conditional on still being open: a terminal session stays as-is.
	q := `
UPDATE call_sessions
SET status = $2, termination_reason = $3,
    payment_hold_cancel_requested = (payment_hold_cancel_requested OR $4),
    updated_at = $5
WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
RETURNING ` + sessionColumns
	s, err := scanSession(st.db.QueryRowContext(ctx, q, id, StatusFailed, reason, cancelHold, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			existing, gerr := st.Get(ctx, id)
			if gerr != nil {
				return Session{}, false, gerr
			}
			return existing, false, nil
		}
		return Session{}, false, err
	}
	return s, true, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
