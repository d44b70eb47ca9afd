package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"provider-pool/pkg/utils"
)

// PostgresStore persists providers in a single `providers` table.
//
// NOTE: assumed schema (one row per provider):
//   providers(id, availability, current_session_id, busy_since,
//             last_activity, last_status_change, sibling_provider_id,
//             busy_by_sibling, busy_sibling_provider_id, is_test_account,
//             created_at, updated_at)
// with an index on (availability) serving the sweep range queries.
//
// Lease transitions are conditional single-row UPDATEs (affected-rows
// checked), so a concurrent acquire and release cannot interleave into an
// inconsistent triple. Sibling propagation shares a transaction with the
// primary row via utils.WithTx.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const providerColumns = `
id, availability, current_session_id, busy_since, last_activity,
last_status_change, sibling_provider_id, busy_by_sibling,
busy_sibling_provider_id, is_test_account, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (Provider, error) {
	var p Provider
	var sessionID, siblingID, busySiblingID sql.NullString
	var busySince, lastActivity, lastStatusChange sql.NullTime

	if err := row.Scan(
		&p.ID,
		&p.Availability,
		&sessionID,
		&busySince,
		&lastActivity,
		&lastStatusChange,
		&siblingID,
		&p.BusyBySibling,
		&busySiblingID,
		&p.IsTestAccount,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return Provider{}, err
	}

	p.CurrentSessionID = sessionID.String
	p.SiblingProviderID = siblingID.String
	p.BusySiblingProviderID = busySiblingID.String
	if busySince.Valid {
		t := busySince.Time
		p.BusySince = &t
	}
	if lastActivity.Valid {
		t := lastActivity.Time
		p.LastActivity = &t
	}
	if lastStatusChange.Valid {
		t := lastStatusChange.Time
		p.LastStatusChange = &t
	}
	return p, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Provider, error) {
	q := `SELECT ` + providerColumns + ` FROM providers WHERE id = $1`
	p, err := scanProvider(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Provider{}, ErrNotFound
		}
		return Provider{}, err
	}
	return p, nil
}

func (s *PostgresStore) AcquireLease(ctx context.Context, providerID, sessionID string, now time.Time) (Provider, error) {
	var out Provider
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		q := `
UPDATE providers
SET availability = $3, current_session_id = $4, busy_since = $5, updated_at = $5
WHERE id = $1 AND availability = $2
RETURNING ` + providerColumns
		p, err := scanProvider(tx.QueryRowContext(ctx, q, providerID, AvailabilityAvailable, AvailabilityBusy, sessionID, now))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return acquireConflictReason(ctx, tx, providerID)
			}
			return err
		}
		if p.SiblingProviderID != "" {
			if err := setSiblingBusy(ctx, tx, p.SiblingProviderID, providerID, now); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return Provider{}, err
	}
	return out, nil
}

// acquireConflictReason distinguishes "no such provider" from "provider not
// available" after the conditional update matched nothing.
func acquireConflictReason(ctx context.Context, tx *sql.Tx, providerID string) error {
	var availability Availability
	err := tx.QueryRowContext(ctx, `SELECT availability FROM providers WHERE id = $1`, providerID).Scan(&availability)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, providerID string, now time.Time) (Provider, bool, error) {
	return s.release(ctx, providerID, "", now)
}

func (s *PostgresStore) ReleaseLeaseIfSession(ctx context.Context, providerID, sessionID string, now time.Time) (Provider, bool, error) {
	return s.release(ctx, providerID, sessionID, now)
}

// release clears the lease triple. An empty expectedSessionID releases
// unconditionally; otherwise the row is only cleared while it still holds
// that session.
func (s *PostgresStore) release(ctx context.Context, providerID, expectedSessionID string, now time.Time) (Provider, bool, error) {
	var out Provider
	var cleared bool

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		q := `SELECT ` + providerColumns + ` FROM providers WHERE id = $1 FOR UPDATE`
		p, err := scanProvider(tx.QueryRowContext(ctx, q, providerID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		if p.Availability != AvailabilityBusy {
			// Already released; treat as success, not an error.
			out = p
			cleared = false
			return nil
		}
		if expectedSessionID != "" && p.CurrentSessionID != expectedSessionID {
			out = p
			cleared = false
			return nil
		}

		uq := `
UPDATE providers
SET availability = $2, current_session_id = NULL, busy_since = NULL, updated_at = $3
WHERE id = $1
RETURNING ` + providerColumns
		updated, err := scanProvider(tx.QueryRowContext(ctx, uq, providerID, AvailabilityAvailable, now))
		if err != nil {
			return err
		}

		if p.SiblingProviderID != "" {
			if err := clearSiblingBusy(ctx, tx, p.SiblingProviderID, now); err != nil {
				return err
			}
		}

		out = updated
		cleared = true
		return nil
	})
	if err != nil {
		return Provider{}, false, err
	}
	return out, cleared, nil
}

func setSiblingBusy(ctx context.Context, tx *sql.Tx, siblingID, busyProviderID string, now time.Time) error {
	const q = `
UPDATE providers
SET busy_by_sibling = TRUE, busy_sibling_provider_id = $2, updated_at = $3
WHERE id = $1
`
	// A missing sibling row is a dangling reference; nothing to mirror.
	_, err := tx.ExecContext(ctx, q, siblingID, busyProviderID, now)
	return err
}

func clearSiblingBusy(ctx context.Context, tx *sql.Tx, siblingID string, now time.Time) error {
	const q = `
UPDATE providers
SET busy_by_sibling = FALSE, busy_sibling_provider_id = NULL, updated_at = $2
WHERE id = $1
`
	// Missing sibling row: already-cleared by definition.
	_, err := tx.ExecContext(ctx, q, siblingID, now)
	return err
}

func (s *PostgresStore) ListBusy(ctx context.Context) ([]Provider, error) {
	return s.listByAvailability(ctx, AvailabilityBusy)
}

func (s *PostgresStore) ListAvailable(ctx context.Context) ([]Provider, error) {
	return s.listByAvailability(ctx, AvailabilityAvailable)
}

func (s *PostgresStore) listByAvailability(ctx context.Context, a Availability) ([]Provider, error) {
	q := `SELECT ` + providerColumns + ` FROM providers WHERE availability = $1 ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, a)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Provider, 0)
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id string, now time.Time) error {
	const q = `UPDATE providers SET last_activity = $2, updated_at = $2 WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetAvailability(ctx context.Context, id string, a Availability, now time.Time) (Provider, error) {
	if a != AvailabilityAvailable && a != AvailabilityOffline {
		return Provider{}, fmt.Errorf("%w: cannot set availability to %q directly", ErrConflict, a)
	}
	q := `
UPDATE providers
SET availability = $2, last_status_change = $3, updated_at = $3
WHERE id = $1 AND availability <> $4
RETURNING ` + providerColumns
	p, err := scanProvider(s.db.QueryRowContext(ctx, q, id, a, now, AvailabilityBusy))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Either missing or busy; a busy provider only leaves busy
			// through lease release.
			var exists bool
			if err2 := s.db.QueryRowContext(ctx, `SELECT TRUE FROM providers WHERE id = $1`, id).Scan(&exists); err2 != nil {
				if errors.Is(err2, sql.ErrNoRows) {
					return Provider{}, ErrNotFound
				}
				return Provider{}, err2
			}
			return Provider{}, ErrConflict
		}
		return Provider{}, err
	}
	return p, nil
}

func (s *PostgresStore) MarkOffline(ctx context.Context, ids []string, now time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, AvailabilityOffline, now)
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, id)
	}
	q := fmt.Sprintf(`
UPDATE providers
SET availability = $1, last_status_change = $2, updated_at = $2
WHERE availability = 'available' AND id IN (%s)
`, strings.Join(placeholders, ","))

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
