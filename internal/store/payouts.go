package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"mechlink/internal/model"
)

// CreateNoShowPayout closes a scheduled session as a no-show and writes
// its compensation and credit records in one transaction. The terminal
// transition is guarded on status = 'scheduled', so an overlapping sweep
// run gets zero rows and writes nothing; a failed record insert rolls the
// transition back and the session is retried on the next cycle.
func (s *Store) CreateNoShowPayout(ctx context.Context, comp *model.CompensationRecord, credit *model.CreditRecord, now int64) (bool, error) {
	if comp.SessionID != credit.SessionID {
		return false, errors.New("payout records must share a session")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET status = 'cancelled_no_show',
			ended_at = COALESCE(ended_at, ?)
		WHERE id = ? AND status = 'scheduled'`,
		now, comp.SessionID)
	if err != nil {
		return false, fmt.Errorf("no-show transition: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO compensation_records (id, session_id, mechanic_id, amount_cents, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		comp.ID, comp.SessionID, comp.MechanicID, comp.AmountCents, comp.CreatedAt); err != nil {
		return false, fmt.Errorf("compensation record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_records (id, session_id, customer_id, amount_cents, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		credit.ID, credit.SessionID, credit.CustomerID, credit.AmountCents,
		credit.ExpiresAt, credit.CreatedAt); err != nil {
		return false, fmt.Errorf("credit record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) GetCompensation(ctx context.Context, sessionID string) (*model.CompensationRecord, error) {
	var rec model.CompensationRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, mechanic_id, amount_cents, created_at
		FROM compensation_records WHERE session_id = ?`, sessionID).
		Scan(&rec.ID, &rec.SessionID, &rec.MechanicID, &rec.AmountCents, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetCredit(ctx context.Context, sessionID string) (*model.CreditRecord, error) {
	var rec model.CreditRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, customer_id, amount_cents, expires_at, created_at
		FROM credit_records WHERE session_id = ?`, sessionID).
		Scan(&rec.ID, &rec.SessionID, &rec.CustomerID, &rec.AmountCents, &rec.ExpiresAt, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) CountPayouts(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM compensation_records WHERE session_id = ?)
		     + (SELECT COUNT(*) FROM credit_records WHERE session_id = ?)`,
		sessionID, sessionID).Scan(&n)
	return n, err
}
