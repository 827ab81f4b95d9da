package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"mechlink/internal/model"
)

func (s *Store) CreateRequest(ctx context.Context, req *model.MatchRequest) error {
	if _, ok := model.PlanMinutes[req.Plan]; !ok {
		return ErrInvalidPlan
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (id, customer_id, type, plan, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.CustomerID, req.Type, req.Plan, req.Description, req.Status,
		req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return nil
}

const requestColumns = `id, customer_id, type, plan, description, status, session_id, mechanic_id, created_at, updated_at`

func scanRequest(row rowScanner) (*model.MatchRequest, error) {
	var req model.MatchRequest
	var sessionID, mechanicID sql.NullString
	err := row.Scan(&req.ID, &req.CustomerID, &req.Type, &req.Plan, &req.Description,
		&req.Status, &sessionID, &mechanicID, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	req.SessionID = nullString(sessionID)
	req.MechanicID = nullString(mechanicID)
	return &req, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*model.MatchRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	return scanRequest(row)
}

// ListPendingRequests is the mechanic dashboard feed. A request stays
// listed until accepted-and-linked or cancelled.
func (s *Store) ListPendingRequests(ctx context.Context) ([]*model.MatchRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM requests WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*model.MatchRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// AcceptRequest atomically accepts a pending request, creates its session,
// and links the two in both directions. Either everything lands or the
// request stays pending; the historical orphaned-session bug (request
// updated without a session link) cannot come out of this path.
func (s *Store) AcceptRequest(ctx context.Context, requestID, mechanicID string, amountCents, now int64) (*model.Session, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE requests SET status = 'accepted', mechanic_id = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		mechanicID, now, requestID)
	if err != nil {
		return nil, false, fmt.Errorf("accept request: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, false, err
	}

	var customerID string
	var sessType model.SessionType
	var plan string
	if err := tx.QueryRowContext(ctx, `
		SELECT customer_id, type, plan FROM requests WHERE id = ?`, requestID).
		Scan(&customerID, &sessType, &plan); err != nil {
		return nil, false, err
	}

	sess := &model.Session{
		ID:          uuid.New().String(),
		Type:        sessType,
		Plan:        plan,
		CustomerID:  customerID,
		MechanicID:  &mechanicID,
		RequestID:   &requestID,
		Status:      model.StatusPending,
		AmountCents: amountCents,
		CreatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, type, plan, customer_id, mechanic_id, request_id, status, amount_cents, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Type, sess.Plan, sess.CustomerID, mechanicID, requestID,
		sess.Status, sess.AmountCents, sess.CreatedAt); err != nil {
		return nil, false, fmt.Errorf("create linked session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE requests SET session_id = ? WHERE id = ?`, sess.ID, requestID); err != nil {
		return nil, false, fmt.Errorf("link request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

func (s *Store) CancelRequest(ctx context.Context, requestID string, now int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE requests SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		now, requestID)
	if err != nil {
		return false, fmt.Errorf("cancel request: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AbandonedRequests finds pending requests created before the cutoff. The
// caller picks a generous window; this is a read, the cancel is separate.
func (s *Store) AbandonedRequests(ctx context.Context, cutoff int64) ([]*model.MatchRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE status = 'pending' AND created_at <= ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*model.MatchRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}
