package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"mechlink/internal/model"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidPlan = errors.New("unknown plan")
)

// Store is the durable record of sessions, match requests, the extension
// ledger, and no-show payout records. Status and timing fields are only
// ever mutated through conditional updates so that the join coordinator,
// the timer controller, explicit user actions, and the sweep can race
// without clobbering each other.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own database
		db.SetMaxOpenConns(1)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	if _, ok := model.PlanMinutes[sess.Plan]; !ok {
		return ErrInvalidPlan
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, type, plan, customer_id, mechanic_id, request_id,
			status, amount_cents, created_at, scheduled_for, waiver_signed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Type, sess.Plan, sess.CustomerID, sess.MechanicID, sess.RequestID,
		sess.Status, sess.AmountCents, sess.CreatedAt, sess.ScheduledFor, sess.WaiverSignedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, type, plan, customer_id, mechanic_id, request_id,
	status, amount_cents, created_at, scheduled_for, started_at, ended_at,
	waiver_signed_at, reminder_sent_at, ended_by, auto_expired, planned_end_at`

func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var sess model.Session
	var mechanicID, requestID, endedBy sql.NullString
	var scheduledFor, startedAt, endedAt, waiverAt, reminderAt, plannedEnd sql.NullInt64
	var autoExpired int

	err := row.Scan(&sess.ID, &sess.Type, &sess.Plan, &sess.CustomerID, &mechanicID,
		&requestID, &sess.Status, &sess.AmountCents, &sess.CreatedAt, &scheduledFor,
		&startedAt, &endedAt, &waiverAt, &reminderAt, &endedBy, &autoExpired, &plannedEnd)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	sess.MechanicID = nullString(mechanicID)
	sess.RequestID = nullString(requestID)
	sess.EndedBy = nullString(endedBy)
	sess.ScheduledFor = nullInt(scheduledFor)
	sess.StartedAt = nullInt(startedAt)
	sess.EndedAt = nullInt(endedAt)
	sess.WaiverSignedAt = nullInt(waiverAt)
	sess.ReminderSentAt = nullInt(reminderAt)
	sess.PlannedEndAt = nullInt(plannedEnd)
	sess.AutoExpired = autoExpired != 0
	return &sess, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

// TransitionOpts carries the side-effect fields a transition may write.
// Auto-expiry metadata is not here: the timeout path goes through
// CompleteIfExpired, whose guard re-reads the extension ledger.
type TransitionOpts struct {
	EndedBy *string
}

// Transition applies status change from any of the given states to the
// target, returning whether a row changed. Entering live anchors
// started_at only if still null; entering a terminal state anchors
// ended_at the same way, so concurrent callers collapse to one write.
func (s *Store) Transition(ctx context.Context, id string, from []model.Status, to model.Status, now int64, opts TransitionOpts) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition: empty source set")
	}

	args := make([]any, 0, len(from)+7)
	query := `UPDATE sessions SET status = ?`
	args = append(args, to)

	if to == model.StatusLive {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if to.Terminal() {
		query += `, ended_at = COALESCE(ended_at, ?), ended_by = ?`
		args = append(args, now, opts.EndedBy)
	}

	query += ` WHERE id = ? AND status IN (`
	args = append(args, id)
	for i := range from {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, from[i])
	}
	query += `)`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CompleteIfExpired performs the authoritative timeout as one guarded
// write. The allotment is re-summed from the extension ledger inside the
// statement itself, so an extension committed after a caller computed
// remaining <= 0 fails the guard instead of letting a just-extended
// session complete. planned_end_at comes from the same expression.
func (s *Store) CompleteIfExpired(ctx context.Context, id string, baseMinutes int, now int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'completed',
			ended_at = COALESCE(ended_at, ?),
			ended_by = 'timer',
			auto_expired = 1,
			planned_end_at = started_at + (? + (SELECT COALESCE(SUM(minutes), 0)
				FROM extensions WHERE session_id = sessions.id)) * 60000
		WHERE id = ? AND status = 'live' AND started_at IS NOT NULL
		  AND started_at + (? + (SELECT COALESCE(SUM(minutes), 0)
				FROM extensions WHERE session_id = sessions.id)) * 60000 <= ?`,
		now, baseMinutes, id, baseMinutes, now)
	if err != nil {
		return false, fmt.Errorf("complete expired: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AssignMechanic binds a mechanic to an unstarted session. Reassignment
// after started_at is anchored is not permitted.
func (s *Store) AssignMechanic(ctx context.Context, id, mechanicID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET mechanic_id = ?
		WHERE id = ? AND mechanic_id IS NULL AND started_at IS NULL`,
		mechanicID, id)
	if err != nil {
		return false, fmt.Errorf("assign mechanic: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) SignWaiver(ctx context.Context, id string, now int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET waiver_signed_at = ?
		WHERE id = ? AND waiver_signed_at IS NULL
		  AND status NOT IN ('completed', 'cancelled', 'cancelled_no_show')`,
		now, id)
	if err != nil {
		return false, fmt.Errorf("sign waiver: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkReminderSent is the dedupe guard for the sweep's reminder pass:
// only the first of two overlapping runs gets a row back.
func (s *Store) MarkReminderSent(ctx context.Context, id string, now int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET reminder_sent_at = ?
		WHERE id = ? AND reminder_sent_at IS NULL`,
		now, id)
	if err != nil {
		return false, fmt.Errorf("mark reminder: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AppendExtension adds minutes to a live session's ledger and returns the
// new total allotted minutes. Extensions never shorten a session and are
// only accepted while the session is live.
func (s *Store) AppendExtension(ctx context.Context, sessionID string, minutes int, grantedBy string, now int64) (int, bool, error) {
	if minutes <= 0 {
		return 0, false, errors.New("extension minutes must be positive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	var status model.Status
	var plan string
	err = tx.QueryRowContext(ctx, `SELECT status, plan FROM sessions WHERE id = ?`, sessionID).Scan(&status, &plan)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}
	if status != model.StatusLive {
		return 0, false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO extensions (session_id, minutes, granted_by, granted_at)
		VALUES (?, ?, ?, ?)`, sessionID, minutes, grantedBy, now); err != nil {
		return 0, false, fmt.Errorf("append extension: %w", err)
	}

	var extMinutes int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(minutes), 0) FROM extensions WHERE session_id = ?`, sessionID).Scan(&extMinutes); err != nil {
		return 0, false, err
	}

	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return model.PlanMinutes[plan] + extMinutes, true, nil
}

// TotalMinutes is the allotted duration evaluated at read time: plan base
// plus the ledger sum. Never cached.
func (s *Store) TotalMinutes(ctx context.Context, sessionID string) (int, error) {
	var plan string
	err := s.db.QueryRowContext(ctx, `SELECT plan FROM sessions WHERE id = ?`, sessionID).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	var extMinutes int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(minutes), 0) FROM extensions WHERE session_id = ?`, sessionID).Scan(&extMinutes); err != nil {
		return 0, err
	}
	return model.PlanMinutes[plan] + extMinutes, nil
}

func (s *Store) ListExtensions(ctx context.Context, sessionID string) ([]model.ExtensionGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, minutes, granted_by, granted_at
		FROM extensions WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []model.ExtensionGrant
	for rows.Next() {
		var g model.ExtensionGrant
		if err := rows.Scan(&g.ID, &g.SessionID, &g.Minutes, &g.GrantedBy, &g.GrantedAt); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (s *Store) listSessions(ctx context.Context, query string, args ...any) ([]*model.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ScheduledNeedingReminder finds scheduled sessions starting within the
// lead window whose waiver is unsigned and reminder not yet sent.
func (s *Store) ScheduledNeedingReminder(ctx context.Context, now, leadMillis int64) ([]*model.Session, error) {
	return s.listSessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'scheduled' AND waiver_signed_at IS NULL
		  AND reminder_sent_at IS NULL AND scheduled_for IS NOT NULL
		  AND scheduled_for > ? AND scheduled_for <= ?`,
		now, now+leadMillis)
}

// ScheduledNoShows finds scheduled sessions past the grace window with the
// waiver still unsigned. The status predicate makes re-runs skip sessions
// an earlier run already closed.
func (s *Store) ScheduledNoShows(ctx context.Context, now, graceMillis int64) ([]*model.Session, error) {
	return s.listSessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'scheduled' AND waiver_signed_at IS NULL
		  AND scheduled_for IS NOT NULL AND scheduled_for <= ?`,
		now-graceMillis)
}

func (s *Store) LiveSessions(ctx context.Context) ([]*model.Session, error) {
	return s.listSessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status = 'live'`)
}

// StaleWaiting finds sessions stuck in waiting since before the cutoff.
func (s *Store) StaleWaiting(ctx context.Context, cutoff int64) ([]*model.Session, error) {
	return s.listSessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'waiting' AND created_at <= ?`, cutoff)
}
