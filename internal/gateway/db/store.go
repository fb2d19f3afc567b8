package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentmux/agentmux/internal/gateway/msgcodec"
	"github.com/agentmux/agentmux/internal/gateway/store"
)

// Store implements store.Store on a SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened (and migrated) database.
func NewStore(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB}
}

var _ store.Store = (*Store)(nil)

// --- Sessions ---

func (s *Store) CreateSession(ctx context.Context, p store.CreateSessionParams) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, agent_type, working_directory, worktree_id, repository_id, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.AgentType, p.WorkingDirectory, p.WorktreeID, p.RepositoryID, now, now)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, agent_type, working_directory, worktree_id, repository_id,
		       status, workflow_status, next_seq, created_at, last_activity_at,
		       claimed_by, lease_expires_at, last_error,
		       awaiting_question, awaiting_options, awaiting_default, awaiting_expires_at
		FROM sessions WHERE id = ?`, sessionID)

	var sess store.Session
	var leaseExpires, awaitingExpires sql.NullTime
	var optionsJSON string
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.AgentType, &sess.WorkingDirectory,
		&sess.WorktreeID, &sess.RepositoryID,
		&sess.Status, &sess.WorkflowStatus, &sess.NextSeq,
		&sess.CreatedAt, &sess.LastActivityAt,
		&sess.ClaimedBy, &leaseExpires, &sess.LastError,
		&sess.AwaitingQuestion, &optionsJSON, &sess.AwaitingDefault, &awaitingExpires,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if leaseExpires.Valid {
		sess.LeaseExpiresAt = leaseExpires.Time
	}
	if awaitingExpires.Valid {
		sess.AwaitingExpiresAt = awaitingExpires.Time
	}
	if optionsJSON != "" {
		if err := json.Unmarshal([]byte(optionsJSON), &sess.AwaitingOptions); err != nil {
			return nil, fmt.Errorf("decode awaiting options: %w", err)
		}
	}
	return &sess, nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status store.SessionStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, last_error = ?, last_activity_at = ? WHERE id = ?`,
		status, lastError, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return requireRow(res)
}

func (s *Store) UpdateSessionWorkflow(ctx context.Context, sessionID string, wf store.WorkflowStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET workflow_status = ?, last_activity_at = ? WHERE id = ?`,
		wf, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("update session workflow: %w", err)
	}
	return requireRow(res)
}

func (s *Store) SetAwaitingInput(ctx context.Context, p store.AwaitingInputParams) error {
	optionsJSON, err := json.Marshal(p.Options)
	if err != nil {
		return fmt.Errorf("encode awaiting options: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET workflow_status = ?, awaiting_question = ?, awaiting_options = ?,
		    awaiting_default = ?, awaiting_expires_at = ?, last_activity_at = ?
		WHERE id = ?`,
		store.WorkflowAwaitingInput, p.Question, string(optionsJSON),
		p.DefaultAction, p.ExpiresAt.UTC(), time.Now().UTC(), p.SessionID)
	if err != nil {
		return fmt.Errorf("set awaiting input: %w", err)
	}
	return requireRow(res)
}

func (s *Store) ClearAwaitingInput(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET workflow_status = ?, awaiting_question = '', awaiting_options = '',
		    awaiting_default = '', awaiting_expires_at = NULL, last_activity_at = ?
		WHERE id = ?`,
		store.WorkflowWorking, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("clear awaiting input: %w", err)
	}
	return requireRow(res)
}

func (s *Store) UpdateNextSeq(ctx context.Context, sessionID string, nextSeq int64) error {
	// next_seq is monotone; never move it backwards even on a stale write.
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET next_seq = MAX(next_seq, ?) WHERE id = ?`,
		nextSeq, sessionID)
	if err != nil {
		return fmt.Errorf("update next seq: %w", err)
	}
	return requireRow(res)
}

func (s *Store) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity_at = ? WHERE id = ?`, at.UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// --- Leases ---

func (s *Store) AcquireLease(ctx context.Context, sessionID, gatewayID string, expiresAt time.Time) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET claimed_by = ?, lease_expires_at = ?
		WHERE id = ? AND (claimed_by = '' OR claimed_by = ? OR lease_expires_at IS NULL OR lease_expires_at < ?)`,
		gatewayID, expiresAt.UTC(), sessionID, gatewayID, now)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows > 0 {
		return nil
	}

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return &store.ErrLeaseHeld{Holder: sess.ClaimedBy, ExpiresAt: sess.LeaseExpiresAt}
}

func (s *Store) RenewLease(ctx context.Context, sessionID, gatewayID string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET lease_expires_at = ?
		WHERE id = ? AND claimed_by = ?`,
		expiresAt.UTC(), sessionID, gatewayID)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		sess, err := s.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		return &store.ErrLeaseHeld{Holder: sess.ClaimedBy, ExpiresAt: sess.LeaseExpiresAt}
	}
	return nil
}

func (s *Store) ReleaseLease(ctx context.Context, sessionID, gatewayID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET claimed_by = '', lease_expires_at = NULL
		WHERE id = ? AND claimed_by = ?`,
		sessionID, gatewayID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// --- Event log ---

func (s *Store) AppendEvents(ctx context.Context, events []store.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO session_events (session_id, seq, direction, event_type, payload, compression, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, seq) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range events {
		ev := &events[i]
		payload, compression := msgcodec.Compress(ev.Payload)
		createdAt := ev.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			ev.SessionID, ev.Seq, ev.Direction, ev.Type,
			payload, compression, createdAt.UTC()); err != nil {
			return fmt.Errorf("append event %s/%d: %w", ev.SessionID, ev.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

func (s *Store) ListEventsFrom(ctx context.Context, sessionID string, fromSeq int64, limit int) ([]store.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, direction, event_type, payload, compression, created_at
		FROM session_events
		WHERE session_id = ? AND seq >= ?
		ORDER BY seq ASC
		LIMIT ?`, sessionID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []store.Event
	for rows.Next() {
		var ev store.Event
		var compression msgcodec.Compression
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &ev.Direction, &ev.Type, &ev.Payload, &compression, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		payload, err := msgcodec.Decompress(ev.Payload, compression)
		if err != nil {
			return nil, fmt.Errorf("decompress event %s/%d: %w", ev.SessionID, ev.Seq, err)
		}
		ev.Payload = payload
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) LatestSeq(ctx context.Context, sessionID string) (int64, error) {
	var latest int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM session_events WHERE session_id = ?`, sessionID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	return latest, nil
}

func (s *Store) DeleteEventsBefore(ctx context.Context, sessionID string, uptoSeq int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM session_events WHERE session_id = ? AND seq < ?`, sessionID, uptoSeq)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

// --- Connections ---

func (s *Store) PutConnection(ctx context.Context, c store.Connection) error {
	connectedAt := c.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_connections (session_id, client_id, gateway_id, device_type, last_ack_seq, connected_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, client_id) DO UPDATE SET
			gateway_id = excluded.gateway_id,
			device_type = excluded.device_type,
			last_ack_seq = MAX(last_ack_seq, excluded.last_ack_seq)`,
		c.SessionID, c.ClientID, c.GatewayID, c.DeviceType, c.LastAckSeq, connectedAt.UTC())
	if err != nil {
		return fmt.Errorf("put connection: %w", err)
	}
	return nil
}

func (s *Store) DeleteConnection(ctx context.Context, sessionID, clientID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM session_connections WHERE session_id = ? AND client_id = ?`, sessionID, clientID)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

func (s *Store) DeleteConnectionsForGateway(ctx context.Context, gatewayID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM session_connections WHERE gateway_id = ?`, gatewayID)
	if err != nil {
		return fmt.Errorf("delete gateway connections: %w", err)
	}
	return nil
}

func (s *Store) MinAckedSeq(ctx context.Context, sessionID string) (int64, bool, error) {
	var minAck sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(last_ack_seq) FROM session_connections WHERE session_id = ?`, sessionID).Scan(&minAck)
	if err != nil {
		return 0, false, fmt.Errorf("min acked seq: %w", err)
	}
	if !minAck.Valid {
		return 0, false, nil
	}
	return minAck.Int64, true, nil
}

// --- Cleanup queries ---

func (s *Store) ListStaleLeaseSessions(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	return s.listIDs(ctx, `
		SELECT id FROM sessions
		WHERE lease_expires_at IS NOT NULL AND lease_expires_at < ?
		  AND status NOT IN ('stopped', 'error')
		LIMIT ?`, olderThan.UTC(), limit)
}

func (s *Store) ListIdleSessions(ctx context.Context, inactiveSince time.Time, limit int) ([]string, error) {
	return s.listIDs(ctx, `
		SELECT id FROM sessions
		WHERE last_activity_at < ? AND status IN ('running', 'idle')
		LIMIT ?`, inactiveSince.UTC(), limit)
}

func (s *Store) ListAgedSessions(ctx context.Context, createdBefore time.Time, limit int) ([]string, error) {
	return s.listIDs(ctx, `
		SELECT id FROM sessions
		WHERE created_at < ? AND status NOT IN ('stopped', 'error')
		LIMIT ?`, createdBefore.UTC(), limit)
}

func (s *Store) ListStoppedSessions(ctx context.Context, limit int) ([]string, error) {
	return s.listIDs(ctx, `
		SELECT id FROM sessions WHERE status IN ('stopped', 'error') LIMIT ?`, limit)
}

func (s *Store) ListExpiredAwaiting(ctx context.Context, expiredBefore time.Time, limit int) ([]string, error) {
	return s.listIDs(ctx, `
		SELECT id FROM sessions
		WHERE workflow_status = 'awaiting_input'
		  AND awaiting_expires_at IS NOT NULL
		  AND awaiting_expires_at < ?
		  AND status NOT IN ('stopped', 'error')
		LIMIT ?`, expiredBefore.UTC(), limit)
}

func (s *Store) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list session ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Auth ---

func (s *Store) GetAuthToken(ctx context.Context, tokenID string) (*store.AuthToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, secret_hash, expires_at FROM auth_tokens WHERE id = ?`, tokenID)
	var tok store.AuthToken
	err := row.Scan(&tok.ID, &tok.UserID, &tok.SecretHash, &tok.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get auth token: %w", err)
	}
	return &tok, nil
}

// CreateAuthToken inserts a token record. Not part of the store contract;
// used by bootstrap and tests.
func (s *Store) CreateAuthToken(ctx context.Context, tok store.AuthToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (id, user_id, secret_hash, expires_at)
		VALUES (?, ?, ?, ?)`,
		tok.ID, tok.UserID, tok.SecretHash, tok.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("create auth token: %w", err)
	}
	return nil
}

// CountAuthTokens reports how many tokens exist; used by bootstrap.
func (s *Store) CountAuthTokens(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM auth_tokens`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count auth tokens: %w", err)
	}
	return n, nil
}

func requireRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}
