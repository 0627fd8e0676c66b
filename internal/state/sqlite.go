package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	v1 "github.com/kandev/ash/pkg/apiv1"
)

// SQLiteStore is the embedded, single-file state store backend.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if necessary) a SQLite database at path
// and initializes its schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("state: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		path TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (tenant_id, name)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		sandbox_id TEXT DEFAULT '',
		status TEXT NOT NULL,
		runner_id TEXT DEFAULT '',
		parent_session_id TEXT DEFAULT '',
		model TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		last_active_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_name);

	CREATE TABLE IF NOT EXISTS sandboxes (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		session_id TEXT DEFAULT '',
		agent_name TEXT NOT NULL,
		state TEXT NOT NULL,
		workspace_dir TEXT NOT NULL,
		runner_id TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		last_used_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sandboxes_state ON sandboxes(state);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, sequence);

	CREATE TABLE IF NOT EXISTS session_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		data TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session_seq ON session_events(session_id, sequence);

	CREATE TABLE IF NOT EXISTS runners (
		id TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		max_sandboxes INTEGER NOT NULL,
		active_count INTEGER NOT NULL DEFAULT 0,
		warming_count INTEGER NOT NULL DEFAULT 0,
		last_heartbeat_at DATETIME NOT NULL,
		registered_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		label TEXT DEFAULT '',
		created_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// -- Agents --

func (s *SQLiteStore) UpsertAgent(ctx context.Context, a *v1.Agent) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (tenant_id, name, version, path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, name) DO UPDATE SET
			version = excluded.version,
			path = excluded.path,
			updated_at = excluded.updated_at
	`, a.TenantID, a.Name, a.Version, a.Path, a.CreatedAt, a.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetAgent(ctx context.Context, tenantID, name string) (*v1.Agent, error) {
	a := &v1.Agent{}
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, name, version, path, created_at, updated_at
		FROM agents WHERE tenant_id = ? AND name = ?
	`, tenantID, name).Scan(&a.TenantID, &a.Name, &a.Version, &a.Path, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *SQLiteStore) ListAgents(ctx context.Context, tenantID string) ([]*v1.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, name, version, path, created_at, updated_at
		FROM agents WHERE tenant_id = ? ORDER BY name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.Agent
	for rows.Next() {
		a := &v1.Agent{}
		if err := rows.Scan(&a.TenantID, &a.Name, &a.Version, &a.Path, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, tenantID, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE tenant_id = ? AND name = ?`, tenantID, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Sessions --

func (s *SQLiteStore) InsertSession(ctx context.Context, sess *v1.Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.LastActiveAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, model, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.TenantID, sess.AgentName, sess.SandboxID, sess.Status, sess.RunnerID, sess.ParentSessionID, sess.Model, sess.CreatedAt, sess.LastActiveAt)
	return err
}

func (s *SQLiteStore) scanSession(row *sql.Row) (*v1.Session, error) {
	sess := &v1.Session{}
	err := row.Scan(&sess.ID, &sess.TenantID, &sess.AgentName, &sess.SandboxID, &sess.Status, &sess.RunnerID, &sess.ParentSessionID, &sess.Model, &sess.CreatedAt, &sess.LastActiveAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return sess, err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, model, created_at, last_active_at
		FROM sessions WHERE id = ?
	`, id)
	return s.scanSession(row)
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status v1.SessionStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, last_active_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateSessionSandbox(ctx context.Context, id, sandboxID, runnerID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET sandbox_id = ?, runner_id = ? WHERE id = ?`, sandboxID, runnerID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_active_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func (s *SQLiteStore) ListSessions(ctx context.Context, tenantID, agentName string, status v1.SessionStatus, limit, offset int) ([]*v1.Session, error) {
	query := `SELECT id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, model, created_at, last_active_at FROM sessions WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if agentName != "" {
		query += ` AND agent_name = ?`
		args = append(args, agentName)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.Session
	for rows.Next() {
		sess := &v1.Session{}
		if err := rows.Scan(&sess.ID, &sess.TenantID, &sess.AgentName, &sess.SandboxID, &sess.Status, &sess.RunnerID, &sess.ParentSessionID, &sess.Model, &sess.CreatedAt, &sess.LastActiveAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ForkSession copies a parent's messages under a new session id and
// returns the (not-yet-inserted) child session skeleton with
// ParentSessionID set; the caller inserts it via InsertSession after
// filling in agent/sandbox fields.
func (s *SQLiteStore) ForkSession(ctx context.Context, parentID, newID string) (*v1.Session, error) {
	parent, err := s.GetSession(ctx, parentID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT role, content, sequence FROM messages WHERE session_id = ? ORDER BY sequence`, parentID)
	if err != nil {
		return nil, err
	}
	type row struct {
		role    v1.MessageRole
		content string
		seq     int64
	}
	var copied []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.role, &r.content, &r.seq); err != nil {
			rows.Close()
			return nil, err
		}
		copied = append(copied, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, r := range copied {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, role, content, sequence, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, newMessageID(), newID, r.role, r.content, r.seq, now)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	child := &v1.Session{
		ID:              newID,
		TenantID:        parent.TenantID,
		AgentName:       parent.AgentName,
		Status:          v1.SessionStarting,
		ParentSessionID: parentID,
		Model:           parent.Model,
	}
	return child, nil
}

// -- Sandboxes --

func (s *SQLiteStore) InsertSandbox(ctx context.Context, sb *v1.Sandbox) error {
	now := time.Now().UTC()
	sb.CreatedAt = now
	sb.LastUsedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sandboxes (id, tenant_id, session_id, agent_name, state, workspace_dir, runner_id, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sb.ID, sb.TenantID, sb.SessionID, sb.AgentName, sb.State, sb.WorkspaceDir, sb.RunnerID, sb.CreatedAt, sb.LastUsedAt)
	return err
}

func (s *SQLiteStore) SetSandboxState(ctx context.Context, id string, st v1.SandboxState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sandboxes SET state = ? WHERE id = ?`, st, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetSandbox(ctx context.Context, id string) (*v1.Sandbox, error) {
	sb := &v1.Sandbox{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, session_id, agent_name, state, workspace_dir, runner_id, created_at, last_used_at
		FROM sandboxes WHERE id = ?
	`, id).Scan(&sb.ID, &sb.TenantID, &sb.SessionID, &sb.AgentName, &sb.State, &sb.WorkspaceDir, &sb.RunnerID, &sb.CreatedAt, &sb.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return sb, err
}

func (s *SQLiteStore) ListSandboxesByState(ctx context.Context, st v1.SandboxState) ([]*v1.Sandbox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, session_id, agent_name, state, workspace_dir, runner_id, created_at, last_used_at
		FROM sandboxes WHERE state = ? ORDER BY last_used_at
	`, st)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.Sandbox
	for rows.Next() {
		sb := &v1.Sandbox{}
		if err := rows.Scan(&sb.ID, &sb.TenantID, &sb.SessionID, &sb.AgentName, &sb.State, &sb.WorkspaceDir, &sb.RunnerID, &sb.CreatedAt, &sb.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkSandboxEvicted(ctx context.Context, id string) error {
	return s.SetSandboxState(ctx, id, v1.SandboxCold)
}

func (s *SQLiteStore) ListStaleSandboxes(ctx context.Context, olderThanColdTTLMs int64) ([]*v1.Sandbox, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanColdTTLMs) * time.Millisecond)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, session_id, agent_name, state, workspace_dir, runner_id, created_at, last_used_at
		FROM sandboxes WHERE state = ? AND last_used_at < ?
	`, v1.SandboxCold, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.Sandbox
	for rows.Next() {
		sb := &v1.Sandbox{}
		if err := rows.Scan(&sb.ID, &sb.TenantID, &sb.SessionID, &sb.AgentName, &sb.State, &sb.WorkspaceDir, &sb.RunnerID, &sb.CreatedAt, &sb.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSandbox(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) TouchSandboxLastUsed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sandboxes SET last_used_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// -- Messages --

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *v1.Message) error {
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	msg.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM messages WHERE session_id = ?`, msg.SessionID).Scan(&maxSeq); err != nil {
		return err
	}
	msg.Sequence = maxSeq.Int64 + 1

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, sequence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.SessionID, msg.Role, msg.Content, msg.Sequence, msg.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*v1.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, sequence, created_at
		FROM messages WHERE session_id = ? AND sequence > ? ORDER BY sequence LIMIT ?
	`, sessionID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.Message
	for rows.Next() {
		m := &v1.Message{}
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// -- Events --

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *v1.SessionEvent) error {
	if ev.ID == "" {
		ev.ID = newMessageID()
	}
	ev.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM session_events WHERE session_id = ?`, ev.SessionID).Scan(&maxSeq); err != nil {
		return err
	}
	ev.Sequence = maxSeq.Int64 + 1

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_events (id, session_id, type, data, sequence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.SessionID, ev.Type, ev.Data, ev.Sequence, ev.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListEventsAfter(ctx context.Context, sessionID string, afterSeq int64, typeFilter v1.EventType, limit int) ([]*v1.SessionEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT id, session_id, type, data, sequence, created_at FROM session_events WHERE session_id = ? AND sequence > ?`
	args := []interface{}{sessionID, afterSeq}
	if typeFilter != "" {
		query += ` AND type = ?`
		args = append(args, typeFilter)
	}
	query += ` ORDER BY sequence LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.SessionEvent
	for rows.Next() {
		e := &v1.SessionEvent{}
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Data, &e.Sequence, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// -- Runners --

func (s *SQLiteStore) UpsertRunner(ctx context.Context, r *v1.Runner) error {
	now := time.Now().UTC()
	if r.RegisteredAt.IsZero() {
		r.RegisteredAt = now
	}
	r.LastHeartbeatAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runners (id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			max_sandboxes = excluded.max_sandboxes,
			last_heartbeat_at = excluded.last_heartbeat_at
	`, r.ID, r.Host, r.Port, r.MaxSandboxes, r.ActiveCount, r.WarmingCount, r.LastHeartbeatAt, r.RegisteredAt)
	return err
}

func (s *SQLiteStore) HeartbeatRunner(ctx context.Context, id string, activeCount, warmingCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runners SET active_count = ?, warming_count = ?, last_heartbeat_at = ? WHERE id = ?
	`, activeCount, warmingCount, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListLiveRunners(ctx context.Context, livenessTimeoutMs int64) ([]*v1.Runner, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(livenessTimeoutMs) * time.Millisecond)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at
		FROM runners WHERE last_heartbeat_at >= ? ORDER BY registered_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.Runner
	for rows.Next() {
		r := &v1.Runner{}
		if err := rows.Scan(&r.ID, &r.Host, &r.Port, &r.MaxSandboxes, &r.ActiveCount, &r.WarmingCount, &r.LastHeartbeatAt, &r.RegisteredAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetRunner(ctx context.Context, id string) (*v1.Runner, error) {
	r := &v1.Runner{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at
		FROM runners WHERE id = ?
	`, id).Scan(&r.ID, &r.Host, &r.Port, &r.MaxSandboxes, &r.ActiveCount, &r.WarmingCount, &r.LastHeartbeatAt, &r.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

// -- API keys --

func (s *SQLiteStore) GetAPIKeyByHash(ctx context.Context, hash string) (*v1.APIKey, error) {
	k := &v1.APIKey{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, key_hash, label, created_at FROM api_keys WHERE key_hash = ?
	`, hash).Scan(&k.ID, &k.TenantID, &k.KeyHash, &k.Label, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return k, err
}

func (s *SQLiteStore) InsertAPIKey(ctx context.Context, k *v1.APIKey) error {
	k.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, key_hash, label, created_at) VALUES (?, ?, ?, ?, ?)
	`, k.ID, k.TenantID, k.KeyHash, k.Label, k.CreatedAt)
	return err
}
