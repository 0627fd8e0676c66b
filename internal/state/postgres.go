package state

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	v1 "github.com/kandev/ash/pkg/apiv1"
)

// PostgresStore is the networked relational state store backend, used in
// place of SQLite when multiple coordinator processes share one store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and initializes its schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("state: connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("state: init schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		path TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, name)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		sandbox_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		runner_id TEXT NOT NULL DEFAULT '',
		parent_session_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		last_active_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id);

	CREATE TABLE IF NOT EXISTS sandboxes (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		agent_name TEXT NOT NULL,
		state TEXT NOT NULL,
		workspace_dir TEXT NOT NULL,
		runner_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		last_used_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sandboxes_state ON sandboxes(state);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, sequence);

	CREATE TABLE IF NOT EXISTS session_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		data TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session_seq ON session_events(session_id, sequence);

	CREATE TABLE IF NOT EXISTS runners (
		id TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		max_sandboxes INTEGER NOT NULL,
		active_count INTEGER NOT NULL DEFAULT 0,
		warming_count INTEGER NOT NULL DEFAULT 0,
		last_heartbeat_at TIMESTAMPTZ NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		label TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// -- Agents --

func (s *PostgresStore) UpsertAgent(ctx context.Context, a *v1.Agent) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (tenant_id, name, version, path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, name) DO UPDATE SET
			version = excluded.version, path = excluded.path, updated_at = excluded.updated_at
	`, a.TenantID, a.Name, a.Version, a.Path, a.CreatedAt, a.UpdatedAt)
	return err
}

func (s *PostgresStore) GetAgent(ctx context.Context, tenantID, name string) (*v1.Agent, error) {
	a := &v1.Agent{}
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, name, version, path, created_at, updated_at FROM agents WHERE tenant_id = $1 AND name = $2
	`, tenantID, name).Scan(&a.TenantID, &a.Name, &a.Version, &a.Path, &a.CreatedAt, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) ListAgents(ctx context.Context, tenantID string) ([]*v1.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, name, version, path, created_at, updated_at FROM agents WHERE tenant_id = $1 ORDER BY name
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

func (s *PostgresStore) DeleteAgent(ctx context.Context, tenantID, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE tenant_id = $1 AND name = $2`, tenantID, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Sessions --

func (s *PostgresStore) InsertSession(ctx context.Context, sess *v1.Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.LastActiveAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, model, created_at, last_active_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, sess.ID, sess.TenantID, sess.AgentName, sess.SandboxID, sess.Status, sess.RunnerID, sess.ParentSessionID, sess.Model, sess.CreatedAt, sess.LastActiveAt)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	sess := &v1.Session{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, model, created_at, last_active_at
		FROM sessions WHERE id = $1
	`, id).Scan(&sess.ID, &sess.TenantID, &sess.AgentName, &sess.SandboxID, &sess.Status, &sess.RunnerID, &sess.ParentSessionID, &sess.Model, &sess.CreatedAt, &sess.LastActiveAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return sess, err
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, id string, status v1.SessionStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET status = $1, last_active_at = $2 WHERE id = $3`, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateSessionSandbox(ctx context.Context, id, sandboxID, runnerID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET sandbox_id = $1, runner_id = $2 WHERE id = $3`, sandboxID, runnerID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET last_active_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	return err
}

func (s *PostgresStore) ListSessions(ctx context.Context, tenantID, agentName string, status v1.SessionStatus, limit, offset int) ([]*v1.Session, error) {
	query := `SELECT id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, model, created_at, last_active_at FROM sessions WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	idx := 2
	if agentName != "" {
		query += fmt.Sprintf(` AND agent_name = $%d`, idx)
		args = append(args, agentName)
		idx++
	}
	if status != "" {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, status)
		idx++
	}
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *PostgresStore) ForkSession(ctx context.Context, parentID, newID string) (*v1.Session, error) {
	parent, err := s.GetSession(ctx, parentID)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT role, content, sequence FROM messages WHERE session_id = $1 ORDER BY sequence`, parentID)
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
		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (id, session_id, role, content, sequence, created_at) VALUES ($1,$2,$3,$4,$5,$6)
		`, newMessageID(), newID, r.role, r.content, r.seq, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &v1.Session{
		ID:              newID,
		TenantID:        parent.TenantID,
		AgentName:       parent.AgentName,
		Status:          v1.SessionStarting,
		ParentSessionID: parentID,
		Model:           parent.Model,
	}, nil
}

// -- Sandboxes --

func (s *PostgresStore) InsertSandbox(ctx context.Context, sb *v1.Sandbox) error {
	now := time.Now().UTC()
	sb.CreatedAt = now
	sb.LastUsedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sandboxes (id, tenant_id, session_id, agent_name, state, workspace_dir, runner_id, created_at, last_used_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, sb.ID, sb.TenantID, sb.SessionID, sb.AgentName, sb.State, sb.WorkspaceDir, sb.RunnerID, sb.CreatedAt, sb.LastUsedAt)
	return err
}

func (s *PostgresStore) SetSandboxState(ctx context.Context, id string, st v1.SandboxState) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sandboxes SET state = $1 WHERE id = $2`, st, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetSandbox(ctx context.Context, id string) (*v1.Sandbox, error) {
	sb := &v1.Sandbox{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, session_id, agent_name, state, workspace_dir, runner_id, created_at, last_used_at
		FROM sandboxes WHERE id = $1
	`, id).Scan(&sb.ID, &sb.TenantID, &sb.SessionID, &sb.AgentName, &sb.State, &sb.WorkspaceDir, &sb.RunnerID, &sb.CreatedAt, &sb.LastUsedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return sb, err
}

func (s *PostgresStore) ListSandboxesByState(ctx context.Context, st v1.SandboxState) ([]*v1.Sandbox, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, session_id, agent_name, state, workspace_dir, runner_id, created_at, last_used_at
		FROM sandboxes WHERE state = $1 ORDER BY last_used_at
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

func (s *PostgresStore) MarkSandboxEvicted(ctx context.Context, id string) error {
	return s.SetSandboxState(ctx, id, v1.SandboxCold)
}

func (s *PostgresStore) ListStaleSandboxes(ctx context.Context, olderThanColdTTLMs int64) ([]*v1.Sandbox, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanColdTTLMs) * time.Millisecond)
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, session_id, agent_name, state, workspace_dir, runner_id, created_at, last_used_at
		FROM sandboxes WHERE state = $1 AND last_used_at < $2
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

func (s *PostgresStore) DeleteSandbox(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sandboxes WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) TouchSandboxLastUsed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE sandboxes SET last_used_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	return err
}

// -- Messages --

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *v1.Message) error {
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	msg.CreatedAt = time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var maxSeq *int64
	if err := tx.QueryRow(ctx, `SELECT MAX(sequence) FROM messages WHERE session_id = $1`, msg.SessionID).Scan(&maxSeq); err != nil {
		return err
	}
	if maxSeq == nil {
		msg.Sequence = 1
	} else {
		msg.Sequence = *maxSeq + 1
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (id, session_id, role, content, sequence, created_at) VALUES ($1,$2,$3,$4,$5,$6)
	`, msg.ID, msg.SessionID, msg.Role, msg.Content, msg.Sequence, msg.CreatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*v1.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, role, content, sequence, created_at FROM messages WHERE session_id = $1 AND sequence > $2 ORDER BY sequence LIMIT $3
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

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *v1.SessionEvent) error {
	if ev.ID == "" {
		ev.ID = newMessageID()
	}
	ev.CreatedAt = time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var maxSeq *int64
	if err := tx.QueryRow(ctx, `SELECT MAX(sequence) FROM session_events WHERE session_id = $1`, ev.SessionID).Scan(&maxSeq); err != nil {
		return err
	}
	if maxSeq == nil {
		ev.Sequence = 1
	} else {
		ev.Sequence = *maxSeq + 1
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO session_events (id, session_id, type, data, sequence, created_at) VALUES ($1,$2,$3,$4,$5,$6)
	`, ev.ID, ev.SessionID, ev.Type, ev.Data, ev.Sequence, ev.CreatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListEventsAfter(ctx context.Context, sessionID string, afterSeq int64, typeFilter v1.EventType, limit int) ([]*v1.SessionEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT id, session_id, type, data, sequence, created_at FROM session_events WHERE session_id = $1 AND sequence > $2`
	args := []interface{}{sessionID, afterSeq}
	idx := 3
	if typeFilter != "" {
		query += fmt.Sprintf(` AND type = $%d`, idx)
		args = append(args, typeFilter)
		idx++
	}
	query += fmt.Sprintf(` ORDER BY sequence LIMIT $%d`, idx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *PostgresStore) UpsertRunner(ctx context.Context, r *v1.Runner) error {
	now := time.Now().UTC()
	if r.RegisteredAt.IsZero() {
		r.RegisteredAt = now
	}
	r.LastHeartbeatAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runners (id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET host = excluded.host, port = excluded.port,
			max_sandboxes = excluded.max_sandboxes, last_heartbeat_at = excluded.last_heartbeat_at
	`, r.ID, r.Host, r.Port, r.MaxSandboxes, r.ActiveCount, r.WarmingCount, r.LastHeartbeatAt, r.RegisteredAt)
	return err
}

func (s *PostgresStore) HeartbeatRunner(ctx context.Context, id string, activeCount, warmingCount int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runners SET active_count = $1, warming_count = $2, last_heartbeat_at = $3 WHERE id = $4
	`, activeCount, warmingCount, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListLiveRunners(ctx context.Context, livenessTimeoutMs int64) ([]*v1.Runner, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(livenessTimeoutMs) * time.Millisecond)
	rows, err := s.pool.Query(ctx, `
		SELECT id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at
		FROM runners WHERE last_heartbeat_at >= $1 ORDER BY registered_at
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

func (s *PostgresStore) GetRunner(ctx context.Context, id string) (*v1.Runner, error) {
	r := &v1.Runner{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at FROM runners WHERE id = $1
	`, id).Scan(&r.ID, &r.Host, &r.Port, &r.MaxSandboxes, &r.ActiveCount, &r.WarmingCount, &r.LastHeartbeatAt, &r.RegisteredAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

// -- API keys --

func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, hash string) (*v1.APIKey, error) {
	k := &v1.APIKey{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, key_hash, label, created_at FROM api_keys WHERE key_hash = $1
	`, hash).Scan(&k.ID, &k.TenantID, &k.KeyHash, &k.Label, &k.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return k, err
}

func (s *PostgresStore) InsertAPIKey(ctx context.Context, k *v1.APIKey) error {
	k.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, tenant_id, key_hash, label, created_at) VALUES ($1,$2,$3,$4,$5)
	`, k.ID, k.TenantID, k.KeyHash, k.Label, k.CreatedAt)
	return err
}

// Open is a convenience constructor that picks the backend by driver name.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "postgres", "postgresql", "pgx":
		return NewPostgresStore(ctx, dsn)
	default:
		return NewSQLiteStore(dsn)
	}
}
