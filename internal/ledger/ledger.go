// Package ledger provides the local durable store: run records, the
// append-only send-result ledger, consumed assignment targets and the
// persisted agent session.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ecanizales/campaigner/internal/domain"
	_ "modernc.org/sqlite"
)

// RunKind distinguishes the two pipeline types.
type RunKind string

const (
	RunSend   RunKind = "send"
	RunBackup RunKind = "backup"
)

// RunStatus is the lifecycle of one run record.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunFailed  RunStatus = "failed"
)

// Run is one pipeline execution.
type Run struct {
	RunID      string     `json:"run_id"`
	AgentID    string     `json:"agent_id"`
	CampaignID string     `json:"campaign_id"`
	Kind       RunKind    `json:"kind"`
	Status     RunStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	Summary    any        `json:"summary,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Store implements persistence on SQLite.
type Store struct {
	db        *sql.DB
	sessionMu sync.Mutex // serializes agent session writes to avoid SQLITE_BUSY
}

// Open creates or opens the store at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		campaign_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		summary_json TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(agent_id, started_at);

	CREATE TABLE IF NOT EXISTS send_results (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		phone TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		captured_reply TEXT,
		rendered_message TEXT NOT NULL,
		target_json TEXT NOT NULL,
		sent_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_send_results_run ON send_results(run_id, seq);

	CREATE TABLE IF NOT EXISTS assignment_targets (
		campaign_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		phone TEXT NOT NULL,
		target_json TEXT NOT NULL,
		consumed_at INTEGER NOT NULL,
		PRIMARY KEY (campaign_id, agent_id, phone)
	);

	CREATE TABLE IF NOT EXISTS agent_session (
		profile_path TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		campaign_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// StartRun records a new run in the running state.
func (s *Store) StartRun(ctx context.Context, runID, agentID, campaignID string, kind RunKind) error {
	query := `
	INSERT INTO runs (run_id, agent_id, campaign_id, kind, status, started_at)
	VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		runID, agentID, campaignID, string(kind), string(RunRunning), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun closes a run record. A non-empty cause marks the run failed; the
// summary (send totals or backup counts) is stored as JSON either way.
func (s *Store) FinishRun(ctx context.Context, runID string, cause string, summary any) error {
	status := RunDone
	if cause != "" {
		status = RunFailed
	}

	var summaryJSON interface{}
	if summary != nil {
		raw, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("marshal run summary: %w", err)
		}
		summaryJSON = string(raw)
	}

	query := `
	UPDATE runs SET status = ?, error = ?, summary_json = ?, finished_at = ?
	WHERE run_id = ?`
	result, err := s.db.ExecContext(ctx, query,
		string(status), nullable(cause), summaryJSON, time.Now().Unix(), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// GetRun retrieves one run record, nil when unknown.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	query := `
	SELECT run_id, agent_id, campaign_id, kind, status, error, summary_json,
	       started_at, finished_at
	FROM runs WHERE run_id = ?`

	row := s.db.QueryRowContext(ctx, query, runID)

	var run Run
	var cause, summaryJSON sql.NullString
	var startedAt int64
	var finishedAt sql.NullInt64

	err := row.Scan(
		&run.RunID, &run.AgentID, &run.CampaignID, &run.Kind, &run.Status,
		&cause, &summaryJSON, &startedAt, &finishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan run row: %w", err)
	}

	run.Error = cause.String
	run.StartedAt = time.Unix(startedAt, 0)
	if finishedAt.Valid {
		ts := time.Unix(finishedAt.Int64, 0)
		run.FinishedAt = &ts
	}
	if summaryJSON.Valid {
		var summary map[string]any
		if err := json.Unmarshal([]byte(summaryJSON.String), &summary); err != nil {
			return nil, fmt.Errorf("decode run summary: %w", err)
		}
		run.Summary = summary
	}
	return &run, nil
}

// RecordSendResult appends one ledger row. Rows are never updated after
// insertion.
func (s *Store) RecordSendResult(ctx context.Context, runID string, r domain.SendResult) error {
	targetJSON, err := json.Marshal(r.Target)
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}

	query := `
	INSERT INTO send_results (run_id, phone, name, status, error,
		captured_reply, rendered_message, target_json, sent_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		runID, r.Phone, r.DisplayName(), string(r.Status), nullable(r.Error),
		nullable(r.CapturedReply), r.RenderedMessage, string(targetJSON),
		r.SentAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert send result: %w", err)
	}
	return nil
}

// SendResults returns a run's ledger in insertion order.
func (s *Store) SendResults(ctx context.Context, runID string) ([]domain.SendResult, error) {
	query := `
	SELECT status, error, captured_reply, rendered_message, target_json, sent_at
	FROM send_results WHERE run_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query send results: %w", err)
	}
	defer rows.Close()

	var results []domain.SendResult
	for rows.Next() {
		var r domain.SendResult
		var cause, reply sql.NullString
		var targetJSON string
		var sentAt int64

		if err := rows.Scan(&r.Status, &cause, &reply, &r.RenderedMessage, &targetJSON, &sentAt); err != nil {
			return nil, fmt.Errorf("scan send result row: %w", err)
		}
		if err := json.Unmarshal([]byte(targetJSON), &r.Target); err != nil {
			return nil, fmt.Errorf("decode target: %w", err)
		}
		r.Error = cause.String
		r.CapturedReply = reply.String
		r.SentAt = time.Unix(sentAt, 0)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate send results: %w", err)
	}
	return results, nil
}

// SaveAssignmentTargets persists a consumed work assignment's contacts. This
// is the durable-read step the assignment consumer requires before it may
// delete the remote object.
func (s *Store) SaveAssignmentTargets(ctx context.Context, a *domain.WorkAssignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin assignment tx: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO assignment_targets (campaign_id, agent_id, phone, target_json, consumed_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(campaign_id, agent_id, phone) DO UPDATE SET
		target_json = excluded.target_json,
		consumed_at = excluded.consumed_at`

	now := time.Now().Unix()
	for _, t := range a.Targets {
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal target %s: %w", t.Phone, err)
		}
		if _, err := tx.ExecContext(ctx, query, a.CampaignID, a.AgentID, t.Phone, string(raw), now); err != nil {
			return fmt.Errorf("insert assignment target %s: %w", t.Phone, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit assignment tx: %w", err)
	}
	return nil
}

// AssignmentTargets returns the persisted contacts for one agent/campaign.
func (s *Store) AssignmentTargets(ctx context.Context, campaignID, agentID string) ([]domain.Target, error) {
	query := `
	SELECT target_json FROM assignment_targets
	WHERE campaign_id = ? AND agent_id = ? ORDER BY phone`

	rows, err := s.db.QueryContext(ctx, query, campaignID, agentID)
	if err != nil {
		return nil, fmt.Errorf("query assignment targets: %w", err)
	}
	defer rows.Close()

	var targets []domain.Target
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan assignment target row: %w", err)
		}
		var t domain.Target
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode assignment target: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignment targets: %w", err)
	}
	return targets, nil
}

// SaveAgentSession creates or refreshes the persisted session for a profile.
func (s *Store) SaveAgentSession(ctx context.Context, sess *domain.AgentSession) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	query := `
	INSERT INTO agent_session (profile_path, agent_id, campaign_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(profile_path) DO UPDATE SET
		agent_id = excluded.agent_id,
		campaign_id = excluded.campaign_id,
		updated_at = excluded.updated_at`

	created := sess.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, query,
		sess.ProfilePath, sess.AgentID, sess.CampaignID,
		created.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert agent session: %w", err)
	}
	return nil
}

// LoadAgentSession retrieves the persisted session for a profile, nil when
// the profile was never linked.
func (s *Store) LoadAgentSession(ctx context.Context, profilePath string) (*domain.AgentSession, error) {
	query := `
	SELECT profile_path, agent_id, campaign_id, created_at, updated_at
	FROM agent_session WHERE profile_path = ?`

	row := s.db.QueryRowContext(ctx, query, profilePath)

	var sess domain.AgentSession
	var createdAt, updatedAt int64
	err := row.Scan(&sess.ProfilePath, &sess.AgentID, &sess.CampaignID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent session: %w", err)
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return &sess, nil
}

// DeleteAgentSession removes the persisted session on explicit logout.
// Retries with exponential backoff on SQLITE_BUSY.
func (s *Store) DeleteAgentSession(ctx context.Context, profilePath string) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = s.deleteAgentSessionOnce(ctx, profilePath)
		if err == nil {
			return nil
		}
		if !isSQLiteConflict(err) || i == maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay * time.Duration(1<<i)):
		}
	}
	return fmt.Errorf("delete agent session after %d attempts: %w", maxRetries, err)
}

func (s *Store) deleteAgentSessionOnce(ctx context.Context, profilePath string) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_session WHERE profile_path = ?`, profilePath); err != nil {
		return fmt.Errorf("delete agent session: %w", err)
	}
	return nil
}

// isSQLiteConflict reports SQLite concurrency errors that warrant a retry.
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
