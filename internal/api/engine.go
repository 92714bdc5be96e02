package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/ecanizales/campaigner/internal/backup"
	"github.com/ecanizales/campaigner/internal/browser"
	"github.com/ecanizales/campaigner/internal/config"
	"github.com/ecanizales/campaigner/internal/domain"
	"github.com/ecanizales/campaigner/internal/ledger"
	"github.com/ecanizales/campaigner/internal/remote"
	"github.com/ecanizales/campaigner/internal/send"
	"github.com/ecanizales/campaigner/internal/session"
	"github.com/ecanizales/campaigner/internal/surface"
	"github.com/ecanizales/campaigner/internal/wa"
)

var (
	// ErrSessionStarting rejects a second start while one is in flight.
	ErrSessionStarting = errors.New("session start already in progress")
	// ErrSessionActive rejects starting over a live session.
	ErrSessionActive = errors.New("session already active")
	// ErrNoSession rejects operations that need a Ready session.
	ErrNoSession = errors.New("no active session")
	// ErrRunActive enforces one run at a time per session.
	ErrRunActive = errors.New("a run is already active")
	// ErrNoTargets rejects a send with nothing to send.
	ErrNoTargets = errors.New("no targets to send")
)

// Status is the engine snapshot served on GET /api/status.
type Status struct {
	SessionState string `json:"session_state"`
	AgentID      string `json:"agent_id,omitempty"`
	CampaignID   string `json:"campaign_id,omitempty"`
	ActiveRun    string `json:"active_run,omitempty"`
	ActiveKind   string `json:"active_kind,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

// SendRequest starts a bulk send. With no inline targets the engine consumes
// the agent's remote work assignment instead.
type SendRequest struct {
	Template string          `json:"template"`
	Targets  []domain.Target `json:"targets,omitempty"`
}

// Service is what the HTTP handlers need from the engine.
type Service interface {
	StartSession(ctx context.Context, agentID string) error
	Logout(ctx context.Context) error
	Status() Status
	StartSend(ctx context.Context, req SendRequest) (string, error)
	StartBackup(ctx context.Context) (string, error)
	RunRecord(ctx context.Context, runID string) (*ledger.Run, []domain.SendResult, error)
	RotateCredentials(ctx context.Context) (map[string]remote.PassphraseChange, error)
}

// Engine owns the single live session and gates the pipelines over it.
type Engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	sessions *session.Manager
	launcher browser.Launcher
	store    *ledger.Store
	assigns  *remote.Assignments
	creds    *remote.Credentials
	backups  *remote.Backups
	media    *remote.Media
	hub      *Hub

	// connect dials the automation surface; swapped in tests.
	connect func(ctx context.Context, debugURL string) (surface.Surface, error)

	mu         sync.Mutex
	starting   bool
	handle     *session.Handle
	client     *wa.Client
	agentID    string
	activeRun  string
	activeKind ledger.RunKind
	lastError  string
}

// NewEngine wires the engine together.
func NewEngine(cfg *config.Config, sessions *session.Manager, launcher browser.Launcher,
	store *ledger.Store, assigns *remote.Assignments, creds *remote.Credentials,
	backups *remote.Backups, media *remote.Media, hub *Hub, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		launcher: launcher,
		store:    store,
		assigns:  assigns,
		creds:    creds,
		backups:  backups,
		media:    media,
		hub:      hub,
		connect: func(ctx context.Context, debugURL string) (surface.Surface, error) {
			return surface.Connect(ctx, debugURL, logger)
		},
	}
}

// StartSession launches the agent's browser and walks it to Ready in the
// background. The walk blocks on a human (credential entry, device pairing),
// so the request returns immediately; progress is visible on Status.
func (e *Engine) StartSession(ctx context.Context, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("agent id is required")
	}

	e.mu.Lock()
	if e.starting {
		e.mu.Unlock()
		return ErrSessionStarting
	}
	var stale *session.Handle
	if e.handle != nil {
		if e.handle.State() != session.Closed {
			e.mu.Unlock()
			return ErrSessionActive
		}
		if e.activeRun != "" {
			// A run is still draining on the dead session.
			e.mu.Unlock()
			return ErrRunActive
		}
		// The surface died after Ready. Release the dead handle's profile
		// reservation so the replacement can reacquire it.
		stale = e.handle
		e.handle = nil
		e.client = nil
		e.agentID = ""
	}
	e.starting = true
	e.lastError = ""
	e.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	go e.runStart(context.WithoutCancel(ctx), agentID)
	return nil
}

func (e *Engine) runStart(ctx context.Context, agentID string) {
	handle, client, err := e.openSession(ctx, agentID)

	e.mu.Lock()
	e.starting = false
	if err != nil {
		e.lastError = err.Error()
		e.mu.Unlock()
		e.logger.Error("session start failed", "agent_id", agentID, "error", err)
		return
	}
	e.handle = handle
	e.client = client
	e.agentID = agentID
	e.mu.Unlock()
	e.logger.Info("session started", "agent_id", agentID)
}

func (e *Engine) openSession(ctx context.Context, agentID string) (*session.Handle, *wa.Client, error) {
	debugURL, err := e.launcher.Launch(ctx, agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("launch browser: %w", err)
	}

	surf, err := e.connect(ctx, debugURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect automation surface: %w", err)
	}

	sel, err := wa.LoadSelectors(e.cfg.SelectorsPath)
	if err != nil {
		surf.Close()
		return nil, nil, fmt.Errorf("load selectors: %w", err)
	}
	client := wa.NewClient(surf, sel)

	profile := filepath.Join(e.cfg.Browser.ProfileDir, agentID)
	handle, err := e.sessions.Start(ctx, client, profile)
	if err != nil {
		surf.Close()
		return nil, nil, err
	}
	return handle, client, nil
}

// Logout closes the session, drops the persisted session row and wipes the
// browser profile. The next start pairs from scratch.
func (e *Engine) Logout(ctx context.Context) error {
	e.mu.Lock()
	handle := e.handle
	agentID := e.agentID
	if e.activeRun != "" {
		e.mu.Unlock()
		return ErrRunActive
	}
	e.handle = nil
	e.client = nil
	e.agentID = ""
	e.mu.Unlock()

	if handle == nil {
		return ErrNoSession
	}
	handle.Close()

	profile := filepath.Join(e.cfg.Browser.ProfileDir, agentID)
	if err := e.store.DeleteAgentSession(ctx, profile); err != nil {
		e.logger.Warn("failed to drop persisted session", "error", err)
	}
	if err := e.launcher.Stop(ctx, agentID); err != nil {
		return fmt.Errorf("stop browser: %w", err)
	}
	if err := e.launcher.WipeProfile(ctx, agentID); err != nil {
		return fmt.Errorf("wipe profile: %w", err)
	}
	e.logger.Info("agent logged out", "agent_id", agentID)
	return nil
}

// Status reports the current session and run.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{SessionState: session.Disconnected.String(), LastError: e.lastError}
	if e.starting {
		st.SessionState = "starting"
	}
	if e.handle != nil {
		st.SessionState = e.handle.State().String()
		if sess := e.handle.Session(); sess != nil {
			st.AgentID = sess.AgentID
			st.CampaignID = sess.CampaignID
		}
	}
	st.ActiveRun = e.activeRun
	st.ActiveKind = string(e.activeKind)
	return st
}

// beginRun atomically claims the session for one run.
func (e *Engine) beginRun(kind ledger.RunKind) (*wa.Client, *domain.AgentSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == nil {
		return nil, nil, ErrNoSession
	}
	if err := e.handle.EnsureReady(); err != nil {
		return nil, nil, err
	}
	if e.activeRun != "" {
		return nil, nil, ErrRunActive
	}
	runID := uuid.NewString()
	e.activeRun = runID
	e.activeKind = kind
	return e.client, e.handle.Session(), nil
}

func (e *Engine) endRun() {
	e.mu.Lock()
	e.activeRun = ""
	e.activeKind = ""
	e.mu.Unlock()
}

func (e *Engine) currentRunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeRun
}

// StartSend begins a bulk send over the live session. Targets come inline or
// from the agent's work assignment, which is consumed at-most-once: persisted
// locally first, deleted remotely after.
func (e *Engine) StartSend(ctx context.Context, req SendRequest) (string, error) {
	client, sess, err := e.beginRun(ledger.RunSend)
	if err != nil {
		return "", err
	}

	targets := req.Targets
	if len(targets) == 0 {
		assignment, err := e.assigns.Consume(ctx, sess.AgentID, sess.CampaignID, func(a *domain.WorkAssignment) error {
			return e.store.SaveAssignmentTargets(ctx, a)
		})
		if err != nil {
			e.endRun()
			return "", fmt.Errorf("consume work assignment: %w", err)
		}
		targets = assignment.Targets
	}
	if len(targets) == 0 {
		e.endRun()
		return "", ErrNoTargets
	}

	runID := e.currentRunID()
	if err := e.store.StartRun(ctx, runID, sess.AgentID, sess.CampaignID, ledger.RunSend); err != nil {
		e.endRun()
		return "", err
	}

	go e.runSend(context.WithoutCancel(ctx), runID, client, targets, req.Template)
	return runID, nil
}

func (e *Engine) runSend(ctx context.Context, runID string, client *wa.Client, targets []domain.Target, template string) {
	defer e.endRun()

	total := len(targets)
	e.hub.Publish(ProgressEvent{Kind: "send", RunID: runID, Total: total, Status: "running"})

	rec := &publishingRecorder{store: e.store, hub: e.hub, runID: runID, total: total}
	pipeline := send.NewPipeline(client, rec, e.logger)
	_, summary, err := pipeline.Run(ctx, runID, targets, template, send.Options{
		InterMessageDelay: e.cfg.Send.InterMessageDelay,
		ReplyWait:         e.cfg.Send.ReplyWait,
	})

	e.finishRun(ctx, "send", runID, rec.count, total, summary, err)
}

// StartBackup begins a history backup over the live session.
func (e *Engine) StartBackup(ctx context.Context) (string, error) {
	client, sess, err := e.beginRun(ledger.RunBackup)
	if err != nil {
		return "", err
	}

	runID := e.currentRunID()
	if err := e.store.StartRun(ctx, runID, sess.AgentID, sess.CampaignID, ledger.RunBackup); err != nil {
		e.endRun()
		return "", err
	}

	go e.runBackup(context.WithoutCancel(ctx), runID, client, sess)
	return runID, nil
}

func (e *Engine) runBackup(ctx context.Context, runID string, client *wa.Client, sess *domain.AgentSession) {
	defer e.endRun()

	e.hub.Publish(ProgressEvent{Kind: "backup", RunID: runID, Status: "running"})

	pipeline := backup.NewPipeline(client, e.media, e.backups, sess.AgentID, sess.CampaignID, e.logger)
	var current, total int
	bundle, err := pipeline.Run(ctx, func(cur, tot int, label string) {
		current, total = cur, tot
		e.hub.Publish(ProgressEvent{
			Kind: "backup", RunID: runID, Current: cur, Total: tot, Label: label, Status: "running",
		})
	})

	summary := map[string]int{
		"total_conversations": bundle.TotalConversations,
		"extracted":           len(bundle.Conversations),
		"messages":            bundle.TotalMessages,
	}
	e.finishRun(ctx, "backup", runID, current, total, summary, err)
}

func (e *Engine) finishRun(ctx context.Context, kind, runID string, current, total int, summary any, runErr error) {
	cause := ""
	status := "done"
	if runErr != nil {
		cause = runErr.Error()
		status = "failed"
	}
	if err := e.store.FinishRun(ctx, runID, cause, summary); err != nil {
		e.logger.Error("failed to close run record", "run_id", runID, "error", err)
	}
	e.hub.Publish(ProgressEvent{
		Kind: kind, RunID: runID, Current: current, Total: total, Status: status, Error: cause,
	})
	e.logger.Info("run finished", "run_id", runID, "kind", kind, "status", status)
}

// RunRecord returns a run and, for send runs, its ledger.
func (e *Engine) RunRecord(ctx context.Context, runID string) (*ledger.Run, []domain.SendResult, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil || run == nil {
		return run, nil, err
	}
	if run.Kind != ledger.RunSend {
		return run, nil, nil
	}
	results, err := e.store.SendResults(ctx, runID)
	if err != nil {
		return run, nil, err
	}
	return run, results, nil
}

// RotateCredentials rotates every passphrase of the configured campaign and
// returns the audit mapping.
func (e *Engine) RotateCredentials(ctx context.Context) (map[string]remote.PassphraseChange, error) {
	return e.creds.Rotate(ctx, e.cfg.CampaignID)
}

// publishingRecorder forwards ledger rows to the store and mirrors each one
// as a progress event.
type publishingRecorder struct {
	store *ledger.Store
	hub   *Hub
	runID string
	total int
	count int
}

func (r *publishingRecorder) RecordSendResult(ctx context.Context, runID string, res domain.SendResult) error {
	err := r.store.RecordSendResult(ctx, runID, res)
	r.count++
	r.hub.Publish(ProgressEvent{
		Kind:    "send",
		RunID:   r.runID,
		Current: r.count,
		Total:   r.total,
		Label:   res.DisplayName(),
		Status:  "running",
	})
	return err
}
