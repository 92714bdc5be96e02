// Package session owns the lifecycle of one authenticated client session:
// launch, credential gate, device link, manual-input lock, teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ecanizales/campaigner/internal/auth"
	"github.com/ecanizales/campaigner/internal/domain"
	"github.com/ecanizales/campaigner/internal/wa"
)

// State is the session lifecycle position.
type State int

const (
	Disconnected State = iota
	AwaitingCredential
	AwaitingDeviceLink
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case AwaitingCredential:
		return "awaiting_credential"
	case AwaitingDeviceLink:
		return "awaiting_device_link"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrNotReady reports that a pipeline asked for a session that has not
	// reached Ready or has already closed.
	ErrNotReady = errors.New("session: not ready")

	// ErrLinkTimeout reports that device pairing did not complete in time.
	// Fatal at startup, never retried automatically.
	ErrLinkTimeout = errors.New("session: device link timeout")

	// ErrProfileBusy reports a second acquire against a profile path that
	// already has a live handle.
	ErrProfileBusy = errors.New("session: profile already in use")
)

// Gateway is what the session manager needs from the web client binding.
// Implemented by wa.Client; faked in tests.
type Gateway interface {
	Open(ctx context.Context) error
	ShowLoginForm(ctx context.Context) error
	PollLogin(ctx context.Context) (*wa.LoginSubmission, error)
	LoginError(ctx context.Context, message string) error
	RemoveLoginForm(ctx context.Context) error
	WaitLinked(ctx context.Context, timeout time.Duration) error
	AssertLock(ctx context.Context, allowSelector string) error
	ReleaseLock(ctx context.Context) error
	Alive() bool
	Close() error
}

// Verifier validates submitted credentials. Implemented by auth.Verifier.
type Verifier interface {
	Verify(ctx context.Context, userID, campaignID, passphrase string) auth.Result
}

// Store persists the active AgentSession so a restart can reuse the linked
// profile without walking the credential gate again. Implemented by the
// ledger store.
type Store interface {
	SaveAgentSession(ctx context.Context, s *domain.AgentSession) error
	LoadAgentSession(ctx context.Context, profilePath string) (*domain.AgentSession, error)
}

// registry enforces the single-instance-per-profile invariant: one live
// handle per persisted browser profile, process-wide. Launching a second
// client against the same profile produces a login conflict upstream, so the
// acquire fails fast here instead.
var registry = struct {
	mu   sync.Mutex
	held map[string]*Handle
}{held: make(map[string]*Handle)}

func acquireProfile(path string, h *Handle) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, busy := registry.held[path]; busy {
		return fmt.Errorf("%w: %s", ErrProfileBusy, path)
	}
	registry.held[path] = h
	return nil
}

func releaseProfile(path string, h *Handle) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.held[path] == h {
		delete(registry.held, path)
	}
}

// Handle is the explicit session object pipelines hold: current state, the
// authenticated agent binding and teardown.
type Handle struct {
	mu      sync.Mutex
	state   State
	session *domain.AgentSession

	gw          Gateway
	profilePath string
	stopRecon   context.CancelFunc
	logger      *slog.Logger
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Ready && !h.gw.Alive() {
		return Closed
	}
	return h.state
}

// Session returns the authenticated agent binding, nil before verification.
func (h *Handle) Session() *domain.AgentSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Gateway exposes the client binding to the pipelines.
func (h *Handle) Gateway() Gateway {
	return h.gw
}

// EnsureReady gates pipeline starts.
func (h *Handle) EnsureReady() error {
	if h.State() != Ready {
		return ErrNotReady
	}
	return nil
}

// Close moves the session to Closed from any state, releasing the surface
// and the profile reservation. The persisted AgentSession survives; only an
// explicit logout wipes it.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.state == Closed {
		h.mu.Unlock()
		return
	}
	h.state = Closed
	stop := h.stopRecon
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
	if h.gw.Alive() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = h.gw.ReleaseLock(ctx)
		cancel()
	}
	if err := h.gw.Close(); err != nil {
		h.logger.Debug("surface close", "error", err)
	}
	releaseProfile(h.profilePath, h)
	h.logger.Info("session closed", "profile", h.profilePath)
}

// Manager walks a fresh surface through the connect → authenticate →
// link-device → ready sequence.
type Manager struct {
	verifier Verifier
	store    Store
	logger   *slog.Logger

	LinkTimeout  time.Duration
	LoginPoll    time.Duration
	LockInterval time.Duration
	LockAllow    string // selector left clickable under the lock, "" for none
}

// NewManager builds a session manager.
func NewManager(verifier Verifier, store Store, logger *slog.Logger) *Manager {
	return &Manager{
		verifier:     verifier,
		store:        store,
		logger:       logger,
		LinkTimeout:  3 * time.Minute,
		LoginPoll:    500 * time.Millisecond,
		LockInterval: 5 * time.Second,
	}
}

// Start drives gw to Ready and returns the live handle. The credential gate
// has no timeout: it waits on a human. Device linking has a minutes-scale
// timeout and its expiry is a fatal startup error.
func (m *Manager) Start(ctx context.Context, gw Gateway, profilePath string) (*Handle, error) {
	h := &Handle{state: Disconnected, gw: gw, profilePath: profilePath, logger: m.logger}
	if err := acquireProfile(profilePath, h); err != nil {
		return nil, err
	}

	if err := gw.Open(ctx); err != nil {
		h.Close()
		return nil, fmt.Errorf("open client: %w", err)
	}
	h.setState(AwaitingCredential)

	// A persisted session means the profile is already linked: skip the
	// credential gate and go straight to the link wait.
	sess, err := m.store.LoadAgentSession(ctx, profilePath)
	if err != nil {
		m.logger.Warn("session restore lookup failed", "error", err)
		sess = nil
	}
	if sess != nil {
		m.logger.Info("restoring persisted session", "agent", sess.AgentID, "campaign", sess.CampaignID)
	} else {
		sess, err = m.credentialGate(ctx, gw, profilePath)
		if err != nil {
			h.Close()
			return nil, err
		}
	}
	h.mu.Lock()
	h.session = sess
	h.state = AwaitingDeviceLink
	h.mu.Unlock()
	m.logger.Info("agent verified", "agent", sess.AgentID, "campaign", sess.CampaignID)

	if err := gw.WaitLinked(ctx, m.LinkTimeout); err != nil {
		h.Close()
		return nil, fmt.Errorf("%w: %v", ErrLinkTimeout, err)
	}

	if err := gw.AssertLock(ctx, m.LockAllow); err != nil {
		m.logger.Warn("lock overlay not asserted", "error", err)
	}
	h.setState(Ready)
	m.logger.Info("session ready", "agent", sess.AgentID, "campaign", sess.CampaignID)

	reconCtx, stop := context.WithCancel(context.Background())
	h.mu.Lock()
	h.stopRecon = stop
	h.mu.Unlock()
	go m.reconcileLock(reconCtx, h)

	return h, nil
}

// credentialGate blocks until a submitted form verifies. Invalid credentials
// loop back to the prompt; a store outage is surfaced on the form but blocks
// progress the same way.
func (m *Manager) credentialGate(ctx context.Context, gw Gateway, profilePath string) (*domain.AgentSession, error) {
	if err := gw.ShowLoginForm(ctx); err != nil {
		return nil, fmt.Errorf("show login form: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.LoginPoll):
		}

		sub, err := gw.PollLogin(ctx)
		if err != nil {
			if !gw.Alive() {
				return nil, fmt.Errorf("surface lost during credential gate: %w", err)
			}
			m.logger.Debug("login poll", "error", err)
			continue
		}
		if sub == nil {
			continue
		}

		res := m.verifier.Verify(ctx, sub.Agent, sub.Campaign, sub.Passphrase)
		if !res.OK {
			msg := "Credenciales inválidas"
			if res.Reason == auth.ReasonConnectionError {
				msg = "Sin conexión al servidor, intente de nuevo"
			}
			if err := gw.LoginError(ctx, msg); err != nil {
				m.logger.Debug("login error render", "error", err)
			}
			continue
		}

		now := time.Now()
		sess := &domain.AgentSession{
			AgentID:     sub.Agent,
			CampaignID:  sub.Campaign,
			ProfilePath: profilePath,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := m.store.SaveAgentSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("persist agent session: %w", err)
		}
		if err := gw.RemoveLoginForm(ctx); err != nil {
			m.logger.Debug("remove login form", "error", err)
		}
		return sess, nil
	}
}

// reconcileLock reapplies the manual-input lock on an interval. The overlay
// is a page element: navigations and client re-renders drop it, so the
// invariant is reasserted rather than assumed.
func (m *Manager) reconcileLock(ctx context.Context, h *Handle) {
	ticker := time.NewTicker(m.LockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !h.gw.Alive() {
			m.logger.Error("surface lost while ready, session is done")
			return
		}
		if err := h.gw.AssertLock(ctx, m.LockAllow); err != nil {
			m.logger.Debug("lock reassert", "error", err)
		}
	}
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}
