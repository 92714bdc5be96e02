package api

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecanizales/campaigner/internal/auth"
	"github.com/ecanizales/campaigner/internal/browser"
	"github.com/ecanizales/campaigner/internal/config"
	"github.com/ecanizales/campaigner/internal/domain"
	"github.com/ecanizales/campaigner/internal/ledger"
	"github.com/ecanizales/campaigner/internal/remote"
	"github.com/ecanizales/campaigner/internal/session"
	"github.com/ecanizales/campaigner/internal/surface"
)

// stubSurface walks the restore path: every navigate, eval and wait
// succeeds until the surface is killed.
type stubSurface struct {
	alive  atomic.Bool
	closed atomic.Bool
}

func newStubSurface() *stubSurface {
	s := &stubSurface{}
	s.alive.Store(true)
	return s
}

func (s *stubSurface) Navigate(context.Context, string) error { return nil }
func (s *stubSurface) Eval(context.Context, string, any) error {
	if !s.alive.Load() {
		return surface.ErrSessionLost
	}
	return nil
}
func (s *stubSurface) WaitFor(context.Context, string, time.Duration) error { return nil }
func (s *stubSurface) PressKey(context.Context, string) error               { return nil }
func (s *stubSurface) Alive() bool                                          { return s.alive.Load() }
func (s *stubSurface) Close() error {
	s.alive.Store(false)
	s.closed.Store(true)
	return nil
}

func (s *stubSurface) kill() { s.alive.Store(false) }

type rejectAllVerifier struct{ t *testing.T }

func (v rejectAllVerifier) Verify(context.Context, string, string, string) auth.Result {
	v.t.Error("verifier must not be called when restoring a persisted session")
	return auth.Result{}
}

func waitForSessionState(t *testing.T, e *Engine, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := e.Status()
		if st.SessionState == want {
			return
		}
		if st.LastError != "" {
			t.Fatalf("session start failed: %s", st.LastError)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached %q, last state %q", want, e.Status().SessionState)
}

func TestStartSessionRecoversAfterSurfaceLoss(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	dir := t.TempDir()

	store, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		CampaignID: "demo",
		Browser:    config.BrowserConfig{ProfileDir: dir},
	}
	profile := filepath.Join(dir, "erick")
	now := time.Now()
	require.NoError(t, store.SaveAgentSession(context.Background(), &domain.AgentSession{
		AgentID:     "erick",
		CampaignID:  "demo",
		ProfilePath: profile,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	sessions := session.NewManager(rejectAllVerifier{t: t}, store, logger)
	sessions.LockInterval = time.Minute

	dead := remote.NewClient("http://127.0.0.1:1", logger)
	e := NewEngine(cfg, sessions, browser.Attach{DebugURL: "ws://stub"}, store,
		remote.NewAssignments(dead), remote.NewCredentials(dead),
		remote.NewBackups(dead), remote.NewMedia(dead), NewHub(logger), logger)

	var mu sync.Mutex
	var surfaces []*stubSurface
	e.connect = func(context.Context, string) (surface.Surface, error) {
		mu.Lock()
		defer mu.Unlock()
		s := newStubSurface()
		surfaces = append(surfaces, s)
		return s, nil
	}
	nthSurface := func(i int) *stubSurface {
		mu.Lock()
		defer mu.Unlock()
		return surfaces[i]
	}

	require.NoError(t, e.StartSession(context.Background(), "erick"))
	waitForSessionState(t, e, "ready")

	// The browser dies out from under the ready session.
	nthSurface(0).kill()
	require.Equal(t, "closed", e.Status().SessionState)

	// A replacement start reclaims the profile instead of reporting it
	// busy, and releases the dead surface.
	require.NoError(t, e.StartSession(context.Background(), "erick"))
	waitForSessionState(t, e, "ready")

	assert.True(t, nthSurface(0).closed.Load(), "dead surface must be released")
	mu.Lock()
	count := len(surfaces)
	mu.Unlock()
	require.Equal(t, 2, count)
}
