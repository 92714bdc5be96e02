package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecanizales/campaigner/internal/domain"
	"github.com/ecanizales/campaigner/internal/ledger"
	"github.com/ecanizales/campaigner/internal/remote"
)

type fakeService struct {
	startErr   error
	sendRunID  string
	sendErr    error
	lastSend   SendRequest
	run        *ledger.Run
	results    []domain.SendResult
	rotated    map[string]remote.PassphraseChange
	loggedOut  bool
	startedFor string
}

func (f *fakeService) StartSession(_ context.Context, agentID string) error {
	f.startedFor = agentID
	return f.startErr
}

func (f *fakeService) Logout(context.Context) error {
	f.loggedOut = true
	return nil
}

func (f *fakeService) Status() Status {
	return Status{SessionState: "ready", AgentID: "erick", CampaignID: "demo"}
}

func (f *fakeService) StartSend(_ context.Context, req SendRequest) (string, error) {
	f.lastSend = req
	return f.sendRunID, f.sendErr
}

func (f *fakeService) StartBackup(context.Context) (string, error) {
	return "backup-run", nil
}

func (f *fakeService) RunRecord(context.Context, string) (*ledger.Run, []domain.SendResult, error) {
	return f.run, f.results, nil
}

func (f *fakeService) RotateCredentials(context.Context) (map[string]remote.PassphraseChange, error) {
	return f.rotated, nil
}

func newTestRouter(svc Service) *chi.Mux {
	hub := NewHub(slog.New(slog.NewTextHandler(&strings.Builder{}, nil)))
	r := chi.NewRouter()
	NewHandler(svc, hub).RegisterRoutes(r)
	return r
}

func TestStartSessionAccepted(t *testing.T) {
	svc := &fakeService{}
	r := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/session/start", strings.NewReader(`{"agent":"erick"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "erick", svc.startedFor)
}

func TestStartSessionValidation(t *testing.T) {
	r := newTestRouter(&fakeService{})

	req := httptest.NewRequest(http.MethodPost, "/api/session/start", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/session/start", strings.NewReader(`not json`))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartSessionConflict(t *testing.T) {
	r := newTestRouter(&fakeService{startErr: ErrSessionActive})

	req := httptest.NewRequest(http.MethodPost, "/api/session/start", strings.NewReader(`{"agent":"erick"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStartSendPassesRequestThrough(t *testing.T) {
	svc := &fakeService{sendRunID: "run-7"}
	r := newTestRouter(svc)

	body := `{"template":"Hola {{first_name}}","targets":[{"phone":"5215512345678","first_name":"Ana"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/runs/send", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "run-7", resp["run_id"])
	assert.Equal(t, "Hola {{first_name}}", svc.lastSend.Template)
	require.Len(t, svc.lastSend.Targets, 1)
	assert.Equal(t, "5215512345678", svc.lastSend.Targets[0].Phone)
}

func TestStartSendNoAssignment(t *testing.T) {
	r := newTestRouter(&fakeService{sendErr: remote.ErrNoAssignment})

	req := httptest.NewRequest(http.MethodPost, "/api/runs/send", strings.NewReader(`{"template":"hola"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartSendRunActive(t *testing.T) {
	r := newTestRouter(&fakeService{sendErr: ErrRunActive})

	req := httptest.NewRequest(http.MethodPost, "/api/runs/send", strings.NewReader(`{"template":"hola"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetRun(t *testing.T) {
	finished := time.Now()
	svc := &fakeService{
		run: &ledger.Run{
			RunID: "run-9", Kind: ledger.RunSend, Status: ledger.RunDone,
			StartedAt: finished.Add(-time.Minute), FinishedAt: &finished,
		},
		results: []domain.SendResult{
			{Target: domain.Target{Phone: "5215512345678"}, Status: domain.StatusSent},
		},
	}
	r := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/run-9", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Run     ledger.Run          `json:"run"`
		Results []domain.SendResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "run-9", resp.Run.RunID)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, domain.StatusSent, resp.Results[0].Status)
}

func TestGetRunNotFound(t *testing.T) {
	r := newTestRouter(&fakeService{})

	req := httptest.NewRequest(http.MethodGet, "/api/runs/missing", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRotateCredentials(t *testing.T) {
	svc := &fakeService{rotated: map[string]remote.PassphraseChange{
		"erick": {Old: "sol-brillante-2024", New: "luna-serena-2024"},
	}}
	r := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/credentials/rotate", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Rotated map[string]remote.PassphraseChange `json:"rotated"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "luna-serena-2024", resp.Rotated["erick"].New)
}

func TestLogout(t *testing.T) {
	svc := &fakeService{}
	r := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/session/logout", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, svc.loggedOut)
}

func TestStatus(t *testing.T) {
	r := newTestRouter(&fakeService{})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var st Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "ready", st.SessionState)
	assert.Equal(t, "demo", st.CampaignID)
}
