package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecanizales/campaigner/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "campaigner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StartRun(ctx, "run-1", "erick", "demo", RunSend))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, RunRunning, run.Status)
	assert.Equal(t, RunSend, run.Kind)
	assert.Nil(t, run.FinishedAt)

	summary := map[string]int{"total": 3, "sent": 2, "errored": 1}
	require.NoError(t, s.FinishRun(ctx, "run-1", "", summary))

	run, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunDone, run.Status)
	assert.Empty(t, run.Error)
	require.NotNil(t, run.FinishedAt)
	got, ok := run.Summary.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, got["sent"])
}

func TestFinishRunFailureAndUnknown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StartRun(ctx, "run-2", "erick", "demo", RunBackup))
	require.NoError(t, s.FinishRun(ctx, "run-2", "session lost", nil))

	run, err := s.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
	assert.Equal(t, "session lost", run.Error)

	assert.Error(t, s.FinishRun(ctx, "no-such-run", "", nil))

	missing, err := s.GetRun(ctx, "no-such-run")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSendResultsAppendOnlyAndOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.StartRun(ctx, "run-3", "erick", "demo", RunSend))

	rows := []domain.SendResult{
		{
			Target:          domain.Target{Phone: "5215511111111", FirstName: "Ana"},
			Status:          domain.StatusSent,
			RenderedMessage: "Hola Ana",
			CapturedReply:   "gracias",
			SentAt:          time.Now(),
		},
		{
			Target: domain.Target{Phone: "5215522222222"},
			Status: domain.StatusNoTargetAccount,
			SentAt: time.Now(),
		},
		{
			Target: domain.Target{Phone: "5215533333333"},
			Status: domain.StatusError,
			Error:  "conversation did not load",
			SentAt: time.Now(),
		},
	}
	for _, r := range rows {
		require.NoError(t, s.RecordSendResult(ctx, "run-3", r))
	}

	got, err := s.SendResults(ctx, "run-3")
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, domain.StatusSent, got[0].Status)
	assert.Equal(t, "Ana", got[0].FirstName, "target round-trips through the row")
	assert.Equal(t, "gracias", got[0].CapturedReply)
	assert.Equal(t, domain.StatusNoTargetAccount, got[1].Status)
	assert.Equal(t, domain.StatusError, got[2].Status)
	assert.Equal(t, "conversation did not load", got[2].Error)
}

func TestAssignmentTargetsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &domain.WorkAssignment{
		AgentID:    "erick",
		CampaignID: "demo",
		Targets: []domain.Target{
			{Phone: "5215511111111", FirstName: "Ana", Balance: "1500.00"},
			{Phone: "5215522222222", FirstName: "Luis"},
		},
	}
	require.NoError(t, s.SaveAssignmentTargets(ctx, a))
	// Re-consuming the same assignment must not duplicate contacts.
	require.NoError(t, s.SaveAssignmentTargets(ctx, a))

	targets, err := s.AssignmentTargets(ctx, "demo", "erick")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "1500.00", targets[0].Balance)
}

func TestAgentSessionPersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	none, err := s.LoadAgentSession(ctx, "/data/profiles/erick")
	require.NoError(t, err)
	assert.Nil(t, none)

	sess := &domain.AgentSession{
		AgentID:     "erick",
		CampaignID:  "demo",
		ProfilePath: "/data/profiles/erick",
	}
	require.NoError(t, s.SaveAgentSession(ctx, sess))

	got, err := s.LoadAgentSession(ctx, "/data/profiles/erick")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "erick", got.AgentID)
	assert.Equal(t, "demo", got.CampaignID)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, s.DeleteAgentSession(ctx, "/data/profiles/erick"))
	gone, err := s.LoadAgentSession(ctx, "/data/profiles/erick")
	require.NoError(t, err)
	assert.Nil(t, gone)
}
