package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ecanizales/campaigner/internal/domain"
)

// ErrNoAssignment reports that the agent has no work assignment today.
var ErrNoAssignment = errors.New("remote: no work assignment")

// Assignments talks to the work assignment store. Assignments are consumed
// at-most-once: the row is deleted once its content has been durably read. A
// crash between read and delete reprocesses; a crash after delete loses the
// remainder. That tradeoff is deliberate.
type Assignments struct {
	c *Client
}

// NewAssignments wraps the shared transport.
func NewAssignments(c *Client) *Assignments {
	return &Assignments{c: c}
}

func assignmentPath(agent, campaign string) string {
	return fmt.Sprintf("/campaigns/%s/assignments/%s", url.PathEscape(campaign), url.PathEscape(agent))
}

// Fetch reads the agent's assignment without consuming it.
func (s *Assignments) Fetch(ctx context.Context, agent, campaign string) (*domain.WorkAssignment, error) {
	var wa domain.WorkAssignment
	err := s.c.do(ctx, http.MethodGet, assignmentPath(agent, campaign), nil, &wa)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoAssignment
	}
	if err != nil {
		return nil, err
	}
	wa.AgentID = agent
	wa.CampaignID = campaign
	return &wa, nil
}

// Delete removes the remote assignment.
func (s *Assignments) Delete(ctx context.Context, agent, campaign string) error {
	return s.c.do(ctx, http.MethodDelete, assignmentPath(agent, campaign), nil, nil)
}

// Consume fetches the assignment, runs persist to make the content durable,
// and only then deletes the remote row. persist failing leaves the
// assignment in place for a later attempt; delete failing after a durable
// read is reported to the caller, who now owns a possibly-reprocessable
// assignment.
func (s *Assignments) Consume(ctx context.Context, agent, campaign string, persist func(*domain.WorkAssignment) error) (*domain.WorkAssignment, error) {
	wa, err := s.Fetch(ctx, agent, campaign)
	if err != nil {
		return nil, err
	}
	if err := persist(wa); err != nil {
		return nil, fmt.Errorf("persist assignment before delete: %w", err)
	}
	if err := s.Delete(ctx, agent, campaign); err != nil {
		s.c.logger.Warn("assignment read but not deleted, next run may reprocess",
			"agent", agent, "campaign", campaign, "error", err)
		return wa, fmt.Errorf("delete consumed assignment: %w", err)
	}
	return wa, nil
}
