package remote

import (
	"context"
	"net/http"
	"time"
)

// Interaction is one CRM contact-history record.
type Interaction struct {
	CampaignID  string    `json:"campaign_id"`
	CreditID    string    `json:"credit_id"`
	Phone       string    `json:"phone"`
	Subdictamen string    `json:"subdictamen"`
	Direction   string    `json:"direction"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Interactions talks to the interaction log service.
type Interactions struct {
	c *Client
}

// NewInteractions wraps the shared transport.
func NewInteractions(c *Client) *Interactions {
	return &Interactions{c: c}
}

// Log posts a batch of interaction records.
func (s *Interactions) Log(ctx context.Context, batch []Interaction) error {
	return s.c.do(ctx, http.MethodPost, "/interactions", batch, nil)
}
