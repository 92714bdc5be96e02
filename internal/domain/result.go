package domain

import "time"

// SendStatus is the outcome classification of one processed target.
type SendStatus string

const (
	// StatusSent means the message was confirmed in the outgoing history.
	StatusSent SendStatus = "sent"
	// StatusNoTargetAccount means the client reported the address as not
	// registered. Expected outcome, not a defect.
	StatusNoTargetAccount SendStatus = "no_target_account"
	// StatusError covers timeouts and every other per-target failure.
	StatusError SendStatus = "error"
)

// SendResult is one row of the append-only send ledger. Exactly one row is
// produced per target per run and never mutated afterwards.
type SendResult struct {
	Target
	Status          SendStatus `json:"status"`
	Error           string     `json:"error,omitempty"`
	SentAt          time.Time  `json:"sent_at"`
	CapturedReply   string     `json:"captured_reply,omitempty"`
	RenderedMessage string     `json:"rendered_message"`
}
