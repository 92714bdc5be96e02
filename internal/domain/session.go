package domain

import "time"

// AgentSession binds an authenticated agent/campaign to a reusable browser
// profile. Created on first successful credential verification, it survives
// process restarts through the persisted profile and is destroyed only by an
// explicit logout.
type AgentSession struct {
	AgentID     string    `json:"agent_id"`
	CampaignID  string    `json:"campaign_id"`
	ProfilePath string    `json:"profile_path"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Credential is one row of the campaign-scoped credential table owned by the
// remote Credential Store. UserID is stored lowercased; passphrase comparison
// is exact.
type Credential struct {
	CampaignID string `json:"campaign_id"`
	UserID     string `json:"user_id"`
	Passphrase string `json:"passphrase"`
}

// WorkAssignment is the remotely stored contact list one agent must work
// today. It is consumed at-most-once: read durably, then deleted.
type WorkAssignment struct {
	AgentID    string   `json:"agent_id"`
	CampaignID string   `json:"campaign_id"`
	Targets    []Target `json:"targets"`
}
