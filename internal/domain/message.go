package domain

import "time"

// Direction classifies a rendered message row.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// MediaKind identifies the media attachment type of a message.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// Conversation describes one entry of the client's conversation list at
// enumeration time. Index is list position within a single enumeration pass
// and must never be cached across passes: the list reorders as messages
// arrive.
type Conversation struct {
	Index              int    `json:"index"`
	DisplayName        string `json:"display_name"`
	CounterpartAddress string `json:"counterpart_address"`
}

// ExtractedMessage is one rendered message row lifted out of an open
// conversation. ID is the stable row identity the client exposes; it
// deduplicates rows and names offloaded media objects.
type ExtractedMessage struct {
	ID             string    `json:"id"`
	Direction      Direction `json:"direction"`
	Text           string    `json:"text"`
	TimestampLabel string    `json:"timestamp_label"`
	HasMedia       bool      `json:"has_media"`
	MediaKind      MediaKind `json:"media_kind,omitempty"`
	MediaRef       string    `json:"media_ref,omitempty"`
}

// ConversationHistory pairs a conversation descriptor with its extracted
// messages inside a bundle.
type ConversationHistory struct {
	Conversation
	Messages []ExtractedMessage `json:"messages"`
}

// BackupBundle is the complete extracted history of one enumeration run,
// assembled incrementally and uploaded as a single object.
type BackupBundle struct {
	AgentID            string                `json:"agent_id"`
	CampaignID         string                `json:"campaign_id"`
	TotalConversations int                   `json:"total_conversations"`
	TotalMessages      int                   `json:"total_messages"`
	Conversations      []ConversationHistory `json:"conversations"`
	ExtractedAt        time.Time             `json:"extracted_at"`
}

// Append adds one conversation's history to the bundle and keeps the totals
// consistent.
func (b *BackupBundle) Append(conv Conversation, msgs []ExtractedMessage) {
	b.Conversations = append(b.Conversations, ConversationHistory{Conversation: conv, Messages: msgs})
	b.TotalMessages += len(msgs)
}
