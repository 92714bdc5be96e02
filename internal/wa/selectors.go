// Package wa binds the automation surface to the messaging web client:
// selectors, page scripts and the driver methods the pipelines run on.
package wa

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Selectors holds every DOM anchor the engine relies on. The web client
// ships UI changes without notice; keeping the anchors in one overridable
// table lets operators patch a broken selector from a YAML file without a
// rebuild.
type Selectors struct {
	EntryURL string `yaml:"entry_url"`

	ChatList    string `yaml:"chat_list"`
	ChatListRow string `yaml:"chat_list_row"`
	ChatTitle   string `yaml:"chat_title"`

	Composer      string `yaml:"composer"`
	SendButton    string `yaml:"send_button"`
	InvalidNumber string `yaml:"invalid_number"`

	MessagePane   string `yaml:"message_pane"`
	MessageRow    string `yaml:"message_row"`
	MessageOut    string `yaml:"message_out"`
	MessageText   string `yaml:"message_text"`
	MessageTime   string `yaml:"message_time"`
	MediaImage    string `yaml:"media_image"`
	MediaVideo    string `yaml:"media_video"`
	MediaAudio    string `yaml:"media_audio"`
	MediaDocument string `yaml:"media_document"`

	UnreadFilter       string `yaml:"unread_filter"`
	UnreadRow          string `yaml:"unread_row"`
	ConversationHeader string `yaml:"conversation_header"`
}

// DefaultSelectors returns the anchors for the current client build.
func DefaultSelectors() Selectors {
	return Selectors{
		EntryURL: "https://web.whatsapp.com",

		ChatList:    `#pane-side`,
		ChatListRow: `#pane-side [role="listitem"]`,
		ChatTitle:   `[data-testid="conversation-info-header"] span[dir="auto"]`,

		Composer:      `[contenteditable="true"][data-tab="10"]`,
		SendButton:    `[data-testid="send"], span[data-icon="send"]`,
		InvalidNumber: `[data-animate-modal-body="true"]`,

		MessagePane:   `[data-testid="conversation-panel-messages"]`,
		MessageRow:    `[data-testid="conversation-panel-messages"] [data-id]`,
		MessageOut:    `message-out`,
		MessageText:   `.selectable-text`,
		MessageTime:   `[data-testid="msg-meta"] span, .copyable-text[data-pre-plain-text]`,
		MediaImage:    `img[src^="blob:"]`,
		MediaVideo:    `video`,
		MediaAudio:    `audio, [data-testid="audio-play"]`,
		MediaDocument: `[data-testid="document-thumb"]`,

		UnreadFilter:       `[data-testid="unread-filter"], button[aria-label="Unread"]`,
		UnreadRow:          `#pane-side [role="listitem"]`,
		ConversationHeader: `header [data-testid="conversation-info-header"]`,
	}
}

// LoadSelectors overlays a YAML override file onto the defaults. A missing
// path returns the defaults unchanged.
func LoadSelectors(path string) (Selectors, error) {
	sel := DefaultSelectors()
	if path == "" {
		return sel, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sel, nil
		}
		return sel, fmt.Errorf("read selector overrides: %w", err)
	}
	if err := yaml.Unmarshal(data, &sel); err != nil {
		return sel, fmt.Errorf("parse selector overrides: %w", err)
	}
	return sel, nil
}
