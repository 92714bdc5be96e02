package wa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ecanizales/campaigner/internal/domain"
	"github.com/ecanizales/campaigner/internal/surface"
)

const (
	defaultOpenTimeout    = 30 * time.Second
	defaultValidityWindow = 8 * time.Second
	validityPoll          = 250 * time.Millisecond
	defaultPaneTimeout    = 15 * time.Second
	defaultConfirmTimeout = 20 * time.Second
	showChatAttempts      = 25
)

// ErrNotRendered reports that an expected element is not in the observable
// tree, typically because a virtualized list has not scrolled it in yet.
var ErrNotRendered = errors.New("wa: element not rendered")

// Client drives the messaging web client through the automation surface. It
// implements the driver contracts of the send, backup and monitor pipelines
// and the session manager's gateway.
type Client struct {
	s   surface.Surface
	sel Selectors

	openTimeout    time.Duration
	validityWindow time.Duration
	paneTimeout    time.Duration
	confirmTimeout time.Duration
}

// NewClient binds a surface to a selector table.
func NewClient(s surface.Surface, sel Selectors) *Client {
	return &Client{
		s:              s,
		sel:            sel,
		openTimeout:    defaultOpenTimeout,
		validityWindow: defaultValidityWindow,
		paneTimeout:    defaultPaneTimeout,
		confirmTimeout: defaultConfirmTimeout,
	}
}

// jsStr renders s as a JavaScript string literal.
func jsStr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Alive reports whether the underlying surface is usable.
func (c *Client) Alive() bool {
	return c.s.Alive()
}

// Close releases the underlying surface.
func (c *Client) Close() error {
	return c.s.Close()
}

// Open navigates to the client's entry URL.
func (c *Client) Open(ctx context.Context) error {
	return c.s.Navigate(ctx, c.sel.EntryURL)
}

// WaitLinked blocks until the linked device has rendered its conversation
// list. The timeout is minutes-scale: it covers a human pairing the device.
func (c *Client) WaitLinked(ctx context.Context, timeout time.Duration) error {
	predicate := fmt.Sprintf(`document.querySelector(%s)`, jsStr(c.sel.ChatList))
	return c.s.WaitFor(ctx, predicate, timeout)
}

// --- bulk send driver ---

// OpenConversation navigates to the conversation addressed by a normalized
// phone number and waits until either the composer or the invalid-number
// dialog is rendered.
func (c *Client) OpenConversation(ctx context.Context, phone string) error {
	if err := c.s.Navigate(ctx, c.sel.EntryURL+"/send?phone="+phone); err != nil {
		return fmt.Errorf("open conversation %s: %w", phone, err)
	}
	predicate := fmt.Sprintf(`document.querySelector(%s) || document.querySelector(%s)`,
		jsStr(c.sel.Composer), jsStr(c.sel.InvalidNumber))
	if err := c.s.WaitFor(ctx, predicate, c.openTimeout); err != nil {
		return fmt.Errorf("conversation for %s did not load: %w", phone, err)
	}
	return nil
}

// TargetUnreachable observes, within a bounded window, whether the client
// flagged the address as not registered. A mounted composer means the
// address resolved, so the check returns without waiting out the window.
func (c *Client) TargetUnreachable(ctx context.Context) (bool, error) {
	script := fmt.Sprintf(`(() => {
		if (document.querySelector(%s)) return 'invalid';
		if (document.querySelector(%s)) return 'composer';
		return '';
	})()`, jsStr(c.sel.InvalidNumber), jsStr(c.sel.Composer))

	deadline := time.Now().Add(c.validityWindow)
	for {
		var state string
		if err := c.s.Eval(ctx, script, &state); err != nil {
			return false, err
		}
		switch state {
		case "invalid":
			return true, nil
		case "composer":
			return false, nil
		}
		if time.Now().After(deadline) {
			// Neither resolved within the window: reachable.
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(validityPoll):
		}
	}
}

// SetMessage replaces the composer content with text in one programmatic
// insert. Line breaks survive because insertText feeds the editor the raw
// string.
func (c *Client) SetMessage(ctx context.Context, text string) error {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		el.focus();
		const range = document.createRange();
		range.selectNodeContents(el);
		const sel = window.getSelection();
		sel.removeAllRanges();
		sel.addRange(range);
		document.execCommand('delete');
		document.execCommand('insertText', false, %s);
		el.dispatchEvent(new InputEvent('input', {bubbles: true}));
		return true;
	})()`, jsStr(c.sel.Composer), jsStr(text))

	var ok bool
	if err := c.s.Eval(ctx, script, &ok); err != nil {
		return fmt.Errorf("insert composed message: %w", err)
	}
	if !ok {
		return fmt.Errorf("insert composed message: composer not mounted")
	}
	return nil
}

// ReadMessage reads the composer content back for verification.
func (c *Client) ReadMessage(ctx context.Context) (string, error) {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		return el ? el.innerText.replace(/ /g, ' ') : '';
	})()`, jsStr(c.sel.Composer))

	var text string
	if err := c.s.Eval(ctx, script, &text); err != nil {
		return "", fmt.Errorf("read composer: %w", err)
	}
	return text, nil
}

// TriggerSend clicks the send control, falling back to an Enter keystroke
// when the control is not clickable.
func (c *Client) TriggerSend(ctx context.Context) error {
	script := fmt.Sprintf(`(() => {
		const btn = document.querySelector(%s);
		if (!btn) return false;
		btn.closest('button') ? btn.closest('button').click() : btn.click();
		return true;
	})()`, jsStr(c.sel.SendButton))

	var clicked bool
	if err := c.s.Eval(ctx, script, &clicked); err != nil {
		return fmt.Errorf("click send: %w", err)
	}
	if clicked {
		return nil
	}
	if err := c.s.PressKey(ctx, "Enter"); err != nil {
		return fmt.Errorf("send keystroke fallback: %w", err)
	}
	return nil
}

// ConfirmSent waits until text shows up in the conversation's outgoing
// history.
func (c *Client) ConfirmSent(ctx context.Context, text string) error {
	firstLine := text
	for i, r := range text {
		if r == '\n' {
			firstLine = text[:i]
			break
		}
	}
	predicate := fmt.Sprintf(`(() => {
		const rows = document.querySelectorAll(%s);
		for (let i = rows.length - 1; i >= 0; i--) {
			const row = rows[i];
			if (!row.className.includes(%s) && !row.querySelector('.' + %s)) continue;
			return (row.innerText || '').includes(%s);
		}
		return false;
	})()`, jsStr(c.sel.MessageRow), jsStr(c.sel.MessageOut), jsStr(c.sel.MessageOut), jsStr(firstLine))

	if err := c.s.WaitFor(ctx, predicate, c.confirmTimeout); err != nil {
		return fmt.Errorf("message not confirmed in outgoing history: %w", err)
	}
	return nil
}

// LatestIncoming scans the rendered conversation newest to oldest and
// returns the first non-empty incoming text, or "" when there is none.
func (c *Client) LatestIncoming(ctx context.Context) (string, error) {
	script := fmt.Sprintf(`(() => {
		const rows = document.querySelectorAll(%s);
		for (let i = rows.length - 1; i >= 0; i--) {
			const row = rows[i];
			if (row.className.includes(%s) || row.querySelector('.' + %s)) continue;
			const body = row.querySelector(%s);
			const text = body ? body.innerText.trim() : '';
			if (text) return text;
		}
		return '';
	})()`, jsStr(c.sel.MessageRow), jsStr(c.sel.MessageOut), jsStr(c.sel.MessageOut), jsStr(c.sel.MessageText))

	var text string
	if err := c.s.Eval(ctx, script, &text); err != nil {
		return "", fmt.Errorf("scan for reply: %w", err)
	}
	return text, nil
}

// --- history enumerator driver ---

// ChatCount returns the number of conversation rows currently rendered.
func (c *Client) ChatCount(ctx context.Context) (int, error) {
	script := fmt.Sprintf(`document.querySelectorAll(%s).length`, jsStr(c.sel.ChatListRow))
	var n int
	if err := c.s.Eval(ctx, script, &n); err != nil {
		return 0, fmt.Errorf("count chat rows: %w", err)
	}
	return n, nil
}

// ScrollChatList performs one scroll-to-end step of the conversation list.
func (c *Client) ScrollChatList(ctx context.Context) error {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		el.scrollTop = el.scrollHeight;
		return true;
	})()`, jsStr(c.sel.ChatList))

	var ok bool
	if err := c.s.Eval(ctx, script, &ok); err != nil {
		return fmt.Errorf("scroll chat list: %w", err)
	}
	if !ok {
		return fmt.Errorf("scroll chat list: %w", ErrNotRendered)
	}
	return nil
}

// ResetChatList scrolls the conversation list back to the top.
func (c *Client) ResetChatList(ctx context.Context) error {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (el) el.scrollTop = 0;
		return !!el;
	})()`, jsStr(c.sel.ChatList))
	var ok bool
	if err := c.s.Eval(ctx, script, &ok); err != nil || !ok {
		return fmt.Errorf("reset chat list: %w", errOr(err, ErrNotRendered))
	}
	return nil
}

type chatDescriptor struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// ShowChat scrolls until the conversation at position index is rendered and
// re-reads its descriptor after scrolling. Position is a single-pass
// identity: the list may already have reordered since counting.
func (c *Client) ShowChat(ctx context.Context, index int) (domain.Conversation, error) {
	script := fmt.Sprintf(`(() => {
		const rows = document.querySelectorAll(%s);
		if (rows.length <= %d) return null;
		const row = rows[%d];
		row.scrollIntoView({block: 'center'});
		const title = row.querySelector('span[title]');
		return {
			name: title ? title.getAttribute('title') : (row.innerText || '').split('\n')[0],
			address: row.getAttribute('data-id') || ''
		};
	})()`, jsStr(c.sel.ChatListRow), index, index)

	for attempt := 0; attempt < showChatAttempts; attempt++ {
		var desc *chatDescriptor
		if err := c.s.Eval(ctx, script, &desc); err != nil {
			return domain.Conversation{}, fmt.Errorf("read chat %d: %w", index, err)
		}
		if desc != nil {
			return domain.Conversation{Index: index, DisplayName: desc.Name, CounterpartAddress: desc.Address}, nil
		}
		// Not scrolled in yet: advance the virtualized list one viewport.
		advance := fmt.Sprintf(`(() => {
			const el = document.querySelector(%s);
			if (el) el.scrollTop += el.clientHeight;
		})()`, jsStr(c.sel.ChatList))
		if err := c.s.Eval(ctx, advance, nil); err != nil {
			return domain.Conversation{}, fmt.Errorf("advance chat list: %w", err)
		}
		select {
		case <-ctx.Done():
			return domain.Conversation{}, ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
	}
	return domain.Conversation{}, fmt.Errorf("chat %d: %w", index, ErrNotRendered)
}

// OpenChat clicks the conversation at position index.
func (c *Client) OpenChat(ctx context.Context, index int) error {
	script := fmt.Sprintf(`(() => {
		const rows = document.querySelectorAll(%s);
		if (rows.length <= %d) return false;
		rows[%d].dispatchEvent(new MouseEvent('mousedown', {bubbles: true}));
		rows[%d].click();
		return true;
	})()`, jsStr(c.sel.ChatListRow), index, index, index)

	var ok bool
	if err := c.s.Eval(ctx, script, &ok); err != nil {
		return fmt.Errorf("open chat %d: %w", index, err)
	}
	if !ok {
		return fmt.Errorf("open chat %d: %w", index, ErrNotRendered)
	}
	return nil
}

// WaitMessagePane blocks until the opened conversation's message container
// mounts. extra widens the bounded timeout on the retry attempt.
func (c *Client) WaitMessagePane(ctx context.Context, extra time.Duration) error {
	predicate := fmt.Sprintf(`document.querySelector(%s)`, jsStr(c.sel.MessagePane))
	return c.s.WaitFor(ctx, predicate, c.paneTimeout+extra)
}

// ConversationTitle reads the open conversation's header title, "" when the
// header is not rendered. Used when the list row carried no usable name.
func (c *Client) ConversationTitle(ctx context.Context) (string, error) {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s) || document.querySelector(%s);
		return el ? (el.innerText || '').split('\n')[0] : '';
	})()`, jsStr(c.sel.ChatTitle), jsStr(c.sel.ConversationHeader))

	var title string
	if err := c.s.Eval(ctx, script, &title); err != nil {
		return "", fmt.Errorf("read conversation title: %w", err)
	}
	return title, nil
}

// LoadedMessageCount returns how many message rows are currently loaded.
func (c *Client) LoadedMessageCount(ctx context.Context) (int, error) {
	script := fmt.Sprintf(`document.querySelectorAll(%s).length`, jsStr(c.sel.MessageRow))
	var n int
	if err := c.s.Eval(ctx, script, &n); err != nil {
		return 0, fmt.Errorf("count loaded messages: %w", err)
	}
	return n, nil
}

// ScrollHistoryUp forces one older-message load by jumping the message pane
// to its top.
func (c *Client) ScrollHistoryUp(ctx context.Context) error {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (el) el.scrollTop = 0;
		return !!el;
	})()`, jsStr(c.sel.MessagePane))
	var ok bool
	if err := c.s.Eval(ctx, script, &ok); err != nil || !ok {
		return fmt.Errorf("scroll history up: %w", errOr(err, ErrNotRendered))
	}
	return nil
}

// ScrollHistoryToBottom returns the pane to its newest messages.
func (c *Client) ScrollHistoryToBottom(ctx context.Context) error {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (el) el.scrollTop = el.scrollHeight;
		return !!el;
	})()`, jsStr(c.sel.MessagePane))
	var ok bool
	if err := c.s.Eval(ctx, script, &ok); err != nil || !ok {
		return fmt.Errorf("scroll history down: %w", errOr(err, ErrNotRendered))
	}
	return nil
}

type extractedRow struct {
	ID        string `json:"id"`
	Outgoing  bool   `json:"outgoing"`
	Text      string `json:"text"`
	Time      string `json:"time"`
	MediaKind string `json:"media_kind"`
	MediaRef  string `json:"media_ref"`
}

// ExtractMessages lifts every rendered message row of the open conversation
// into ExtractedMessage records. Media references are the client's transient
// blob URLs; the backup pipeline replaces them with durable ones.
func (c *Client) ExtractMessages(ctx context.Context) ([]domain.ExtractedMessage, error) {
	script := fmt.Sprintf(`(() => {
		const out = [];
		const seen = new Set();
		for (const row of document.querySelectorAll(%s)) {
			const id = row.getAttribute('data-id') || '';
			if (!id || seen.has(id)) continue;
			seen.add(id);
			const body = row.querySelector(%s);
			const meta = row.querySelector(%s);
			let kind = '', ref = '';
			const img = row.querySelector(%s);
			const vid = row.querySelector(%s);
			const aud = row.querySelector(%s);
			const doc = row.querySelector(%s);
			if (img) { kind = 'image'; ref = img.src; }
			else if (vid) { kind = 'video'; ref = vid.src || ''; }
			else if (aud) { kind = 'audio'; ref = aud.src || ''; }
			else if (doc) { kind = 'document'; ref = doc.src || ''; }
			out.push({
				id: id,
				outgoing: row.className.includes(%s) || !!row.querySelector('.' + %s),
				text: body ? body.innerText : '',
				time: meta ? meta.textContent : '',
				media_kind: kind,
				media_ref: ref
			});
		}
		return out;
	})()`,
		jsStr(c.sel.MessageRow), jsStr(c.sel.MessageText), jsStr(c.sel.MessageTime),
		jsStr(c.sel.MediaImage), jsStr(c.sel.MediaVideo), jsStr(c.sel.MediaAudio),
		jsStr(c.sel.MediaDocument), jsStr(c.sel.MessageOut), jsStr(c.sel.MessageOut))

	var rows []extractedRow
	if err := c.s.Eval(ctx, script, &rows); err != nil {
		return nil, fmt.Errorf("extract messages: %w", err)
	}

	msgs := make([]domain.ExtractedMessage, 0, len(rows))
	for _, row := range rows {
		msg := domain.ExtractedMessage{
			ID:             row.ID,
			Direction:      domain.DirectionIncoming,
			Text:           row.Text,
			TimestampLabel: row.Time,
			HasMedia:       row.MediaKind != "",
			MediaKind:      domain.MediaKind(row.MediaKind),
			MediaRef:       row.MediaRef,
		}
		if row.Outgoing {
			msg.Direction = domain.DirectionOutgoing
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// MediaBlob is one decoded media payload with its MIME type.
type MediaBlob struct {
	Data []byte
	Mime string
}

// FetchMedia resolves a message's transient in-client media reference into
// the decoded payload. The blob URL dies with the page; the caller uploads
// the bytes and keeps only the durable URL.
func (c *Client) FetchMedia(ctx context.Context, messageID string) (MediaBlob, error) {
	script := fmt.Sprintf(`(async () => {
		const row = Array.from(document.querySelectorAll('[data-id]'))
			.find(el => el.getAttribute('data-id') === %s);
		if (!row) return null;
		const el = [%s, %s, %s, %s]
			.map(sel => row.querySelector(sel))
			.find(e => e && e.src);
		if (!el) return null;
		const resp = await fetch(el.src);
		const blob = await resp.blob();
		const buf = await blob.arrayBuffer();
		const bytes = new Uint8Array(buf);
		let bin = '';
		for (let i = 0; i < bytes.length; i++) bin += String.fromCharCode(bytes[i]);
		return {b64: btoa(bin), mime: blob.type};
	})()`, jsStr(messageID), jsStr(c.sel.MediaImage), jsStr(c.sel.MediaVideo),
		jsStr(c.sel.MediaAudio), jsStr(c.sel.MediaDocument))

	var payload *struct {
		B64  string `json:"b64"`
		Mime string `json:"mime"`
	}
	if err := c.s.Eval(ctx, script, &payload); err != nil {
		return MediaBlob{}, fmt.Errorf("fetch media %s: %w", messageID, err)
	}
	if payload == nil {
		return MediaBlob{}, fmt.Errorf("media %s: %w", messageID, ErrNotRendered)
	}
	data, err := base64.StdEncoding.DecodeString(payload.B64)
	if err != nil {
		return MediaBlob{}, fmt.Errorf("decode media %s: %w", messageID, err)
	}
	return MediaBlob{Data: data, Mime: payload.Mime}, nil
}

// --- unread monitor driver ---

// OpenUnreadView switches the conversation list to the unread filter.
func (c *Client) OpenUnreadView(ctx context.Context) error {
	script := fmt.Sprintf(`(() => {
		const btn = document.querySelector(%s);
		if (!btn) return false;
		btn.click();
		return true;
	})()`, jsStr(c.sel.UnreadFilter))
	var ok bool
	if err := c.s.Eval(ctx, script, &ok); err != nil {
		return fmt.Errorf("open unread view: %w", err)
	}
	if !ok {
		return fmt.Errorf("unread filter: %w", ErrNotRendered)
	}
	return nil
}

// FirstUnread reads the first entry of the unread view. Both values are
// empty when the view has no entries.
func (c *Client) FirstUnread(ctx context.Context) (label, address string, err error) {
	script := fmt.Sprintf(`(() => {
		const row = document.querySelector(%s);
		if (!row) return {label: '', address: ''};
		const title = row.querySelector('span[title]');
		return {
			label: title ? title.getAttribute('title') : (row.innerText || '').split('\n')[0],
			address: row.getAttribute('data-id') || ''
		};
	})()`, jsStr(c.sel.UnreadRow))

	var entry struct {
		Label   string `json:"label"`
		Address string `json:"address"`
	}
	if err := c.s.Eval(ctx, script, &entry); err != nil {
		return "", "", fmt.Errorf("read first unread: %w", err)
	}
	return entry.Label, entry.Address, nil
}

func errOr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
