// Package backup implements the conversation-history enumerator: count the
// conversation list, walk it position by position, extract every rendered
// message, offload media, and hand the assembled bundle to the backup store.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ecanizales/campaigner/internal/domain"
	"github.com/ecanizales/campaigner/internal/surface"
	"github.com/ecanizales/campaigner/internal/wa"
)

const (
	// stableScrolls is the idempotent-termination guard: a count phase or
	// history load stops after this many consecutive no-change scrolls.
	stableScrolls = 3

	maxCountScrolls   = 300
	maxHistoryScrolls = 60

	// uploadTimeout bounds the detached phase C attempt after extraction
	// broke: the run's context is already dead at that point.
	uploadTimeout = 30 * time.Second
)

// ErrSessionLost aborts enumeration; whatever was extracted so far is still
// offered to the backup store.
var ErrSessionLost = errors.New("backup: session lost mid-run")

// Driver is what the enumerator needs from the web client binding.
// Implemented by wa.Client; faked in tests.
type Driver interface {
	ScrollChatList(ctx context.Context) error
	ChatCount(ctx context.Context) (int, error)
	ResetChatList(ctx context.Context) error
	ShowChat(ctx context.Context, index int) (domain.Conversation, error)
	OpenChat(ctx context.Context, index int) error
	WaitMessagePane(ctx context.Context, extra time.Duration) error
	ConversationTitle(ctx context.Context) (string, error)
	ScrollHistoryUp(ctx context.Context) error
	LoadedMessageCount(ctx context.Context) (int, error)
	ScrollHistoryToBottom(ctx context.Context) error
	ExtractMessages(ctx context.Context) ([]domain.ExtractedMessage, error)
	FetchMedia(ctx context.Context, messageID string) (wa.MediaBlob, error)
}

// MediaStore uploads one decoded payload and returns its durable URL.
// Implemented by remote.Media.
type MediaStore interface {
	Put(ctx context.Context, campaign, agent, filename, mimeType string, data []byte) (string, error)
}

// BundleStore uploads the assembled bundle as one object. Implemented by
// remote.Backups.
type BundleStore interface {
	Put(ctx context.Context, bundle *domain.BackupBundle) error
}

// Progress reports enumeration position to the caller's UI.
type Progress func(current, total int, label string)

// Pipeline enumerates one mailbox once per run.
type Pipeline struct {
	drv    Driver
	media  MediaStore
	store  BundleStore
	logger *slog.Logger

	agentID    string
	campaignID string

	// scrollPause gives the virtualized list time to render between scroll
	// steps. Shortened in tests.
	scrollPause time.Duration
	// retryWait widens the pane timeout on the single per-conversation
	// retry.
	retryWait time.Duration
}

// NewPipeline builds an enumerator bound to one agent session.
func NewPipeline(drv Driver, media MediaStore, store BundleStore, agentID, campaignID string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		drv:         drv,
		media:       media,
		store:       store,
		logger:      logger,
		agentID:     agentID,
		campaignID:  campaignID,
		scrollPause: 400 * time.Millisecond,
		retryWait:   8 * time.Second,
	}
}

// Run executes the three phases. The bundle is returned even on error so the
// caller can see what was captured; a nil error means the bundle was
// acknowledged by the backup store.
func (p *Pipeline) Run(ctx context.Context, onProgress Progress) (*domain.BackupBundle, error) {
	bundle := &domain.BackupBundle{
		AgentID:     p.agentID,
		CampaignID:  p.campaignID,
		ExtractedAt: time.Now(),
	}

	// Phase A: count.
	total, err := p.countConversations(ctx)
	if err != nil {
		return bundle, err
	}
	bundle.TotalConversations = total
	p.logger.Info("conversation count settled", "total", total)

	if err := p.drv.ResetChatList(ctx); err != nil {
		p.logger.Warn("chat list reset failed", "error", err)
	}

	// Phase B: extract. Position is single-pass identity: the list can
	// reorder between counting and extraction, so a conversation may be
	// skipped or visited twice. Accepted, not corrected.
	var fatal error
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			fatal = err
			break
		}
		conv, msgs, err := p.extractOne(ctx, i)
		if err != nil {
			if errors.Is(err, surface.ErrSessionLost) {
				fatal = fmt.Errorf("%w: %v", ErrSessionLost, err)
				break
			}
			p.logger.Warn("conversation skipped", "index", i, "error", err)
			continue
		}
		bundle.Append(conv, msgs)
		if onProgress != nil {
			onProgress(i+1, total, conv.DisplayName)
		}
	}

	// Phase C: upload whatever was extracted, even after a fatal break:
	// partial progress is worth keeping. A cancel or session loss that
	// broke extraction must not also kill the upload, so the attempt runs
	// on its own bounded context.
	putCtx := ctx
	if fatal != nil || ctx.Err() != nil {
		var cancel context.CancelFunc
		putCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), uploadTimeout)
		defer cancel()
	}
	if err := p.store.Put(putCtx, bundle); err != nil {
		if fatal != nil {
			return bundle, errors.Join(fatal, fmt.Errorf("upload bundle: %w", err))
		}
		return bundle, fmt.Errorf("upload bundle: %w", err)
	}
	p.logger.Info("backup uploaded",
		"conversations", len(bundle.Conversations),
		"messages", bundle.TotalMessages)
	return bundle, fatal
}

// countConversations scrolls the list to its end until the entry count stops
// growing for stableScrolls consecutive iterations. The observed count is
// monotonic non-decreasing and the loop is bounded even if the list never
// settles exactly.
func (p *Pipeline) countConversations(ctx context.Context) (int, error) {
	best := 0
	unchanged := 0
	for i := 0; i < maxCountScrolls && unchanged < stableScrolls; i++ {
		if err := p.drv.ScrollChatList(ctx); err != nil {
			if errors.Is(err, surface.ErrSessionLost) {
				return best, fmt.Errorf("%w: %v", ErrSessionLost, err)
			}
			return best, fmt.Errorf("count phase: %w", err)
		}
		select {
		case <-ctx.Done():
			return best, ctx.Err()
		case <-time.After(p.scrollPause):
		}
		count, err := p.drv.ChatCount(ctx)
		if err != nil {
			if errors.Is(err, surface.ErrSessionLost) {
				return best, fmt.Errorf("%w: %v", ErrSessionLost, err)
			}
			return best, fmt.Errorf("count phase: %w", err)
		}
		if count > best {
			best = count
			unchanged = 0
		} else {
			unchanged++
		}
	}
	return best, nil
}

// extractOne scrolls conversation i into view, opens it, force-loads its
// history and lifts the messages, offloading media along the way.
func (p *Pipeline) extractOne(ctx context.Context, index int) (domain.Conversation, []domain.ExtractedMessage, error) {
	conv, err := p.drv.ShowChat(ctx, index)
	if err != nil {
		return domain.Conversation{}, nil, fmt.Errorf("show: %w", err)
	}

	if err := p.openWithRetry(ctx, index); err != nil {
		return conv, nil, err
	}

	if err := p.loadFullHistory(ctx); err != nil {
		return conv, nil, err
	}

	// Virtualized list rows sometimes render before their title does; the
	// open conversation's header is the fallback identity.
	if conv.DisplayName == "" {
		if title, err := p.drv.ConversationTitle(ctx); err == nil && title != "" {
			conv.DisplayName = title
		}
	}

	msgs, err := p.drv.ExtractMessages(ctx)
	if err != nil {
		return conv, nil, fmt.Errorf("extract: %w", err)
	}

	for idx := range msgs {
		if err := p.offloadMedia(ctx, &msgs[idx]); err != nil {
			if errors.Is(err, surface.ErrSessionLost) {
				return conv, nil, err
			}
			p.logger.Warn("media offload failed",
				"conversation", conv.DisplayName, "message", msgs[idx].ID, "error", err)
			// The transient ref is useless outside the page; never let it
			// into the bundle.
			msgs[idx].MediaRef = ""
		}
	}
	return conv, msgs, nil
}

// openWithRetry opens the conversation and waits for its message pane, with
// one retry on a widened timeout before giving up on this conversation.
func (p *Pipeline) openWithRetry(ctx context.Context, index int) error {
	for attempt := 0; attempt < 2; attempt++ {
		if err := p.drv.OpenChat(ctx, index); err != nil {
			return fmt.Errorf("open: %w", err)
		}
		extra := time.Duration(0)
		if attempt == 1 {
			extra = p.retryWait
		}
		err := p.drv.WaitMessagePane(ctx, extra)
		if err == nil {
			return nil
		}
		if !errors.Is(err, surface.ErrUITimeout) || attempt == 1 {
			return fmt.Errorf("message pane: %w", err)
		}
	}
	return nil
}

// loadFullHistory scrolls the message pane upward until the loaded-message
// count stops growing (same 3-no-change rule), then returns to the bottom.
func (p *Pipeline) loadFullHistory(ctx context.Context) error {
	best := 0
	unchanged := 0
	for i := 0; i < maxHistoryScrolls && unchanged < stableScrolls; i++ {
		if err := p.drv.ScrollHistoryUp(ctx); err != nil {
			return fmt.Errorf("history scroll: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.scrollPause):
		}
		count, err := p.drv.LoadedMessageCount(ctx)
		if err != nil {
			return fmt.Errorf("history count: %w", err)
		}
		if count > best {
			best = count
			unchanged = 0
		} else {
			unchanged++
		}
	}
	if err := p.drv.ScrollHistoryToBottom(ctx); err != nil {
		p.logger.Debug("scroll back down failed", "error", err)
	}
	return nil
}

// offloadMedia converts a message's transient media into a durable media
// store URL. FetchMedia resolves by message identity, so the attempt runs
// even when extraction captured no transient ref (audio players and document
// thumbs often expose none); the transient ref is discarded either way.
func (p *Pipeline) offloadMedia(ctx context.Context, msg *domain.ExtractedMessage) error {
	if !msg.HasMedia {
		return nil
	}

	blob, err := p.drv.FetchMedia(ctx, msg.ID)
	if err != nil {
		return err
	}

	url, err := p.media.Put(ctx, p.campaignID, p.agentID, mediaFilename(msg.ID, blob.Mime), blob.Mime, blob.Data)
	if err != nil {
		return err
	}
	msg.MediaRef = url
	return nil
}

// mediaFilename derives a deterministic, de-duplicated object name from the
// message identity.
func mediaFilename(messageID, mimeType string) string {
	base := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, messageID)
	if base == "" || base == strings.Repeat("-", len(base)) {
		base = uuid.NewString()
	}
	return base + extensionFor(mimeType)
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "audio/ogg", "audio/ogg; codecs=opus":
		return ".ogg"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}
