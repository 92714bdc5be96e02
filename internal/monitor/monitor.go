// Package monitor watches the unread-filtered conversation view and logs a
// CRM interaction the first time each counterpart shows up with a new
// message. It runs on its own session, independent of the send and backup
// pipelines.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ecanizales/campaigner/internal/domain"
	"github.com/ecanizales/campaigner/internal/remote"
)

// Subdictamen is the fixed disposition recorded for every inbound contact
// the monitor observes.
const Subdictamen = "MENSAJE RECIBIDO"

const directionInbound = "inbound"

// Driver is what the monitor needs from the web client binding. Implemented
// by wa.Client.
type Driver interface {
	OpenUnreadView(ctx context.Context) error
	FirstUnread(ctx context.Context) (label, address string, err error)
}

// Resolver maps a phone to client/credit records. Implemented by remote.CRM.
type Resolver interface {
	ClientInfo(ctx context.Context, campaign, phoneE164 string) ([]remote.ClientMatch, error)
	ResultCodes(ctx context.Context, campaign string) ([]remote.ResultCode, error)
}

// Recorder persists interaction records. Implemented by remote.Interactions.
type Recorder interface {
	Log(ctx context.Context, batch []remote.Interaction) error
}

// Monitor polls the unread view at a low duty cycle.
type Monitor struct {
	drv      Driver
	crm      Resolver
	recorder Recorder
	logger   *slog.Logger

	campaignID string
	interval   time.Duration

	// processed addresses are never logged twice within one run, whether
	// the resolution succeeded or not.
	processed map[string]struct{}
	lastFirst string

	now func() time.Time
}

// New builds a monitor polling every interval.
func New(drv Driver, crm Resolver, recorder Recorder, campaignID string, interval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		drv:        drv,
		crm:        crm,
		recorder:   recorder,
		logger:     logger,
		campaignID: campaignID,
		interval:   interval,
		processed:  make(map[string]struct{}),
		now:        time.Now,
	}
}

// Run blocks until ctx is cancelled. The unread filter is opened once up
// front; per-tick failures are logged and retried on the next tick.
func (m *Monitor) Run(ctx context.Context) error {
	// Warm the result-code cache so the first real interaction does not
	// pay the lookup.
	if _, err := m.crm.ResultCodes(ctx, m.campaignID); err != nil {
		m.logger.Warn("result-code warmup failed", "error", err)
	}

	if err := m.drv.OpenUnreadView(ctx); err != nil {
		return fmt.Errorf("open unread view: %w", err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.tick(ctx); err != nil {
				m.logger.Warn("unread poll failed", "error", err)
			}
		}
	}
}

// tick reads the first unread entry and, when it changed since the previous
// tick, records one interaction for its counterpart.
func (m *Monitor) tick(ctx context.Context) error {
	label, address, err := m.drv.FirstUnread(ctx)
	if err != nil {
		return err
	}
	if address == "" || address == m.lastFirst {
		return nil
	}
	m.lastFirst = address

	phone := extractPhone(address)
	if phone == "" {
		phone = domain.NormalizePhone(label)
	}
	if phone == "" {
		m.logger.Warn("unread entry has no usable address", "label", label, "address", address)
		return nil
	}
	if _, done := m.processed[phone]; done {
		return nil
	}
	m.processed[phone] = struct{}{}

	matches, err := m.crm.ClientInfo(ctx, m.campaignID, phone)
	if err != nil {
		// Already marked processed: no infinite retry against a flaky
		// lookup, just a visible warning.
		m.logger.Warn("client lookup failed", "phone", phone, "error", err)
		return nil
	}
	if len(matches) == 0 {
		m.logger.Warn("unread counterpart not in campaign", "phone", phone, "label", label)
		return nil
	}

	rec := remote.Interaction{
		CampaignID:  m.campaignID,
		CreditID:    matches[0].CreditID,
		Phone:       phone,
		Subdictamen: Subdictamen,
		Direction:   directionInbound,
		OccurredAt:  m.now(),
	}
	if err := m.recorder.Log(ctx, []remote.Interaction{rec}); err != nil {
		return fmt.Errorf("log interaction for %s: %w", phone, err)
	}
	m.logger.Info("inbound contact recorded", "phone", phone, "credit", rec.CreditID)
	return nil
}

// extractPhone lifts the digits out of a conversation address of the form
// "<serialized user>@<server>...", the shape the client uses for row ids.
func extractPhone(address string) string {
	user := address
	if at := strings.IndexByte(user, '@'); at >= 0 {
		user = user[:at]
	}
	return domain.NormalizePhone(user)
}
