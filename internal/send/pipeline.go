package send

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ecanizales/campaigner/internal/domain"
	"github.com/ecanizales/campaigner/internal/surface"
)

// Driver is what the pipeline needs from the web client binding. Implemented
// by wa.Client; faked in tests.
type Driver interface {
	OpenConversation(ctx context.Context, phone string) error
	TargetUnreachable(ctx context.Context) (bool, error)
	SetMessage(ctx context.Context, text string) error
	ReadMessage(ctx context.Context) (string, error)
	TriggerSend(ctx context.Context) error
	ConfirmSent(ctx context.Context, text string) error
	LatestIncoming(ctx context.Context) (string, error)
}

// Recorder persists ledger rows as they are produced. Implemented by the
// ledger store.
type Recorder interface {
	RecordSendResult(ctx context.Context, runID string, r domain.SendResult) error
}

// Options tunes one run.
type Options struct {
	// InterMessageDelay is slept between targets, not after the last one.
	InterMessageDelay time.Duration
	// ReplyWait, when non-zero, is how long to wait before scanning for a
	// reply. Zero skips capture entirely.
	ReplyWait time.Duration
}

// Summary partitions a finished ledger for reporting.
type Summary struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	NoAccount int `json:"no_account"`
	Errored   int `json:"errored"`
	Replied   int `json:"replied"`
}

// ErrSessionLost aborts a run: the surface is gone and the remaining targets
// stay unprocessed for a future run.
var ErrSessionLost = errors.New("send: session lost mid-run")

// Pipeline walks a target list through the per-target state machine,
// strictly sequentially: the session is one client instance and cannot
// address two conversations at once.
type Pipeline struct {
	drv    Driver
	rec    Recorder
	logger *slog.Logger
}

// NewPipeline builds a send pipeline over a driver and a ledger recorder.
func NewPipeline(drv Driver, rec Recorder, logger *slog.Logger) *Pipeline {
	return &Pipeline{drv: drv, rec: rec, logger: logger}
}

// Run processes targets in input order and returns one SendResult per
// target. Per-target failures are absorbed into that target's row; only
// session loss aborts, returning the partial ledger alongside ErrSessionLost.
func (p *Pipeline) Run(ctx context.Context, runID string, targets []domain.Target, template string, opts Options) ([]domain.SendResult, Summary, error) {
	results := make([]domain.SendResult, 0, len(targets))
	var summary Summary

	for i, target := range targets {
		if i > 0 && opts.InterMessageDelay > 0 {
			select {
			case <-ctx.Done():
				return results, summarize(results), ctx.Err()
			case <-time.After(opts.InterMessageDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			// Clean stop point: between targets only.
			return results, summarize(results), err
		}

		result, fatal := p.sendOne(ctx, target, template, opts)
		results = append(results, result)
		p.record(ctx, runID, result)

		p.logger.Info("target processed",
			"run_id", runID,
			"phone", target.Phone,
			"status", result.Status,
			"position", i+1,
			"total", len(targets))

		if fatal != nil {
			return results, summarize(results), fmt.Errorf("%w: %v", ErrSessionLost, fatal)
		}
	}

	summary = summarize(results)
	p.logger.Info("send run complete",
		"run_id", runID,
		"sent", summary.Sent,
		"no_account", summary.NoAccount,
		"errored", summary.Errored,
		"replied", summary.Replied)
	return results, summary, nil
}

// sendOne resolves a single target. The returned fatal error is non-nil only
// for session loss; every other failure lands in the result row.
func (p *Pipeline) sendOne(ctx context.Context, target domain.Target, campaignTemplate string, opts Options) (domain.SendResult, error) {
	result := domain.SendResult{Target: target, SentAt: time.Now()}

	fail := func(stage string, err error) (domain.SendResult, error) {
		result.Status = domain.StatusError
		result.Error = fmt.Sprintf("%s: %v", stage, err)
		if errors.Is(err, surface.ErrSessionLost) {
			return result, err
		}
		return result, nil
	}

	// OpenConversation
	if err := p.drv.OpenConversation(ctx, domain.NormalizePhone(target.Phone)); err != nil {
		return fail("open conversation", err)
	}

	// DetectValidity
	unreachable, err := p.drv.TargetUnreachable(ctx)
	if err != nil {
		return fail("detect validity", err)
	}
	if unreachable {
		result.Status = domain.StatusNoTargetAccount
		return result, nil
	}

	// Compose, verified by read-back with one retry on empty.
	message := Compose(templateFor(campaignTemplate, target), target)
	result.RenderedMessage = message
	if err := p.compose(ctx, message); err != nil {
		return fail("compose", err)
	}

	// Send and confirm in outgoing history.
	if err := p.drv.TriggerSend(ctx); err != nil {
		return fail("send", err)
	}
	if err := p.drv.ConfirmSent(ctx, message); err != nil {
		return fail("confirm send", err)
	}
	result.Status = domain.StatusSent

	// CaptureReply: absence of a reply is not an error.
	if opts.ReplyWait > 0 {
		select {
		case <-ctx.Done():
			return result, nil
		case <-time.After(opts.ReplyWait):
		}
		reply, err := p.drv.LatestIncoming(ctx)
		if err != nil {
			if errors.Is(err, surface.ErrSessionLost) {
				return result, err
			}
			p.logger.Warn("reply capture failed", "phone", target.Phone, "error", err)
		} else {
			result.CapturedReply = reply
		}
	}

	return result, nil
}

// compose inserts message and verifies the entry surface content equals it.
// An empty read-back gets one recomposition before failing.
func (p *Pipeline) compose(ctx context.Context, message string) error {
	for attempt := 0; attempt < 2; attempt++ {
		if err := p.drv.SetMessage(ctx, message); err != nil {
			return err
		}
		got, err := p.drv.ReadMessage(ctx)
		if err != nil {
			return err
		}
		if got == message {
			return nil
		}
		if got != "" {
			return fmt.Errorf("composer content mismatch: %d chars, want %d", len(got), len(message))
		}
		// Empty read-back: the editor swallowed the insert, retry once.
	}
	return fmt.Errorf("composer stayed empty after retry")
}

func (p *Pipeline) record(ctx context.Context, runID string, r domain.SendResult) {
	if p.rec == nil {
		return
	}
	if err := p.rec.RecordSendResult(ctx, runID, r); err != nil {
		p.logger.Warn("ledger write failed", "run_id", runID, "phone", r.Phone, "error", err)
	}
}

func summarize(results []domain.SendResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case domain.StatusSent:
			s.Sent++
		case domain.StatusNoTargetAccount:
			s.NoAccount++
		case domain.StatusError:
			s.Errored++
		}
		if r.CapturedReply != "" {
			s.Replied++
		}
	}
	return s
}
