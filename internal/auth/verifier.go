// Package auth gates session startup on the campaign's rotating daily
// passphrase.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/ecanizales/campaigner/internal/domain"
	"github.com/ecanizales/campaigner/internal/remote"
)

// Verification reasons. Callers must not conflate them: invalid_credentials
// loops the operator back to the prompt, connection_error is a store outage.
const (
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonConnectionError    = "connection_error"
)

// Result is the outcome of one verification attempt.
type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// CredentialSource reads a campaign's credential rows. Satisfied by
// remote.Credentials.
type CredentialSource interface {
	For(ctx context.Context, campaign string) ([]domain.Credential, error)
}

// Verifier validates an agent against the campaign credential table. It is
// read-only: rotation happens out-of-band through the credential store.
type Verifier struct {
	creds  CredentialSource
	logger *slog.Logger
}

// NewVerifier builds a verifier over a credential source.
func NewVerifier(creds CredentialSource, logger *slog.Logger) *Verifier {
	return &Verifier{creds: creds, logger: logger}
}

// Verify checks (campaign, user, passphrase). User matching is
// case-insensitive, passphrase matching is exact.
func (v *Verifier) Verify(ctx context.Context, userID, campaignID, passphrase string) Result {
	rows, err := v.creds.For(ctx, campaignID)
	if err != nil {
		// An unknown campaign is a typo, not an outage: loop the operator
		// back to the prompt instead of reporting the store down.
		if errors.Is(err, remote.ErrNotFound) {
			v.logger.Warn("credential verification rejected", "campaign", campaignID, "error", err)
			return Result{OK: false, Reason: ReasonInvalidCredentials}
		}
		v.logger.Error("credential store unreachable", "campaign", campaignID, "error", err)
		return Result{OK: false, Reason: ReasonConnectionError}
	}

	user := strings.ToLower(strings.TrimSpace(userID))
	for _, row := range rows {
		if strings.ToLower(row.UserID) != user {
			continue
		}
		if row.Passphrase == passphrase {
			return Result{OK: true}
		}
		break
	}

	v.logger.Warn("credential verification rejected", "campaign", campaignID, "user", user)
	return Result{OK: false, Reason: ReasonInvalidCredentials}
}
