package remote

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ecanizales/campaigner/internal/domain"
)

// Credentials talks to the campaign-scoped credential store.
type Credentials struct {
	c *Client
}

// NewCredentials wraps the shared transport.
func NewCredentials(c *Client) *Credentials {
	return &Credentials{c: c}
}

// For returns every credential row of a campaign. User IDs come back
// lowercased by the store; rows are matched case-insensitively on user.
func (s *Credentials) For(ctx context.Context, campaign string) ([]domain.Credential, error) {
	var rows []domain.Credential
	path := fmt.Sprintf("/campaigns/%s/credentials", url.PathEscape(campaign))
	if err := s.c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Put replaces the campaign's credential rows.
func (s *Credentials) Put(ctx context.Context, campaign string, rows []domain.Credential) error {
	path := fmt.Sprintf("/campaigns/%s/credentials", url.PathEscape(campaign))
	return s.c.do(ctx, http.MethodPut, path, rows, nil)
}

// PassphraseChange records one user's rotation for audit.
type PassphraseChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// phrase pool for rotated daily passphrases. Deliberately short, readable
// words: agents dictate these over the phone.
var (
	phraseNouns      = []string{"sol", "luna", "rio", "monte", "cielo", "viento", "mar", "selva", "piedra", "fuego"}
	phraseAdjectives = []string{"brillante", "tranquilo", "fuerte", "dorado", "azul", "claro", "verde", "alto", "libre", "nuevo"}
)

func newPassphrase(r *rand.Rand) string {
	return fmt.Sprintf("%s-%s-%d",
		phraseNouns[r.Intn(len(phraseNouns))],
		phraseAdjectives[r.Intn(len(phraseAdjectives))],
		time.Now().Year())
}

// Rotate assigns every user of the campaign a freshly generated passphrase
// from the phrase pool, writes the new rows back and returns the old→new
// mapping keyed by user ID.
func (s *Credentials) Rotate(ctx context.Context, campaign string) (map[string]PassphraseChange, error) {
	rows, err := s.For(ctx, campaign)
	if err != nil {
		return nil, fmt.Errorf("load credentials before rotation: %w", err)
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	audit := make(map[string]PassphraseChange, len(rows))
	for i := range rows {
		user := strings.ToLower(rows[i].UserID)
		change := PassphraseChange{Old: rows[i].Passphrase, New: newPassphrase(r)}
		rows[i].UserID = user
		rows[i].Passphrase = change.New
		audit[user] = change
	}

	if err := s.Put(ctx, campaign, rows); err != nil {
		return nil, fmt.Errorf("store rotated credentials: %w", err)
	}
	return audit, nil
}
