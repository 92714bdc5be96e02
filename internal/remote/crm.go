package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
)

// ClientMatch is one client/credit record resolved from a phone number.
type ClientMatch struct {
	ClientID string `json:"client_id"`
	CreditID string `json:"credit_id"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
}

// ResultCode is one dispositioning code of a campaign.
type ResultCode struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

// CRM talks to the client/credit lookup service. Result codes are immutable
// per campaign for the life of the process and cached on first read.
type CRM struct {
	c *Client

	mu    sync.Mutex
	codes map[string][]ResultCode
}

// NewCRM wraps the shared transport.
func NewCRM(c *Client) *CRM {
	return &CRM{c: c, codes: make(map[string][]ResultCode)}
}

// ClientInfo resolves an E.164 phone to its client/credit matches. An empty
// slice means the phone is unknown to the campaign.
func (s *CRM) ClientInfo(ctx context.Context, campaign, phoneE164 string) ([]ClientMatch, error) {
	var matches []ClientMatch
	path := fmt.Sprintf("/campaigns/%s/client-info", url.PathEscape(campaign))
	body := map[string]string{"phone": phoneE164}
	if err := s.c.do(ctx, http.MethodPost, path, body, &matches); err != nil {
		return nil, err
	}
	return matches, nil
}

// ResultCodes returns the campaign's dispositioning codes, cached for the
// process lifetime.
func (s *CRM) ResultCodes(ctx context.Context, campaign string) ([]ResultCode, error) {
	s.mu.Lock()
	cached, ok := s.codes[campaign]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	var codes []ResultCode
	path := fmt.Sprintf("/campaigns/%s/result-codes", url.PathEscape(campaign))
	if err := s.c.do(ctx, http.MethodGet, path, nil, &codes); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.codes[campaign] = codes
	s.mu.Unlock()
	return codes, nil
}
