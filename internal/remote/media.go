package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Media talks to the media store. Uploads are fire-and-forget from the
// engine's point of view: only the returned durable URL is kept.
type Media struct {
	c *Client
}

// NewMedia wraps the shared transport.
func NewMedia(c *Client) *Media {
	return &Media{c: c}
}

// Put uploads one decoded media payload and returns its durable URL.
func (s *Media) Put(ctx context.Context, campaign, agent, filename, mimeType string, data []byte) (string, error) {
	path := fmt.Sprintf("/campaigns/%s/agents/%s/media/%s",
		url.PathEscape(campaign), url.PathEscape(agent), url.PathEscape(filename))

	var resp struct {
		URL string `json:"url"`
	}
	if err := s.c.doRaw(ctx, http.MethodPut, path, mimeType, data, &resp); err != nil {
		return "", fmt.Errorf("upload media %s: %w", filename, err)
	}
	if resp.URL == "" {
		return "", fmt.Errorf("media store returned no url for %s", filename)
	}
	return resp.URL, nil
}
