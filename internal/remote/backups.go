package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ecanizales/campaigner/internal/domain"
)

// ErrNoBackup reports that no backup exists within the scanned window.
var ErrNoBackup = errors.New("remote: no backup within window")

// Backups talks to the backup store. Bundles are keyed by campaign, agent,
// month folder and day.
type Backups struct {
	c *Client

	// now is swappable for the day-scan tests.
	now func() time.Time
}

// NewBackups wraps the shared transport.
func NewBackups(c *Client) *Backups {
	return &Backups{c: c, now: time.Now}
}

func backupPath(campaign, agent string, day time.Time) string {
	return fmt.Sprintf("/campaigns/%s/agents/%s/backups/%s/%02d",
		url.PathEscape(campaign), url.PathEscape(agent), day.Format("200601"), day.Day())
}

// Put uploads one bundle as a single object under today's key. The pipeline
// treats success of this call as run completion.
func (s *Backups) Put(ctx context.Context, bundle *domain.BackupBundle) error {
	return s.c.do(ctx, http.MethodPut, backupPath(bundle.CampaignID, bundle.AgentID, s.now()), bundle, nil)
}

// LatestWithin scans backward day-by-day, starting today, up to maxDaysBack
// days, and returns the first bundle found together with how many days back
// it was. ErrNoBackup when the whole window is empty.
func (s *Backups) LatestWithin(ctx context.Context, agent, campaign string, maxDaysBack int) (*domain.BackupBundle, int, error) {
	for daysBack := 0; daysBack <= maxDaysBack; daysBack++ {
		day := s.now().AddDate(0, 0, -daysBack)
		var bundle domain.BackupBundle
		err := s.c.do(ctx, http.MethodGet, backupPath(campaign, agent, day), nil, &bundle)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		return &bundle, daysBack, nil
	}
	return nil, 0, ErrNoBackup
}
