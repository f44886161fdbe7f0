package catalog

import (
	"context"
	"time"

	"github.com/veldra/storekit/internal/observability"
)

// Refresher keeps the cached catalog warm by forcing a refresh on a fixed
// interval. Failures degrade to cached data and are logged, never fatal.
type Refresher struct {
	client   *Client
	interval time.Duration
}

// NewRefresher constructs a refresher polling at the given interval.
func NewRefresher(client *Client, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Refresher{client: client, interval: interval}
}

// Run blocks until ctx is cancelled, refreshing the catalog on each tick.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			view, err := r.client.Refresh(ctx)
			switch {
			case err != nil:
				observability.Log().Error("catalog refresh failed", observability.F("error", err))
			case view.Degraded:
				observability.Log().Info("catalog refresh degraded to cached data",
					observability.F("warning", view.Warning))
			default:
				observability.Log().Debug("catalog refreshed",
					observability.F("products", len(view.Products)))
			}
		}
	}
}
