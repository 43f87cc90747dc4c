package cache

import (
	"context"
	"time"

	"threat-bot/api/internal/logging"
)

// Serve purges expired entries every CleanupInterval until ctx ends,
// then empties the cache. It satisfies suture.Service.
func (c *Cache) Serve(ctx context.Context) error {
	t := time.NewTicker(c.opts.CleanupInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-t.C:
			if n := c.Purge(); n > 0 {
				logging.Debug().Int("purged", n).Int("left", c.Len()).Msg("cache janitor")
			}
		}
	}
}

func (c *Cache) String() string { return "cache-janitor" }
