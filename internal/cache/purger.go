package cache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Purger periodically evicts stale cache entries in the background.
type Purger struct {
	cache    *ResultCache
	interval time.Duration
	maxAge   time.Duration
	log      *logrus.Entry
}

func NewPurger(logger *logrus.Logger, cache *ResultCache, interval, maxAge time.Duration) *Purger {
	return &Purger{
		cache:    cache,
		interval: interval,
		maxAge:   maxAge,
		log:      logger.WithField("component", "cache_purger"),
	}
}

func (p *Purger) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("Starting cache purger")

	for {
		select {
		case <-ticker.C:
			evicted, err := p.cache.Evict(ctx, p.maxAge)
			if err != nil {
				p.log.WithError(err).Error("Cache purge failed")
				continue
			}
			if evicted > 0 {
				p.log.WithField("count", evicted).Info("Purged stale cache entries")
			}
		case <-ctx.Done():
			p.log.Info("Stopping cache purger")
			return
		}
	}
}
