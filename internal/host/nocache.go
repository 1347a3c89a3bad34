package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/rileyhilliard/sshutil/internal/logger"
	"github.com/rileyhilliard/sshutil/internal/metrics"
	"github.com/rileyhilliard/sshutil/pkg/sshutil"
)

// NoConnectionCache opens a fresh Transport for every Acquire and closes it
// when its reference is released. Nothing is ever shared.
type NoConnectionCache struct {
	provider sshutil.Provider
	log      logger.Logger
	metrics  *metrics.Collector

	mu   sync.Mutex
	live map[*Transport]struct{}
}

// NewNoConnectionCache returns a cache that never caches.
func NewNoConnectionCache(provider sshutil.Provider, opts CacheOptions) *NoConnectionCache {
	return &NoConnectionCache{
		provider: provider,
		log:      logger.OrDefault(opts.Logger),
		metrics:  opts.Metrics,
		live:     make(map[*Transport]struct{}),
	}
}

// Acquire connects a new Transport for target.
func (c *NoConnectionCache) Acquire(ctx context.Context, target sshutil.Target) (*Transport, error) {
	key := target.Key()
	link, err := c.provider.Connect(ctx, target)
	if err != nil {
		return nil, err
	}

	t := newTransport(key, link, c, c.log)
	t.refs = 1

	c.mu.Lock()
	c.live[t] = struct{}{}
	c.mu.Unlock()

	c.metrics.TransportOpened()
	c.metrics.CacheLookup(false)
	c.metrics.SessionAcquired()
	c.log.Debug("opened transport %d for %s", t.ID(), key)
	return t, nil
}

// Release closes t once its reference is dropped.
func (c *NoConnectionCache) Release(t *Transport) {
	c.mu.Lock()
	if t.refs <= 0 {
		c.mu.Unlock()
		c.log.Warn("release of unreferenced transport %d for %s", t.ID(), t.key)
		return
	}
	t.refs--
	last := t.refs == 0
	if last {
		delete(c.live, t)
	}
	c.mu.Unlock()

	c.metrics.SessionReleased()
	if !last {
		return
	}

	first, err := t.shutdown()
	if !first {
		return
	}
	c.metrics.TransportClosed(err)
	if err != nil {
		c.log.Warn("%v", errors.WrapWithCode(err, errors.ErrClose,
			fmt.Sprintf("Couldn't cleanly close transport %d for %s", t.ID(), t.key), ""))
		return
	}
	c.log.Debug("closed transport %d for %s", t.ID(), t.key)
}

// Flush is a no-op: every transport is already closed on release.
func (c *NoConnectionCache) Flush(context.Context) error {
	return nil
}

// Live returns the number of transports not yet released.
func (c *NoConnectionCache) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}
