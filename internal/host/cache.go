package host

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/rileyhilliard/sshutil/internal/logger"
	"github.com/rileyhilliard/sshutil/internal/metrics"
	"github.com/rileyhilliard/sshutil/pkg/sshutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// maxAcquireAttempts bounds how often Acquire retries when the transport it
// was handed is flushed or dies before a reference could be taken.
const maxAcquireAttempts = 3

// closeConcurrency limits how many transports a flush closes at once.
const closeConcurrency = 8

// CacheOptions configures a cache.
type CacheOptions struct {
	// IdleTimeout closes unreferenced transports idle for longer than this.
	// Zero disables idle eviction.
	IdleTimeout time.Duration

	Logger  logger.Logger
	Metrics *metrics.Collector
}

// CacheStats is a point-in-time view of a ConnectionCache.
type CacheStats struct {
	Transports int // transports reachable by key
	Evicting   int // transports waiting for their last session before closing
	Sessions   int // references held across all transports
}

// ConnectionCache shares one Transport per ConnectionKey between Sessions.
//
// Concurrent Acquires for the same key create at most one Transport.
// A Transport is only closed once its reference count is zero: when it was
// evicted, its link died, it sat idle past IdleTimeout, or on Flush.
type ConnectionCache struct {
	provider sshutil.Provider
	opts     CacheOptions
	log      logger.Logger
	sf       singleflight.Group

	// flushMu serializes flushes.
	flushMu sync.Mutex

	mu         sync.Mutex
	transports map[sshutil.ConnectionKey]*Transport
	owned      map[*Transport]struct{} // keyed and evicting transports
	refs       int
	released   chan struct{} // closed and replaced when refs drops to zero
	flushing   chan struct{} // non-nil while a flush runs; closed when it ends

	// closing tracks closes started outside of Flush.
	closing sync.WaitGroup
}

// NewConnectionCache creates an empty cache that connects through provider.
func NewConnectionCache(provider sshutil.Provider, opts CacheOptions) *ConnectionCache {
	return &ConnectionCache{
		provider:   provider,
		opts:       opts,
		log:        logger.OrDefault(opts.Logger),
		transports: make(map[sshutil.ConnectionKey]*Transport),
		owned:      make(map[*Transport]struct{}),
		released:   make(chan struct{}),
	}
}

// Acquire returns the cached Transport for target, creating it on a miss.
// It blocks while a Flush is running.
func (c *ConnectionCache) Acquire(ctx context.Context, target sshutil.Target) (*Transport, error) {
	key := target.Key()

	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		t, hit, err := c.lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if hit {
			c.opts.Metrics.CacheLookup(true)
			return t, nil
		}

		t, err = c.create(ctx, key, target)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.flushing == nil && !t.detached && !t.evict && t.Alive() {
			c.refLocked(t)
			c.mu.Unlock()
			c.opts.Metrics.CacheLookup(false)
			return t, nil
		}
		c.mu.Unlock()
		c.log.Debug("transport %d for %s went away before use, retrying", t.ID(), key)
	}

	return nil, errors.New(errors.ErrConnect,
		fmt.Sprintf("Couldn't hold a connection to %s", key),
		"The connection kept closing as soon as it was opened. Check the server logs.")
}

// lookup waits out any running flush and returns a live keyed transport with
// a reference taken. hit is false when the caller has to create one.
func (c *ConnectionCache) lookup(ctx context.Context, key sshutil.ConnectionKey) (t *Transport, hit bool, err error) {
	for {
		c.mu.Lock()
		if f := c.flushing; f != nil {
			c.mu.Unlock()
			select {
			case <-f:
				continue
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}

		var toClose []*Transport
		if existing, ok := c.transports[key]; ok {
			if existing.Alive() {
				c.refLocked(existing)
				toClose = c.sweepLocked(time.Now())
				c.mu.Unlock()
				c.closeTransports(toClose)
				return existing, true, nil
			}
			c.log.Debug("transport %d for %s is dead, evicting", existing.ID(), key)
			toClose = c.evictLocked(existing)
		}
		toClose = append(toClose, c.sweepLocked(time.Now())...)
		c.mu.Unlock()
		c.closeTransports(toClose)
		return nil, false, nil
	}
}

// create connects a new transport for key, sharing the attempt with every
// concurrent caller. A caller whose ctx ends stops waiting; the connection
// attempt continues for the others and is cached when it succeeds.
func (c *ConnectionCache) create(ctx context.Context, key sshutil.ConnectionKey, target sshutil.Target) (*Transport, error) {
	connectCtx := context.WithoutCancel(ctx)
	ch := c.sf.DoChan(key.String(), func() (any, error) {
		// Double-check under singleflight in case a previous call just finished.
		c.mu.Lock()
		if existing, ok := c.transports[key]; ok && existing.Alive() {
			c.mu.Unlock()
			return existing, nil
		}
		c.mu.Unlock()

		link, err := c.provider.Connect(connectCtx, target)
		if err != nil {
			c.log.Debug("connect to %s failed: %v", key, err)
			return nil, err
		}

		t := newTransport(key, link, c, c.log)
		var toClose []*Transport
		c.mu.Lock()
		if old, ok := c.transports[key]; ok {
			if c.flushing == nil {
				toClose = c.evictLocked(old)
			} else {
				// The running flush still owns old and closes it.
				delete(c.transports, key)
				old.evict = true
			}
		}
		c.transports[key] = t
		c.owned[t] = struct{}{}
		c.mu.Unlock()
		c.closeTransports(toClose)

		c.opts.Metrics.TransportOpened()
		c.log.Debug("opened transport %d for %s", t.ID(), key)
		return t, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Transport), nil
	}
}

// Release drops one reference. An evicted or dead transport is closed when
// its last reference goes; a healthy one stays cached for reuse.
func (c *ConnectionCache) Release(t *Transport) {
	c.mu.Lock()
	if t.refs <= 0 {
		c.mu.Unlock()
		c.log.Warn("release of unreferenced transport %d for %s", t.ID(), t.key)
		return
	}
	t.refs--
	c.refs--
	t.lastUsed = time.Now()
	c.opts.Metrics.SessionReleased()

	if c.refs == 0 {
		close(c.released)
		c.released = make(chan struct{})
	}

	// A running flush closes everything itself.
	var toClose []*Transport
	if c.flushing == nil {
		if t.refs == 0 && !t.detached && (t.evict || !t.Alive()) {
			toClose = append(toClose, c.detachLocked(t))
		}
		toClose = append(toClose, c.sweepLocked(time.Now())...)
	}
	c.mu.Unlock()

	c.closeTransports(toClose)
}

// Evict stops target's transport from being handed out again. It is closed
// once its last session is released, or right away if it has none.
func (c *ConnectionCache) Evict(target sshutil.Target) {
	key := target.Key()
	c.mu.Lock()
	t, ok := c.transports[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	var toClose []*Transport
	if c.flushing == nil {
		toClose = c.evictLocked(t)
	} else {
		delete(c.transports, key)
		t.evict = true
	}
	c.mu.Unlock()

	c.closeTransports(toClose)
}

// Flush closes every transport. Unreferenced transports are closed right
// away; referenced ones are closed as soon as their sessions are released.
// Acquire blocks until the flush finishes.
//
// If ctx ends before all sessions are released, the remaining transports are
// closed anyway, which breaks their in-flight sessions, and ctx.Err() is
// returned. Errors closing individual transports are logged, never returned.
func (c *ConnectionCache) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	start := time.Now()
	done := make(chan struct{})

	c.mu.Lock()
	c.flushing = done
	idle := c.takeLocked(func(t *Transport) bool { return t.refs == 0 })
	for t := range c.owned {
		t.evict = true
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.flushing = nil
		close(done)
		c.mu.Unlock()
		c.opts.Metrics.FlushObserved(time.Since(start).Seconds())
	}()

	c.closeConcurrently(idle)

	err := c.waitReleased(ctx)
	if err != nil {
		c.log.Warn("flush: %v, force closing transports still in use", err)
	}

	c.mu.Lock()
	rest := c.takeLocked(func(*Transport) bool { return true })
	c.transports = make(map[sshutil.ConnectionKey]*Transport)
	c.mu.Unlock()

	c.closeConcurrently(rest)
	c.closing.Wait()

	c.log.Debug("flushed %d transports in %s", len(idle)+len(rest), time.Since(start))
	return err
}

// waitReleased blocks until no transport is referenced.
func (c *ConnectionCache) waitReleased(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.refs == 0 {
			c.mu.Unlock()
			return nil
		}
		ch := c.released
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Len returns the number of transports reachable by key.
func (c *ConnectionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.transports)
}

// Keys returns the keys with a cached transport, sorted by their string form.
func (c *ConnectionCache) Keys() []sshutil.ConnectionKey {
	c.mu.Lock()
	keys := make([]sshutil.ConnectionKey, 0, len(c.transports))
	for k := range c.transports {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Stats returns current counts.
func (c *ConnectionCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Transports: len(c.transports),
		Evicting:   len(c.owned) - len(c.transports),
		Sessions:   c.refs,
	}
}

func (c *ConnectionCache) refLocked(t *Transport) {
	t.refs++
	c.refs++
	t.lastUsed = time.Now()
	c.opts.Metrics.SessionAcquired()
}

// evictLocked unkeys t and, when unreferenced, detaches it for closing.
func (c *ConnectionCache) evictLocked(t *Transport) []*Transport {
	if c.transports[t.key] == t {
		delete(c.transports, t.key)
	}
	t.evict = true
	if t.refs == 0 && !t.detached {
		return []*Transport{c.detachLocked(t)}
	}
	return nil
}

// detachLocked removes t from the cache and registers its pending close.
// The caller must pass it to closeTransports after unlocking.
func (c *ConnectionCache) detachLocked(t *Transport) *Transport {
	if c.transports[t.key] == t {
		delete(c.transports, t.key)
	}
	delete(c.owned, t)
	t.detached = true
	c.closing.Add(1)
	return t
}

// takeLocked detaches every owned transport matching keep, for Flush.
// Unlike detachLocked it does not touch c.closing.
func (c *ConnectionCache) takeLocked(match func(*Transport) bool) []*Transport {
	var out []*Transport
	for t := range c.owned {
		if !match(t) {
			continue
		}
		if c.transports[t.key] == t {
			delete(c.transports, t.key)
		}
		delete(c.owned, t)
		t.detached = true
		out = append(out, t)
	}
	return out
}

// sweepLocked detaches unreferenced transports idle past IdleTimeout.
func (c *ConnectionCache) sweepLocked(now time.Time) []*Transport {
	if c.opts.IdleTimeout <= 0 {
		return nil
	}
	var out []*Transport
	for t := range c.owned {
		if t.refs == 0 && now.Sub(t.lastUsed) > c.opts.IdleTimeout {
			c.log.Debug("transport %d for %s idle for %s, closing", t.ID(), t.key, now.Sub(t.lastUsed).Round(time.Millisecond))
			out = append(out, c.detachLocked(t))
		}
	}
	return out
}

// closeTransports closes transports detached by detachLocked.
func (c *ConnectionCache) closeTransports(ts []*Transport) {
	for _, t := range ts {
		c.closeOne(t)
		c.closing.Done()
	}
}

// closeConcurrently closes transports taken by a flush.
func (c *ConnectionCache) closeConcurrently(ts []*Transport) {
	var g errgroup.Group
	g.SetLimit(closeConcurrency)
	for _, t := range ts {
		g.Go(func() error {
			c.closeOne(t)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *ConnectionCache) closeOne(t *Transport) {
	first, err := t.shutdown()
	if !first {
		return
	}
	c.opts.Metrics.TransportClosed(err)
	if err != nil {
		c.log.Warn("%v", errors.WrapWithCode(err, errors.ErrClose,
			fmt.Sprintf("Couldn't cleanly close transport %d for %s", t.ID(), t.key), ""))
		return
	}
	c.log.Debug("closed transport %d for %s", t.ID(), t.key)
}
