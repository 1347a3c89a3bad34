package host

import (
	"context"
	"sync"
	"time"

	"github.com/rileyhilliard/sshutil/internal/logger"
	"github.com/rileyhilliard/sshutil/pkg/sshutil"
)

// Cache hands out Transports to Sessions. ConnectionCache shares one
// Transport per ConnectionKey; NoConnectionCache opens one per Acquire.
type Cache interface {
	// Acquire returns an open Transport for target with one reference
	// already taken. The caller must hand it back with Release exactly once.
	Acquire(ctx context.Context, target sshutil.Target) (*Transport, error)

	// Release drops a reference taken by Acquire.
	Release(t *Transport)

	// Flush closes every Transport the cache owns and returns once no
	// close is still in progress.
	Flush(ctx context.Context) error
}

// Transport is one authenticated SSH connection owned by a Cache.
// Reference counts and eviction flags are guarded by the owning cache.
type Transport struct {
	key   sshutil.ConnectionKey
	link  sshutil.Link
	owner Cache
	log   logger.Logger

	refs     int
	evict    bool
	detached bool
	lastUsed time.Time

	closeOnce sync.Once
	closeErr  error
}

func newTransport(key sshutil.ConnectionKey, link sshutil.Link, owner Cache, log logger.Logger) *Transport {
	return &Transport{
		key:      key,
		link:     link,
		owner:    owner,
		log:      log,
		lastUsed: time.Now(),
	}
}

// Key returns the identity the transport is pooled under.
func (t *Transport) Key() sshutil.ConnectionKey { return t.key }

// ID returns the provider-assigned identity of the underlying link.
func (t *Transport) ID() uint64 { return t.link.ID() }

// Link returns the underlying provider link.
func (t *Transport) Link() sshutil.Link { return t.link }

// Alive reports whether the underlying connection is still up.
func (t *Transport) Alive() bool { return !t.link.Closed() }

// openChannel opens a channel on the link.
func (t *Transport) openChannel(kind sshutil.Kind) (sshutil.Channel, error) {
	return t.link.OpenChannel(kind)
}

// shutdown closes the link once. first is true for the call that closed it.
func (t *Transport) shutdown() (first bool, err error) {
	t.closeOnce.Do(func() {
		first = true
		t.closeErr = t.link.Close()
	})
	return first, t.closeErr
}
