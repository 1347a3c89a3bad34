package host

import (
	"fmt"

	"github.com/rileyhilliard/sshutil/internal/errors"
	"github.com/rileyhilliard/sshutil/pkg/sshutil"
)

// CachePolicy selects a Cache implementation.
type CachePolicy string

const (
	// PolicyShared shares one transport per connection key.
	PolicyShared CachePolicy = "shared"
	// PolicyNone opens a transport per session.
	PolicyNone CachePolicy = "none"
)

// NewCache builds the Cache for policy. An empty policy means PolicyShared.
func NewCache(policy CachePolicy, provider sshutil.Provider, opts CacheOptions) (Cache, error) {
	switch policy {
	case PolicyShared, "":
		return NewConnectionCache(provider, opts), nil
	case PolicyNone:
		return NewNoConnectionCache(provider, opts), nil
	}
	return nil, errors.New(errors.ErrConfig,
		fmt.Sprintf("Unknown cache policy %q", policy),
		fmt.Sprintf("Use %q or %q.", PolicyShared, PolicyNone))
}
