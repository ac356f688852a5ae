package soar

import (
	"context"
	"time"

	"github.com/linnemanlabs/warden/internal/finding"
)

// Claimer grants one worker exclusive use of a finding for a bounded time.
// lease.Redis and StoreClaimer implement it.
type Claimer interface {
	Claim(ctx context.Context, index, id, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, index, id, owner string) error
}

// StoreClaimer claims through the finding store's own compare-and-set, so it
// needs no infrastructure beyond the store.
type StoreClaimer struct {
	store finding.Store
}

// NewStoreClaimer wraps s as a Claimer.
func NewStoreClaimer(s finding.Store) *StoreClaimer {
	return &StoreClaimer{store: s}
}

// Claim implements Claimer.
func (c *StoreClaimer) Claim(ctx context.Context, index, id, owner string, ttl time.Duration) (bool, error) {
	return c.store.Claim(ctx, index, id, owner, ttl)
}

// Release implements Claimer.
func (c *StoreClaimer) Release(ctx context.Context, index, id, owner string) error {
	return c.store.Release(ctx, index, id, owner)
}
