package catalog

import (
	"context"
	"time"

	"github.com/jacktea/scistore/pkg/cache"
	"github.com/jacktea/scistore/pkg/hierarchy"
)

const (
	keyContainer = "c/"
	keyChildren  = "k/"
	keyAnalyses  = "a/"
)

// Cached is a read-through cache in front of a Store. Writes through Put
// invalidate the written container and the listings of its parent; changes
// made to the underlying store by other writers show up after ttl.
type Cached struct {
	store Store
	c     *cache.Cache[[]*hierarchy.Container]
}

// NewCached wraps store. A non-positive capacity selects the cache default.
func NewCached(store Store, capacity int, ttl time.Duration) *Cached {
	return &Cached{store: store, c: cache.New[[]*hierarchy.Container](capacity, ttl)}
}

// Stats exposes the cache counters.
func (c *Cached) Stats() cache.Stats { return c.c.Stats() }

// Purge drops expired entries.
func (c *Cached) Purge() int { return c.c.Purge() }

func (c *Cached) Put(ctx context.Context, ctr *hierarchy.Container) error {
	if err := c.store.Put(ctx, ctr); err != nil {
		return err
	}
	c.c.Delete(keyContainer + ctr.Ref().String())
	c.c.Delete(keyChildren + ctr.Parent.String())
	c.c.Delete(keyAnalyses + ctr.Parent.String())
	return nil
}

func (c *Cached) Roots(ctx context.Context) ([]*hierarchy.Container, error) {
	return c.Children(ctx, hierarchy.Ref{})
}

func (c *Cached) Container(ctx context.Context, ref hierarchy.Ref) (*hierarchy.Container, error) {
	out, err := c.load(keyContainer+ref.String(), func() ([]*hierarchy.Container, error) {
		ctr, err := c.store.Container(ctx, ref)
		if err != nil {
			return nil, err
		}
		return []*hierarchy.Container{ctr}, nil
	})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (c *Cached) Children(ctx context.Context, ref hierarchy.Ref) ([]*hierarchy.Container, error) {
	return c.load(keyChildren+ref.String(), func() ([]*hierarchy.Container, error) {
		return c.store.Children(ctx, ref)
	})
}

func (c *Cached) Analyses(ctx context.Context, ref hierarchy.Ref) ([]*hierarchy.Container, error) {
	return c.load(keyAnalyses+ref.String(), func() ([]*hierarchy.Container, error) {
		return c.store.Analyses(ctx, ref)
	})
}

// load returns copies so callers cannot alter cached records. Errors are
// not cached.
func (c *Cached) load(key string, fetch func() ([]*hierarchy.Container, error)) ([]*hierarchy.Container, error) {
	list, ok := c.c.Get(key)
	if !ok {
		var err error
		if list, err = fetch(); err != nil {
			return nil, err
		}
		c.c.Set(key, list)
	}
	out := make([]*hierarchy.Container, len(list))
	for i, ctr := range list {
		out[i] = clone(ctr)
	}
	return out, nil
}
