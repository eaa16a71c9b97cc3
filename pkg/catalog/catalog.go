// Package catalog stores container records and serves them to the resolver
// and the download engine through hierarchy.Source.
package catalog

import (
	"context"
	"sync"

	"github.com/jacktea/scistore/pkg/hierarchy"
	"github.com/jacktea/scistore/pkg/xerrors"
)

// Store is a hierarchy.Source that can also be written by importers.
type Store interface {
	hierarchy.Source
	// Put inserts or replaces a container. A new container is appended to its
	// parent's child list; a replaced one keeps its position.
	Put(ctx context.Context, c *hierarchy.Container) error
}

// MemoryStore is an in-memory catalog.
type MemoryStore struct {
	mu         sync.RWMutex
	containers map[hierarchy.Ref]*hierarchy.Container
	children   map[hierarchy.Ref][]hierarchy.Ref
	analyses   map[hierarchy.Ref][]hierarchy.Ref
}

// NewMemoryStore creates an empty catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		containers: make(map[hierarchy.Ref]*hierarchy.Container),
		children:   make(map[hierarchy.Ref][]hierarchy.Ref),
		analyses:   make(map[hierarchy.Ref][]hierarchy.Ref),
	}
}

func (m *MemoryStore) Put(ctx context.Context, c *hierarchy.Container) error {
	if err := validate(c); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := c.Ref()
	if !c.Parent.IsZero() {
		if _, ok := m.containers[c.Parent]; !ok {
			return xerrors.E(xerrors.KindNotFound, "catalog.Put", c.Parent.String())
		}
	}
	if _, exists := m.containers[ref]; !exists {
		if c.Level == hierarchy.LevelAnalysis {
			m.analyses[c.Parent] = append(m.analyses[c.Parent], ref)
		} else {
			m.children[c.Parent] = append(m.children[c.Parent], ref)
		}
	}
	m.containers[ref] = clone(c)
	return nil
}

func (m *MemoryStore) Roots(ctx context.Context) ([]*hierarchy.Container, error) {
	return m.Children(ctx, hierarchy.Ref{})
}

func (m *MemoryStore) Container(ctx context.Context, ref hierarchy.Ref) (*hierarchy.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[ref]
	if !ok || c.Deleted {
		return nil, xerrors.E(xerrors.KindNotFound, "catalog.Container", ref.String())
	}
	return clone(c), nil
}

func (m *MemoryStore) Children(ctx context.Context, ref hierarchy.Ref) ([]*hierarchy.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(m.children[ref]), nil
}

func (m *MemoryStore) Analyses(ctx context.Context, ref hierarchy.Ref) ([]*hierarchy.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(m.analyses[ref]), nil
}

func (m *MemoryStore) list(refs []hierarchy.Ref) []*hierarchy.Container {
	out := make([]*hierarchy.Container, 0, len(refs))
	for _, ref := range refs {
		if c := m.containers[ref]; c != nil && !c.Deleted {
			out = append(out, clone(c))
		}
	}
	return out
}

func validate(c *hierarchy.Container) error {
	if c == nil || c.ID == "" {
		return xerrors.E(xerrors.KindInvalid, "catalog.Put", "id")
	}
	if !c.Level.Valid() {
		return xerrors.E(xerrors.KindInvalid, "catalog.Put", string(c.Level))
	}
	if c.Level == hierarchy.LevelGroup && !c.Parent.IsZero() {
		return xerrors.E(xerrors.KindInvalid, "catalog.Put", "group parent")
	}
	if c.Level != hierarchy.LevelGroup && c.Parent.IsZero() {
		return xerrors.E(xerrors.KindInvalid, "catalog.Put", c.Ref().String()+" has no parent")
	}
	seen := make(map[string]struct{}, len(c.Files))
	for _, f := range c.Files {
		if err := f.Validate(); err != nil {
			return err
		}
		if f.Deleted {
			continue
		}
		if _, dup := seen[f.Name]; dup {
			return xerrors.E(xerrors.KindConflict, "catalog.Put", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// clone copies c deep enough that callers can not mutate stored state, and
// stamps every file with its owning container.
func clone(c *hierarchy.Container) *hierarchy.Container {
	out := *c
	ref := c.Ref()
	out.Permissions = append([]hierarchy.Permission(nil), c.Permissions...)
	out.Files = cloneFiles(c.Files, ref)
	out.Inputs = cloneFiles(c.Inputs, ref)
	if c.Timestamp != nil {
		ts := *c.Timestamp
		out.Timestamp = &ts
	}
	return &out
}

func cloneFiles(in []hierarchy.FileRef, owner hierarchy.Ref) []hierarchy.FileRef {
	if in == nil {
		return nil
	}
	out := make([]hierarchy.FileRef, len(in))
	for i, f := range in {
		f.Tags = append([]string(nil), f.Tags...)
		f.Container = owner
		out[i] = f
	}
	return out
}
