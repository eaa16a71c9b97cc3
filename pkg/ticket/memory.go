package ticket

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacktea/scistore/pkg/xerrors"
)

// Stats holds memory store statistics.
type Stats struct {
	Issued    int64 // tickets stored
	Taken     int64 // tickets consumed
	Misses    int64 // lookups of unknown or expired ids
	Size      int   // current number of tickets
	Capacity  int   // maximum number of tickets
	Evictions int64 // tickets dropped to make room
	Expired   int64 // tickets dropped after expiry
}

// MemoryStore keeps tickets in process memory. When full, the oldest ticket
// is evicted.
type MemoryStore struct {
	mu       sync.Mutex
	ll       *list.List
	items    map[string]*list.Element
	capacity int
	stats    Stats
	now      func() time.Time
}

// NewMemoryStore returns a store holding at most capacity tickets.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 4096
	}
	return &MemoryStore{
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		capacity: capacity,
		now:      time.Now,
	}
}

func (m *MemoryStore) Put(ctx context.Context, t *Ticket) error {
	if t == nil || t.ID == "" {
		return xerrors.E(xerrors.KindInvalid, "ticket.Put", "id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[t.ID]; ok {
		return xerrors.E(xerrors.KindConflict, "ticket.Put", t.ID)
	}
	if m.ll.Len() >= m.capacity {
		if oldest := m.ll.Back(); oldest != nil {
			m.remove(oldest)
			atomic.AddInt64(&m.stats.Evictions, 1)
		}
	}
	cp := *t
	m.items[t.ID] = m.ll.PushFront(&cp)
	atomic.AddInt64(&m.stats.Issued, 1)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ele, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	cp := *ele.Value.(*Ticket)
	return &cp, nil
}

func (m *MemoryStore) Take(ctx context.Context, id string) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ele, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	m.remove(ele)
	atomic.AddInt64(&m.stats.Taken, 1)
	return ele.Value.(*Ticket), nil
}

// lookup returns the live element for id, dropping it when expired.
func (m *MemoryStore) lookup(id string) (*list.Element, error) {
	ele, ok := m.items[id]
	if !ok {
		atomic.AddInt64(&m.stats.Misses, 1)
		return nil, xerrors.E(xerrors.KindNotFound, "ticket.lookup", id)
	}
	if ele.Value.(*Ticket).Expired(m.now()) {
		m.remove(ele)
		atomic.AddInt64(&m.stats.Expired, 1)
		atomic.AddInt64(&m.stats.Misses, 1)
		return nil, xerrors.E(xerrors.KindNotFound, "ticket.lookup", id)
	}
	return ele, nil
}

// Purge drops up to limit expired tickets.
func (m *MemoryStore) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*list.Element
	for _, ele := range m.items {
		if ele.Value.(*Ticket).Expired(now) {
			expired = append(expired, ele)
			if limit > 0 && len(expired) >= limit {
				break
			}
		}
	}
	for _, ele := range expired {
		m.remove(ele)
		atomic.AddInt64(&m.stats.Expired, 1)
	}
	return len(expired), nil
}

func (m *MemoryStore) remove(ele *list.Element) {
	m.ll.Remove(ele)
	delete(m.items, ele.Value.(*Ticket).ID)
}

// Stats returns current store statistics.
func (m *MemoryStore) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Issued:    atomic.LoadInt64(&m.stats.Issued),
		Taken:     atomic.LoadInt64(&m.stats.Taken),
		Misses:    atomic.LoadInt64(&m.stats.Misses),
		Size:      m.ll.Len(),
		Capacity:  m.capacity,
		Evictions: atomic.LoadInt64(&m.stats.Evictions),
		Expired:   atomic.LoadInt64(&m.stats.Expired),
	}
}
