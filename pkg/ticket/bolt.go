package ticket

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/scistore/pkg/xerrors"
)

var bucketTickets = []byte("tickets")

// BoltConfig configures the BoltDB-backed ticket store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists tickets in BoltDB so they survive restarts of a single
// node. Take runs in one write transaction, which serializes consumers.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens (or creates) a ticket database.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, xerrors.E(xerrors.KindConfig, "ticket.NewBoltStore", "path")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "ticket.open", cfg.Path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTickets); err != nil {
			return fmt.Errorf("boltdb: create bucket %s: %w", bucketTickets, err)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// Close releases the underlying BoltDB.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func (b *BoltStore) Put(ctx context.Context, t *Ticket) error {
	if t == nil || t.ID == "" {
		return xerrors.E(xerrors.KindInvalid, "ticket.Put", "id")
	}
	data, err := Encode(t)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketTickets)
		if bkt.Get([]byte(t.ID)) != nil {
			return xerrors.E(xerrors.KindConflict, "ticket.Put", t.ID)
		}
		return bkt.Put([]byte(t.ID), data)
	})
}

func (b *BoltStore) Get(ctx context.Context, id string) (*Ticket, error) {
	var out *Ticket
	err := b.db.View(func(tx *bolt.Tx) error {
		t, err := b.load(tx, id)
		out = t
		return err
	})
	return out, err
}

func (b *BoltStore) Take(ctx context.Context, id string) (*Ticket, error) {
	var out *Ticket
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketTickets)
		data := bkt.Get([]byte(id))
		if data == nil {
			return xerrors.E(xerrors.KindNotFound, "ticket.Take", id)
		}
		t, err := Decode(data)
		if err != nil {
			return err
		}
		if err := bkt.Delete([]byte(id)); err != nil {
			return err
		}
		if !t.Expired(b.now()) {
			out = t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, xerrors.E(xerrors.KindNotFound, "ticket.Take", id)
	}
	return out, nil
}

func (b *BoltStore) load(tx *bolt.Tx, id string) (*Ticket, error) {
	data := tx.Bucket(bucketTickets).Get([]byte(id))
	if data == nil {
		return nil, xerrors.E(xerrors.KindNotFound, "ticket.Get", id)
	}
	t, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if t.Expired(b.now()) {
		return nil, xerrors.E(xerrors.KindNotFound, "ticket.Get", id)
	}
	return t, nil
}

// Purge drops up to limit expired tickets.
func (b *BoltStore) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	var removed int
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketTickets)
		var expired [][]byte
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			t, err := Decode(v)
			if err != nil || t.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
				if limit > 0 && len(expired) >= limit {
					break
				}
			}
		}
		for _, k := range expired {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}
