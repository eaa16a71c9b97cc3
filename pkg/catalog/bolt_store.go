package catalog

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/scistore/pkg/hierarchy"
	"github.com/jacktea/scistore/pkg/xerrors"
)

var (
	bucketContainers = []byte("containers")
	bucketEdges      = []byte("edges")
)

const (
	edgeChild    = 'c'
	edgeAnalysis = 'a'
)

// BoltConfig configures the BoltDB-backed catalog.
type BoltConfig struct {
	Path     string
	NoSync   bool
	Timeout  time.Duration
	ReadOnly bool
}

// BoltStore persists container records in BoltDB. Records are JSON encoded
// and keyed by ref; insertion order of children is kept in an edge bucket
// keyed by parent ref and a sequence number.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

// NewBoltStore opens (or creates) a catalog database.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, xerrors.E(xerrors.KindConfig, "catalog.NewBoltStore", "path")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync, ReadOnly: cfg.ReadOnly})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "catalog.open", cfg.Path, err)
	}
	store := &BoltStore{cfg: cfg, db: db}
	if cfg.ReadOnly {
		return store, nil
	}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketContainers, bucketEdges} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("boltdb: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// Close releases the underlying BoltDB.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BoltStore) Put(ctx context.Context, c *hierarchy.Container) error {
	if err := validate(c); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "catalog.Put", c.Ref().String(), err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		containers := tx.Bucket(bucketContainers)
		if !c.Parent.IsZero() && containers.Get(refKey(c.Parent)) == nil {
			return xerrors.E(xerrors.KindNotFound, "catalog.Put", c.Parent.String())
		}
		key := refKey(c.Ref())
		if containers.Get(key) == nil {
			edges := tx.Bucket(bucketEdges)
			seq, err := edges.NextSequence()
			if err != nil {
				return err
			}
			kind := byte(edgeChild)
			if c.Level == hierarchy.LevelAnalysis {
				kind = edgeAnalysis
			}
			if err := edges.Put(edgeKey(c.Parent, kind, seq), key); err != nil {
				return err
			}
		}
		return containers.Put(key, data)
	})
}

func (b *BoltStore) Roots(ctx context.Context) ([]*hierarchy.Container, error) {
	return b.scan(hierarchy.Ref{}, edgeChild)
}

func (b *BoltStore) Container(ctx context.Context, ref hierarchy.Ref) (*hierarchy.Container, error) {
	var out *hierarchy.Container
	err := b.db.View(func(tx *bolt.Tx) error {
		c, err := getContainer(tx, refKey(ref))
		if err != nil {
			return err
		}
		if c == nil || c.Deleted {
			return xerrors.E(xerrors.KindNotFound, "catalog.Container", ref.String())
		}
		out = c
		return nil
	})
	return out, err
}

func (b *BoltStore) Children(ctx context.Context, ref hierarchy.Ref) ([]*hierarchy.Container, error) {
	return b.scan(ref, edgeChild)
}

func (b *BoltStore) Analyses(ctx context.Context, ref hierarchy.Ref) ([]*hierarchy.Container, error) {
	return b.scan(ref, edgeAnalysis)
}

func (b *BoltStore) scan(parent hierarchy.Ref, kind byte) ([]*hierarchy.Container, error) {
	var out []*hierarchy.Container
	prefix := edgePrefix(parent, kind)
	err := b.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketEdges).Cursor()
		for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
			c, err := getContainer(tx, v)
			if err != nil {
				return err
			}
			if c != nil && !c.Deleted {
				out = append(out, c)
			}
		}
		return nil
	})
	return out, err
}

func getContainer(tx *bolt.Tx, key []byte) (*hierarchy.Container, error) {
	data := tx.Bucket(bucketContainers).Get(key)
	if data == nil {
		return nil, nil
	}
	var c hierarchy.Container
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "catalog.decode", string(key), err)
	}
	return clone(&c), nil
}

func refKey(ref hierarchy.Ref) []byte {
	return []byte(ref.String())
}

func edgePrefix(parent hierarchy.Ref, kind byte) []byte {
	key := append([]byte(parent.String()), 0, kind)
	return key
}

func edgeKey(parent hierarchy.Ref, kind byte, seq uint64) []byte {
	key := edgePrefix(parent, kind)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return append(key, buf...)
}
