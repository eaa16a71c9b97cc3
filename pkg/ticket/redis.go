package ticket

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jacktea/scistore/pkg/xerrors"
)

// RedisConfig configures the Redis-backed ticket store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces ticket keys. Defaults to "scistore:ticket:".
	Prefix string
}

// RedisStore shares tickets between replicas. Redis expires keys on its own,
// so the store needs no sweeping; Take maps to GETDEL.
type RedisStore struct {
	client redis.Cmdable
	closer func() error
	prefix string
	now    func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, xerrors.E(xerrors.KindConfig, "ticket.NewRedisStore", "addr")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.KindConfig, "ticket.NewRedisStore", cfg.Addr, err)
	}
	s := NewRedisStoreFromClient(client, cfg.Prefix)
	s.closer = client.Close
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "scistore:ticket:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// Close releases the connection when the store owns it.
func (r *RedisStore) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

func (r *RedisStore) Put(ctx context.Context, t *Ticket) error {
	if t == nil || t.ID == "" {
		return xerrors.E(xerrors.KindInvalid, "ticket.Put", "id")
	}
	var ttl time.Duration
	if !t.Expires.IsZero() {
		ttl = t.Expires.Sub(r.now())
		if ttl <= 0 {
			return xerrors.E(xerrors.KindInvalid, "ticket.Put", "already expired")
		}
	}
	data, err := Encode(t)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.prefix+t.ID, data, ttl).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.KindIO, "ticket.Put", t.ID, err)
	}
	if !ok {
		return xerrors.E(xerrors.KindConflict, "ticket.Put", t.ID)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Ticket, error) {
	return r.decode("ticket.Get", id, r.client.Get(ctx, r.prefix+id))
}

func (r *RedisStore) Take(ctx context.Context, id string) (*Ticket, error) {
	return r.decode("ticket.Take", id, r.client.GetDel(ctx, r.prefix+id))
}

func (r *RedisStore) decode(op, id string, cmd *redis.StringCmd) (*Ticket, error) {
	data, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, xerrors.E(xerrors.KindNotFound, op, id)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, op, id, err)
	}
	t, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if t.Expired(r.now()) {
		return nil, xerrors.E(xerrors.KindNotFound, op, id)
	}
	return t, nil
}
