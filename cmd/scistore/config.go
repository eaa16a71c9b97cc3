package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jacktea/scistore/pkg/catalog"
	"github.com/jacktea/scistore/pkg/download"
	"github.com/jacktea/scistore/pkg/hierarchy"
	"github.com/jacktea/scistore/pkg/logging"
	"github.com/jacktea/scistore/pkg/storage"
	"github.com/jacktea/scistore/pkg/ticket"
	"github.com/jacktea/scistore/pkg/xerrors"
)

// Ticket store kinds.
const (
	ticketsMemory = "memory"
	ticketsBolt   = "bolt"
	ticketsRedis  = "redis"
)

type settings struct {
	Providers       map[string]string
	DefaultProvider string
	SignedURLTTL    time.Duration

	CatalogPath      string
	CatalogFile      string
	CatalogCacheSize int
	CatalogCacheTTL  time.Duration

	TicketStore   string
	TicketTTL     time.Duration
	TicketPath    string
	RedisAddr     string
	SweepInterval time.Duration

	Prefix    string
	Retries   int
	ChunkSize int
	Format    download.Format

	HTTPAddr   string
	APIKey     string
	RateLimit  int
	RateWindow time.Duration

	Log  logging.Config
	User hierarchy.Principal
}

func loadSettings(v *viper.Viper) (settings, error) {
	const op = "config"
	s := settings{
		Providers:        v.GetStringMapString("storage.providers"),
		DefaultProvider:  v.GetString("storage.default"),
		SignedURLTTL:     v.GetDuration("storage.signed_url_ttl"),
		CatalogPath:      v.GetString("catalog.path"),
		CatalogFile:      v.GetString("catalog.file"),
		CatalogCacheSize: v.GetInt("catalog.cache_size"),
		CatalogCacheTTL:  v.GetDuration("catalog.cache_ttl"),
		TicketStore:      strings.ToLower(v.GetString("tickets.store")),
		TicketTTL:        v.GetDuration("tickets.ttl"),
		TicketPath:       v.GetString("tickets.path"),
		RedisAddr:        v.GetString("tickets.redis_addr"),
		SweepInterval:    v.GetDuration("tickets.sweep_interval"),
		Prefix:           v.GetString("download.prefix"),
		Retries:          v.GetInt("download.retries"),
		ChunkSize:        v.GetInt("download.chunk_size"),
		HTTPAddr:         v.GetString("http.addr"),
		APIKey:           v.GetString("http.api_key"),
		RateLimit:        v.GetInt("http.rate_limit"),
		RateWindow:       v.GetDuration("http.rate_window"),
		Log: logging.Config{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			File:   v.GetString("log.file"),
		},
		User: hierarchy.Principal{
			ID:    v.GetString("user"),
			Admin: v.GetBool("admin"),
		},
	}
	format, err := download.ParseFormat(v.GetString("download.format"))
	if err != nil {
		return settings{}, xerrors.Wrap(xerrors.KindConfig, op, "download.format", err)
	}
	s.Format = format
	if s.Retries < 0 {
		return settings{}, xerrors.E(xerrors.KindConfig, op, "download.retries")
	}
	switch s.TicketStore {
	case "":
		s.TicketStore = ticketsMemory
	case ticketsMemory:
	case ticketsBolt:
		if s.TicketPath == "" {
			return settings{}, xerrors.E(xerrors.KindConfig, op, "tickets.path")
		}
	case ticketsRedis:
		if s.RedisAddr == "" {
			return settings{}, xerrors.E(xerrors.KindConfig, op, "tickets.redis_addr")
		}
	default:
		return settings{}, xerrors.E(xerrors.KindConfig, op, "tickets.store "+s.TicketStore)
	}
	return s, nil
}

// app builds the components a command needs on first use and releases them
// on close.
type app struct {
	cfg settings
	log *zap.Logger

	router  *storage.Router
	catalog catalog.Store
	tickets ticket.Store
	closers []func() error
}

func newApp(cfg settings, log *zap.Logger) *app {
	if log == nil {
		log = zap.NewNop()
	}
	return &app{cfg: cfg, log: log}
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.log.Sync()
	return errors.Join(errs...)
}

func (a *app) storageRouter(ctx context.Context) (*storage.Router, error) {
	if a.router != nil {
		return a.router, nil
	}
	if len(a.cfg.Providers) == 0 {
		return nil, xerrors.E(xerrors.KindConfig, "config", "storage.providers")
	}
	r, err := storage.NewRegistry().Build(ctx, a.cfg.Providers, a.cfg.DefaultProvider, storage.Options{
		SignedURLTTL: a.cfg.SignedURLTTL,
	})
	if err != nil {
		return nil, err
	}
	a.router = r
	a.closers = append(a.closers, r.Close)
	a.log.Debug("storage ready", zap.Strings("providers", r.Names()), zap.String("default", r.Default()))
	return r, nil
}

// catalogStore opens the bbolt catalog when catalog.path is set, otherwise an
// in-memory one. catalog.file is imported on open. A positive
// catalog.cache_ttl puts a read-through cache in front of the bbolt catalog.
func (a *app) catalogStore(ctx context.Context) (catalog.Store, error) {
	if a.catalog != nil {
		return a.catalog, nil
	}
	var store catalog.Store
	switch {
	case a.cfg.CatalogPath != "":
		b, err := catalog.NewBoltStore(catalog.BoltConfig{Path: a.cfg.CatalogPath})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, b.Close)
		store = b
		if a.cfg.CatalogCacheTTL > 0 {
			store = catalog.NewCached(b, a.cfg.CatalogCacheSize, a.cfg.CatalogCacheTTL)
		}
	case a.cfg.CatalogFile != "":
		store = catalog.NewMemoryStore()
	default:
		return nil, xerrors.E(xerrors.KindConfig, "config", "catalog.path or catalog.file")
	}
	if a.cfg.CatalogFile != "" {
		n, err := catalog.LoadFile(ctx, a.cfg.CatalogFile, store)
		if err != nil {
			return nil, err
		}
		a.log.Info("catalog imported", zap.String("file", a.cfg.CatalogFile), zap.Int("containers", n))
	}
	a.catalog = store
	return store, nil
}

func (a *app) ticketStore(ctx context.Context) (ticket.Store, error) {
	if a.tickets != nil {
		return a.tickets, nil
	}
	switch a.cfg.TicketStore {
	case ticketsBolt:
		b, err := ticket.NewBoltStore(ticket.BoltConfig{Path: a.cfg.TicketPath})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, b.Close)
		a.tickets = b
	case ticketsRedis:
		r, err := ticket.NewRedisStore(ctx, ticket.RedisConfig{Addr: a.cfg.RedisAddr})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, r.Close)
		a.tickets = r
	default:
		a.tickets = ticket.NewMemoryStore(0)
	}
	return a.tickets, nil
}

func (a *app) engine(ctx context.Context, reg prometheus.Registerer) (*download.Engine, error) {
	src, err := a.catalogStore(ctx)
	if err != nil {
		return nil, err
	}
	router, err := a.storageRouter(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.ticketStore(ctx)
	if err != nil {
		return nil, err
	}
	return download.New(src, hierarchy.PermissionAuthorizer{}, router, store, download.Options{
		Prefix:     a.cfg.Prefix,
		TTL:        a.cfg.TicketTTL,
		Retries:    a.cfg.Retries,
		ChunkSize:  a.cfg.ChunkSize,
		Format:     a.cfg.Format,
		Logger:     a.log.Named("download"),
		Registerer: reg,
	})
}

// sweeper returns nil for stores that expire tickets on their own.
func (a *app) sweeper(ctx context.Context) (*ticket.Sweeper, error) {
	store, err := a.ticketStore(ctx)
	if err != nil {
		return nil, err
	}
	purger, ok := store.(ticket.Purger)
	if !ok {
		return nil, nil
	}
	return ticket.NewSweeper(ticket.SweeperOptions{Store: purger, Logger: a.log.Named("sweeper")}), nil
}
