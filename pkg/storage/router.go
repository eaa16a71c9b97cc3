package storage

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/jacktea/scistore/pkg/xerrors"
)

// Options are shared by every factory.
type Options struct {
	SignedURLTTL time.Duration
}

// Factory builds a backend from a provider URL.
type Factory func(ctx context.Context, u *url.URL, opts Options) (Backend, error)

// Registry maps URL schemes to backend factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in schemes: osfs and file
// (host directory), mem (in-memory) and s3.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.factories["osfs"] = osFactory
	r.factories["file"] = osFactory
	r.factories["mem"] = memFactory
	r.factories["s3"] = s3Factory
	return r
}

// Register adds a scheme. Registering a scheme twice is an error.
func (r *Registry) Register(scheme string, f Factory) error {
	scheme = strings.ToLower(scheme)
	if _, ok := r.factories[scheme]; ok {
		return xerrors.E(xerrors.KindConflict, "storage.Register", scheme)
	}
	r.factories[scheme] = f
	return nil
}

// Router owns one backend per configured provider. It is immutable once
// built and safe for concurrent use.
type Router struct {
	backends map[string]Backend
	def      string
}

// Build constructs every provider. providers maps a provider name to its
// URL; def names the provider used for files that carry none. Unknown
// schemes fail with KindConfig.
func (r *Registry) Build(ctx context.Context, providers map[string]string, def string, opts Options) (*Router, error) {
	if len(providers) == 0 {
		return nil, xerrors.E(xerrors.KindConfig, "storage.Build", "no providers")
	}
	router := &Router{backends: make(map[string]Backend, len(providers)), def: def}
	for name, raw := range providers {
		b, err := r.open(ctx, raw, opts)
		if err != nil {
			router.Close()
			return nil, xerrors.Wrap(xerrors.KindConfig, "storage.Build", name, err)
		}
		router.backends[name] = b
	}
	if def == "" && len(providers) == 1 {
		for name := range providers {
			router.def = name
		}
	}
	if _, ok := router.backends[router.def]; !ok {
		router.Close()
		return nil, xerrors.E(xerrors.KindConfig, "storage.Build", "default provider "+def)
	}
	return router, nil
}

func (r *Registry) open(ctx context.Context, raw string, opts Options) (Backend, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	f, ok := r.factories[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, xerrors.E(xerrors.KindConfig, "storage.open", "unknown scheme "+u.Scheme)
	}
	return f(ctx, u, opts)
}

// NewRouter builds a router from explicit backends.
func NewRouter(backends map[string]Backend, def string) (*Router, error) {
	if _, ok := backends[def]; !ok {
		return nil, xerrors.E(xerrors.KindConfig, "storage.NewRouter", "default provider "+def)
	}
	copied := make(map[string]Backend, len(backends))
	for k, v := range backends {
		copied[k] = v
	}
	return &Router{backends: copied, def: def}, nil
}

// Backend returns the named provider; "" selects the default.
func (r *Router) Backend(name string) (Backend, error) {
	if name == "" {
		name = r.def
	}
	b, ok := r.backends[name]
	if !ok {
		return nil, xerrors.E(xerrors.KindNotFound, "storage.Backend", name)
	}
	return b, nil
}

// Default returns the name of the default provider.
func (r *Router) Default() string { return r.def }

// Names lists the configured providers.
func (r *Router) Names() []string {
	out := make([]string, 0, len(r.backends))
	for name := range r.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close releases backends that hold resources.
func (r *Router) Close() error {
	var errs []error
	for _, b := range r.backends {
		if c, ok := b.(Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

func osFactory(ctx context.Context, u *url.URL, opts Options) (Backend, error) {
	root := u.Path
	if u.Host != "" {
		root = u.Host + u.Path
	}
	return NewOSBackend(root, localOptions(u))
}

func memFactory(ctx context.Context, u *url.URL, opts Options) (Backend, error) {
	return NewMemoryBackend(localOptions(u)), nil
}

func localOptions(u *url.URL) LocalOptions {
	v := u.Query().Get("require_path_hint")
	return LocalOptions{RequirePathHint: v == "1" || strings.EqualFold(v, "true")}
}

func s3Factory(ctx context.Context, u *url.URL, opts Options) (Backend, error) {
	cfg, err := S3ConfigFromURL(u)
	if err != nil {
		return nil, err
	}
	cfg.URLTTL = opts.SignedURLTTL
	return NewS3Backend(ctx, cfg)
}
