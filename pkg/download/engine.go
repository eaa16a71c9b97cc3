// Package download turns a selection of hierarchy nodes into a single-use
// ticket and later streams the ticket's files as a tar archive.
package download

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jacktea/scistore/pkg/hierarchy"
	"github.com/jacktea/scistore/pkg/storage"
	"github.com/jacktea/scistore/pkg/ticket"
	"github.com/jacktea/scistore/pkg/xerrors"
)

// DefaultPrefix is the top-level directory of generated archives.
const DefaultPrefix = "scitran"

// Options configures an Engine.
type Options struct {
	// Prefix is the default top-level archive directory.
	Prefix string
	// TTL bounds how long a ticket stays redeemable.
	TTL time.Duration
	// Retries is the number of reopen attempts per entry after a failed read.
	Retries int
	// ChunkSize is the copy buffer size.
	ChunkSize int
	// Format is the default archive format.
	Format Format
	// Opener overrides how entry bytes are read. Defaults to a RouterOpener.
	Opener     Opener
	HTTPClient *http.Client
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// Engine issues and redeems download tickets.
type Engine struct {
	src     hierarchy.Source
	auth    hierarchy.Authorizer
	store   ticket.Store
	opener  Opener
	opts    Options
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

// New builds an engine. router may be nil when opts.Opener is set.
func New(src hierarchy.Source, auth hierarchy.Authorizer, router *storage.Router, store ticket.Store, opts Options) (*Engine, error) {
	const op = "download.New"
	switch {
	case src == nil:
		return nil, xerrors.E(xerrors.KindConfig, op, "source")
	case auth == nil:
		return nil, xerrors.E(xerrors.KindConfig, op, "authorizer")
	case store == nil:
		return nil, xerrors.E(xerrors.KindConfig, op, "ticket store")
	}
	opener := opts.Opener
	if opener == nil {
		if router == nil {
			return nil, xerrors.E(xerrors.KindConfig, op, "storage router")
		}
		opener = &RouterOpener{Router: router, Client: opts.HTTPClient}
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = ticket.DefaultTTL
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Format == "" {
		opts.Format = FormatTar
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		src:     src,
		auth:    auth,
		store:   store,
		opener:  opener,
		opts:    opts,
		log:     log,
		metrics: NewMetrics(opts.Registerer),
		now:     now,
	}, nil
}

// Request selects the nodes of a ticket.
type Request struct {
	Nodes []hierarchy.Ref `json:"nodes"`
	// Optional drops unreadable or missing nodes instead of failing, and
	// skips entries that disappear before redemption.
	Optional bool     `json:"optional"`
	Filters  []Filter `json:"filters,omitempty"`
	// Names are path.Match patterns on file names.
	Names  []string `json:"names,omitempty"`
	Prefix string   `json:"prefix,omitempty"`
	Format string   `json:"format,omitempty"`
}

// CreateTicket enumerates the files under req.Nodes and stores a ticket bound
// to clientIP.
func (e *Engine) CreateTicket(ctx context.Context, p hierarchy.Principal, clientIP string, req Request) (*ticket.Ticket, error) {
	const op = "download.CreateTicket"
	if len(req.Nodes) == 0 {
		return nil, xerrors.E(xerrors.KindInvalid, op, "nodes")
	}
	format, err := e.format(req.Format)
	if err != nil {
		return nil, err
	}
	sel, err := newSelection(req.Filters, req.Names)
	if err != nil {
		return nil, err
	}
	prefix := req.Prefix
	if prefix == "" {
		prefix = e.opts.Prefix
	}
	col := &collector{e: e, p: p, sel: sel}
	var analysis *hierarchy.Container
	for _, ref := range req.Nodes {
		if !ref.Level.Valid() || ref.ID == "" {
			return nil, xerrors.E(xerrors.KindInvalid, op, ref.String())
		}
		chain, err := hierarchy.Chain(ctx, e.src, ref)
		if err != nil {
			if xerrors.IsNotFound(err) && req.Optional {
				e.log.Warn("download node missing, skipped", zap.Stringer("node", ref))
				continue
			}
			return nil, err
		}
		node := chain[len(chain)-1]
		if node.Deleted {
			if req.Optional {
				continue
			}
			return nil, xerrors.E(xerrors.KindNotFound, op, ref.String())
		}
		if !e.auth.CanRead(p, node) {
			if req.Optional {
				e.log.Debug("download node not readable, skipped",
					zap.Stringer("node", ref), zap.String("principal", p.ID))
				continue
			}
			return nil, xerrors.E(xerrors.KindForbidden, op, ref.String())
		}
		refs := make([]hierarchy.Ref, 0, len(chain))
		for _, c := range chain[:len(chain)-1] {
			refs = append(refs, c.Ref())
		}
		var base string
		if node.Level == hierarchy.LevelAnalysis {
			base = Segment(node)
			analysis = node
		} else {
			segs := []string{prefix}
			for _, c := range chain {
				segs = append(segs, Segment(c))
			}
			base = joinPath(segs...)
		}
		if err := col.walk(ctx, node, refs, base); err != nil {
			return nil, err
		}
	}
	if col.m.FileCount == 0 {
		return nil, xerrors.E(xerrors.KindNotFound, op, "no files")
	}
	filename := archiveFilename(prefix, format, e.now())
	if analysis != nil && len(req.Nodes) == 1 {
		filename = analysisFilename(analysis, format)
	}
	return e.issue(ctx, p, clientIP, filename, format, req.Optional, &col.m)
}

// FileSpec names one file by its owning container.
type FileSpec struct {
	Level       hierarchy.Level `json:"level"`
	ContainerID string          `json:"container_id"`
	Filename    string          `json:"filename"`
}

var bulkLevels = map[hierarchy.Level]bool{
	hierarchy.LevelProject:     true,
	hierarchy.LevelSession:     true,
	hierarchy.LevelAcquisition: true,
	hierarchy.LevelAnalysis:    true,
}

// CreateBulkTicket issues a ticket for individually named files. Files that
// are missing or not readable are skipped; the archive path of each file is
// <level plural>/<container id>/<name>.
func (e *Engine) CreateBulkTicket(ctx context.Context, p hierarchy.Principal, clientIP string, files []FileSpec, format string) (*ticket.Ticket, error) {
	const op = "download.CreateBulkTicket"
	f, err := e.format(format)
	if err != nil {
		return nil, err
	}
	var m ticket.Manifest
	for _, spec := range files {
		if !bulkLevels[spec.Level] {
			return nil, xerrors.E(xerrors.KindInvalid, op, string(spec.Level))
		}
		ref := hierarchy.Ref{Level: spec.Level, ID: spec.ContainerID}
		c, err := e.src.Container(ctx, ref)
		if err != nil {
			if xerrors.IsNotFound(err) {
				e.log.Warn("bulk download container missing, skipped", zap.Stringer("node", ref))
				continue
			}
			return nil, err
		}
		if c.Deleted || !e.auth.CanRead(p, c) {
			continue
		}
		file, ok := c.File(spec.Filename)
		if !ok {
			e.log.Warn("bulk download file missing, skipped",
				zap.Stringer("node", ref), zap.String("file", spec.Filename))
			continue
		}
		m.Add(ticket.Entry{
			ArchivePath: joinPath(spec.Level.Plural(), Sanitize(c.ID), entryName(file.Name)),
			File:        file,
			Chain:       []hierarchy.Ref{ref},
		})
	}
	if m.FileCount == 0 {
		return nil, xerrors.E(xerrors.KindNotFound, op, "no files")
	}
	return e.issue(ctx, p, clientIP, archiveFilename(e.opts.Prefix, f, e.now()), f, true, &m)
}

func (e *Engine) issue(ctx context.Context, p hierarchy.Principal, clientIP, filename string, format Format, optional bool, m *ticket.Manifest) (*ticket.Ticket, error) {
	now := e.now()
	t := &ticket.Ticket{
		ID:        ticket.NewID(),
		Principal: p.ID,
		ClientIP:  clientIP,
		Filename:  filename,
		Format:    string(format),
		Optional:  optional,
		Manifest:  *m,
		Created:   now,
		Expires:   now.Add(e.opts.TTL),
	}
	if err := e.store.Put(ctx, t); err != nil {
		return nil, err
	}
	e.metrics.ticketsCreated.Inc()
	e.log.Info("download ticket issued",
		zap.String("ticket", t.ID), zap.String("principal", p.ID),
		zap.Int("files", m.FileCount), zap.Int64("size", m.TotalSize))
	return t, nil
}

func (e *Engine) format(s string) (Format, error) {
	if s == "" {
		return e.opts.Format, nil
	}
	return ParseFormat(s)
}

// Targets returns the ticket without consuming it.
func (e *Engine) Targets(ctx context.Context, id string) (*ticket.Ticket, error) {
	return e.store.Get(ctx, id)
}

// Redemption is a consumed ticket ready to stream.
type Redemption struct {
	Ticket   *ticket.Ticket
	Format   Format
	producer *Producer
	log      *zap.Logger
}

// Redeem consumes the ticket and opens its first entry. A ticket bound to a
// different client address, or one with an unusable format, is rejected
// without being consumed.
func (e *Engine) Redeem(ctx context.Context, id, clientIP string) (*Redemption, error) {
	const op = "download.Redeem"
	peek, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if peek.ClientIP != "" && peek.ClientIP != clientIP {
		return nil, xerrors.E(xerrors.KindInvalid, op, "ticket not issued to this address")
	}
	format, err := ParseFormat(peek.Format)
	if err != nil {
		return nil, err
	}
	t, err := e.store.Take(ctx, id)
	if err != nil {
		return nil, err
	}
	e.metrics.ticketsRedeemed.Inc()
	p := NewProducer(t, ProducerOptions{
		Opener:    e.opener,
		Retries:   e.opts.Retries,
		ChunkSize: e.opts.ChunkSize,
		Logger:    e.log,
		Metrics:   e.metrics,
	})
	if err := p.Prime(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return &Redemption{Ticket: t, Format: format, producer: p, log: e.log}, nil
}

// WriteTo streams the archive to w.
func (r *Redemption) WriteTo(ctx context.Context, w io.Writer) (StreamStats, error) {
	stats, err := Stream(ctx, w, r.producer, r.Format)
	if err != nil {
		r.log.Error("archive stream failed",
			zap.String("ticket", r.Ticket.ID), zap.Int("entries", stats.Entries), zap.Error(err))
		return stats, err
	}
	r.log.Info("archive streamed",
		zap.String("ticket", r.Ticket.ID), zap.Int("entries", stats.Entries),
		zap.Int("skipped", stats.Skipped), zap.Int64("bytes", stats.Bytes))
	return stats, nil
}

// Close releases the redemption without streaming.
func (r *Redemption) Close() error {
	return r.producer.Close()
}

// collector accumulates the manifest of one request.
type collector struct {
	e   *Engine
	p   hierarchy.Principal
	sel selection
	m   ticket.Manifest
}

// walk adds the files under c depth first: readable sub-containers in
// insertion order, then c's own files.
func (col *collector) walk(ctx context.Context, c *hierarchy.Container, ancestors []hierarchy.Ref, base string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chain := append(ancestors[:len(ancestors):len(ancestors)], c.Ref())
	if c.Level == hierarchy.LevelAnalysis {
		col.add(c.Inputs, chain, joinPath(base, groupInput))
		col.add(c.Files, chain, joinPath(base, groupOutput))
		return nil
	}
	if _, ok := c.Level.Child(); ok {
		children, err := col.e.src.Children(ctx, c.Ref())
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.Deleted || !col.e.auth.CanRead(col.p, child) {
				continue
			}
			if err := col.walk(ctx, child, chain, joinPath(base, Segment(child))); err != nil {
				return err
			}
		}
	}
	col.add(c.Files, chain, base)
	return nil
}

func (col *collector) add(files []hierarchy.FileRef, chain []hierarchy.Ref, dir string) {
	for _, f := range files {
		name := entryName(f.Name)
		if name == "" || !col.sel.match(f) {
			continue
		}
		col.m.Add(ticket.Entry{
			ArchivePath: joinPath(dir, name),
			File:        f,
			Chain:       chain,
		})
	}
}
