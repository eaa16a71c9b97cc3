package download

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/jacktea/scistore/pkg/ticket"
	"github.com/jacktea/scistore/pkg/xerrors"
)

// Chunk is one piece of an archive entry. First marks the chunk that starts
// the entry; a zero-length entry yields a single First chunk without data.
// Data is only valid until the next call to Next.
type Chunk struct {
	Entry *ticket.Entry
	First bool
	Data  []byte
}

// Path returns the archive path of the chunk's entry.
func (c Chunk) Path() string { return c.Entry.ArchivePath }

// Producer walks a manifest in order and yields its bytes chunk by chunk.
// A failed read is retried by reopening the source at the failed offset.
// Entries missing at open time are skipped when the ticket is optional.
type Producer struct {
	entries  []ticket.Entry
	optional bool
	opener   Opener
	retries  int
	buf      []byte
	log      *zap.Logger
	metrics  *Metrics

	idx      int
	cur      io.ReadCloser
	offset   int64
	started  bool
	attempts int
	skipped  int
}

// ProducerOptions configures a Producer.
type ProducerOptions struct {
	Opener    Opener
	Retries   int
	ChunkSize int
	Logger    *zap.Logger
	Metrics   *Metrics
}

// NewProducer returns a producer over the manifest of t.
func NewProducer(t *ticket.Ticket, opts ProducerOptions) *Producer {
	size := opts.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Producer{
		entries:  t.Manifest.Entries,
		optional: t.Optional,
		opener:   opts.Opener,
		retries:  opts.Retries,
		buf:      make([]byte, size),
		log:      log.With(zap.String("ticket", t.ID)),
		metrics:  metrics,
	}
}

// Skipped returns the number of entries skipped so far.
func (p *Producer) Skipped() int { return p.skipped }

// Prime opens the source of the first entry that will be streamed, so that
// failures surface before any output is written.
func (p *Producer) Prime(ctx context.Context) error {
	_, err := p.open(ctx)
	return err
}

// Next returns the next chunk, or io.EOF once every entry is done.
func (p *Producer) Next(ctx context.Context) (Chunk, error) {
	for {
		if err := ctx.Err(); err != nil {
			p.Close()
			return Chunk{}, err
		}
		e, err := p.open(ctx)
		if err != nil {
			p.metrics.entries.WithLabelValues(resultFailed).Inc()
			return Chunk{}, err
		}
		if e == nil {
			return Chunk{}, io.EOF
		}
		remaining := e.File.Size - p.offset
		if remaining <= 0 {
			first := !p.started
			p.finish()
			if first {
				return Chunk{Entry: e, First: true}, nil
			}
			continue
		}
		buf := p.buf
		if int64(len(buf)) > remaining {
			buf = buf[:remaining]
		}
		n, rerr := p.cur.Read(buf)
		if n > 0 {
			first := !p.started
			p.started = true
			p.offset += int64(n)
			p.metrics.bytes.Add(float64(n))
			if p.offset == e.File.Size {
				p.finish()
			}
			return Chunk{Entry: e, First: first, Data: buf[:n]}, nil
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			rerr = io.ErrUnexpectedEOF
		}
		if err := p.retry(ctx, e, rerr); err != nil {
			p.metrics.entries.WithLabelValues(resultFailed).Inc()
			return Chunk{}, err
		}
	}
}

// Close releases the open source, if any.
func (p *Producer) Close() error {
	if p.cur == nil {
		return nil
	}
	err := p.cur.Close()
	p.cur = nil
	return err
}

// open makes sure the current entry has a source, skipping optional entries
// that are gone. It returns nil when the manifest is exhausted.
func (p *Producer) open(ctx context.Context) (*ticket.Entry, error) {
	for p.idx < len(p.entries) {
		e := &p.entries[p.idx]
		if p.cur != nil {
			return e, nil
		}
		rc, err := p.opener.Open(ctx, e, p.offset)
		if err == nil {
			p.cur = rc
			return e, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if xerrors.IsNotFound(err) && p.optional && !p.started {
			p.log.Warn("manifest entry missing, skipped",
				zap.String("path", e.ArchivePath), zap.String("uuid", e.File.UUID), zap.Error(err))
			p.metrics.entries.WithLabelValues(resultSkipped).Inc()
			p.skipped++
			p.next()
			continue
		}
		if err := p.retry(ctx, e, err); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// retry records a failed attempt on e and drops the current source so the
// next open resumes at the current offset. It returns the terminal error
// once the retry budget is spent or the failure is not transient.
func (p *Producer) retry(ctx context.Context, e *ticket.Entry, cause error) error {
	p.Close()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !transient(cause) || p.attempts >= p.retries {
		p.log.Error("archive entry failed",
			zap.String("path", e.ArchivePath), zap.Int64("offset", p.offset),
			zap.Int("attempts", p.attempts+1), zap.Error(cause))
		kind := xerrors.KindOf(cause)
		if kind == xerrors.KindInternal {
			kind = xerrors.KindIO
		}
		return xerrors.Wrap(kind, "download.entry", e.ArchivePath, cause)
	}
	p.attempts++
	p.metrics.retries.Inc()
	p.log.Warn("archive entry read failed, retrying",
		zap.String("path", e.ArchivePath), zap.Int64("offset", p.offset), zap.Error(cause))
	return nil
}

func (p *Producer) finish() {
	p.Close()
	p.metrics.entries.WithLabelValues(resultOK).Inc()
	p.next()
}

func (p *Producer) next() {
	p.idx++
	p.offset = 0
	p.started = false
	p.attempts = 0
}

// transient reports whether a source failure may succeed on a new attempt.
func transient(err error) bool {
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound, xerrors.KindForbidden, xerrors.KindNotSupported,
		xerrors.KindInvalid, xerrors.KindConfig:
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
