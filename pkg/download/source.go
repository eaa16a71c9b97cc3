package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/jacktea/scistore/pkg/storage"
	"github.com/jacktea/scistore/pkg/ticket"
	"github.com/jacktea/scistore/pkg/xerrors"
)

// Opener returns the bytes of a manifest entry starting at offset.
type Opener interface {
	Open(ctx context.Context, e *ticket.Entry, offset int64) (io.ReadCloser, error)
}

// RouterOpener reads entries through the storage router. Backends serving
// signed URLs are fetched over HTTP, others are opened directly.
type RouterOpener struct {
	Router *storage.Router
	Client *http.Client
}

// Open implements Opener.
func (o *RouterOpener) Open(ctx context.Context, e *ticket.Entry, offset int64) (io.ReadCloser, error) {
	b, err := o.Router.Backend(e.File.Provider)
	if err != nil {
		return nil, err
	}
	if b.IsSignedURL() {
		u, err := b.SignedURL(ctx, e.File.UUID, e.File.PathHint, storage.URLOptions{Purpose: storage.PurposeDownload})
		if err != nil {
			return nil, err
		}
		return o.fetch(ctx, u, e.ArchivePath, offset)
	}
	f, err := b.Open(ctx, e.File.UUID, e.File.PathHint, storage.ModeRead)
	if err != nil {
		return nil, err
	}
	if err := skip(f, offset); err != nil {
		f.Close()
		return nil, xerrors.Wrap(xerrors.KindIO, "download.open", e.ArchivePath, err)
	}
	return f, nil
}

func (o *RouterOpener) fetch(ctx context.Context, url, name string, offset int64) (io.ReadCloser, error) {
	const op = "download.fetch"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, op, name, err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, op, name, err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		// A plain 200 carries the whole object. Some servers honor the range
		// but still answer 200, so Content-Range wins when present.
		start := int64(0)
		if n, ok := rangeStart(resp.Header.Get("Content-Range")); ok {
			start = n
		} else if resp.StatusCode == http.StatusPartialContent {
			start = offset
		}
		if start > offset {
			resp.Body.Close()
			return nil, xerrors.E(xerrors.KindIO, op, fmt.Sprintf("%s: body starts at %d, want %d", name, start, offset))
		}
		if err := skip(resp.Body, offset-start); err != nil {
			resp.Body.Close()
			return nil, xerrors.Wrap(xerrors.KindIO, op, name, err)
		}
		return resp.Body, nil
	}
	resp.Body.Close()
	kind := xerrors.KindIO
	switch resp.StatusCode {
	case http.StatusNotFound:
		kind = xerrors.KindNotFound
	case http.StatusForbidden:
		kind = xerrors.KindForbidden
	}
	return nil, xerrors.Wrap(kind, op, name, fmt.Errorf("unexpected status %s", resp.Status))
}

// rangeStart parses the first byte position of a Content-Range header such
// as "bytes 6-16/17".
func rangeStart(h string) (int64, bool) {
	spec, ok := strings.CutPrefix(h, "bytes ")
	if !ok {
		return 0, false
	}
	first, _, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// skip advances r by n bytes, seeking when r supports it.
func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if s, ok := r.(io.Seeker); ok {
		_, err := s.Seek(n, io.SeekStart)
		return err
	}
	_, err := io.CopyN(io.Discard, r, n)
	return err
}
