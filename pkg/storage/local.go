package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/jacktea/scistore/pkg/xerrors"
)

// LocalOptions configure a LocalBackend.
type LocalOptions struct {
	// RequirePathHint models legacy media that can only address files by an
	// explicit path. Writes without a hint fail with KindNotSupported, other
	// operations with KindNotFound.
	RequirePathHint bool
}

// LocalBackend stores files on a billy filesystem: the host filesystem for
// osfs:// and file:// providers, memory for mem:// providers.
type LocalBackend struct {
	fs   billy.Filesystem
	opts LocalOptions
}

// NewLocalBackend wraps an existing billy filesystem.
func NewLocalBackend(fs billy.Filesystem, opts LocalOptions) (*LocalBackend, error) {
	if fs == nil {
		return nil, xerrors.E(xerrors.KindConfig, "storage.NewLocalBackend", "filesystem")
	}
	return &LocalBackend{fs: fs, opts: opts}, nil
}

// NewOSBackend returns a backend rooted at a host directory.
func NewOSBackend(root string, opts LocalOptions) (*LocalBackend, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindConfig, "storage.NewOSBackend", "root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindConfig, "storage.NewOSBackend", root, err)
	}
	return NewLocalBackend(osfs.New(root), opts)
}

// NewMemoryBackend returns a backend held in memory.
func NewMemoryBackend(opts LocalOptions) *LocalBackend {
	return &LocalBackend{fs: memfs.New(), opts: opts}
}

func (l *LocalBackend) locate(op, uuid, pathHint string, mode Mode) (string, error) {
	if pathHint == "" && l.opts.RequirePathHint {
		if mode == ModeWrite {
			return "", xerrors.E(xerrors.KindNotSupported, op, "write without path hint")
		}
		return "", xerrors.E(xerrors.KindNotFound, op, uuid)
	}
	return Locate(uuid, pathHint)
}

func (l *LocalBackend) Open(ctx context.Context, uuid, pathHint string, mode Mode) (File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.locate("storage.Open", uuid, pathHint, mode)
	if err != nil {
		return nil, err
	}
	if mode == ModeWrite {
		return l.create(p)
	}
	f, err := l.fs.Open(p)
	if err != nil {
		return nil, classify("storage.Open", p, err)
	}
	return &localReader{File: f}, nil
}

// create writes to a temp file next to p and renames it into place on Close.
func (l *LocalBackend) create(p string) (File, error) {
	dir := path.Dir(p)
	if err := l.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, classify("storage.mkdir", dir, err)
	}
	tmp, err := l.fs.TempFile(dir, ".upload-")
	if err != nil {
		return nil, classify("storage.Open", p, err)
	}
	return writeOnly{&localWriter{fs: l.fs, tmp: tmp, final: p}}, nil
}

func (l *LocalBackend) Remove(ctx context.Context, uuid, pathHint string) error {
	p, err := l.locate("storage.Remove", uuid, pathHint, ModeRead)
	if err != nil {
		return err
	}
	if err := l.fs.Remove(p); err != nil {
		return classify("storage.Remove", p, err)
	}
	return nil
}

func (l *LocalBackend) IsSignedURL() bool { return false }

func (l *LocalBackend) SignedURL(ctx context.Context, uuid, pathHint string, opts URLOptions) (string, error) {
	return "", xerrors.E(xerrors.KindNotSupported, "storage.SignedURL", "local backend")
}

func (l *LocalBackend) FileHash(ctx context.Context, uuid, pathHint string) (string, error) {
	f, err := l.Open(ctx, uuid, pathHint, ModeRead)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HashReader(ctx, f, DefaultAlgorithm)
}

func (l *LocalBackend) FileInfo(ctx context.Context, uuid, pathHint string) (*FileInfo, error) {
	p, err := l.locate("storage.FileInfo", uuid, pathHint, ModeRead)
	if err != nil {
		return nil, err
	}
	fi, err := l.fs.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("storage.FileInfo", p, err)
	}
	if fi.IsDir() {
		return nil, nil
	}
	return &FileInfo{Size: fi.Size(), Modified: fi.ModTime()}, nil
}

type localReader struct {
	billy.File
}

func (r *localReader) Write([]byte) (int, error) {
	return 0, xerrors.E(xerrors.KindNotSupported, "storage.Write", "read-mode file")
}

// localWriter commits on Close. A failed Write turns Close into an abort.
type localWriter struct {
	fs     billy.Filesystem
	tmp    billy.File
	final  string
	closed bool
	err    error
}

func (w *localWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.tmp.Write(p)
	if err != nil {
		w.err = xerrors.Wrap(xerrors.KindIO, "storage.Write", w.final, err)
		return n, w.err
	}
	return n, nil
}

func (w *localWriter) Abort(cause error) error {
	if w.closed {
		return nil
	}
	w.closed = true
	name := w.tmp.Name()
	w.tmp.Close()
	if err := w.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return classify("storage.Abort", name, err)
	}
	return nil
}

func (w *localWriter) Close() error {
	if w.closed {
		return nil
	}
	if w.err != nil {
		w.Abort(w.err)
		return w.err
	}
	w.closed = true
	name := w.tmp.Name()
	if err := w.tmp.Close(); err != nil {
		w.fs.Remove(name)
		return xerrors.Wrap(xerrors.KindIO, "storage.Close", w.final, err)
	}
	if err := w.fs.Rename(name, w.final); err != nil {
		// Some filesystems refuse to rename over an existing file.
		w.fs.Remove(w.final)
		if err := w.fs.Rename(name, w.final); err != nil {
			w.fs.Remove(name)
			return classify("storage.Close", w.final, err)
		}
	}
	return nil
}

func classify(op, p string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return xerrors.Wrap(xerrors.KindNotFound, op, p, err)
	case errors.Is(err, os.ErrPermission):
		return xerrors.Wrap(xerrors.KindForbidden, op, p, err)
	}
	return xerrors.Wrap(xerrors.KindIO, op, p, err)
}

var (
	_ Backend   = (*LocalBackend)(nil)
	_ io.Seeker = (*localReader)(nil)
	_ Aborter   = writeOnly{}
)
