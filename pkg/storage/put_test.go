package storage

import (
	"context"
	"errors"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacktea/scistore/pkg/xerrors"
)

var errDiskFull = errors.New("disk full")

// halfBackend stores half of every write and then reports a full disk.
type halfBackend struct{ *LocalBackend }

func (b halfBackend) Open(ctx context.Context, uuid, pathHint string, mode Mode) (File, error) {
	f, err := b.LocalBackend.Open(ctx, uuid, pathHint, mode)
	if err != nil || mode != ModeWrite {
		return f, err
	}
	return &halfWriter{File: f}, nil
}

type halfWriter struct{ File }

func (h *halfWriter) Write(p []byte) (int, error) {
	n, err := h.File.Write(p[:len(p)/2])
	if err != nil {
		return n, err
	}
	return n, errDiskFull
}

func (h *halfWriter) Abort(cause error) error { return Abort(h.File, cause) }

func TestPutContentFailedWriteLeavesNothing(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend(LocalOptions{})
	data := "0123456789"

	_, err := PutContent(ctx, halfBackend{mem}, strings.NewReader(data), DefaultAlgorithm)
	require.Error(t, err)
	require.Equal(t, xerrors.KindIO, xerrors.KindOf(err))

	formatted, err := HashReader(ctx, strings.NewReader(data), DefaultAlgorithm)
	require.NoError(t, err)
	target, err := ContentPath(formatted)
	require.NoError(t, err)
	info, err := mem.FileInfo(ctx, "", target)
	require.NoError(t, err)
	require.Nil(t, info, "truncated content must not reach its address")

	left, err := mem.fs.ReadDir(path.Dir(target))
	require.NoError(t, err)
	require.Empty(t, left, "temp file removed")

	// A later put of the same bytes is a real write, not a dedup hit.
	stored, err := PutContent(ctx, mem, strings.NewReader(data), DefaultAlgorithm)
	require.NoError(t, err)
	require.False(t, stored.Deduplicated)
	require.Equal(t, data, readFile(t, mem, "", target))
}

func TestAbortKeepsPreviousContent(t *testing.T) {
	backends := map[string]Backend{"s3": newFakeS3(t, "data")}
	for name, b := range localBackends(t) {
		backends[name] = b
	}
	for name, b := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			writeFile(t, b, "", "a/b/kept.bin", "original")

			w, err := b.Open(ctx, "", "a/b/kept.bin", ModeWrite)
			require.NoError(t, err)
			_, err = w.Write([]byte("partial"))
			require.NoError(t, err)
			require.NoError(t, Abort(w, errDiskFull))
			require.Equal(t, "original", readFile(t, b, "", "a/b/kept.bin"))

			w, err = b.Open(ctx, "", "a/b/fresh.bin", ModeWrite)
			require.NoError(t, err)
			require.NoError(t, Abort(w, nil))
			info, err := b.FileInfo(ctx, "", "a/b/fresh.bin")
			require.NoError(t, err)
			require.Nil(t, info)
		})
	}
}

// breakWriter makes the next Write on a backend file fail.
func breakWriter(t *testing.T, f File) {
	t.Helper()
	switch w := f.(writeOnly).pendingWrite.(type) {
	case *localWriter:
		require.NoError(t, w.tmp.Close())
	case *s3Writer:
		w.pw.CloseWithError(errDiskFull)
	default:
		t.Fatalf("unexpected writer %T", w)
	}
}

func TestCloseAfterFailedWriteDoesNotCommit(t *testing.T) {
	backends := map[string]Backend{"s3": newFakeS3(t, "data")}
	for name, b := range localBackends(t) {
		backends[name] = b
	}
	for name, b := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			w, err := b.Open(ctx, "", "c/d/broken.bin", ModeWrite)
			require.NoError(t, err)
			_, err = w.Write([]byte("first half"))
			require.NoError(t, err)

			breakWriter(t, w)
			_, err = w.Write([]byte("second half"))
			require.Error(t, err)
			require.Error(t, w.Close())

			info, err := b.FileInfo(ctx, "", "c/d/broken.bin")
			require.NoError(t, err)
			require.Nil(t, info)
		})
	}
}
