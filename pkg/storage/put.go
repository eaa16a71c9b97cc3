package storage

import (
	"context"
	"io"
	"os"

	"github.com/jacktea/scistore/pkg/xerrors"
)

// Stored describes content written by PutContent.
type Stored struct {
	Hash     string
	Size     int64
	PathHint string
	// Deduplicated is set when the content address already held the bytes.
	Deduplicated bool
}

// PutContent spools r to a temp file while hashing it, then writes it to its
// content address on b unless that address already exists.
func PutContent(ctx context.Context, b Backend, r io.Reader, alg Algorithm) (Stored, error) {
	h, err := NewHasher(alg)
	if err != nil {
		return Stored{}, err
	}
	spool, err := os.CreateTemp("", "scistore-put-*")
	if err != nil {
		return Stored{}, xerrors.Wrap(xerrors.KindIO, "storage.PutContent", "spool", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()
	size, err := io.CopyBuffer(io.MultiWriter(spool, h), r, make([]byte, HashChunkSize))
	if err != nil {
		return Stored{}, xerrors.Wrap(xerrors.KindIO, "storage.PutContent", "read", err)
	}
	formatted := h.Format()
	target, err := ContentPath(formatted)
	if err != nil {
		return Stored{}, err
	}
	out := Stored{Hash: formatted, Size: size, PathHint: target}
	info, err := b.FileInfo(ctx, "", target)
	if err != nil {
		return Stored{}, err
	}
	if info != nil && info.Size == size {
		out.Deduplicated = true
		return out, nil
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return Stored{}, xerrors.Wrap(xerrors.KindIO, "storage.PutContent", "spool", err)
	}
	w, err := b.Open(ctx, "", target, ModeWrite)
	if err != nil {
		return Stored{}, err
	}
	if _, err := io.Copy(w, spool); err != nil {
		Abort(w, err)
		return Stored{}, xerrors.Wrap(xerrors.KindIO, "storage.PutContent", target, err)
	}
	if err := w.Close(); err != nil {
		return Stored{}, err
	}
	return out, nil
}
