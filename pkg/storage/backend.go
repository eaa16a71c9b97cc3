// Package storage moves file bytes in and out of durable media. Every medium
// implements Backend; a Router picks the backend for a provider name.
package storage

import (
	"context"
	"io"
	"mime"
	"time"

	"github.com/jacktea/scistore/pkg/xerrors"
)

// Mode selects read or write access for Open.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

func (m Mode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// Purpose of a signed URL.
type Purpose string

const (
	PurposeDownload Purpose = "download"
	PurposeUpload   Purpose = "upload"
)

// URLOptions shape a signed URL.
type URLOptions struct {
	Purpose Purpose
	// Filename suggested to the client.
	Filename string
	// Attachment selects Content-Disposition attachment instead of inline.
	Attachment bool
	// ResponseType overrides the served Content-Type.
	ResponseType string
	// TTL overrides the backend's default expiry.
	TTL time.Duration
}

// FileInfo describes a stored object.
type FileInfo struct {
	Size     int64
	Modified time.Time
}

// File is an open stream. Read-mode files reject Write and write-mode files
// reject Read. Closing a write-mode file commits it.
type File interface {
	io.ReadWriteCloser
}

// Aborter is implemented by write-mode files. Abort discards everything
// written so far; nothing is committed at the target.
type Aborter interface {
	Abort(cause error) error
}

// Abort discards a write-mode file. A file without an abort path is closed.
func Abort(f File, cause error) error {
	if a, ok := f.(Aborter); ok {
		return a.Abort(cause)
	}
	return f.Close()
}

// Backend is one physical medium. Files are located by uuid or by an
// explicit path hint; the hint wins when both are given.
type Backend interface {
	// Open opens the file for reading or writing. Reading a missing file
	// fails with KindNotFound. Writing creates parent directories.
	Open(ctx context.Context, uuid, pathHint string, mode Mode) (File, error)
	// Remove deletes the file.
	Remove(ctx context.Context, uuid, pathHint string) error
	// IsSignedURL reports whether SignedURL is supported.
	IsSignedURL() bool
	// SignedURL returns an externally redeemable URL.
	SignedURL(ctx context.Context, uuid, pathHint string, opts URLOptions) (string, error)
	// FileHash streams the file through the default algorithm.
	FileHash(ctx context.Context, uuid, pathHint string) (string, error)
	// FileInfo returns nil, nil when the file does not exist.
	FileInfo(ctx context.Context, uuid, pathHint string) (*FileInfo, error)
}

// Closer is implemented by backends holding resources.
type Closer interface {
	Close() error
}

// Locate returns the relative path of a file: the hint when present,
// otherwise the uuid fan-out path.
func Locate(uuid, pathHint string) (string, error) {
	if pathHint != "" {
		return cleanRel(pathHint), nil
	}
	if uuid == "" {
		return "", xerrors.E(xerrors.KindInvalid, "storage.Locate", "uuid or path hint required")
	}
	return UUIDPath(uuid), nil
}

// ContentDisposition renders the disposition header for opts, or "" when no
// filename is set.
func ContentDisposition(opts URLOptions) string {
	if opts.Filename == "" {
		if opts.Attachment {
			return "attachment"
		}
		return ""
	}
	kind := "inline"
	if opts.Attachment {
		kind = "attachment"
	}
	return mime.FormatMediaType(kind, map[string]string{"filename": opts.Filename})
}

// readOnly and writeOnly reject the wrong half of File.
type readOnly struct{ io.ReadCloser }

func (readOnly) Write([]byte) (int, error) {
	return 0, xerrors.E(xerrors.KindNotSupported, "storage.Write", "read-mode file")
}

type pendingWrite interface {
	io.WriteCloser
	Aborter
}

type writeOnly struct{ pendingWrite }

func (writeOnly) Read([]byte) (int, error) {
	return 0, xerrors.E(xerrors.KindNotSupported, "storage.Read", "write-mode file")
}
