package download

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/jacktea/scistore/pkg/xerrors"
)

// DefaultChunkSize is the read size used while copying entry bytes.
const DefaultChunkSize = 1 << 20

// Format is the archive container format.
type Format string

const (
	FormatTar Format = "tar"
	FormatTGZ Format = "tgz"
)

// ParseFormat accepts tar, tgz and tar.gz. The empty string means tar.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tar":
		return FormatTar, nil
	case "tgz", "tar.gz", "gz":
		return FormatTGZ, nil
	}
	return "", xerrors.E(xerrors.KindInvalid, "download.ParseFormat", s)
}

// Ext returns the filename extension of the format.
func (f Format) Ext() string {
	if f == FormatTGZ {
		return ".tar.gz"
	}
	return ".tar"
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	if f == FormatTGZ {
		return "application/gzip"
	}
	return "application/x-tar"
}

// StreamStats summarizes a finished stream.
type StreamStats struct {
	Entries int
	Skipped int
	Bytes   int64
}

// Stream copies every chunk of p into an archive written to w. The archive
// trailer is only written when every entry completed, so a failed stream
// never ends as a well-formed archive.
func Stream(ctx context.Context, w io.Writer, p *Producer, format Format) (StreamStats, error) {
	var (
		stats StreamStats
		gz    *gzip.Writer
		out   = w
	)
	defer p.Close()
	if format == FormatTGZ {
		gz = gzip.NewWriter(w)
		out = gz
	}
	tw := tar.NewWriter(out)
	for {
		c, err := p.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, err
		}
		if c.First {
			hdr := &tar.Header{
				Typeflag: tar.TypeReg,
				Name:     c.Entry.ArchivePath,
				Size:     c.Entry.File.Size,
				Mode:     0o644,
				ModTime:  c.Entry.File.Modified,
			}
			if hdr.ModTime.IsZero() {
				hdr.ModTime = time.Unix(0, 0)
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return stats, xerrors.Wrap(xerrors.KindIO, "download.Stream", c.Entry.ArchivePath, err)
			}
			stats.Entries++
		}
		if len(c.Data) == 0 {
			continue
		}
		n, err := tw.Write(c.Data)
		stats.Bytes += int64(n)
		if err != nil {
			return stats, xerrors.Wrap(xerrors.KindIO, "download.Stream", c.Entry.ArchivePath, err)
		}
	}
	stats.Skipped = p.Skipped()
	if err := tw.Close(); err != nil {
		return stats, xerrors.Wrap(xerrors.KindIO, "download.Stream", "trailer", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return stats, xerrors.Wrap(xerrors.KindIO, "download.Stream", "gzip", err)
		}
	}
	return stats, nil
}
