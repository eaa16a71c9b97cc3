package download

import (
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/jacktea/scistore/pkg/hierarchy"
)

// Analysis file groups inside an archive.
const (
	groupInput  = "input"
	groupOutput = "output"
)

// Sanitize keeps letters, digits, space, dot, underscore and dash, and
// drops trailing whitespace. A result made only of dots is empty.
func Sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(" ._-", r) {
			b.WriteRune(r)
		}
	}
	out := strings.TrimRightFunc(b.String(), unicode.IsSpace)
	if strings.Trim(out, ".") == "" {
		return ""
	}
	return out
}

// Segment returns the archive path component for c.
//
// Groups use their id. Subjects use their code, then their label, then
// "unknown_subject". Other containers use the label, then the timestamp in
// the container's timezone, then the uid, then "unknown_<level>".
func Segment(c *hierarchy.Container) string {
	switch c.Level {
	case hierarchy.LevelGroup:
		return Sanitize(c.ID)
	case hierarchy.LevelSubject:
		if s := Sanitize(c.Code); s != "" {
			return s
		}
		if s := Sanitize(c.Label); s != "" {
			return s
		}
		return "unknown_subject"
	}
	if s := Sanitize(c.Label); s != "" {
		return s
	}
	if c.Timestamp != nil {
		ts := c.Timestamp.UTC()
		if c.Timezone != "" {
			if loc, err := time.LoadLocation(c.Timezone); err == nil {
				ts = ts.In(loc)
			}
		}
		return ts.Format("20060102_1504")
	}
	if s := Sanitize(c.UID); s != "" {
		return s
	}
	if s := Sanitize(c.Code); s != "" {
		return s
	}
	return "unknown_" + string(c.Level)
}

// entryName reduces a file name to its last path element.
func entryName(name string) string {
	base := path.Base(path.Clean("/" + name))
	if base == "/" {
		return ""
	}
	return base
}

func joinPath(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// archiveFilename names the archive of a ticket.
func archiveFilename(prefix string, format Format, now time.Time) string {
	if prefix == "" {
		prefix = "archive"
	}
	return Sanitize(prefix) + "_" + now.UTC().Format("20060102_150405") + format.Ext()
}

func analysisFilename(c *hierarchy.Container, format Format) string {
	return "analysis_" + Segment(c) + format.Ext()
}
