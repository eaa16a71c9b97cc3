// Package hierarchy holds the container tree data model shared by the
// resolver, the catalog and the download engine.
//
// Containers live in a flat id-keyed arena owned by a Source. Parent and
// file-owner links are plain Ref values resolved on demand, never pointers.
package hierarchy

import (
	"context"
	"strings"
	"time"

	"github.com/jacktea/scistore/pkg/xerrors"
)

// Level names one tier of the container hierarchy.
type Level string

const (
	LevelGroup       Level = "group"
	LevelProject     Level = "project"
	LevelSubject     Level = "subject"
	LevelSession     Level = "session"
	LevelAcquisition Level = "acquisition"
	LevelAnalysis    Level = "analysis"
)

var childLevel = map[Level]Level{
	LevelGroup:   LevelProject,
	LevelProject: LevelSubject,
	LevelSubject: LevelSession,
	LevelSession: LevelAcquisition,
}

var plurals = map[Level]string{
	LevelGroup:       "groups",
	LevelProject:     "projects",
	LevelSubject:     "subjects",
	LevelSession:     "sessions",
	LevelAcquisition: "acquisitions",
	LevelAnalysis:    "analyses",
}

// ParseLevel accepts the singular or plural form of a level name.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for lvl, plural := range plurals {
		if s == string(lvl) || s == plural {
			return lvl, nil
		}
	}
	return "", xerrors.E(xerrors.KindInvalid, "hierarchy.ParseLevel", s)
}

// Child returns the level directly below l. Acquisitions and analyses have none.
func (l Level) Child() (Level, bool) {
	c, ok := childLevel[l]
	return c, ok
}

// Plural returns the collection name of the level.
func (l Level) Plural() string { return plurals[l] }

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	_, ok := plurals[l]
	return ok
}

// Ref is a non-owning reference to a container.
type Ref struct {
	Level Level  `json:"level" yaml:"level"`
	ID    string `json:"id" yaml:"id"`
}

// IsZero reports whether r refers to nothing (the implicit root).
func (r Ref) IsZero() bool { return r.ID == "" }

func (r Ref) String() string { return string(r.Level) + "/" + r.ID }

// Access is a permission level on a container.
type Access int

const (
	AccessNone Access = iota
	AccessReadOnly
	AccessReadWrite
	AccessAdmin
)

// ParseAccess parses ro, rw and admin.
func ParseAccess(s string) (Access, error) {
	switch strings.ToLower(s) {
	case "ro", "read", "read-only":
		return AccessReadOnly, nil
	case "rw", "write", "read-write":
		return AccessReadWrite, nil
	case "admin":
		return AccessAdmin, nil
	case "", "none":
		return AccessNone, nil
	}
	return AccessNone, xerrors.E(xerrors.KindInvalid, "hierarchy.ParseAccess", s)
}

func (a Access) String() string {
	switch a {
	case AccessReadOnly:
		return "ro"
	case AccessReadWrite:
		return "rw"
	case AccessAdmin:
		return "admin"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Access) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Access) UnmarshalText(b []byte) error {
	v, err := ParseAccess(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Permission grants Access to one principal.
type Permission struct {
	Principal string `json:"id" yaml:"id"`
	Access    Access `json:"access" yaml:"access"`
}

// Principal is the authenticated caller, resolved by the transport layer.
type Principal struct {
	ID    string
	Admin bool
}

// FileRef identifies one stored file.
type FileRef struct {
	UUID     string    `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	PathHint string    `json:"path_hint,omitempty" yaml:"path_hint,omitempty"`
	Provider string    `json:"provider,omitempty" yaml:"provider,omitempty"`
	Hash     string    `json:"hash,omitempty" yaml:"hash,omitempty"`
	Size     int64     `json:"size" yaml:"size"`
	Name     string    `json:"name" yaml:"name"`
	Type     string    `json:"type,omitempty" yaml:"type,omitempty"`
	Tags     []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	Deleted  bool      `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	Modified time.Time `json:"modified,omitempty" yaml:"modified,omitempty"`
	// Container is filled in by the Source when the file is read.
	Container Ref `json:"container" yaml:"-"`
}

// Validate checks that the file can be located in storage.
func (f FileRef) Validate() error {
	if f.UUID == "" && f.PathHint == "" {
		return xerrors.E(xerrors.KindInvalid, "hierarchy.FileRef", f.Name)
	}
	if f.Name == "" {
		return xerrors.E(xerrors.KindInvalid, "hierarchy.FileRef", "name")
	}
	return nil
}

// Container is one node of the group/project/subject/session/acquisition tree,
// or an analysis attached to any of them.
type Container struct {
	ID          string       `json:"id" yaml:"id"`
	Level       Level        `json:"level" yaml:"level"`
	Label       string       `json:"label,omitempty" yaml:"label,omitempty"`
	Code        string       `json:"code,omitempty" yaml:"code,omitempty"`
	UID         string       `json:"uid,omitempty" yaml:"uid,omitempty"`
	Timestamp   *time.Time   `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Timezone    string       `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Parent      Ref          `json:"parent" yaml:"-"`
	Permissions []Permission `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Files       []FileRef    `json:"files,omitempty" yaml:"files,omitempty"`
	// Inputs holds the input files of an analysis; Files are its outputs.
	Inputs  []FileRef `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Deleted bool      `json:"deleted,omitempty" yaml:"deleted,omitempty"`
}

// Ref returns the reference to c.
func (c *Container) Ref() Ref { return Ref{Level: c.Level, ID: c.ID} }

// Name is the label used for path matching. Subjects prefer their code and
// groups fall back to their id.
func (c *Container) Name() string {
	switch {
	case c.Level == LevelSubject && c.Code != "":
		return c.Code
	case c.Label != "":
		return c.Label
	case c.Level == LevelGroup:
		return c.ID
	}
	return ""
}

// AccessFor returns the access p holds on c.
func (c *Container) AccessFor(p Principal) Access {
	if p.Admin {
		return AccessAdmin
	}
	for _, perm := range c.Permissions {
		if perm.Principal == p.ID {
			return perm.Access
		}
	}
	return AccessNone
}

// File returns the live file named name, if any.
func (c *Container) File(name string) (FileRef, bool) {
	for _, f := range c.Files {
		if f.Name == name && !f.Deleted {
			return f, true
		}
	}
	return FileRef{}, false
}

// Source supplies container records. Implementations must be safe for
// concurrent readers and return KindNotFound for unknown refs.
type Source interface {
	// Roots lists the groups.
	Roots(ctx context.Context) ([]*Container, error)
	// Container returns one container by ref.
	Container(ctx context.Context, ref Ref) (*Container, error)
	// Children lists the sub-containers of ref in insertion order, excluding analyses.
	Children(ctx context.Context, ref Ref) ([]*Container, error)
	// Analyses lists the analyses attached to ref in insertion order.
	Analyses(ctx context.Context, ref Ref) ([]*Container, error)
}

// Authorizer is the permission predicate.
type Authorizer interface {
	CanRead(p Principal, c *Container) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(p Principal, c *Container) bool

// CanRead implements Authorizer.
func (f AuthorizerFunc) CanRead(p Principal, c *Container) bool { return f(p, c) }

// PermissionAuthorizer grants read when the container's permission list gives
// the principal at least Min access. Admins read everything.
type PermissionAuthorizer struct {
	Min Access
}

// CanRead implements Authorizer.
func (a PermissionAuthorizer) CanRead(p Principal, c *Container) bool {
	if c == nil {
		return false
	}
	want := a.Min
	if want == AccessNone {
		want = AccessReadOnly
	}
	return c.AccessFor(p) >= want
}

// Chain returns the ancestors of ref from the root down to and including ref.
func Chain(ctx context.Context, src Source, ref Ref) ([]*Container, error) {
	var chain []*Container
	for cur := ref; !cur.IsZero(); {
		c, err := src.Container(ctx, cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, c)
		if len(chain) > 16 {
			return nil, xerrors.E(xerrors.KindInternal, "hierarchy.Chain", ref.String())
		}
		cur = c.Parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
