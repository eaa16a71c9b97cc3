// Package resolver turns human readable path segments into containers and
// files of the hierarchy.
//
// A path walks group, project, subject, session and acquisition labels. Two
// pseudo-segments switch scope: "files" selects the current container's file
// list and "analyses" its attached analyses. A segment of the form <id:VALUE>
// matches by id (by uuid for files) instead of by label.
package resolver

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/jacktea/scistore/pkg/hierarchy"
	"github.com/jacktea/scistore/pkg/xerrors"
)

const (
	// SegmentFiles selects the file list of the current container.
	SegmentFiles = "files"
	// SegmentAnalyses selects the analyses attached to the current container.
	SegmentAnalyses = "analyses"

	// NodeFile is the node type of files.
	NodeFile = "file"
)

// Node is one element of a resolved path or of a children list.
type Node struct {
	Type      string               `json:"node_type"`
	Container *hierarchy.Container `json:"container,omitempty"`
	File      *hierarchy.FileRef   `json:"file,omitempty"`
}

// Label returns the name the node is matched by.
func (n Node) Label() string {
	if n.File != nil {
		return n.File.Name
	}
	if n.Container != nil {
		return n.Container.Name()
	}
	return ""
}

func containerNode(c *hierarchy.Container) Node {
	return Node{Type: string(c.Level), Container: c}
}

func fileNode(f hierarchy.FileRef) Node {
	return Node{Type: NodeFile, File: &f}
}

// Result is the outcome of Resolve.
type Result struct {
	Path     []Node `json:"path"`
	Children []Node `json:"children"`
}

// Resolver walks a hierarchy snapshot. It holds no per-call state and is safe
// for concurrent use.
type Resolver struct {
	src  hierarchy.Source
	auth hierarchy.Authorizer
	log  *zap.Logger
}

// New returns a resolver over src that checks reads with auth.
func New(src hierarchy.Source, auth hierarchy.Authorizer, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{src: src, auth: auth, log: log}
}

// Split breaks a slash separated path into segments, dropping empty ones.
func Split(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// ParseSegment reports whether seg is an <id:VALUE> escape and returns the
// value to match.
func ParseSegment(seg string) (byID bool, value string) {
	if strings.HasPrefix(seg, "<id:") && strings.HasSuffix(seg, ">") && len(seg) > len("<id:>") {
		return true, seg[len("<id:") : len(seg)-1]
	}
	return false, seg
}

type scope int

const (
	scopeContainers scope = iota
	scopeAnalyses
	scopeFiles
	scopeLeaf
)

type walk struct {
	path   []Node
	parent *hierarchy.Container
	scope  scope
}

// Resolve resolves segments and returns the path plus the permission
// filtered children of the last element.
func (r *Resolver) Resolve(ctx context.Context, p hierarchy.Principal, segments []string) (*Result, error) {
	w, err := r.walk(ctx, p, segments)
	if err != nil {
		return nil, err
	}
	children, err := r.children(ctx, p, w)
	if err != nil {
		return nil, err
	}
	if w.path == nil {
		w.path = []Node{}
	}
	return &Result{Path: w.path, Children: children}, nil
}

// Lookup resolves segments and returns only the last element.
func (r *Resolver) Lookup(ctx context.Context, p hierarchy.Principal, segments []string) (Node, error) {
	w, err := r.walk(ctx, p, segments)
	if err != nil {
		return Node{}, err
	}
	if len(w.path) == 0 || w.scope == scopeFiles || w.scope == scopeAnalyses {
		return Node{}, xerrors.E(xerrors.KindInvalid, "resolver.Lookup", strings.Join(segments, "/"))
	}
	return w.path[len(w.path)-1], nil
}

func (r *Resolver) walk(ctx context.Context, p hierarchy.Principal, segments []string) (*walk, error) {
	w := &walk{}
	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch w.scope {
		case scopeContainers:
			if w.parent != nil && seg == SegmentFiles {
				w.scope = scopeFiles
				continue
			}
			if w.parent != nil && seg == SegmentAnalyses && w.parent.Level != hierarchy.LevelAnalysis {
				w.scope = scopeAnalyses
				continue
			}
			candidates, err := r.subContainers(ctx, w.parent)
			if err != nil {
				return nil, err
			}
			if err := r.descend(p, w, candidates, seg); err != nil {
				return nil, err
			}
		case scopeAnalyses:
			candidates, err := r.src.Analyses(ctx, w.parent.Ref())
			if err != nil {
				return nil, err
			}
			if err := r.descend(p, w, candidates, seg); err != nil {
				return nil, err
			}
			w.scope = scopeContainers
		case scopeFiles:
			f, err := matchFile(w.parent, seg)
			if err != nil {
				return nil, err
			}
			w.path = append(w.path, fileNode(f))
			w.scope = scopeLeaf
		case scopeLeaf:
			return nil, xerrors.E(xerrors.KindNotFound, "resolver.walk", seg)
		}
	}
	return w, nil
}

func (r *Resolver) descend(p hierarchy.Principal, w *walk, candidates []*hierarchy.Container, seg string) error {
	c, err := matchContainer(candidates, seg)
	if err != nil {
		return err
	}
	if !r.auth.CanRead(p, c) {
		r.log.Debug("resolve denied", zap.String("principal", p.ID), zap.String("container", c.Ref().String()))
		return xerrors.E(xerrors.KindForbidden, "resolver.walk", seg)
	}
	w.path = append(w.path, containerNode(c))
	w.parent = c
	return nil
}

func (r *Resolver) subContainers(ctx context.Context, parent *hierarchy.Container) ([]*hierarchy.Container, error) {
	if parent == nil {
		return r.src.Roots(ctx)
	}
	if _, ok := parent.Level.Child(); !ok {
		return nil, nil
	}
	return r.src.Children(ctx, parent.Ref())
}

func (r *Resolver) children(ctx context.Context, p hierarchy.Principal, w *walk) ([]Node, error) {
	out := []Node{}
	switch w.scope {
	case scopeLeaf:
		return out, nil
	case scopeFiles:
		return appendFiles(out, w.parent), nil
	case scopeAnalyses:
		analyses, err := r.src.Analyses(ctx, w.parent.Ref())
		if err != nil {
			return nil, err
		}
		return r.appendReadable(out, p, analyses), nil
	}
	subs, err := r.subContainers(ctx, w.parent)
	if err != nil {
		return nil, err
	}
	out = r.appendReadable(out, p, subs)
	if w.parent == nil {
		return out, nil
	}
	if w.parent.Level != hierarchy.LevelAnalysis {
		analyses, err := r.src.Analyses(ctx, w.parent.Ref())
		if err != nil {
			return nil, err
		}
		out = r.appendReadable(out, p, analyses)
	}
	return appendFiles(out, w.parent), nil
}

func (r *Resolver) appendReadable(out []Node, p hierarchy.Principal, cs []*hierarchy.Container) []Node {
	for _, c := range cs {
		if r.auth.CanRead(p, c) {
			out = append(out, containerNode(c))
		}
	}
	return out
}

func appendFiles(out []Node, c *hierarchy.Container) []Node {
	for _, f := range c.Files {
		if !f.Deleted {
			out = append(out, fileNode(f))
		}
	}
	return out
}

func matchContainer(candidates []*hierarchy.Container, seg string) (*hierarchy.Container, error) {
	byID, value := ParseSegment(seg)
	var found *hierarchy.Container
	for _, c := range candidates {
		key := c.Name()
		if byID {
			key = c.ID
		}
		if key != value {
			continue
		}
		if found != nil {
			return nil, xerrors.E(xerrors.KindConflict, "resolver.walk", seg)
		}
		found = c
	}
	if found == nil {
		return nil, xerrors.E(xerrors.KindNotFound, "resolver.walk", seg)
	}
	return found, nil
}

func matchFile(c *hierarchy.Container, seg string) (hierarchy.FileRef, error) {
	byID, value := ParseSegment(seg)
	var (
		found hierarchy.FileRef
		hits  int
	)
	for _, f := range c.Files {
		if f.Deleted {
			continue
		}
		key := f.Name
		if byID {
			key = f.UUID
		}
		if key == value {
			found = f
			hits++
		}
	}
	switch hits {
	case 0:
		return hierarchy.FileRef{}, xerrors.E(xerrors.KindNotFound, "resolver.walk", seg)
	case 1:
		return found, nil
	}
	return hierarchy.FileRef{}, xerrors.E(xerrors.KindConflict, "resolver.walk", seg)
}
