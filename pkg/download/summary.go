package download

import (
	"context"

	"github.com/jacktea/scistore/pkg/hierarchy"
	"github.com/jacktea/scistore/pkg/xerrors"
)

const bytesPerMB = float64(1 << 20)

// TypeSummary aggregates the files of one type.
type TypeSummary struct {
	Count   int     `json:"count"`
	MBTotal float64 `json:"mb_total"`
}

// Summary counts the live files under nodes by file type. Files without a
// type are reported under "null". Unreadable containers are left out and a
// container reached through several nodes is counted once.
func (e *Engine) Summary(ctx context.Context, p hierarchy.Principal, nodes []hierarchy.Ref) (map[string]TypeSummary, error) {
	const op = "download.Summary"
	out := make(map[string]TypeSummary)
	seen := make(map[hierarchy.Ref]bool)
	var visit func(c *hierarchy.Container) error
	visit = func(c *hierarchy.Container) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if seen[c.Ref()] || c.Deleted || !e.auth.CanRead(p, c) {
			return nil
		}
		seen[c.Ref()] = true
		for _, f := range c.Files {
			if f.Deleted {
				continue
			}
			key := f.Type
			if key == "" {
				key = nullValue
			}
			s := out[key]
			s.Count++
			s.MBTotal += float64(f.Size) / bytesPerMB
			out[key] = s
		}
		if _, ok := c.Level.Child(); !ok {
			return nil
		}
		children, err := e.src.Children(ctx, c.Ref())
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := visit(child); err != nil {
				return err
			}
		}
		return nil
	}
	for _, ref := range nodes {
		if !ref.Level.Valid() || ref.Level == hierarchy.LevelGroup {
			return nil, xerrors.E(xerrors.KindInvalid, op, ref.String())
		}
		c, err := e.src.Container(ctx, ref)
		if err != nil {
			return nil, err
		}
		if err := visit(c); err != nil {
			return nil, err
		}
	}
	return out, nil
}
