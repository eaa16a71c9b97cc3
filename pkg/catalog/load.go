package catalog

import (
	"context"
	"io"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/jacktea/scistore/pkg/hierarchy"
	"github.com/jacktea/scistore/pkg/xerrors"
)

// snapshot is the YAML document accepted by Load.
type snapshot struct {
	Groups []node `yaml:"groups"`
}

type node struct {
	hierarchy.Container `yaml:",inline"`
	Projects            []node `yaml:"projects,omitempty"`
	Subjects            []node `yaml:"subjects,omitempty"`
	Sessions            []node `yaml:"sessions,omitempty"`
	Acquisitions        []node `yaml:"acquisitions,omitempty"`
	Analyses            []node `yaml:"analyses,omitempty"`
}

func (n *node) nested() []node {
	switch n.Level {
	case hierarchy.LevelGroup:
		return n.Projects
	case hierarchy.LevelProject:
		return n.Subjects
	case hierarchy.LevelSubject:
		return n.Sessions
	case hierarchy.LevelSession:
		return n.Acquisitions
	}
	return nil
}

// LoadFile imports the YAML snapshot at path into dst.
func LoadFile(ctx context.Context, path string, dst Store) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, xerrors.Annotate("catalog.LoadFile", path, err)
	}
	defer f.Close()
	return Load(ctx, f, dst)
}

// Load imports a YAML snapshot of the tree into dst and returns the number of
// containers written. Containers without permissions inherit their parent's,
// and containers without an id get a random one.
func Load(ctx context.Context, r io.Reader, dst Store) (int, error) {
	var snap snapshot
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&snap); err != nil && err != io.EOF {
		return 0, xerrors.Wrap(xerrors.KindInvalid, "catalog.Load", "", err)
	}
	count := 0
	var walk func(n *node, level hierarchy.Level, parent *hierarchy.Container) error
	walk = func(n *node, level hierarchy.Level, parent *hierarchy.Container) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := n.Container
		c.Level = level
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if parent != nil {
			c.Parent = parent.Ref()
			if len(c.Permissions) == 0 {
				c.Permissions = parent.Permissions
			}
		}
		if err := dst.Put(ctx, &c); err != nil {
			return err
		}
		count++
		n.Level = level
		if child, ok := level.Child(); ok {
			for i := range n.nested() {
				if err := walk(&n.nested()[i], child, &c); err != nil {
					return err
				}
			}
		}
		for i := range n.Analyses {
			if err := walk(&n.Analyses[i], hierarchy.LevelAnalysis, &c); err != nil {
				return err
			}
		}
		return nil
	}
	for i := range snap.Groups {
		if err := walk(&snap.Groups[i], hierarchy.LevelGroup, nil); err != nil {
			return count, err
		}
	}
	return count, nil
}
