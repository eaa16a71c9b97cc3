package download

import (
	"encoding/json"
	"path"

	"github.com/jacktea/scistore/pkg/hierarchy"
	"github.com/jacktea/scistore/pkg/xerrors"
)

// nullValue in a property filter matches a file with no values.
const nullValue = "null"

// PropertyFilter selects on a multi-valued file property. Plus requires at
// least one listed value and Minus rejects any listed value.
type PropertyFilter struct {
	Plus  []string `json:"+,omitempty" yaml:"plus,omitempty"`
	Minus []string `json:"-,omitempty" yaml:"minus,omitempty"`
}

// UnmarshalJSON accepts the symbolic keys and their spelled-out forms.
func (f *PropertyFilter) UnmarshalJSON(b []byte) error {
	var raw struct {
		Plus      []string `json:"+"`
		PlusWord  []string `json:"plus"`
		Minus     []string `json:"-,"`
		MinusWord []string `json:"minus"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	f.Plus = append(raw.Plus, raw.PlusWord...)
	f.Minus = append(raw.Minus, raw.MinusWord...)
	return nil
}

// Match reports whether values pass the filter.
func (f PropertyFilter) Match(values []string) bool {
	if len(values) == 0 && contains(f.Plus, nullValue) {
		return true
	}
	if len(values) > 0 && contains(f.Minus, nullValue) {
		return false
	}
	for _, v := range values {
		if contains(f.Minus, v) {
			return false
		}
	}
	if len(f.Plus) == 0 {
		return true
	}
	for _, v := range values {
		if contains(f.Plus, v) {
			return true
		}
	}
	return false
}

// Filter combines a tag filter and a type filter. Both must pass.
type Filter struct {
	Tags  PropertyFilter `json:"tags" yaml:"tags"`
	Types PropertyFilter `json:"types" yaml:"types"`
}

// Match reports whether f passes both property filters.
func (flt Filter) Match(f hierarchy.FileRef) bool {
	var types []string
	if f.Type != "" {
		types = []string{f.Type}
	}
	return flt.Tags.Match(f.Tags) && flt.Types.Match(types)
}

// selection is the compiled file predicate of a request.
type selection struct {
	filters []Filter
	names   []string
}

func newSelection(filters []Filter, names []string) (selection, error) {
	for _, pattern := range names {
		if _, err := path.Match(pattern, ""); err != nil {
			return selection{}, xerrors.Wrap(xerrors.KindInvalid, "download.filter", pattern, err)
		}
	}
	return selection{filters: filters, names: names}, nil
}

// match passes a live file when any filter passes and any name pattern
// matches. Empty lists pass everything.
func (s selection) match(f hierarchy.FileRef) bool {
	if f.Deleted {
		return false
	}
	if len(s.filters) > 0 {
		ok := false
		for _, flt := range s.filters {
			if flt.Match(f) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(s.names) == 0 {
		return true
	}
	for _, pattern := range s.names {
		if ok, _ := path.Match(pattern, f.Name); ok {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
