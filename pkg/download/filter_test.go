package download

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacktea/scistore/pkg/hierarchy"
)

func TestPropertyFilterMatch(t *testing.T) {
	cases := []struct {
		name   string
		filter PropertyFilter
		values []string
		want   bool
	}{
		{"empty passes", PropertyFilter{}, []string{"a"}, true},
		{"empty passes none", PropertyFilter{}, nil, true},
		{"plus hit", PropertyFilter{Plus: []string{"a", "b"}}, []string{"b"}, true},
		{"plus miss", PropertyFilter{Plus: []string{"a"}}, []string{"c"}, false},
		{"plus requires value", PropertyFilter{Plus: []string{"a"}}, nil, false},
		{"minus hit", PropertyFilter{Minus: []string{"a"}}, []string{"a", "b"}, false},
		{"minus miss", PropertyFilter{Minus: []string{"a"}}, []string{"b"}, true},
		{"plus null on empty", PropertyFilter{Plus: []string{"null"}}, nil, true},
		{"plus null on values", PropertyFilter{Plus: []string{"null"}}, []string{"a"}, false},
		{"minus null on values", PropertyFilter{Minus: []string{"null"}}, []string{"a"}, false},
		{"minus null on empty", PropertyFilter{Minus: []string{"null"}}, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.filter.Match(tc.values))
		})
	}
}

func TestPropertyFilterJSON(t *testing.T) {
	var f Filter
	require.NoError(t, json.Unmarshal([]byte(`{"tags":{"+":["a"],"plus":["b"]},"types":{"minus":["dicom"],"-":["null"]}}`), &f))
	require.Equal(t, []string{"a", "b"}, f.Tags.Plus)
	require.ElementsMatch(t, []string{"null", "dicom"}, f.Types.Minus)

	require.True(t, f.Match(hierarchy.FileRef{Tags: []string{"b"}}))
	require.False(t, f.Match(hierarchy.FileRef{Tags: []string{"b"}, Type: "nifti"}))
}

func TestSelection(t *testing.T) {
	sel, err := newSelection([]Filter{{Types: PropertyFilter{Plus: []string{"csv"}}}}, []string{"*.csv", "data?"})
	require.NoError(t, err)
	require.True(t, sel.match(hierarchy.FileRef{Name: "a.csv", Type: "csv"}))
	require.False(t, sel.match(hierarchy.FileRef{Name: "a.csv", Type: "csv", Deleted: true}))
	require.False(t, sel.match(hierarchy.FileRef{Name: "a.txt", Type: "csv"}))
	require.False(t, sel.match(hierarchy.FileRef{Name: "a.csv", Type: "text"}))

	_, err = newSelection(nil, []string{"["})
	require.Error(t, err)
}
