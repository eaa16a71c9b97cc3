package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacktea/scistore/pkg/catalog"
	"github.com/jacktea/scistore/pkg/hierarchy"
	"github.com/jacktea/scistore/pkg/xerrors"
)

var (
	alice = hierarchy.Principal{ID: "alice"}
	bob   = hierarchy.Principal{ID: "bob"}
)

func ro(ids ...string) []hierarchy.Permission {
	var out []hierarchy.Permission
	for _, id := range ids {
		out = append(out, hierarchy.Permission{Principal: id, Access: hierarchy.AccessReadOnly})
	}
	return out
}

func file(name, uuid string) hierarchy.FileRef {
	return hierarchy.FileRef{Name: name, UUID: uuid, Size: 1}
}

// fixture builds:
//
//	scitran/Neuro/ex1/baseline/{T1,T1-dup,T2}
//	scitran/Neuro/analyses/qa
//	scitran/Secret (alice only)
func fixture(t *testing.T) *Resolver {
	t.Helper()
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	put := func(c *hierarchy.Container) {
		require.NoError(t, store.Put(ctx, c))
	}
	group := hierarchy.Ref{Level: hierarchy.LevelGroup, ID: "scitran"}
	project := hierarchy.Ref{Level: hierarchy.LevelProject, ID: "p1"}
	subject := hierarchy.Ref{Level: hierarchy.LevelSubject, ID: "subj1"}
	session := hierarchy.Ref{Level: hierarchy.LevelSession, ID: "ses1"}

	put(&hierarchy.Container{ID: "scitran", Level: hierarchy.LevelGroup, Permissions: ro("alice", "bob")})
	put(&hierarchy.Container{ID: "p1", Level: hierarchy.LevelProject, Label: "Neuro", Parent: group,
		Permissions: ro("alice", "bob"), Files: []hierarchy.FileRef{file("protocol.pdf", "u-proto")}})
	put(&hierarchy.Container{ID: "p2", Level: hierarchy.LevelProject, Label: "Secret", Parent: group, Permissions: ro("alice")})
	put(&hierarchy.Container{ID: "p2-sub", Level: hierarchy.LevelSubject, Code: "hidden", Parent: hierarchy.Ref{Level: hierarchy.LevelProject, ID: "p2"}, Permissions: ro("alice")})
	put(&hierarchy.Container{ID: "subj1", Level: hierarchy.LevelSubject, Code: "ex1", Label: "Subject One", Parent: project, Permissions: ro("alice", "bob")})
	put(&hierarchy.Container{ID: "ses1", Level: hierarchy.LevelSession, Label: "baseline", Parent: subject, Permissions: ro("alice", "bob")})
	put(&hierarchy.Container{ID: "acq1", Level: hierarchy.LevelAcquisition, Label: "T1", Parent: session, Permissions: ro("alice", "bob"),
		Files: []hierarchy.FileRef{file("data.csv", "u-1"), file("notes.txt", "u-2")}})
	put(&hierarchy.Container{ID: "acq2", Level: hierarchy.LevelAcquisition, Label: "dup", Parent: session, Permissions: ro("alice", "bob")})
	put(&hierarchy.Container{ID: "acq3", Level: hierarchy.LevelAcquisition, Label: "dup", Parent: session, Permissions: ro("alice", "bob")})
	put(&hierarchy.Container{ID: "an1", Level: hierarchy.LevelAnalysis, Label: "qa", Parent: project, Permissions: ro("alice", "bob"),
		Files: []hierarchy.FileRef{file("report.html", "u-3")}})
	return New(store, hierarchy.PermissionAuthorizer{}, nil)
}

func labels(nodes []Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Label())
	}
	return out
}

func TestResolveRoot(t *testing.T) {
	r := fixture(t)
	res, err := r.Resolve(context.Background(), alice, nil)
	require.NoError(t, err)
	require.Empty(t, res.Path)
	require.Equal(t, []string{"scitran"}, labels(res.Children))

	res, err = r.Resolve(context.Background(), hierarchy.Principal{ID: "eve"}, nil)
	require.NoError(t, err)
	require.Empty(t, res.Children)
}

func TestResolveChildrenOrder(t *testing.T) {
	r := fixture(t)
	res, err := r.Resolve(context.Background(), alice, Split("scitran/Neuro"))
	require.NoError(t, err)
	require.Equal(t, []string{"scitran", "Neuro"}, labels(res.Path))
	require.Equal(t, []string{"ex1", "qa", "protocol.pdf"}, labels(res.Children))
	require.Equal(t, "subject", res.Children[0].Type)
	require.Equal(t, "analysis", res.Children[1].Type)
	require.Equal(t, NodeFile, res.Children[2].Type)
}

func TestResolveChildrenArePermissionFiltered(t *testing.T) {
	r := fixture(t)
	res, err := r.Resolve(context.Background(), bob, Split("scitran"))
	require.NoError(t, err)
	require.Equal(t, []string{"Neuro"}, labels(res.Children))

	res, err = r.Resolve(context.Background(), alice, Split("scitran"))
	require.NoError(t, err)
	require.Equal(t, []string{"Neuro", "Secret"}, labels(res.Children))
}

func TestResolveAliasEquivalence(t *testing.T) {
	r := fixture(t)
	ctx := context.Background()
	byLabel, err := r.Resolve(ctx, alice, Split("scitran/Neuro/ex1/baseline/T1"))
	require.NoError(t, err)
	byID, err := r.Resolve(ctx, alice, Split("<id:scitran>/<id:p1>/<id:subj1>/<id:ses1>/<id:acq1>"))
	require.NoError(t, err)
	require.Equal(t, byLabel, byID)
	mixed, err := r.Resolve(ctx, alice, Split("scitran/<id:p1>/ex1/<id:ses1>/T1"))
	require.NoError(t, err)
	require.Equal(t, byLabel, mixed)
}

func TestResolveForbiddenHidesDescendants(t *testing.T) {
	r := fixture(t)
	ctx := context.Background()
	for _, path := range []string{"scitran/Secret", "scitran/Secret/hidden", "scitran/Secret/nothing-here"} {
		_, err := r.Resolve(ctx, bob, Split(path))
		require.True(t, xerrors.IsForbidden(err), path)
		var xe *xerrors.Error
		require.ErrorAs(t, err, &xe)
		require.Equal(t, "Secret", xe.Path)
	}
	res, err := r.Resolve(ctx, alice, Split("scitran/Secret/hidden"))
	require.NoError(t, err)
	require.Len(t, res.Path, 3)
}

func TestResolveConflictNamesSegment(t *testing.T) {
	r := fixture(t)
	ctx := context.Background()
	_, err := r.Resolve(ctx, alice, Split("scitran/Neuro/ex1/baseline/dup"))
	require.True(t, xerrors.IsConflict(err))
	var xe *xerrors.Error
	require.ErrorAs(t, err, &xe)
	require.Equal(t, "dup", xe.Path)

	res, err := r.Resolve(ctx, alice, Split("scitran/Neuro/ex1/baseline/<id:acq3>"))
	require.NoError(t, err)
	require.Equal(t, "acq3", res.Path[len(res.Path)-1].Container.ID)
}

func TestResolveNotFound(t *testing.T) {
	r := fixture(t)
	ctx := context.Background()
	for _, path := range []string{
		"nope",
		"scitran/Neuro/nope",
		"scitran/Neuro/ex1/baseline/T1/deeper",
		"scitran/Neuro/files/missing.txt",
		"scitran/Neuro/files/protocol.pdf/extra",
		"scitran/Neuro/analyses/other",
		"<id:>",
	} {
		_, err := r.Resolve(ctx, alice, Split(path))
		require.True(t, xerrors.IsNotFound(err), path)
	}
}

func TestResolveFilesAndAnalyses(t *testing.T) {
	r := fixture(t)
	ctx := context.Background()

	res, err := r.Resolve(ctx, alice, Split("scitran/Neuro/ex1/baseline/T1/files"))
	require.NoError(t, err)
	require.Equal(t, []string{"data.csv", "notes.txt"}, labels(res.Children))

	res, err = r.Resolve(ctx, alice, Split("scitran/Neuro/ex1/baseline/T1/files/data.csv"))
	require.NoError(t, err)
	last := res.Path[len(res.Path)-1]
	require.Equal(t, NodeFile, last.Type)
	require.Equal(t, hierarchy.Ref{Level: hierarchy.LevelAcquisition, ID: "acq1"}, last.File.Container)
	require.Empty(t, res.Children)

	res, err = r.Resolve(ctx, alice, Split("scitran/Neuro/analyses"))
	require.NoError(t, err)
	require.Equal(t, []string{"qa"}, labels(res.Children))

	res, err = r.Resolve(ctx, alice, Split("scitran/Neuro/analyses/qa"))
	require.NoError(t, err)
	require.Equal(t, []string{"report.html"}, labels(res.Children))

	res, err = r.Resolve(ctx, alice, Split("scitran/Neuro/analyses/qa/files/<id:u-3>"))
	require.NoError(t, err)
	require.Equal(t, "report.html", res.Path[len(res.Path)-1].Label())
}

func TestLookup(t *testing.T) {
	r := fixture(t)
	ctx := context.Background()

	node, err := r.Lookup(ctx, alice, Split("scitran/Neuro/ex1"))
	require.NoError(t, err)
	require.Equal(t, "subj1", node.Container.ID)

	node, err = r.Lookup(ctx, alice, Split("scitran/Neuro/ex1/baseline/T1/files/notes.txt"))
	require.NoError(t, err)
	require.Equal(t, "u-2", node.File.UUID)

	_, err = r.Lookup(ctx, bob, Split("scitran/Secret/hidden"))
	require.True(t, xerrors.IsForbidden(err))
	_, err = r.Lookup(ctx, alice, Split("scitran/Neuro/ex1/baseline/dup"))
	require.True(t, xerrors.IsConflict(err))
	_, err = r.Lookup(ctx, alice, nil)
	require.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
}

func TestParseSegment(t *testing.T) {
	byID, v := ParseSegment("<id:abc>")
	require.True(t, byID)
	require.Equal(t, "abc", v)
	byID, v = ParseSegment("<id:>")
	require.False(t, byID)
	require.Equal(t, "<id:>", v)
	byID, _ = ParseSegment("label")
	require.False(t, byID)
}
