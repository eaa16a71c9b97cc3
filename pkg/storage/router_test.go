package storage

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacktea/scistore/pkg/xerrors"
)

func TestRegistryBuild(t *testing.T) {
	ctx := context.Background()
	router, err := NewRegistry().Build(ctx, map[string]string{
		"local":   "osfs://" + t.TempDir(),
		"scratch": "mem://",
	}, "local", Options{})
	require.NoError(t, err)
	defer router.Close()

	require.Equal(t, []string{"local", "scratch"}, router.Names())
	def, err := router.Backend("")
	require.NoError(t, err)
	local, err := router.Backend("local")
	require.NoError(t, err)
	require.Same(t, def, local)

	_, err = router.Backend("nope")
	require.True(t, xerrors.IsNotFound(err))
}

func TestRegistryUnknownSchemeIsConfigError(t *testing.T) {
	_, err := NewRegistry().Build(context.Background(), map[string]string{"x": "ftp://host/dir"}, "x", Options{})
	require.Equal(t, xerrors.KindConfig, xerrors.KindOf(err))

	_, err = NewRegistry().Build(context.Background(), map[string]string{"x": "mem://"}, "y", Options{})
	require.Equal(t, xerrors.KindConfig, xerrors.KindOf(err))

	_, err = NewRegistry().Build(context.Background(), nil, "", Options{})
	require.Equal(t, xerrors.KindConfig, xerrors.KindOf(err))
}

func TestRegistrySingleProviderIsDefault(t *testing.T) {
	router, err := NewRegistry().Build(context.Background(), map[string]string{"only": "mem://?require_path_hint=true"}, "", Options{})
	require.NoError(t, err)
	require.Equal(t, "only", router.Default())
	b, err := router.Backend("")
	require.NoError(t, err)
	_, err = b.Open(context.Background(), "0a1b2c3d", "", ModeWrite)
	require.True(t, xerrors.IsNotSupported(err))
}

func TestRegistryRegister(t *testing.T) {
	reg := NewRegistry()
	require.True(t, xerrors.IsConflict(reg.Register("mem", memFactory)))
	called := false
	require.NoError(t, reg.Register("custom", func(ctx context.Context, u *url.URL, opts Options) (Backend, error) {
		called = true
		return NewMemoryBackend(LocalOptions{}), nil
	}))
	_, err := reg.Build(context.Background(), map[string]string{"c": "CUSTOM://x"}, "c", Options{})
	require.NoError(t, err)
	require.True(t, called)
}

func TestPutContentDeduplicates(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(LocalOptions{})
	first, err := PutContent(ctx, b, strings.NewReader("same bytes"), DefaultAlgorithm)
	require.NoError(t, err)
	require.False(t, first.Deduplicated)
	require.EqualValues(t, len("same bytes"), first.Size)

	second, err := PutContent(ctx, b, strings.NewReader("same bytes"), DefaultAlgorithm)
	require.NoError(t, err)
	require.True(t, second.Deduplicated)
	require.Equal(t, first.PathHint, second.PathHint)
	require.Equal(t, "same bytes", readFile(t, b, "", first.PathHint))

	hash, err := b.FileHash(ctx, "", first.PathHint)
	require.NoError(t, err)
	require.Equal(t, first.Hash, hash)

	_, err = PutContent(ctx, b, strings.NewReader("x"), Algorithm("md5"))
	require.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
}
