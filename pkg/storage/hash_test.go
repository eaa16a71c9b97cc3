package storage

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacktea/scistore/pkg/xerrors"
)

func TestHashReaderDeterministic(t *testing.T) {
	ctx := context.Background()
	payload := bytes.Repeat([]byte("scistore"), HashChunkSize/4)
	for _, alg := range Algorithms() {
		t.Run(string(alg), func(t *testing.T) {
			a, err := HashReader(ctx, bytes.NewReader(payload), alg)
			require.NoError(t, err)
			b, err := HashReader(ctx, bytes.NewReader(payload), alg)
			require.NoError(t, err)
			require.Equal(t, a, b)
			require.True(t, strings.HasPrefix(a, "v0-"+string(alg)+"-"))

			p1, err := ContentPath(a)
			require.NoError(t, err)
			p2, err := ContentPath(b)
			require.NoError(t, err)
			require.Equal(t, p1, p2)
		})
	}
}

func TestHashReaderMatchesSHA384(t *testing.T) {
	sum := sha512.Sum384([]byte("hello"))
	got, err := HashReader(context.Background(), strings.NewReader("hello"), DefaultAlgorithm)
	require.NoError(t, err)
	require.Equal(t, "v0-sha384-"+hex.EncodeToString(sum[:]), got)
}

func TestContentPath(t *testing.T) {
	hash := "v0-sha384-abcdef0123"
	p, err := ContentPath(hash)
	require.NoError(t, err)
	require.Equal(t, "v0/sha384/ab/cd/v0-sha384-abcdef0123", p)

	for _, bad := range []string{"", "v0-sha384", "v0-md5-abcd", "v0-sha384-zzzz", "v0-sha384-ab"} {
		_, err := ContentPath(bad)
		require.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err), bad)
	}
}

func TestUUIDPath(t *testing.T) {
	require.Equal(t, "0a/1b/0a1b2c3d-0000-4000-8000-000000000001", UUIDPath("0a1b2c3d-0000-4000-8000-000000000001"))
	require.Equal(t, "ab", UUIDPath("ab"))
}

func TestLocate(t *testing.T) {
	p, err := Locate("0a1b2c3d-0000", "")
	require.NoError(t, err)
	require.Equal(t, "0a/1b/0a1b2c3d-0000", p)

	p, err = Locate("0a1b2c3d-0000", "/legacy/../x/file.bin")
	require.NoError(t, err)
	require.Equal(t, "x/file.bin", p)

	_, err = Locate("", "")
	require.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
}

func TestContentDisposition(t *testing.T) {
	require.Equal(t, "", ContentDisposition(URLOptions{}))
	require.Equal(t, "attachment", ContentDisposition(URLOptions{Attachment: true}))
	require.Equal(t, "attachment; filename=data.csv", ContentDisposition(URLOptions{Filename: "data.csv", Attachment: true}))
	require.Equal(t, `inline; filename="my file.csv"`, ContentDisposition(URLOptions{Filename: "my file.csv"}))
}
