package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/scistore/pkg/xerrors"
)

func newFakeS3(t *testing.T, prefix string) *S3Backend {
	t.Helper()
	mem := s3mem.New()
	require.NoError(t, mem.CreateBucket("scistore"))
	srv := httptest.NewServer(gofakes3.New(mem).Server())
	t.Cleanup(srv.Close)
	b, err := NewS3Backend(context.Background(), S3Config{
		Bucket:     "scistore",
		Prefix:     prefix,
		Region:     "us-east-1",
		Endpoint:   srv.URL,
		AccessKey:  "key",
		SecretKey:  "secret",
		PathStyle:  true,
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	return b
}

func TestS3RoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newFakeS3(t, "data")
	uuid := "0a1b2c3d-0000-4000-8000-000000000001"

	info, err := b.FileInfo(ctx, uuid, "")
	require.NoError(t, err)
	require.Nil(t, info)

	writeFile(t, b, uuid, "", "cloud bytes")
	require.Equal(t, "cloud bytes", readFile(t, b, uuid, ""))

	info, err = b.FileInfo(ctx, uuid, "")
	require.NoError(t, err)
	require.NotNil(t, info)
	require.EqualValues(t, len("cloud bytes"), info.Size)

	hash, err := b.FileHash(ctx, uuid, "")
	require.NoError(t, err)
	expect, err := HashReader(ctx, bytes.NewReader([]byte("cloud bytes")), DefaultAlgorithm)
	require.NoError(t, err)
	require.Equal(t, expect, hash)

	rc, err := b.OpenRange(ctx, "data/"+UUIDPath(uuid), 6)
	require.NoError(t, err)
	tail, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	require.Equal(t, "bytes", string(tail))

	require.NoError(t, b.Remove(ctx, uuid, ""))
	_, err = b.Open(ctx, uuid, "", ModeRead)
	require.True(t, xerrors.IsNotFound(err))
}

func TestS3SignedURLs(t *testing.T) {
	ctx := context.Background()
	b := newFakeS3(t, "")
	require.True(t, b.IsSignedURL())

	upload, err := b.SignedURL(ctx, "", "x/y/upload.bin", URLOptions{Purpose: PurposeUpload})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, upload, bytes.NewReader([]byte("via url")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	download, err := b.SignedURL(ctx, "", "x/y/upload.bin", URLOptions{
		Purpose:    PurposeDownload,
		Filename:   "upload.bin",
		Attachment: true,
	})
	require.NoError(t, err)
	u, err := url.Parse(download)
	require.NoError(t, err)
	require.Equal(t, "attachment; filename=upload.bin", u.Query().Get("response-content-disposition"))
	require.NotEmpty(t, u.Query().Get("X-Amz-Signature"))

	resp, err = http.Get(download)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, "via url", string(body))

	_, err = b.SignedURL(ctx, "", "", URLOptions{Purpose: PurposeDownload})
	require.True(t, xerrors.IsNotFound(err))
}

func TestS3ConfigFromURL(t *testing.T) {
	u, err := url.Parse("s3://bucket/some/prefix?region=eu-west-1&endpoint=http://minio:9000&path_style=true")
	require.NoError(t, err)
	cfg, err := S3ConfigFromURL(u)
	require.NoError(t, err)
	require.Equal(t, "bucket", cfg.Bucket)
	require.Equal(t, "some/prefix", cfg.Prefix)
	require.Equal(t, "eu-west-1", cfg.Region)
	require.Equal(t, "http://minio:9000", cfg.Endpoint)
	require.True(t, cfg.PathStyle)

	u, _ = url.Parse("s3:///prefix")
	_, err = S3ConfigFromURL(u)
	require.Equal(t, xerrors.KindConfig, xerrors.KindOf(err))
}
