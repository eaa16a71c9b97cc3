package download

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/scistore/pkg/catalog"
	"github.com/jacktea/scistore/pkg/hierarchy"
	"github.com/jacktea/scistore/pkg/storage"
	"github.com/jacktea/scistore/pkg/ticket"
	"github.com/jacktea/scistore/pkg/xerrors"
)

const cloudBody = "hello cloud bytes"

func TestFetchRangeReplies(t *testing.T) {
	for name, tc := range map[string]struct {
		status       int
		contentRange string
		body         string
		want         string
		fails        bool
	}{
		"partial content":        {status: http.StatusPartialContent, contentRange: "bytes 6-16/17", body: cloudBody[6:], want: "cloud bytes"},
		"ok with content range":  {status: http.StatusOK, contentRange: "bytes 6-16/17", body: cloudBody[6:], want: "cloud bytes"},
		"range ignored":          {status: http.StatusOK, body: cloudBody, want: "cloud bytes"},
		"full range reported":    {status: http.StatusOK, contentRange: "bytes 0-16/17", body: cloudBody, want: "cloud bytes"},
		"partial without header": {status: http.StatusPartialContent, body: cloudBody[6:], want: "cloud bytes"},
		"range past offset":      {status: http.StatusPartialContent, contentRange: "bytes 8-16/17", body: cloudBody[8:], fails: true},
	} {
		t.Run(name, func(t *testing.T) {
			var gotRange string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotRange = r.Header.Get("Range")
				if tc.contentRange != "" {
					w.Header().Set("Content-Range", tc.contentRange)
				}
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			o := &RouterOpener{Client: srv.Client()}
			rc, err := o.fetch(context.Background(), srv.URL, "cloud.txt", 6)
			require.Equal(t, "bytes=6-", gotRange)
			if tc.fails {
				require.Equal(t, xerrors.KindIO, xerrors.KindOf(err))
				return
			}
			require.NoError(t, err)
			defer rc.Close()
			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.Equal(t, tc.want, string(data))
		})
	}
}

func TestRangeStart(t *testing.T) {
	n, ok := rangeStart("bytes 6-16/17")
	require.True(t, ok)
	require.EqualValues(t, 6, n)
	for _, h := range []string{"", "bytes */17", "items 1-2/3", "bytes x-1/2"} {
		_, ok := rangeStart(h)
		require.False(t, ok, h)
	}
}

// breakFirstGet cuts the body of the first response after a few bytes and
// records the Range header of every request.
type breakFirstGet struct {
	base   http.RoundTripper
	after  int64
	mu     sync.Mutex
	ranges []string
}

func (b *breakFirstGet) RoundTrip(req *http.Request) (*http.Response, error) {
	b.mu.Lock()
	first := len(b.ranges) == 0
	b.ranges = append(b.ranges, req.Header.Get("Range"))
	b.mu.Unlock()
	resp, err := b.base.RoundTrip(req)
	if err != nil || !first {
		return resp, err
	}
	resp.Body = struct {
		io.Reader
		io.Closer
	}{&breakingReader{r: resp.Body, left: b.after}, resp.Body}
	return resp, nil
}

func TestRedeemFromSignedURLResumesAfterDrop(t *testing.T) {
	ctx := context.Background()
	mem := s3mem.New()
	require.NoError(t, mem.CreateBucket("scistore"))
	srv := httptest.NewServer(gofakes3.New(mem).Server())
	defer srv.Close()
	cloud, err := storage.NewS3Backend(ctx, storage.S3Config{
		Bucket:     "scistore",
		Region:     "us-east-1",
		Endpoint:   srv.URL,
		AccessKey:  "key",
		SecretKey:  "secret",
		PathStyle:  true,
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)

	const uuid = "0a1b2c3d-0000-4000-8000-00000000c10d"
	w, err := cloud.Open(ctx, uuid, "", storage.ModeWrite)
	require.NoError(t, err)
	_, err = io.WriteString(w, cloudBody)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	src := catalog.NewMemoryStore()
	perms := ro("alice")
	require.NoError(t, src.Put(ctx, &hierarchy.Container{ID: "lab", Level: hierarchy.LevelGroup, Permissions: perms}))
	require.NoError(t, src.Put(ctx, &hierarchy.Container{
		ID: "p1", Level: hierarchy.LevelProject, Label: "Neuro", Permissions: perms,
		Parent: hierarchy.Ref{Level: hierarchy.LevelGroup, ID: "lab"},
		Files: []hierarchy.FileRef{{
			Name: "cloud.txt", UUID: uuid, Provider: "s3", Size: int64(len(cloudBody)),
		}},
	}))
	router, err := storage.NewRouter(map[string]storage.Backend{"s3": cloud}, "s3")
	require.NoError(t, err)

	transport := &breakFirstGet{base: srv.Client().Transport, after: 6}
	engine, err := New(src, hierarchy.PermissionAuthorizer{}, router, ticket.NewMemoryStore(8), Options{
		Retries:    1,
		ChunkSize:  4,
		HTTPClient: &http.Client{Transport: transport},
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	tk, err := engine.CreateTicket(ctx, alice, clientIP, Request{
		Nodes: []hierarchy.Ref{node(hierarchy.LevelProject, "p1")},
	})
	require.NoError(t, err)
	red, err := engine.Redeem(ctx, tk.ID, clientIP)
	require.NoError(t, err)
	defer red.Close()

	var buf bytes.Buffer
	stats, err := red.WriteTo(ctx, &buf)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Entries)
	require.Equal(t, []string{"", "bytes=6-"}, transport.ranges)

	entries, err := readArchive(&buf)
	require.NoError(t, err)
	require.Equal(t, []archived{{"scitran/lab/Neuro/cloud.txt", cloudBody}}, entries)
}
