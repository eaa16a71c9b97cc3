package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/scistore/pkg/catalog"
	"github.com/jacktea/scistore/pkg/download"
	"github.com/jacktea/scistore/pkg/hierarchy"
	"github.com/jacktea/scistore/pkg/resolver"
	"github.com/jacktea/scistore/pkg/storage"
	"github.com/jacktea/scistore/pkg/xerrors"
)

const catalogYAML = `
groups:
  - id: lab
    permissions:
      - id: alice
        access: ro
    projects:
      - id: p1
        label: Neuro
        files:
          - name: notes.txt
            uuid: u-notes
            size: 5
`

func readConfig(t *testing.T, doc string) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(doc)))
	return v
}

func TestLoadSettings(t *testing.T) {
	v := readConfig(t, `
storage:
  providers:
    primary: mem://
    archive: osfs:///var/lib/scistore
  default: primary
  signed_url_ttl: 30m
tickets:
  store: Bolt
  path: /tmp/tickets.db
  ttl: 2m
download:
  prefix: flywheel
  retries: 3
  format: tar.gz
log:
  level: debug
  format: json
`)
	cfg, err := loadSettings(v)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"primary": "mem://", "archive": "osfs:///var/lib/scistore"}, cfg.Providers)
	require.Equal(t, "primary", cfg.DefaultProvider)
	require.Equal(t, 30*time.Minute, cfg.SignedURLTTL)
	require.Equal(t, ticketsBolt, cfg.TicketStore)
	require.Equal(t, 2*time.Minute, cfg.TicketTTL)
	require.Equal(t, "flywheel", cfg.Prefix)
	require.Equal(t, 3, cfg.Retries)
	require.Equal(t, download.FormatTGZ, cfg.Format)
	require.Equal(t, "json", cfg.Log.Format)
}

func TestLoadSettingsDefaultsToMemoryTickets(t *testing.T) {
	cfg, err := loadSettings(viper.New())
	require.NoError(t, err)
	require.Equal(t, ticketsMemory, cfg.TicketStore)
	require.Equal(t, download.FormatTar, cfg.Format)
}

func TestLoadSettingsRejectsBadConfig(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown store":    "tickets: {store: etcd}",
		"bolt no path":     "tickets: {store: bolt}",
		"redis no addr":    "tickets: {store: redis}",
		"bad format":       "download: {format: zip}",
		"negative retries": "download: {retries: -1}",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := loadSettings(readConfig(t, doc))
			require.Error(t, err)
			require.Equal(t, xerrors.KindConfig, xerrors.KindOf(err))
		})
	}
}

func TestAppUnknownSchemeFailsAtStartup(t *testing.T) {
	a := newApp(settings{Providers: map[string]string{"x": "ftp://host/data"}}, nil)
	defer a.close()
	_, err := a.storageRouter(context.Background())
	require.Equal(t, xerrors.KindConfig, xerrors.KindOf(err))
}

func TestAppRequiresCatalog(t *testing.T) {
	a := newApp(settings{}, nil)
	_, err := a.catalogStore(context.Background())
	require.Equal(t, xerrors.KindConfig, xerrors.KindOf(err))
}

func testApp(t *testing.T, cfg settings) *app {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(file, []byte(catalogYAML), 0o644))
	cfg.CatalogFile = file
	if cfg.Providers == nil {
		cfg.Providers = map[string]string{"local": "osfs://" + filepath.Join(dir, "data")}
	}
	if cfg.TicketStore == "" {
		cfg.TicketStore = ticketsMemory
	}
	cfg.User = hierarchy.Principal{ID: "alice"}
	a := newApp(cfg, nil)
	t.Cleanup(func() { _ = a.close() })
	return a
}

func TestAppCatalogInBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	a := testApp(t, settings{CatalogPath: path, CatalogCacheTTL: time.Minute})
	src, err := a.catalogStore(context.Background())
	require.NoError(t, err)
	roots, err := src.Roots(context.Background())
	require.NoError(t, err)
	require.Len(t, roots, 1)
	require.Equal(t, "lab", roots[0].ID)
	_, cached := src.(*catalog.Cached)
	require.True(t, cached)
}

func TestResolveCommand(t *testing.T) {
	application = testApp(t, settings{})
	cmd := newResolveCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"lab/Neuro"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var res resolver.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	require.Len(t, res.Path, 2)
	require.Len(t, res.Children, 1)
	require.Equal(t, "notes.txt", res.Children[0].File.Name)
}

func TestStorageAndTicketCommands(t *testing.T) {
	dir := t.TempDir()
	application = testApp(t, settings{TicketStore: ticketsBolt, TicketPath: filepath.Join(dir, "tickets.db")})
	ctx := context.Background()

	storageCmd := newStorageCmd()
	var out bytes.Buffer
	storageCmd.SetOut(&out)
	storageCmd.SetIn(strings.NewReader("hello"))
	storageCmd.SetArgs([]string{"put", "-"})
	require.NoError(t, storageCmd.ExecuteContext(ctx))
	var stored map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &stored))
	require.EqualValues(t, 5, stored["size"])
	hint := stored["path_hint"].(string)

	out.Reset()
	storageCmd = newStorageCmd()
	storageCmd.SetOut(&out)
	storageCmd.SetArgs([]string{"hash", "--path", hint})
	require.NoError(t, storageCmd.ExecuteContext(ctx))
	require.Equal(t, stored["hash"], strings.TrimSpace(out.String()))

	storageCmd = newStorageCmd()
	storageCmd.SetArgs([]string{"url", "--path", hint})
	err := storageCmd.ExecuteContext(ctx)
	require.True(t, xerrors.IsNotSupported(err))

	// notes.txt lives under uuid u-notes.
	router, err := application.storageRouter(ctx)
	require.NoError(t, err)
	b, err := router.Backend("")
	require.NoError(t, err)
	f, err := b.Open(ctx, "u-notes", "", storage.ModeWrite)
	require.NoError(t, err)
	_, err = f.Write([]byte("notes"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	out.Reset()
	ticketCmd := newTicketCmd()
	ticketCmd.SetOut(&out)
	ticketCmd.SetArgs([]string{"create", "project/p1", "--ip", "10.0.0.1"})
	require.NoError(t, ticketCmd.ExecuteContext(ctx))
	var created map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &created))
	require.EqualValues(t, 1, created["file_cnt"])
	id := created["ticket"].(string)

	archive := filepath.Join(dir, "out.tar")
	ticketCmd = newTicketCmd()
	ticketCmd.SetArgs([]string{"redeem", id, "--ip", "10.0.0.2", "-o", archive})
	err = ticketCmd.ExecuteContext(ctx)
	require.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))

	ticketCmd = newTicketCmd()
	ticketCmd.SetArgs([]string{"redeem", id, "--ip", "10.0.0.1", "-o", archive})
	require.NoError(t, ticketCmd.ExecuteContext(ctx))
	data, err := os.ReadFile(archive)
	require.NoError(t, err)
	require.Contains(t, string(data), "scitran/lab/Neuro/notes.txt")
}

func TestParseRefs(t *testing.T) {
	refs, err := parseRefs([]string{"project/p1", "acquisition/a/b"})
	require.NoError(t, err)
	require.Equal(t, []hierarchy.Ref{
		{Level: hierarchy.LevelProject, ID: "p1"},
		{Level: hierarchy.LevelAcquisition, ID: "a/b"},
	}, refs)

	_, err = parseRefs([]string{"p1"})
	require.Error(t, err)
	_, err = parseRefs([]string{"planet/p1"})
	require.Error(t, err)
}
