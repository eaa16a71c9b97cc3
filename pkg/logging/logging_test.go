package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jacktea/scistore/pkg/xerrors"
)

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("")
	require.NoError(t, err)
	require.Equal(t, zapcore.InfoLevel, l)
	l, err = ParseLevel("WARN")
	require.NoError(t, err)
	require.Equal(t, zapcore.WarnLevel, l)
	_, err = ParseLevel("loud")
	require.Equal(t, xerrors.KindConfig, xerrors.KindOf(err))
}

func TestJSONOutputHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWriter(&buf, Config{Level: "warn", Format: "json"})
	require.NoError(t, err)
	log.Info("dropped")
	log.Warn("kept", zap.String("ticket", "t1"))
	require.NoError(t, log.Sync())

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "kept", line["msg"])
	require.Equal(t, "t1", line["ticket"])
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "scistore.log")
	log, err := New(Config{Format: "json", File: path})
	require.NoError(t, err)
	log.Info("hello")
	require.NoError(t, log.Sync())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"hello"`)
}

func TestUnknownFormat(t *testing.T) {
	_, err := New(Config{Format: "xml"})
	require.Equal(t, xerrors.KindConfig, xerrors.KindOf(err))
}
