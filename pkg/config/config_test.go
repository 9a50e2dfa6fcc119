package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/graphsync/pkg/backend"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestPrecedence(t *testing.T) {
	path := writeFile(t, "graphsync.yaml", `
listen: ":9000"
logLevel: debug
flushInterval: 2s
backend:
  driver: sqlite
  path: /tmp/from-yaml.sqlite3
  s3:
    bucket: from-yaml
`)
	t.Setenv("GRAPHSYNC_FLUSH_INTERVAL", "3s")
	t.Setenv("GRAPHSYNC_BACKEND_PATH", "/tmp/from-env.sqlite3")
	t.Setenv("GRAPHSYNC_S3_PATH_STYLE", "true")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c, err := Load(fs, []string{"-config", path, "-flush-interval", "4s", "-max-backlog", "7"})
	require.NoError(t, err)

	assert.Equal(t, ":9000", c.Listen)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 4*time.Second, c.FlushInterval)
	assert.Equal(t, 7, c.MaxBacklog)
	assert.Equal(t, backend.DriverSQLite, c.Backend.Driver)
	assert.Equal(t, "/tmp/from-env.sqlite3", c.Backend.Path)
	assert.Equal(t, "from-yaml", c.Backend.S3.Bucket)
	assert.True(t, c.Backend.S3.PathStyle)
	assert.Equal(t, Default().PresenceTimeout, c.PresenceTimeout)
}

func TestResolveFromEnvFile(t *testing.T) {
	path := writeFile(t, ".env", "GRAPHSYNC_SERVER=http://example.test:8080\n")
	t.Setenv("GRAPHSYNC_SERVER", "")
	os.Unsetenv("GRAPHSYNC_SERVER")
	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))

	c, err := Resolve("", os.LookupEnv)
	require.NoError(t, err)
	assert.Equal(t, "http://example.test:8080", c.Server)
}

func TestInvalid(t *testing.T) {
	_, err := Resolve("", func(k string) (string, bool) {
		if k == "GRAPHSYNC_PING_INTERVAL" {
			return "soon", true
		}
		return "", false
	})
	assert.ErrorContains(t, err, "GRAPHSYNC_PING_INTERVAL")

	c := Default()
	c.ProposalMode = "merge"
	c.LogLevel = "loud"
	c.ReconnectMax = time.Millisecond
	err = c.Validate()
	assert.ErrorContains(t, err, "proposal mode")
	assert.ErrorContains(t, err, "logLevel")
	assert.ErrorContains(t, err, "reconnectMax")

	_, err = Resolve(filepath.Join(t.TempDir(), "nope.yaml"), os.LookupEnv)
	assert.Error(t, err)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	_, err = Load(fs, []string{"-max-backlog", "many"})
	assert.Error(t, err)
}

func TestLevel(t *testing.T) {
	c := Default()
	c.LogLevel = "warn"
	l, err := c.Level()
	require.NoError(t, err)
	assert.Equal(t, "WARN", l.String())
	assert.NotNil(t, c.Logger())
}
