package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 1000, cfg.Ingest.ChunkSize)
	require.Equal(t, 200, cfg.Ingest.ChunkOverlap)
	require.Equal(t, "local", cfg.Embedding.Provider)
	require.Equal(t, "memory", cfg.Vector.Provider)
	require.Equal(t, "memory", cfg.DB.Provider)
	require.Equal(t, "local", cfg.Uploads.Provider)
	require.True(t, cfg.Logging.Development)
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
ingest:
  chunk_size: 500
  chunk_overlap: 50
vector:
  provider: pgvector
  dsn: postgres://localhost/rag
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 500, cfg.Ingest.ChunkSize)
	require.Equal(t, "pgvector", cfg.Vector.Provider)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base := func(t *testing.T) Config {
		t.Helper()
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base(t)
	cfg.Server.Port = 0
	require.ErrorContains(t, cfg.Validate(), "server.port")

	cfg = base(t)
	cfg.Ingest.ChunkOverlap = cfg.Ingest.ChunkSize
	require.ErrorContains(t, cfg.Validate(), "chunk_overlap")

	cfg = base(t)
	cfg.Auth.Enabled = true
	require.ErrorContains(t, cfg.Validate(), "auth.api_key")

	cfg = base(t)
	cfg.Vector.Provider = "pgvector"
	require.ErrorContains(t, cfg.Validate(), "vector.dsn")

	cfg = base(t)
	cfg.DB.Provider = "cassandra"
	require.ErrorContains(t, cfg.Validate(), "db.provider")

	cfg = base(t)
	cfg.PubSub.Enabled = true
	require.ErrorContains(t, cfg.Validate(), "pubsub.project_id")
}
