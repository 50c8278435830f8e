package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/facetrace/internal/config"
	memorypublisher "github.com/JakeFAU/facetrace/internal/publisher/memory"
	"github.com/JakeFAU/facetrace/internal/storage/local"
	"github.com/JakeFAU/facetrace/internal/storage/memory"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Fetch.RenderEnabled = false
	cfg.Storage.Dir = filepath.Join(dir, "artifacts")
	cfg.Search.DownloadDir = filepath.Join(dir, "thumbs")
	return cfg
}

func TestBuildSinksLocalOnly(t *testing.T) {
	cfg := testConfig(t)

	s, closers, err := buildSinks(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, closers)
	store, ok := s.artifacts.(*local.BlobStore)
	require.True(t, ok)
	assert.Equal(t, cfg.Storage.Dir, store.BaseDir())
	assert.Nil(t, s.runs)
	assert.Nil(t, s.vectors)
	assert.Nil(t, s.publisher)
}

func TestBuildSinksMemory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = config.StorageMemory

	cfg.PubSub.TopicName = "runs"
	require.NoError(t, cfg.Validate())

	s, closers, err := buildSinks(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, closers)
	require.NotNil(t, s.dry)
	_, ok := s.artifacts.(*memory.BlobStore)
	assert.True(t, ok)
	_, ok = s.runs.(*memory.RunStore)
	assert.True(t, ok)
	_, ok = s.publisher.(*memorypublisher.Publisher)
	assert.True(t, ok)
	assert.Nil(t, s.vectors)
}

func TestBuildSinksRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "tape"

	_, closers, err := buildSinks(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Nil(t, closers)
}

func TestBuildSinksBadDSN(t *testing.T) {
	cfg := testConfig(t)
	cfg.DB.DSN = "postgres://%zz"

	_, closers, err := buildSinks(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "init postgres run store")
	assert.Nil(t, closers)
}

func TestOrchestratorPropagatesModelError(t *testing.T) {
	cfg := testConfig(t)
	errModel := errors.New("no models")

	a, err := New(context.Background(), cfg, Options{
		LoadModel: func(string) (FaceModel, error) { return nil, errModel },
	}, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Orchestrator(context.Background())
	require.ErrorIs(t, err, errModel)
	assert.NotNil(t, a.Corpus())
}

func TestCloseWritesMetricsTextfile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Textfile = filepath.Join(t.TempDir(), "facetrace.prom")

	a, err := New(context.Background(), cfg, Options{}, zap.NewNop())
	require.NoError(t, err)
	a.Metrics().ObserveCandidate("matched")
	a.Close()

	data, err := os.ReadFile(cfg.Metrics.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "facetrace_candidates_total")
}
