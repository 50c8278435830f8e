package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/facetrace/internal/config"
	memorypublisher "github.com/JakeFAU/facetrace/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/facetrace/internal/publisher/pubsub"
	"github.com/JakeFAU/facetrace/internal/search"
	"github.com/JakeFAU/facetrace/internal/storage/gcs"
	"github.com/JakeFAU/facetrace/internal/storage/local"
	"github.com/JakeFAU/facetrace/internal/storage/memory"
	"github.com/JakeFAU/facetrace/internal/storage/postgres"
	"github.com/JakeFAU/facetrace/internal/vectorstore/qdrant"
)

// sinks are the artifact store plus the optional run destinations. A nil
// interface means the destination is not configured.
type sinks struct {
	artifacts search.ArtifactStore
	runs      search.RunStore
	vectors   search.VectorIndex
	publisher search.Publisher
	dry       *dryRun
}

// dryRun holds the in-memory destinations of the memory backend so Close
// can report what a real run would have written.
type dryRun struct {
	blobs  *memory.BlobStore
	runs   *memory.RunStore
	events *memorypublisher.Publisher
}

func (d *dryRun) log(logger *zap.Logger) {
	fields := []zap.Field{zap.Strings("artifacts", d.blobs.Paths())}
	if d.runs != nil {
		fields = append(fields, zap.Strings("runs", d.runs.IDs()))
	}
	if d.events != nil {
		fields = append(fields, zap.Int("events", len(d.events.Events())))
	}
	logger.Info("dry run discarded outputs", fields...)
}

// buildSinks connects every configured destination. On error, the
// connections opened so far are closed.
func buildSinks(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ sinks, closers []func() error, err error) {
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
			closers = nil
		}
	}()

	var s sinks
	switch cfg.Storage.Backend {
	case config.StorageGCS:
		store, err := gcs.Dial(ctx, gcs.Config{Bucket: cfg.Storage.GCSBucket, Prefix: cfg.Storage.Prefix})
		if err != nil {
			return sinks{}, closers, fmt.Errorf("init gcs storage: %w", err)
		}
		closers = append(closers, store.Close)
		s.artifacts = store
		logger.Info("using gcs artifact storage", zap.String("bucket", cfg.Storage.GCSBucket))
	case config.StorageMemory:
		s.dry = &dryRun{blobs: memory.NewBlobStore()}
		s.artifacts = s.dry.blobs
		logger.Info("dry run: artifacts are kept in memory")
	case config.StorageLocal:
		store, err := local.New(local.Config{BaseDir: cfg.Storage.Dir})
		if err != nil {
			return sinks{}, closers, fmt.Errorf("init local storage: %w", err)
		}
		s.artifacts = store
		logger.Debug("using local artifact storage", zap.String("dir", store.BaseDir()))
	default:
		return sinks{}, closers, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	switch {
	case cfg.DB.DSN != "":
		runs, err := postgres.NewRunStore(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			RunsTable:       cfg.DB.RunsTable,
			CandidatesTable: cfg.DB.CandidatesTable,
			MaxConns:        cfg.DB.MaxConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return sinks{}, closers, fmt.Errorf("init postgres run store: %w", err)
		}
		closers = append(closers, func() error {
			runs.Close()
			return nil
		})
		if cfg.DB.EnsureSchema {
			if err := runs.EnsureSchema(ctx); err != nil {
				return sinks{}, closers, err
			}
		}
		s.runs = runs
	case s.dry != nil:
		s.dry.runs = memory.NewRunStore()
		s.runs = s.dry.runs
	}

	if cfg.Qdrant.Addr != "" {
		vectors, err := qdrant.Dial(cfg.Qdrant.Addr, cfg.Qdrant.Collection)
		if err != nil {
			return sinks{}, closers, fmt.Errorf("init qdrant index: %w", err)
		}
		closers = append(closers, vectors.Close)
		s.vectors = vectors
	}

	switch {
	case cfg.PubSub.TopicName == "":
	case cfg.PubSub.ProjectID != "":
		pub, err := pubsubpublisher.Dial(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return sinks{}, closers, fmt.Errorf("init pubsub publisher: %w", err)
		}
		closers = append(closers, pub.Close)
		s.publisher = pub
	case s.dry != nil:
		s.dry.events = memorypublisher.New()
		s.publisher = s.dry.events
	}
	return s, closers, nil
}
