package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/facetrace/internal/checkpoint"
	"github.com/JakeFAU/facetrace/internal/face"
	"github.com/JakeFAU/facetrace/internal/logging"
	"github.com/JakeFAU/facetrace/internal/telemetry"
)

// Artifact names written for every completed run.
const (
	ArtifactQuery      = "query.json"
	ArtifactEntries    = "entries.json"
	ArtifactCandidates = "candidates.json"
	ArtifactReport     = "report.md"
)

const (
	defaultMaxResults = 30
	screenshotTimeout = 10 * time.Second
	sinkTimeout       = 30 * time.Second
)

// Dependencies are the collaborators of an Orchestrator. Reports, Runs,
// Vectors and Publisher are optional.
type Dependencies struct {
	Downloader   Downloader
	Preprocessor Preprocessor
	Embedder     face.Embedder
	Sessions     SessionOpener
	Collector    Collector
	Ranker       CandidateRanker
	Artifacts    ArtifactStore
	Reports      ReportRenderer
	Runs         RunStore
	Vectors      VectorIndex
	Publisher    Publisher
	Clock        Clock
	IDs          IDGenerator
}

// OrchestratorConfig holds run-level settings.
type OrchestratorConfig struct {
	// ScreenshotPath receives a capture of the page when collection fails.
	ScreenshotPath string
	// Topic is the Pub/Sub topic for CompletedEvent; empty disables publishing.
	Topic string
}

// Orchestrator runs one reverse face search end to end.
type Orchestrator struct {
	deps   Dependencies
	cfg    OrchestratorConfig
	logger *zap.Logger
}

// NewOrchestrator validates deps and returns an Orchestrator.
func NewOrchestrator(deps Dependencies, cfg OrchestratorConfig, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Downloader == nil:
		return nil, fmt.Errorf("downloader is required")
	case deps.Preprocessor == nil:
		return nil, fmt.Errorf("preprocessor is required")
	case deps.Embedder == nil:
		return nil, fmt.Errorf("embedder is required")
	case deps.Sessions == nil:
		return nil, fmt.Errorf("session opener is required")
	case deps.Collector == nil:
		return nil, fmt.Errorf("collector is required")
	case deps.Ranker == nil:
		return nil, fmt.Errorf("ranker is required")
	case deps.Artifacts == nil:
		return nil, fmt.Errorf("artifact store is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger.Named("orchestrator")}, nil
}

// Run executes req. A failure on the query image, the browser session or
// the collection step aborts the run with a single *Error and writes no
// artifacts. Per-candidate failures are absorbed into Result.Stats.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	ctx, span := telemetry.Start(ctx, "search.Run", attribute.Int("max_results", req.MaxResults))
	result, err := o.run(ctx, req)
	if err == nil {
		span.SetAttributes(
			attribute.String("run_id", result.RunID),
			attribute.Int("entries", result.Stats.Total),
			attribute.Int("matched", result.Stats.Matched),
		)
	}
	telemetry.End(span, err)
	return result, err
}

func (o *Orchestrator) run(ctx context.Context, req Request) (Result, error) {
	if req.MaxResults <= 0 {
		req.MaxResults = defaultMaxResults
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		return Result{}, newError(KindInput, "validate request", fmt.Errorf("threshold %v outside [0,1]", req.Threshold))
	}
	if req.OutputName == "" {
		req.OutputName = ArtifactCandidates
	}

	runID, err := o.deps.IDs.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("generate run id: %w", err)
	}
	logger := logging.WithRun(o.logger, runID)
	ctx = checkpoint.WithRun(ctx, runID)
	result := Result{RunID: runID, StartedAt: o.deps.Clock.Now().UTC(), Artifacts: map[string]string{}}
	logger.Info("run started", zap.String("query", req.Query), zap.Int("max_results", req.MaxResults), zap.Float64("threshold", req.Threshold))

	query, cleanup, err := o.resolveQuery(ctx, req.Query)
	if err != nil {
		return Result{}, newError(KindInput, "resolve query image", err)
	}
	defer cleanup()

	crop, queryEmbedding, err := o.embedQuery(ctx, query)
	if err != nil {
		return Result{}, newError(KindInput, "prepare query face", err)
	}
	result.Query = QueryRecord{
		RunID:      runID,
		Source:     query.Source,
		Model:      queryEmbedding.Model,
		Dimensions: queryEmbedding.Dimensions(),
		Region: Region{
			MinX: crop.Region.Min.X, MinY: crop.Region.Min.Y,
			MaxX: crop.Region.Max.X, MaxY: crop.Region.Max.Y,
		},
		Embedding: queryEmbedding.Vector,
		CreatedAt: result.StartedAt,
	}

	entries, err := o.collect(ctx, logger, query.LocalPath, req.MaxResults)
	if err != nil {
		return Result{}, err
	}
	result.Entries = entries

	rankCtx, rankSpan := telemetry.Start(ctx, "search.Rank", attribute.Int("entries", len(entries)))
	result.Candidates, result.Stats = o.deps.Ranker.Rank(rankCtx, entries, queryEmbedding, req.Threshold)
	telemetry.End(rankSpan, nil)
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("run canceled: %w", err)
	}
	result.FinishedAt = o.deps.Clock.Now().UTC()

	if err := o.persist(ctx, &result, req.OutputName); err != nil {
		return Result{}, err
	}
	o.sinks(ctx, logger, result)

	logger.Info("run complete",
		zap.Int("entries", len(result.Entries)),
		zap.Int("matched", result.Stats.Matched),
		zap.Int("below_threshold", result.Stats.BelowThreshold),
		zap.Int("skipped", result.Stats.Skipped()),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
	)
	return result, nil
}

// resolveQuery downloads remote sources. The returned cleanup removes the
// downloaded copy.
func (o *Orchestrator) resolveQuery(ctx context.Context, source string) (QueryImage, func(), error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return QueryImage{}, func() {}, fmt.Errorf("query image is required")
	}
	if !isWebURL(source) && !isDataURI(source) {
		if _, err := os.Stat(source); err != nil {
			return QueryImage{}, func() {}, fmt.Errorf("%w: %v", face.ErrUnreadableImage, err)
		}
		return QueryImage{Source: source, LocalPath: source}, func() {}, nil
	}
	path, err := o.deps.Downloader.Download(ctx, source)
	if err != nil {
		return QueryImage{}, func() {}, fmt.Errorf("download query image: %w", err)
	}
	cleanup := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.logger.Warn("failed to remove downloaded query", zap.String("path", path), zap.Error(err))
		}
	}
	return QueryImage{Source: source, LocalPath: path}, cleanup, nil
}

func (o *Orchestrator) embedQuery(ctx context.Context, query QueryImage) (face.Crop, face.Embedding, error) {
	crop, err := o.deps.Preprocessor.PrepareFile(ctx, query.LocalPath)
	if err != nil {
		return face.Crop{}, face.Embedding{}, err
	}
	embedding, err := o.deps.Embedder.Embed(ctx, crop)
	if err != nil {
		return face.Crop{}, face.Embedding{}, fmt.Errorf("embed query face: %w", err)
	}
	return crop, embedding, nil
}

// collect owns the browser session; it is closed before collect returns so
// no browser outlives the collection step.
func (o *Orchestrator) collect(ctx context.Context, logger *zap.Logger, queryPath string, maxResults int) (_ []Entry, err error) {
	ctx, span := telemetry.Start(ctx, "search.Collect")
	defer func() { telemetry.End(span, err) }()

	session, err := o.deps.Sessions.Open(ctx)
	if err != nil {
		return nil, newError(KindAutomation, "open browser", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Warn("failed to close browser", zap.Error(cerr))
		}
	}()

	entries, err := o.deps.Collector.Collect(ctx, session, queryPath, maxResults)
	if err != nil {
		o.captureScreenshot(ctx, logger, session)
		return nil, newError(KindAutomation, "collect results", err)
	}
	logger.Info("collected entries", zap.Int("count", len(entries)))
	return entries, nil
}

func (o *Orchestrator) captureScreenshot(ctx context.Context, logger *zap.Logger, driver Driver) {
	if o.cfg.ScreenshotPath == "" {
		return
	}
	shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), screenshotTimeout)
	defer cancel()
	if err := driver.Screenshot(shotCtx, o.cfg.ScreenshotPath); err != nil {
		logger.Warn("diagnostic screenshot failed", zap.Error(err))
		return
	}
	logger.Info("saved diagnostic screenshot", zap.String("path", o.cfg.ScreenshotPath))
}

func (o *Orchestrator) persist(ctx context.Context, result *Result, candidatesName string) error {
	entries := result.Entries
	if entries == nil {
		entries = []Entry{}
	}
	docs := []struct {
		name string
		body any
	}{
		{ArtifactQuery, result.Query},
		{ArtifactEntries, entries},
		{candidatesName, result.Candidates.Records()},
	}
	for _, doc := range docs {
		data, err := json.MarshalIndent(doc.body, "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s: %w", doc.name, err)
		}
		uri, err := o.deps.Artifacts.PutObject(ctx, doc.name, "application/json", bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("persist %s: %w", doc.name, err)
		}
		result.Artifacts[doc.name] = uri
	}

	if o.deps.Reports == nil {
		return nil
	}
	report, err := o.deps.Reports.Render(*result)
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	uri, err := o.deps.Artifacts.PutObject(ctx, ArtifactReport, "text/markdown", bytes.NewReader(report))
	if err != nil {
		return fmt.Errorf("persist %s: %w", ArtifactReport, err)
	}
	result.Artifacts[ArtifactReport] = uri
	return nil
}

// sinks forwards the result to the optional stores. Failures are logged.
func (o *Orchestrator) sinks(ctx context.Context, logger *zap.Logger, result Result) {
	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	if o.deps.Runs != nil {
		if err := o.deps.Runs.SaveRun(ctx, result); err != nil {
			logger.Warn("failed to save run", zap.Error(err))
		}
	}
	if o.deps.Vectors != nil && len(result.Candidates) > 0 {
		if err := o.deps.Vectors.Upsert(ctx, result.RunID, result.Candidates); err != nil {
			logger.Warn("failed to index candidates", zap.Error(err))
		}
	}
	if o.deps.Publisher != nil && o.cfg.Topic != "" {
		event := CompletedEvent{
			RunID:       result.RunID,
			Source:      result.Query.Source,
			Entries:     len(result.Entries),
			Matched:     len(result.Candidates),
			Artifacts:   result.Artifacts,
			CompletedAt: result.FinishedAt,
		}
		if len(result.Candidates) > 0 {
			event.TopURL = result.Candidates[0].PageURL
			event.TopScore = result.Candidates[0].Similarity
		}
		id, err := o.deps.Publisher.Publish(ctx, o.cfg.Topic, event)
		if err != nil {
			logger.Warn("failed to publish completion", zap.Error(err))
			return
		}
		logger.Debug("published completion", zap.String("message_id", id))
	}
}
