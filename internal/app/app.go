// Package app initializes and holds the long-lived services of a facetrace
// process: the face model, fetchers, browser launcher and the optional sinks.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/facetrace/internal/browser"
	"github.com/JakeFAU/facetrace/internal/checkpoint"
	"github.com/JakeFAU/facetrace/internal/clock/system"
	"github.com/JakeFAU/facetrace/internal/collector"
	"github.com/JakeFAU/facetrace/internal/config"
	"github.com/JakeFAU/facetrace/internal/content"
	"github.com/JakeFAU/facetrace/internal/download"
	"github.com/JakeFAU/facetrace/internal/face"
	"github.com/JakeFAU/facetrace/internal/face/dlib"
	"github.com/JakeFAU/facetrace/internal/fetcher"
	collyfetcher "github.com/JakeFAU/facetrace/internal/fetcher/colly"
	"github.com/JakeFAU/facetrace/internal/fetcher/headless"
	"github.com/JakeFAU/facetrace/internal/id/uuid"
	"github.com/JakeFAU/facetrace/internal/metrics"
	"github.com/JakeFAU/facetrace/internal/policy/ratelimit"
	"github.com/JakeFAU/facetrace/internal/report"
	"github.com/JakeFAU/facetrace/internal/retry"
	"github.com/JakeFAU/facetrace/internal/search"
	"github.com/JakeFAU/facetrace/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// FaceModel is the detector and embedder loaded once per process.
type FaceModel interface {
	face.Detector
	face.Embedder
	Close()
}

// Options carries the process streams and overridable loaders.
type Options struct {
	In  io.Reader
	Out io.Writer
	// LoadModel defaults to dlib.LoadModel.
	LoadModel func(dir string) (FaceModel, error)
}

// App is the dependency container built once per command invocation.
type App struct {
	cfg     config.Config
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Recorder

	direct   *collyfetcher.Fetcher
	rendered fetcher.Fetcher
	content  *content.Fetcher
	sinks    sinks

	model      FaceModel
	checkpoint *checkpoint.HTTP
	closers    []func() error
}

// New builds the services every command needs. The face model and browser
// are only started by Orchestrator.
func New(ctx context.Context, cfg config.Config, opts Options, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stderr
	}
	if opts.LoadModel == nil {
		opts.LoadModel = func(dir string) (FaceModel, error) {
			return dlib.LoadModel(dir)
		}
	}
	a := &App{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		metrics: metrics.New(),
	}

	a.direct = collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.Fetch.Timeout,
		MaxBodySize:   cfg.Fetch.MaxBodyBytes,
	})
	signature := content.Signature{Markers: cfg.Fetch.ChallengeMarkers}
	a.rendered = headless.NewNoop()
	if cfg.Fetch.RenderEnabled {
		rendered, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Fetch.RenderParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: cfg.Fetch.RenderTimeout,
			PollInterval:      cfg.Fetch.PollInterval,
			MinTextChars:      cfg.Fetch.MinRenderedChars,
			IsChallenge:       signature.Matches,
			Headless:          cfg.Fetch.RenderHeadless,
		})
		if err != nil {
			return nil, fmt.Errorf("init rendered fetcher: %w", err)
		}
		a.rendered = rendered
		a.closers = append(a.closers, func() error {
			rendered.Close()
			return nil
		})
	}
	pages, err := content.New(a.direct, a.rendered, signature, logger, a.metrics)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init content fetcher: %w", err)
	}
	a.content = pages

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		GCPProjectID: cfg.Telemetry.GCPProjectID,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return shutdownTracing(ctx)
	})

	s, closers, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.sinks = s
	a.closers = append(a.closers, closers...)
	return a, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Metrics returns the run's Prometheus recorder.
func (a *App) Metrics() *metrics.Recorder {
	return a.metrics
}

// Corpus returns a corpus builder over the two-tier content fetcher.
func (a *App) Corpus() *content.Corpus {
	return content.NewCorpus(a.content, a.logger)
}

// Orchestrator loads the face model, starts the checkpoint confirmer and
// wires the search pipeline.
func (a *App) Orchestrator(ctx context.Context) (*search.Orchestrator, error) {
	if a.model == nil {
		model, err := a.opts.LoadModel(a.cfg.Face.ModelDir)
		if err != nil {
			return nil, fmt.Errorf("load face model: %w", err)
		}
		a.model = model
	}
	preprocessor, err := face.NewPreprocessor(a.model, face.PreprocessConfig{
		DenoiseRadius: a.cfg.Face.DenoiseRadius,
		CropMargin:    a.cfg.Face.CropMargin,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init preprocessor: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Download.RatePerHost,
		DefaultBurst: a.cfg.Download.Burst,
	}, a.metrics)
	downloader, err := download.New(download.Config{
		Dir:      a.cfg.Search.DownloadDir,
		MaxBytes: a.cfg.Download.MaxBytes,
	}, a.direct, limiter, a.metrics, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init downloader: %w", err)
	}

	confirmer, err := a.confirmer()
	if err != nil {
		return nil, err
	}
	policy := retry.NewExponential(a.cfg.Collector.ControlAttempts, a.cfg.Collector.ControlBackoff, 4*a.cfg.Collector.ControlBackoff)
	coll, err := collector.New(a.cfg.Collector, confirmer, policy, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init collector: %w", err)
	}

	launcher := browser.NewLauncher(browser.Config{
		ProfileDir:        a.cfg.Browser.ProfileDir,
		TempRoot:          a.cfg.Browser.TempRoot,
		ExecPath:          a.cfg.Browser.ExecPath,
		UserAgent:         a.cfg.Browser.UserAgent,
		StartTimeout:      a.cfg.Browser.StartTimeout,
		NavigationTimeout: a.cfg.Browser.NavigationTimeout,
	}, a.logger, a.metrics)

	ranker := search.NewRanker(downloader, preprocessor, a.model, search.RankerConfig{
		Workers:  a.cfg.Rank.Workers,
		Progress: a.opts.Out,
	}, a.metrics, a.logger)

	deps := search.Dependencies{
		Downloader:   downloader,
		Preprocessor: preprocessor,
		Embedder:     a.model,
		Sessions:     sessionOpener{launcher: launcher},
		Collector:    coll,
		Ranker:       ranker,
		Artifacts:    a.sinks.artifacts,
		Reports:      report.NewMarkdown(),
		Runs:         a.sinks.runs,
		Vectors:      a.sinks.vectors,
		Publisher:    a.sinks.publisher,
		Clock:        system.New(),
		IDs:          uuid.New(),
	}
	return search.NewOrchestrator(deps, search.OrchestratorConfig{
		ScreenshotPath: a.cfg.Browser.ScreenshotPath,
		Topic:          a.cfg.PubSub.TopicName,
	}, a.logger)
}

func (a *App) confirmer() (checkpoint.Confirmer, error) {
	if a.cfg.Checkpoint.Mode != config.CheckpointHTTP {
		return checkpoint.NewPrompt(a.opts.In, a.opts.Out), nil
	}
	if a.checkpoint == nil {
		server := checkpoint.NewHTTP(a.cfg.Checkpoint.Addr, a.metrics.Handler(), a.logger)
		if err := server.Start(); err != nil {
			return nil, fmt.Errorf("start checkpoint server: %w", err)
		}
		a.checkpoint = server
	}
	return a.checkpoint, nil
}

// Close shuts down every service, writes the metrics textfile when
// configured, and flushes the logger.
func (a *App) Close() {
	a.logger.Debug("shutting down services")
	if a.checkpoint != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.checkpoint.Shutdown(ctx); err != nil {
			a.logger.Warn("checkpoint shutdown failed", zap.Error(err))
		}
		cancel()
	}
	if a.sinks.dry != nil {
		a.sinks.dry.log(a.logger)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	if a.model != nil {
		a.model.Close()
	}
	if path := a.cfg.Metrics.Textfile; path != "" {
		if err := a.metrics.WriteTextfile(path); err != nil {
			a.logger.Warn("write metrics textfile failed", zap.String("path", path), zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// sessionOpener adapts the browser launcher to search.SessionOpener.
type sessionOpener struct {
	launcher *browser.Launcher
}

func (o sessionOpener) Open(ctx context.Context) (search.Session, error) {
	h, err := o.launcher.Open(ctx)
	if err != nil {
		return nil, err
	}
	return h, nil
}
