// Package browser owns the lifecycle of the Chrome session used to drive the
// image search provider. Open walks an ordered chain of launch strategies and
// returns the first session that answers a CDP round trip.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/facetrace/internal/metrics"
)

// ErrBrowserUnavailable reports that every launch tier failed.
var ErrBrowserUnavailable = errors.New("browser unavailable")

// Config controls browser startup and the per-call timeouts of the Handle.
type Config struct {
	ProfileDir        string
	TempRoot          string
	ExecPath          string
	UserAgent         string
	StartTimeout      time.Duration
	NavigationTimeout time.Duration
	WindowWidth       int
	WindowHeight      int
}

// LaunchRecorder receives per-tier launch outcomes.
type LaunchRecorder interface {
	ObserveBrowserLaunch(tier, outcome string)
}

// session is a started browser: ctx is the tab context and cancel kills
// the process.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
}

type launchFunc func(ctx context.Context, opts []chromedp.ExecAllocatorOption, timeout time.Duration) (*session, error)

// Launcher opens browser sessions.
type Launcher struct {
	cfg      Config
	tiers    []tier
	launch   launchFunc
	logger   *zap.Logger
	recorder LaunchRecorder
}

// NewLauncher builds a Launcher. recorder may be nil.
func NewLauncher(cfg Config, logger *zap.Logger, recorder LaunchRecorder) *Launcher {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.WindowWidth <= 0 || cfg.WindowHeight <= 0 {
		cfg.WindowWidth, cfg.WindowHeight = 1200, 800
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{
		cfg:      cfg,
		tiers:    defaultTiers(cfg),
		launch:   launchChrome,
		logger:   logger.Named("browser"),
		recorder: recorder,
	}
}

// Open starts a browser using the first tier that works. The session dies
// with ctx; callers must still defer Handle.Close to remove profile dirs.
func (l *Launcher) Open(ctx context.Context) (*Handle, error) {
	var lastErr error
	for _, t := range l.tiers {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("open browser canceled: %w", err)
		}
		h, err := l.tryTier(ctx, t)
		if err == nil {
			l.observe(t.name, metrics.OutcomeSuccess)
			l.logger.Info("browser started", zap.String("tier", t.name))
			return h, nil
		}
		l.observe(t.name, metrics.OutcomeFailure)
		l.logger.Warn("browser launch failed", zap.String("tier", t.name), zap.Error(err))
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no launch tiers configured")
	}
	return nil, fmt.Errorf("%w: %w", ErrBrowserUnavailable, lastErr)
}

func (l *Launcher) tryTier(ctx context.Context, t tier) (*Handle, error) {
	spec, err := t.prepare(l.cfg)
	if err != nil {
		return nil, err
	}
	sess, err := l.launch(ctx, spec.opts, l.cfg.StartTimeout)
	if err != nil {
		if spec.ephemeral {
			removeProfile(l.logger, spec.profileDir)
		}
		return nil, err
	}
	return &Handle{
		ctx:        sess.ctx,
		cancel:     sess.cancel,
		tier:       t.name,
		profileDir: spec.profileDir,
		ephemeral:  spec.ephemeral,
		navTimeout: l.cfg.NavigationTimeout,
		logger:     l.logger,
	}, nil
}

func (l *Launcher) observe(tier, outcome string) {
	if l.recorder != nil {
		l.recorder.ObserveBrowserLaunch(tier, outcome)
	}
}

// launchChrome starts Chrome and waits for the first CDP round trip.
// The allocator descends from ctx so signal cancellation kills the process.
func launchChrome(ctx context.Context, opts []chromedp.ExecAllocatorOption, timeout time.Duration) (*session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		browserCancel()
		allocCancel()
	}

	// The first Run binds the browser lifetime to its context, so the
	// warmup uses browserCtx itself and the timeout is enforced here.
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(browserCtx)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("chromedp warmup: %w", err)
		}
		return &session{ctx: browserCtx, cancel: cancel}, nil
	case <-timer.C:
		cancel()
		return nil, fmt.Errorf("chromedp warmup: no response within %s", timeout)
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("chromedp warmup canceled: %w", ctx.Err())
	}
}

func removeProfile(logger *zap.Logger, dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("remove profile dir", zap.String("dir", dir), zap.Error(err))
	}
}
