package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Handle is one live browser session. It is not safe for concurrent use;
// Close is idempotent.
type Handle struct {
	ctx        context.Context
	cancel     context.CancelFunc
	tier       string
	profileDir string
	ephemeral  bool
	navTimeout time.Duration
	logger     *zap.Logger

	closeOnce sync.Once
}

// Tier reports which launch strategy produced the session.
func (h *Handle) Tier() string {
	return h.tier
}

// ProfileDir reports the user data dir, empty when Chrome manages its own.
func (h *Handle) ProfileDir() string {
	return h.profileDir
}

// Close kills the browser and removes an ephemeral profile dir.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		h.cancel()
		if h.ephemeral {
			removeProfile(h.logger, h.profileDir)
		}
		h.logger.Debug("browser closed", zap.String("tier", h.tier))
	})
	return nil
}

// scoped derives a chromedp context bounded by timeout and canceled with ctx.
func (h *Handle) scoped(ctx context.Context, timeout time.Duration) (context.Context, func()) {
	var (
		taskCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		taskCtx, cancel = context.WithTimeout(h.ctx, timeout)
	} else {
		taskCtx, cancel = context.WithCancel(h.ctx)
	}
	stop := forwardCancel(ctx, cancel)
	return taskCtx, func() {
		stop()
		cancel()
	}
}

func queryOption(xpath bool) chromedp.QueryOption {
	if xpath {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

// Navigate loads rawURL and waits for the body.
func (h *Handle) Navigate(ctx context.Context, rawURL string) error {
	taskCtx, done := h.scoped(ctx, h.navTimeout)
	defer done()
	if err := chromedp.Run(taskCtx, chromedp.Navigate(rawURL), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	return nil
}

// Click waits up to timeout for query to become visible and clicks it.
func (h *Handle) Click(ctx context.Context, query string, xpath bool, timeout time.Duration) error {
	taskCtx, done := h.scoped(ctx, timeout)
	defer done()
	if err := chromedp.Run(taskCtx, chromedp.Click(query, queryOption(xpath))); err != nil {
		return fmt.Errorf("click %s: %w", query, err)
	}
	return nil
}

// Upload sets path on the file input matched by query.
func (h *Handle) Upload(ctx context.Context, query, path string, timeout time.Duration) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve upload path: %w", err)
	}
	taskCtx, done := h.scoped(ctx, timeout)
	defer done()
	if err := chromedp.Run(taskCtx, chromedp.SetUploadFiles(query, []string{abs}, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("upload to %s: %w", query, err)
	}
	return nil
}

// WaitPresent waits up to timeout for query to exist in the DOM.
func (h *Handle) WaitPresent(ctx context.Context, query string, timeout time.Duration) error {
	taskCtx, done := h.scoped(ctx, timeout)
	defer done()
	if err := chromedp.Run(taskCtx, chromedp.WaitReady(query, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for %s: %w", query, err)
	}
	return nil
}

// Nodes returns the attributes of every node matching query without waiting.
func (h *Handle) Nodes(ctx context.Context, query string) ([]map[string]string, error) {
	taskCtx, done := h.scoped(ctx, h.navTimeout)
	defer done()
	var attrs []map[string]string
	if err := chromedp.Run(taskCtx, chromedp.AttributesAll(query, &attrs, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return nil, fmt.Errorf("read nodes %s: %w", query, err)
	}
	return attrs, nil
}

// Screenshot writes a PNG of the current viewport to path.
func (h *Handle) Screenshot(ctx context.Context, path string) error {
	taskCtx, done := h.scoped(ctx, h.navTimeout)
	defer done()
	var buf []byte
	if err := chromedp.Run(taskCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return fmt.Errorf("capture screenshot: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create screenshot dir: %w", err)
		}
	}
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	return nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
