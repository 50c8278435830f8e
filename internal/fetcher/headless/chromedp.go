// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/facetrace/internal/fetcher"
)

// ErrChallengeTimeout reports that the page still showed an interstitial
// (or too little text) when the navigation budget ran out.
var ErrChallengeTimeout = errors.New("challenge did not clear before timeout")

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultPollInterval      = 500 * time.Millisecond
	defaultMinTextChars      = 200
	defaultWindowWidth       = 1920
	defaultWindowHeight      = 1080
)

// hideWebdriver runs before any page script so navigator.webdriver reads undefined.
const hideWebdriver = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	PollInterval      time.Duration
	// MinTextChars is the visible body text length a settled page must exceed.
	MinTextChars int
	// IsChallenge reports whether html is still an anti-bot interstitial.
	// A nil func treats every page as clear.
	IsChallenge  func(html string) bool
	Headless     bool
	WindowWidth  int
	WindowHeight int
}

// Fetcher implements fetcher.Fetcher using chromedp and Chrome.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a rendered fetcher backed by chromedp. Each Fetch
// starts a fresh browser from the shared allocator and tears it down after.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MinTextChars < 0 {
		return nil, fmt.Errorf("min text chars must be >= 0")
	}
	if cfg.MinTextChars == 0 {
		cfg.MinTextChars = defaultMinTextChars
	}
	if cfg.WindowWidth <= 0 || cfg.WindowHeight <= 0 {
		cfg.WindowWidth, cfg.WindowHeight = defaultWindowWidth, defaultWindowHeight
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = fetcher.DefaultUserAgent
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
		chromedp.UserAgent(cfg.UserAgent),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"), chromedp.Flag("disable-gpu", true))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return opts
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates with a browser, waits until the page is past any
// interstitial, and returns the rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, request fetcher.Request) (fetcher.Response, error) {
	if err := f.acquire(ctx); err != nil {
		return fetcher.Response{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout())
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.runHeadless(taskCtx, request)
	if err != nil {
		return fetcher.Response{}, err
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}

	return fetcher.Response{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
		Rendered:   true,
	}, nil
}

func (f *Fetcher) runHeadless(ctx context.Context, request fetcher.Request) (string, string, error) {
	var finalURL string
	actions := []chromedp.Action{
		f.networkSetupAction(request.Headers),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(hideWebdriver).Do(ctx); err != nil {
				return fmt.Errorf("install init script: %w", err)
			}
			return nil
		}),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		if ctx.Err() != nil {
			return "", "", fmt.Errorf("%w: navigate %s: %v", ErrChallengeTimeout, request.URL, err)
		}
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}

	html, err := f.waitSettled(ctx)
	if err != nil {
		return "", "", err
	}
	if err := chromedp.Run(ctx, chromedp.Location(&finalURL)); err != nil {
		return "", "", fmt.Errorf("read location: %w", err)
	}
	return html, finalURL, nil
}

// waitSettled polls the DOM until the interstitial is gone and the body
// carries enough text, or ctx expires.
func (f *Fetcher) waitSettled(ctx context.Context) (string, error) {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()
	for {
		var html, text string
		err := chromedp.Run(ctx,
			chromedp.OuterHTML("html", &html, chromedp.ByQuery),
			chromedp.Text("body", &text, chromedp.ByQuery),
		)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w after %s", ErrChallengeTimeout, f.navTimeout())
			}
			return "", fmt.Errorf("read rendered dom: %w", err)
		}
		if f.settled(html, text) {
			return html, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w after %s", ErrChallengeTimeout, f.navTimeout())
		case <-ticker.C:
		}
	}
}

func (f *Fetcher) settled(html, text string) bool {
	if f.cfg.IsChallenge != nil && f.cfg.IsChallenge(html) {
		return false
	}
	return utf8.RuneCountInString(strings.TrimSpace(text)) > f.cfg.MinTextChars
}

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone(), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshotWithFallbacks keeps the last document response seen, which after
// a challenge redirect is the real page rather than the interstitial.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
