// Package content turns candidate page URLs into plaintext for downstream
// consumers. It tries a direct HTTP fetch first and escalates to a rendered
// browser fetch when the direct path fails or lands on an interstitial.
package content

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	collyfetcher "github.com/JakeFAU/facetrace/internal/fetcher/colly"
	"github.com/JakeFAU/facetrace/internal/fetcher"
	"github.com/JakeFAU/facetrace/internal/fetcher/headless"
	"github.com/JakeFAU/facetrace/internal/metrics"
)

// ErrChallengeTimeout reports that the interstitial never cleared.
var ErrChallengeTimeout = headless.ErrChallengeTimeout

// errChallenge marks a direct fetch that returned the interstitial.
var errChallenge = errors.New("challenge interstitial detected")

const (
	tierDirect   = "direct"
	tierRendered = "rendered"
)

// FetchRecorder receives per-tier fetch outcomes.
type FetchRecorder interface {
	ObserveFetch(tier, outcome string)
}

// Fetcher is the two-tier content fetcher.
type Fetcher struct {
	direct    fetcher.Fetcher
	rendered  fetcher.Fetcher
	signature Signature
	logger    *zap.Logger
	recorder  FetchRecorder
}

// New builds a Fetcher. rendered may be headless.Noop when browser
// escalation is disabled; recorder may be nil.
func New(direct, rendered fetcher.Fetcher, signature Signature, logger *zap.Logger, recorder FetchRecorder) (*Fetcher, error) {
	if direct == nil {
		return nil, fmt.Errorf("direct fetcher is required")
	}
	if rendered == nil {
		rendered = headless.NewNoop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		direct:    direct,
		rendered:  rendered,
		signature: signature,
		logger:    logger.Named("content"),
		recorder:  recorder,
	}, nil
}

// Fetch returns the visible text of rawURL, or "" when neither tier could
// produce real content. It never fails.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) string {
	text, err := f.FetchStrict(ctx, rawURL)
	if err != nil {
		f.logger.Info("content unavailable", zap.String("url", rawURL), zap.Error(err))
		return ""
	}
	return text
}

// FetchStrict is Fetch with the failure surfaced. An interstitial body is
// never returned as content.
func (f *Fetcher) FetchStrict(ctx context.Context, rawURL string) (string, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return "", fmt.Errorf("parse content url: %w", err)
	}

	text, err := f.fetchTier(ctx, f.direct, tierDirect, rawURL)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("content fetch canceled: %w", ctx.Err())
	}
	f.logger.Debug("escalating to rendered fetch", zap.String("url", rawURL), zap.Error(err))
	f.observe(tierDirect, metrics.OutcomeEscalated)

	text, err = f.fetchTier(ctx, f.rendered, tierRendered, rawURL)
	if err != nil {
		if errors.Is(err, errChallenge) {
			err = fmt.Errorf("%w: rendered page still challenged", ErrChallengeTimeout)
		}
		f.observe(tierRendered, outcomeFor(err))
		return "", fmt.Errorf("rendered fetch %s: %w", rawURL, err)
	}
	f.observe(tierRendered, metrics.OutcomeSuccess)
	return text, nil
}

func (f *Fetcher) fetchTier(ctx context.Context, tier fetcher.Fetcher, name, rawURL string) (string, error) {
	resp, err := tier.Fetch(ctx, fetcher.Request{URL: rawURL, Headers: fetcher.BrowserHeaders()})
	if err != nil {
		var statusErr *collyfetcher.StatusError
		if errors.As(err, &statusErr) {
			f.logger.Debug("non-2xx response", zap.String("tier", name), zap.Int("status", statusErr.StatusCode))
		}
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	// Markers often live in <title>, which ExtractText drops.
	if f.signature.Matches(string(resp.Body)) {
		return "", errChallenge
	}
	text, err := ExtractText(resp.Body)
	if err != nil {
		return "", err
	}
	if name == tierDirect {
		f.observe(tierDirect, metrics.OutcomeSuccess)
	}
	return text, nil
}

func (f *Fetcher) observe(tier, outcome string) {
	if f.recorder != nil {
		f.recorder.ObserveFetch(tier, outcome)
	}
}

func outcomeFor(err error) string {
	if errors.Is(err, ErrChallengeTimeout) {
		return metrics.OutcomeChallenge
	}
	return metrics.OutcomeFailure
}
