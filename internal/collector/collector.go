// Package collector drives the image search provider through a browser:
// it uploads the query image, hands control to the operator at the
// checkpoint, and scrapes (thumbnail, page) pairs from the results.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/facetrace/internal/checkpoint"
	"github.com/JakeFAU/facetrace/internal/retry"
	"github.com/JakeFAU/facetrace/internal/search"
)

// Collector errors.
var (
	ErrUploadControlNotFound = errors.New("upload control not found")
	ErrUploadFailed          = errors.New("upload failed")
)

type state string

const (
	stateLanding          state = "landing"
	stateUploaded         state = "uploaded"
	stateAwaitingOperator state = "awaiting_operator"
	stateResults          state = "results"
)

// Collector implements search.Collector.
type Collector struct {
	cfg       Config
	confirmer checkpoint.Confirmer
	policy    retry.Policy
	logger    *zap.Logger
}

// New builds a Collector. A nil policy retries the upload control chain
// cfg.ControlAttempts times with cfg.ControlBackoff.
func New(cfg Config, confirmer checkpoint.Confirmer, policy retry.Policy, logger *zap.Logger) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if confirmer == nil {
		return nil, errors.New("checkpoint confirmer is required")
	}
	if policy == nil {
		policy = retry.NewExponential(cfg.ControlAttempts, cfg.ControlBackoff, cfg.ControlBackoff*2)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{cfg: cfg, confirmer: confirmer, policy: policy, logger: logger.Named("collector")}, nil
}

// Collect uploads queryPath and returns at most maxResults valid entries in
// provider order, de-duplicated by pair.
func (c *Collector) Collect(ctx context.Context, d search.Driver, queryPath string, maxResults int) ([]search.Entry, error) {
	if maxResults <= 0 {
		return nil, fmt.Errorf("max results must be > 0, got %d", maxResults)
	}
	if err := d.Navigate(ctx, c.cfg.LandingURL); err != nil {
		return nil, fmt.Errorf("open landing page: %w", err)
	}
	c.transition(stateLanding)

	c.dismissConsent(ctx, d)

	if err := c.openUploadControl(ctx, d); err != nil {
		return nil, err
	}
	if err := d.Upload(ctx, c.cfg.FileInput, queryPath, c.cfg.UploadTimeout); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("upload canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	c.transition(stateUploaded)

	c.transition(stateAwaitingOperator)
	info := checkpoint.Info{RunID: checkpoint.RunFrom(ctx), Message: c.cfg.CheckpointMessage}
	if err := c.confirmer.Confirm(ctx, info); err != nil {
		return nil, fmt.Errorf("operator checkpoint: %w", err)
	}

	if err := d.WaitPresent(ctx, c.cfg.ResultsReady, c.cfg.ResultsTimeout); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("results wait canceled: %w", ctx.Err())
		}
		c.logger.Warn("timed out waiting for results; the challenge may be unsolved or the page layout changed",
			zap.Duration("timeout", c.cfg.ResultsTimeout), zap.Error(err))
	}
	c.transition(stateResults)

	return c.extract(ctx, d, maxResults)
}

func (c *Collector) transition(to state) {
	c.logger.Info("collector state", zap.String("state", string(to)))
}

func (c *Collector) dismissConsent(ctx context.Context, d search.Driver) {
	if c.cfg.Consent.Query == "" {
		return
	}
	if err := d.Click(ctx, c.cfg.Consent.Query, c.cfg.Consent.XPath, c.cfg.ConsentTimeout); err != nil {
		c.logger.Debug("no consent banner", zap.Error(err))
		return
	}
	c.logger.Debug("consent banner accepted")
}

// errNoControl must not wrap the per-selector errors: those carry
// context.DeadlineExceeded, which the retry policy never retries.
var errNoControl = errors.New("no upload control selector matched")

func (c *Collector) openUploadControl(ctx context.Context, d search.Driver) error {
	var lastErr error
	err := retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		for _, sel := range c.cfg.UploadControls {
			err := d.Click(ctx, sel.Query, sel.XPath, c.cfg.ControlTimeout)
			if err == nil {
				c.logger.Debug("upload control clicked", zap.String("selector", sel.Query), zap.Int("attempt", attempt))
				return nil
			}
			if ctx.Err() != nil {
				return fmt.Errorf("upload control canceled: %w", ctx.Err())
			}
			lastErr = err
		}
		c.logger.Warn("upload control attempt failed", zap.Int("attempt", attempt))
		return errNoControl
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w after %d selectors: %v", ErrUploadControlNotFound, len(c.cfg.UploadControls), lastErr)
}

// meta is the provider's per-result JSON blob.
type meta struct {
	Thumbnail string `json:"tu"`
	Original  string `json:"ou"`
	Page      string `json:"ru"`
}

func (c *Collector) extract(ctx context.Context, d search.Driver, maxResults int) ([]search.Entry, error) {
	var nodes []map[string]string
	for _, query := range c.cfg.ResultNodes {
		found, err := d.Nodes(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("extract canceled: %w", ctx.Err())
			}
			c.logger.Debug("result selector failed", zap.String("selector", query), zap.Error(err))
			continue
		}
		if len(found) > 0 {
			c.logger.Info("result nodes found", zap.String("selector", query), zap.Int("count", len(found)))
			nodes = found
			break
		}
	}

	entries := make([]search.Entry, 0, min(len(nodes), maxResults))
	seen := make(map[search.Entry]struct{}, len(nodes))
	skipped := 0
	for _, attrs := range nodes {
		if len(entries) >= maxResults {
			break
		}
		entry, ok := c.parseNode(attrs)
		if !ok {
			skipped++
			continue
		}
		if _, dup := seen[entry]; dup {
			continue
		}
		seen[entry] = struct{}{}
		entries = append(entries, entry)
	}
	c.logger.Info("entries collected", zap.Int("entries", len(entries)), zap.Int("skipped", skipped))
	return entries, nil
}

func (c *Collector) parseNode(attrs map[string]string) (search.Entry, bool) {
	var raw string
	for _, name := range c.cfg.MetaAttributes {
		if v := attrs[name]; v != "" {
			raw = v
			break
		}
	}
	if raw == "" {
		return search.Entry{}, false
	}
	var m meta
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return search.Entry{}, false
	}
	thumb := m.Thumbnail
	if thumb == "" {
		thumb = m.Original
	}
	entry := search.Entry{ThumbnailURL: thumb, PageURL: m.Page}
	if !entry.Valid() {
		return search.Entry{}, false
	}
	return entry, true
}
