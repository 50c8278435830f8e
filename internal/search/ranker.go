package search

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/facetrace/internal/face"
)

const defaultRankWorkers = 4

// Candidate outcomes reported to the CandidateRecorder.
const (
	OutcomeMatched        = "matched"
	OutcomeBelowThreshold = "below_threshold"
	OutcomeInvalid        = "invalid"
	OutcomeDownloadFailed = "download_failed"
	OutcomeUnreadable     = "unreadable"
	OutcomeNoFace         = "no_face"
	OutcomeAmbiguousFace  = "ambiguous_face"
	OutcomeEmbedFailed    = "embed_failed"
	OutcomeCanceled       = "canceled"
)

// CandidateRecorder counts per-entry outcomes.
type CandidateRecorder interface {
	ObserveCandidate(outcome string)
}

// RankerConfig tunes the scoring pool.
type RankerConfig struct {
	Workers int
	// Progress receives the progress bar; nil disables it.
	Progress io.Writer
}

// Ranker scores search entries against a query embedding.
type Ranker struct {
	downloader   Downloader
	preprocessor Preprocessor
	embedder     face.Embedder
	workers      int
	progress     io.Writer
	recorder     CandidateRecorder
	logger       *zap.Logger
}

// NewRanker wires a Ranker. recorder and logger may be nil.
func NewRanker(
	downloader Downloader,
	preprocessor Preprocessor,
	embedder face.Embedder,
	cfg RankerConfig,
	recorder CandidateRecorder,
	logger *zap.Logger,
) *Ranker {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultRankWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ranker{
		downloader:   downloader,
		preprocessor: preprocessor,
		embedder:     embedder,
		workers:      cfg.Workers,
		progress:     cfg.Progress,
		recorder:     recorder,
		logger:       logger.Named("ranker"),
	}
}

// Rank downloads, embeds and scores every entry, keeping those at or above
// threshold. Entries fail independently; a failed entry is counted in the
// returned stats and never aborts the batch. The result is sorted by
// similarity descending with ties kept in discovery order.
func (r *Ranker) Rank(ctx context.Context, entries []Entry, query face.Embedding, threshold float64) (CandidateList, RankStats) {
	stats := RankStats{Total: len(entries)}
	kept := make(CandidateList, 0, len(entries))
	if len(entries) == 0 {
		return kept, stats
	}

	bar := r.newBar(len(entries))
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.workers)
	for i, entry := range entries {
		g.Go(func() error {
			candidate, outcome := r.score(ctx, i, entry, query, threshold)
			mu.Lock()
			defer mu.Unlock()
			stats.count(outcome)
			if outcome == OutcomeMatched {
				kept = append(kept, candidate)
			}
			if r.recorder != nil {
				r.recorder.ObserveCandidate(outcome)
			}
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	if bar != nil {
		_ = bar.Finish()
	}

	// Workers append in completion order; restoring discovery order first
	// lets the stable sort keep ties in the order the provider listed them.
	sort.SliceStable(kept, func(a, b int) bool { return kept[a].Order < kept[b].Order })
	sort.SliceStable(kept, func(a, b int) bool { return kept[a].Similarity > kept[b].Similarity })

	r.logger.Info("ranking complete",
		zap.Int("total", stats.Total),
		zap.Int("matched", stats.Matched),
		zap.Int("below_threshold", stats.BelowThreshold),
		zap.Int("skipped", stats.Skipped()),
	)
	return kept, stats
}

func (r *Ranker) score(ctx context.Context, order int, entry Entry, query face.Embedding, threshold float64) (Candidate, string) {
	logger := r.logger.With(zap.Int("order", order), zap.String("page_url", entry.PageURL))
	if ctx.Err() != nil {
		return Candidate{}, OutcomeCanceled
	}
	if !entry.Valid() {
		logger.Debug("skipping invalid entry")
		return Candidate{}, OutcomeInvalid
	}

	path, err := r.downloader.Download(ctx, entry.ThumbnailURL)
	if err != nil {
		logger.Debug("thumbnail download failed", zap.Error(err))
		return Candidate{}, failureOutcome(ctx, err, OutcomeDownloadFailed)
	}
	crop, err := r.preprocessor.PrepareFile(ctx, path)
	if err != nil {
		logger.Debug("thumbnail rejected", zap.String("path", path), zap.Error(err))
		return Candidate{}, failureOutcome(ctx, err, OutcomeEmbedFailed)
	}
	embedding, err := r.embedder.Embed(ctx, crop)
	if err != nil {
		logger.Debug("thumbnail embedding failed", zap.Error(err))
		return Candidate{}, failureOutcome(ctx, err, OutcomeEmbedFailed)
	}
	similarity, err := face.Cosine(query, embedding)
	if err != nil {
		logger.Warn("embedding not comparable", zap.Error(err))
		return Candidate{}, OutcomeEmbedFailed
	}
	if similarity < threshold {
		logger.Debug("below threshold", zap.Float64("similarity", similarity))
		return Candidate{}, OutcomeBelowThreshold
	}
	return Candidate{
		PageURL:            entry.PageURL,
		ThumbnailURL:       entry.ThumbnailURL,
		LocalThumbnailPath: path,
		Similarity:         similarity,
		Order:              order,
		Embedding:          embedding,
	}, OutcomeMatched
}

func failureOutcome(ctx context.Context, err error, fallback string) string {
	switch {
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return OutcomeCanceled
	case errors.Is(err, face.ErrUnreadableImage):
		return OutcomeUnreadable
	case errors.Is(err, face.ErrNoFaceDetected):
		return OutcomeNoFace
	case errors.Is(err, face.ErrAmbiguousFace):
		return OutcomeAmbiguousFace
	default:
		return fallback
	}
}

func (s *RankStats) count(outcome string) {
	switch outcome {
	case OutcomeMatched:
		s.Matched++
	case OutcomeBelowThreshold:
		s.BelowThreshold++
	case OutcomeInvalid:
		s.Invalid++
	case OutcomeDownloadFailed:
		s.DownloadFailed++
	case OutcomeUnreadable:
		s.Unreadable++
	case OutcomeNoFace:
		s.NoFace++
	case OutcomeAmbiguousFace:
		s.AmbiguousFace++
	case OutcomeCanceled:
		s.Canceled++
	default:
		s.EmbedFailed++
	}
}

func (r *Ranker) newBar(total int) *progressbar.ProgressBar {
	if r.progress == nil {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Ranking candidates"),
		progressbar.OptionSetWriter(r.progress),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}
