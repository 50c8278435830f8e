package search

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/facetrace/internal/face"
)

const testModel = "test-model"

// unitAt returns a 2-d unit vector whose cosine with (1, 0) is s.
func unitAt(s float64) face.Embedding {
	return face.Embedding{Vector: []float32{float32(s), float32(math.Sqrt(1 - s*s))}, Model: testModel}
}

var queryVec = face.Embedding{Vector: []float32{1, 0}, Model: testModel}

// fakeDownloader returns the URL as the local path unless the URL is listed in fail.
type fakeDownloader struct {
	mu    sync.Mutex
	fail  map[string]error
	calls []string
}

func (d *fakeDownloader) Download(_ context.Context, rawURL string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, rawURL)
	if err := d.fail[rawURL]; err != nil {
		return "", err
	}
	return rawURL, nil
}

type fakePreprocessor struct {
	fail map[string]error
}

func (p *fakePreprocessor) Prepare(_ context.Context, _ image.Image, source string) (face.Crop, error) {
	return p.PrepareFile(context.Background(), source)
}

func (p *fakePreprocessor) PrepareFile(_ context.Context, path string) (face.Crop, error) {
	if err := p.fail[path]; err != nil {
		return face.Crop{}, err
	}
	return face.Crop{Source: path}, nil
}

// fakeEmbedder maps a crop source to an embedding; delay staggers completion.
type fakeEmbedder struct {
	vectors map[string]face.Embedding
	delay   map[string]time.Duration
	err     error
}

func (e *fakeEmbedder) Embed(ctx context.Context, crop face.Crop) (face.Embedding, error) {
	if d := e.delay[crop.Source]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return face.Embedding{}, ctx.Err()
		}
	}
	if e.err != nil {
		return face.Embedding{}, e.err
	}
	v, ok := e.vectors[crop.Source]
	if !ok {
		return face.Embedding{}, fmt.Errorf("%w in %s", face.ErrNoFaceDetected, crop.Source)
	}
	return v, nil
}

type outcomeCounter struct {
	mu  sync.Mutex
	got map[string]int
}

func (c *outcomeCounter) ObserveCandidate(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.got == nil {
		c.got = map[string]int{}
	}
	c.got[outcome]++
}

func entryFor(i int) Entry {
	return Entry{
		ThumbnailURL: fmt.Sprintf("https://img.example/%d.jpg", i),
		PageURL:      fmt.Sprintf("https://page.example/%d", i),
	}
}

func rankerWith(t *testing.T, sims []float64, workers int) (*Ranker, []Entry) {
	t.Helper()
	emb := &fakeEmbedder{vectors: map[string]face.Embedding{}}
	entries := make([]Entry, 0, len(sims))
	for i, s := range sims {
		e := entryFor(i)
		entries = append(entries, e)
		emb.vectors[e.ThumbnailURL] = unitAt(s)
	}
	r := NewRanker(&fakeDownloader{}, &fakePreprocessor{}, emb, RankerConfig{Workers: workers, Progress: io.Discard}, nil, nil)
	return r, entries
}

func TestRankThresholdAndOrder(t *testing.T) {
	t.Parallel()

	r, entries := rankerWith(t, []float64{0.9, 0.3, 0.6}, 2)
	got, stats := r.Rank(context.Background(), entries, queryVec, 0.4)

	require.Len(t, got, 2)
	assert.InDelta(t, 0.9, got[0].Similarity, 1e-6)
	assert.InDelta(t, 0.6, got[1].Similarity, 1e-6)
	assert.Equal(t, []string{"https://page.example/0", "https://page.example/2"}, got.PageURLs())
	assert.Equal(t, "https://img.example/0.jpg", got[0].LocalThumbnailPath)
	assert.Equal(t, RankStats{Total: 3, Matched: 2, BelowThreshold: 1}, stats)
}

func TestRankNeverBelowThresholdAndNonIncreasing(t *testing.T) {
	t.Parallel()

	sims := []float64{0.12, 0.95, 0.5, 0.49, 0.77, 0.5, 0.01, 0.88, 0.63, 0.5}
	for _, threshold := range []float64{0, 0.3, 0.5, 0.9, 1} {
		r, entries := rankerWith(t, sims, 3)
		got, stats := r.Rank(context.Background(), entries, queryVec, threshold)
		for i, c := range got {
			assert.GreaterOrEqual(t, c.Similarity, threshold)
			if i > 0 {
				assert.GreaterOrEqual(t, got[i-1].Similarity, c.Similarity)
			}
		}
		assert.Equal(t, len(sims), stats.Matched+stats.BelowThreshold)
	}
}

func TestRankStableTies(t *testing.T) {
	t.Parallel()

	const n = 8
	emb := &fakeEmbedder{vectors: map[string]face.Embedding{}, delay: map[string]time.Duration{}}
	entries := make([]Entry, 0, n)
	for i := range n {
		e := entryFor(i)
		entries = append(entries, e)
		emb.vectors[e.ThumbnailURL] = unitAt(0.7)
		// Earlier entries finish last.
		emb.delay[e.ThumbnailURL] = time.Duration(n-i) * 5 * time.Millisecond
	}
	r := NewRanker(&fakeDownloader{}, &fakePreprocessor{}, emb, RankerConfig{Workers: n}, nil, nil)
	got, _ := r.Rank(context.Background(), entries, queryVec, 0.5)

	require.Len(t, got, n)
	for i, c := range got {
		assert.Equal(t, i, c.Order)
	}
}

func TestRankEmpty(t *testing.T) {
	t.Parallel()

	r := NewRanker(&fakeDownloader{}, &fakePreprocessor{}, &fakeEmbedder{}, RankerConfig{}, nil, nil)
	got, stats := r.Rank(context.Background(), nil, queryVec, 0.4)
	require.NotNil(t, got)
	assert.Empty(t, got)
	assert.Equal(t, RankStats{}, stats)
}

func TestRankIsolatesFailures(t *testing.T) {
	t.Parallel()

	entries := []Entry{
		entryFor(0),
		{ThumbnailURL: "https://img.example/x.jpg", PageURL: "not a url"},
		entryFor(2),
		entryFor(3),
		entryFor(4),
		entryFor(5),
		entryFor(6),
	}
	dl := &fakeDownloader{fail: map[string]error{entries[2].ThumbnailURL: errors.New("connection reset")}}
	pre := &fakePreprocessor{fail: map[string]error{
		entries[3].ThumbnailURL: fmt.Errorf("%w: bad header", face.ErrUnreadableImage),
		entries[4].ThumbnailURL: fmt.Errorf("%w in thumb", face.ErrAmbiguousFace),
	}}
	emb := &fakeEmbedder{vectors: map[string]face.Embedding{
		entries[0].ThumbnailURL: unitAt(0.8),
		entries[6].ThumbnailURL: {Vector: []float32{1, 0, 0}, Model: testModel},
	}}
	rec := &outcomeCounter{}
	r := NewRanker(dl, pre, emb, RankerConfig{Workers: 2}, rec, nil)

	got, stats := r.Rank(context.Background(), entries, queryVec, 0.4)
	require.Len(t, got, 1)
	assert.Equal(t, entries[0].PageURL, got[0].PageURL)
	assert.Equal(t, RankStats{
		Total: 7, Matched: 1, Invalid: 1, DownloadFailed: 1,
		Unreadable: 1, AmbiguousFace: 1, NoFace: 1, EmbedFailed: 1,
	}, stats)
	assert.Equal(t, 6, stats.Skipped())
	assert.Equal(t, 1, rec.got[OutcomeMatched])
	assert.Equal(t, 1, rec.got[OutcomeNoFace])
	assert.NotContains(t, dl.calls, entries[1].ThumbnailURL, "invalid entries are not downloaded")
}

func TestRankCanceled(t *testing.T) {
	t.Parallel()

	r, entries := rankerWith(t, []float64{0.9, 0.8}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, stats := r.Rank(ctx, entries, queryVec, 0.4)
	assert.Empty(t, got)
	assert.Equal(t, 2, stats.Canceled)
}
