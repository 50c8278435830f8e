package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/facetrace/internal/checkpoint"
	"github.com/JakeFAU/facetrace/internal/retry"
	"github.com/JakeFAU/facetrace/internal/search"
)

type fakeDriver struct {
	mu         sync.Mutex
	clickable  map[string]bool
	nodes      map[string][]map[string]string
	uploadErr  error
	waitErr    error
	calls      []string
	uploadPath string
}

func (f *fakeDriver) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDriver) Navigate(_ context.Context, rawURL string) error {
	f.record("navigate " + rawURL)
	return nil
}

func (f *fakeDriver) Click(_ context.Context, query string, _ bool, _ time.Duration) error {
	f.record("click " + query)
	if f.clickable[query] {
		return nil
	}
	return fmt.Errorf("wait %s: %w", query, context.DeadlineExceeded)
}

func (f *fakeDriver) Upload(_ context.Context, query, path string, _ time.Duration) error {
	f.record("upload " + query)
	f.uploadPath = path
	return f.uploadErr
}

func (f *fakeDriver) WaitPresent(_ context.Context, query string, _ time.Duration) error {
	f.record("wait " + query)
	return f.waitErr
}

func (f *fakeDriver) Nodes(_ context.Context, query string) ([]map[string]string, error) {
	f.record("nodes " + query)
	return f.nodes[query], nil
}

func (f *fakeDriver) Screenshot(context.Context, string) error { return nil }

func (f *fakeDriver) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fakeConfirmer struct {
	mu    sync.Mutex
	infos []checkpoint.Info
	err   error
}

func (f *fakeConfirmer) Confirm(_ context.Context, info checkpoint.Info) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos = append(f.infos, info)
	return f.err
}

func metaJSON(tu, ou, ru string) string {
	return fmt.Sprintf(`{"tu":%q,"ou":%q,"ru":%q}`, tu, ou, ru)
}

func newTestCollector(t *testing.T, confirmer checkpoint.Confirmer) *Collector {
	t.Helper()
	c, err := New(DefaultConfig(), confirmer, retry.NewExponential(3, time.Millisecond, time.Millisecond), zap.NewNop())
	require.NoError(t, err)
	return c
}

func happyDriver() *fakeDriver {
	return &fakeDriver{
		clickable: map[string]bool{"div#qbi": true},
		nodes: map[string][]map[string]string{
			"div[data-ri]": {
				{"m": metaJSON("https://t.example/1.jpg", "", "https://p.example/1")},
				{"data-m": metaJSON("", "https://o.example/2.jpg", "https://p.example/2")},
				{"m": metaJSON("https://t.example/1.jpg", "", "https://p.example/1")},
				{"m": "{not json"},
				{"data-json": metaJSON("https://t.example/3.jpg", "", "")},
				{"class": "no meta"},
				{"data-json": metaJSON("data:image/png;base64,AAAA", "", "https://p.example/4")},
			},
		},
	}
}

func TestCollectHappyPath(t *testing.T) {
	t.Parallel()

	d := happyDriver()
	conf := &fakeConfirmer{}
	c := newTestCollector(t, conf)

	ctx := checkpoint.WithRun(context.Background(), "run-7")
	entries, err := c.Collect(ctx, d, "query.jpg", 30)
	require.NoError(t, err)

	assert.Equal(t, []search.Entry{
		{ThumbnailURL: "https://t.example/1.jpg", PageURL: "https://p.example/1"},
		{ThumbnailURL: "https://o.example/2.jpg", PageURL: "https://p.example/2"},
		{ThumbnailURL: "data:image/png;base64,AAAA", PageURL: "https://p.example/4"},
	}, entries)
	assert.Equal(t, "query.jpg", d.uploadPath)
	require.Len(t, conf.infos, 1)
	assert.Equal(t, "run-7", conf.infos[0].RunID)
	assert.Equal(t, DefaultCheckpointMessage, conf.infos[0].Message)

	// The first result selector had no nodes, so the chain moved on.
	assert.Equal(t, 1, d.count("nodes a.wXeWr.islib.NFQFxe"))
	assert.Equal(t, 0, d.count("nodes div[jscontroller]"))
	assert.Equal(t, "navigate https://images.google.com/?hl=en", d.calls[0])
}

func TestCollectCapsAtMaxResults(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, &fakeConfirmer{})
	entries, err := c.Collect(context.Background(), happyDriver(), "q.jpg", 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCollectRetriesUploadControl(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	c := newTestCollector(t, &fakeConfirmer{})
	_, err := c.Collect(context.Background(), d, "q.jpg", 5)
	require.ErrorIs(t, err, ErrUploadControlNotFound)

	// 3 attempts over 4 selectors, plus the consent probe.
	assert.Equal(t, 13, d.count("click "))
	assert.Zero(t, d.count("upload "))
}

func TestCollectUploadFailure(t *testing.T) {
	t.Parallel()

	d := happyDriver()
	d.uploadErr = errors.New("no file input")
	conf := &fakeConfirmer{}
	c := newTestCollector(t, conf)
	_, err := c.Collect(context.Background(), d, "q.jpg", 5)
	require.ErrorIs(t, err, ErrUploadFailed)
	assert.Empty(t, conf.infos, "operator must not be prompted when upload failed")
}

func TestCollectResultsTimeoutIsNotFatal(t *testing.T) {
	t.Parallel()

	d := happyDriver()
	d.waitErr = errors.New("timeout")
	c := newTestCollector(t, &fakeConfirmer{})
	entries, err := c.Collect(context.Background(), d, "q.jpg", 5)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestCollectCheckpointCanceled(t *testing.T) {
	t.Parallel()

	conf := &fakeConfirmer{err: fmt.Errorf("checkpoint canceled: %w", context.Canceled)}
	c := newTestCollector(t, conf)
	_, err := c.Collect(context.Background(), happyDriver(), "q.jpg", 5)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCollectNoResults(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{clickable: map[string]bool{"div[aria-label='Search by image']": true}}
	c := newTestCollector(t, &fakeConfirmer{})
	entries, err := c.Collect(context.Background(), d, "q.jpg", 5)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 4, d.count("nodes "))
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.UploadControls = nil
	_, err := New(cfg, &fakeConfirmer{}, nil, nil)
	require.Error(t, err)

	_, err = New(DefaultConfig(), nil, nil, nil)
	require.Error(t, err)

	_, err = New(DefaultConfig(), &fakeConfirmer{}, nil, nil)
	require.NoError(t, err)
}

func TestCollectRejectsNonPositiveMax(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t, &fakeConfirmer{})
	_, err := c.Collect(context.Background(), happyDriver(), "q.jpg", 0)
	require.Error(t, err)
}
