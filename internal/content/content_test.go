package content

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/facetrace/internal/fetcher"
)

const challengePage = `<html><head><title>Just a moment...</title></head>
<body><p>Verify you are human by completing the action below.</p></body></html>`

const realPage = `<html><head><title>Profile</title><style>p{}</style></head>
<body><script>var x = 1;</script><noscript>enable js</noscript>
<template><p>hidden</p></template>
<h1>Jane   Doe</h1>
<p>Director and
 writer.</p></body></html>`

type stubFetcher struct {
	mu    sync.Mutex
	calls int
	resp  fetcher.Response
	err   error
}

func (s *stubFetcher) Fetch(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return fetcher.Response{}, s.err
	}
	resp := s.resp
	resp.URL = req.URL
	return resp, nil
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingRecorder) ObserveFetch(tier, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[tier+"/"+outcome]++
}

func page(body string) fetcher.Response {
	return fetcher.Response{StatusCode: http.StatusOK, Body: []byte(body)}
}

func TestExtractTextDropsInvisible(t *testing.T) {
	t.Parallel()

	text, err := ExtractText([]byte(realPage))
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe Director and writer.", text)
}

func TestSignatureMatches(t *testing.T) {
	t.Parallel()

	sig := DefaultSignature()
	assert.True(t, sig.Matches("Just a moment... Verify you are human"))
	assert.False(t, sig.Matches("Just a moment please"))
	assert.False(t, Signature{}.Matches("anything"))
}

func TestFetchDirectSuccess(t *testing.T) {
	t.Parallel()

	direct := &stubFetcher{resp: page(realPage)}
	rendered := &stubFetcher{resp: page("<p>rendered</p>")}
	rec := &countingRecorder{}
	f, err := New(direct, rendered, DefaultSignature(), nil, rec)
	require.NoError(t, err)

	assert.Equal(t, "Jane Doe Director and writer.", f.Fetch(context.Background(), "https://example.com/p"))
	assert.Zero(t, rendered.calls)
	assert.Equal(t, 1, rec.counts["direct/success"])
}

func TestFetchEscalatesOnChallenge(t *testing.T) {
	t.Parallel()

	direct := &stubFetcher{resp: page(challengePage)}
	rendered := &stubFetcher{resp: page(realPage)}
	rec := &countingRecorder{}
	f, err := New(direct, rendered, DefaultSignature(), nil, rec)
	require.NoError(t, err)

	text := f.Fetch(context.Background(), "https://example.com/p")
	assert.Equal(t, "Jane Doe Director and writer.", text)
	assert.Equal(t, 1, rendered.calls)
	assert.Equal(t, 1, rec.counts["direct/escalated"])
	assert.Equal(t, 1, rec.counts["rendered/success"])
}

func TestFetchDetectsTitleMarker(t *testing.T) {
	t.Parallel()

	// "Just a moment" appears only in <title>, which is not visible text.
	text, err := ExtractText([]byte(challengePage))
	require.NoError(t, err)
	require.NotContains(t, text, "Just a moment")

	direct := &stubFetcher{resp: page(challengePage)}
	f, err := New(direct, nil, DefaultSignature(), nil, nil)
	require.NoError(t, err)

	_, err = f.FetchStrict(context.Background(), "https://example.com/p")
	require.Error(t, err)
	assert.Empty(t, f.Fetch(context.Background(), "https://example.com/p"))
	assert.Equal(t, 2, direct.calls)
}

func TestFetchEscalatesOnErrorAndStatus(t *testing.T) {
	t.Parallel()

	for name, direct := range map[string]*stubFetcher{
		"network": {err: errors.New("connection reset")},
		"status":  {resp: fetcher.Response{StatusCode: http.StatusForbidden, Body: []byte(realPage)}},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			rendered := &stubFetcher{resp: page("<p>from browser</p>")}
			f, err := New(direct, rendered, DefaultSignature(), nil, nil)
			require.NoError(t, err)
			assert.Equal(t, "from browser", f.Fetch(context.Background(), "https://example.com/p"))
		})
	}
}

func TestChallengeBodyNeverReturned(t *testing.T) {
	t.Parallel()

	direct := &stubFetcher{resp: page(challengePage)}
	rendered := &stubFetcher{resp: page(challengePage)}
	rec := &countingRecorder{}
	f, err := New(direct, rendered, DefaultSignature(), nil, rec)
	require.NoError(t, err)

	assert.Empty(t, f.Fetch(context.Background(), "https://example.com/p"))

	_, err = f.FetchStrict(context.Background(), "https://example.com/p")
	require.ErrorIs(t, err, ErrChallengeTimeout)
	assert.Equal(t, 2, rec.counts["rendered/challenge"])
}

func TestFetchBothTiersFail(t *testing.T) {
	t.Parallel()

	f, err := New(&stubFetcher{err: errors.New("dns")}, nil, DefaultSignature(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, f.Fetch(context.Background(), "https://example.com/p"))

	_, err = f.FetchStrict(context.Background(), "not a url")
	require.Error(t, err)
}

func TestNewRequiresDirect(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, DefaultSignature(), nil, nil)
	require.Error(t, err)
}

type mapPages map[string]string

func (m mapPages) Fetch(_ context.Context, rawURL string) string {
	return m[rawURL]
}

func TestCorpusDeduplicates(t *testing.T) {
	t.Parallel()

	pages := mapPages{
		"https://a.example": "alpha",
		"https://b.example": "alpha",
		"https://c.example": "gamma",
		"https://d.example": "",
		"https://e.example": "epsilon",
	}
	c := NewCorpus(pages, nil)
	urls := []string{"https://a.example", "https://a.example", "https://b.example", "https://d.example", "https://c.example", "https://e.example"}

	docs := c.Build(context.Background(), urls, 0)
	require.Len(t, docs, 3)
	assert.Equal(t, "https://a.example", docs[0].URL)
	assert.Equal(t, "https://c.example", docs[1].URL)
	assert.Len(t, docs[0].Digest, 64)
	assert.Equal(t, "alpha\n\ngamma\n\nepsilon", Join(docs))

	limited := c.Build(context.Background(), urls, 2)
	assert.Len(t, limited, 2)
	assert.False(t, strings.Contains(Join(limited), "epsilon"))
}
