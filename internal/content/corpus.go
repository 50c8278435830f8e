package content

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/facetrace/internal/hash/sha256"
)

// Document is the plaintext of one candidate page.
type Document struct {
	URL    string `json:"url"`
	Text   string `json:"text"`
	Digest string `json:"sha256"`
}

// PageFetcher is the subset of Fetcher used by Corpus.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) string
}

// Corpus gathers page text for ranked candidates.
type Corpus struct {
	pages  PageFetcher
	hasher *sha256.Hasher
	logger *zap.Logger
}

// NewCorpus builds a Corpus over pages.
func NewCorpus(pages PageFetcher, logger *zap.Logger) *Corpus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Corpus{pages: pages, hasher: sha256.New(), logger: logger.Named("corpus")}
}

// Build fetches each URL in order, at most limit pages when limit > 0.
// Repeated URLs, empty pages, and pages whose text is identical to an
// earlier one are dropped.
func (c *Corpus) Build(ctx context.Context, urls []string, limit int) []Document {
	seenURL := make(map[string]struct{}, len(urls))
	seenText := make(map[string]struct{}, len(urls))
	docs := make([]Document, 0, len(urls))
	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}
		if limit > 0 && len(docs) >= limit {
			break
		}
		if _, ok := seenURL[u]; ok || u == "" {
			continue
		}
		seenURL[u] = struct{}{}

		text := c.pages.Fetch(ctx, u)
		if text == "" {
			continue
		}
		digest := c.hasher.HashString(text)
		if _, ok := seenText[digest]; ok {
			c.logger.Debug("duplicate page text", zap.String("url", u))
			continue
		}
		seenText[digest] = struct{}{}
		docs = append(docs, Document{URL: u, Text: text, Digest: digest})
	}
	c.logger.Info("corpus built", zap.Int("requested", len(urls)), zap.Int("documents", len(docs)))
	return docs
}

// Join concatenates document text, one document per paragraph.
func Join(docs []Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, d.Text)
	}
	return strings.Join(parts, "\n\n")
}
