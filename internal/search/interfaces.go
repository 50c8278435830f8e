package search

import (
	"context"
	"image"
	"io"
	"time"

	"github.com/JakeFAU/facetrace/internal/face"
)

// Driver is the browser automation surface the collector needs.
type Driver interface {
	Navigate(ctx context.Context, rawURL string) error
	Click(ctx context.Context, query string, xpath bool, timeout time.Duration) error
	Upload(ctx context.Context, query, path string, timeout time.Duration) error
	WaitPresent(ctx context.Context, query string, timeout time.Duration) error
	Nodes(ctx context.Context, query string) ([]map[string]string, error)
	Screenshot(ctx context.Context, path string) error
}

// Session is a live browser that must be closed on every exit path.
type Session interface {
	Driver
	Close() error
}

// SessionOpener starts browser sessions.
type SessionOpener interface {
	Open(ctx context.Context) (Session, error)
}

// Collector drives the provider and returns scraped entries.
type Collector interface {
	Collect(ctx context.Context, driver Driver, queryPath string, maxResults int) ([]Entry, error)
}

// Preprocessor isolates the single face in an image.
type Preprocessor interface {
	Prepare(ctx context.Context, img image.Image, source string) (face.Crop, error)
	PrepareFile(ctx context.Context, path string) (face.Crop, error)
}

// Downloader stores a remote (or data:) image locally and returns its path.
type Downloader interface {
	Download(ctx context.Context, rawURL string) (string, error)
}

// ArtifactStore persists run artifacts and returns a URI.
type ArtifactStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// RunStore records completed runs.
type RunStore interface {
	SaveRun(ctx context.Context, result Result) error
}

// VectorIndex stores matched embeddings for later lookup.
type VectorIndex interface {
	Upsert(ctx context.Context, runID string, candidates CandidateList) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ReportRenderer renders a human-readable run summary.
type ReportRenderer interface {
	Render(result Result) ([]byte, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// CandidateRanker scores collected entries against the query embedding.
type CandidateRanker interface {
	Rank(ctx context.Context, entries []Entry, query face.Embedding, threshold float64) (CandidateList, RankStats)
}
