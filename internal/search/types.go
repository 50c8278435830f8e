// Package search defines the reverse face search pipeline: the types that
// flow between stages, the ports each stage depends on, the Ranker that
// scores search results, and the Orchestrator that runs one query end to end.
package search

import (
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/facetrace/internal/face"
)

// QueryImage is the image being searched for. LocalPath is set once a
// remote Source has been downloaded.
type QueryImage struct {
	Source    string `json:"source"`
	LocalPath string `json:"local_path"`
}

// Entry is one (thumbnail, page) pair scraped from the provider.
type Entry struct {
	ThumbnailURL string `json:"thumbnail_url"`
	PageURL      string `json:"page_url"`
}

// Valid reports whether both URLs are usable: the page must be http(s),
// the thumbnail http(s) or an inline data: URI.
func (e Entry) Valid() bool {
	if !isWebURL(e.PageURL) {
		return false
	}
	return isWebURL(e.ThumbnailURL) || isDataURI(e.ThumbnailURL)
}

func isWebURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isDataURI(raw string) bool {
	return strings.HasPrefix(raw, "data:image/")
}

// Candidate is a scored search result. Order is the discovery index in
// the collector's output and breaks similarity ties.
type Candidate struct {
	PageURL            string
	ThumbnailURL       string
	LocalThumbnailPath string
	Similarity         float64
	Order              int
	Embedding          face.Embedding
}

// CandidateList is sorted by Similarity descending, ties by Order.
type CandidateList []Candidate

// PageURLs returns the page URLs in rank order.
func (l CandidateList) PageURLs() []string {
	out := make([]string, 0, len(l))
	for _, c := range l {
		out = append(out, c.PageURL)
	}
	return out
}

// RankStats counts what happened to every entry handed to the Ranker.
type RankStats struct {
	Total          int `json:"total"`
	Matched        int `json:"matched"`
	BelowThreshold int `json:"below_threshold"`
	Invalid        int `json:"invalid"`
	DownloadFailed int `json:"download_failed"`
	Unreadable     int `json:"unreadable"`
	NoFace         int `json:"no_face"`
	AmbiguousFace  int `json:"ambiguous_face"`
	EmbedFailed    int `json:"embed_failed"`
	Canceled       int `json:"canceled"`
}

// Skipped is the number of entries that never produced a similarity.
func (s RankStats) Skipped() int {
	return s.Invalid + s.DownloadFailed + s.Unreadable + s.NoFace + s.AmbiguousFace + s.EmbedFailed + s.Canceled
}

// Region is a JSON-friendly rectangle.
type Region struct {
	MinX int `json:"min_x"`
	MinY int `json:"min_y"`
	MaxX int `json:"max_x"`
	MaxY int `json:"max_y"`
}

// QueryRecord is the persisted description of the query face.
type QueryRecord struct {
	RunID      string    `json:"run_id"`
	Source     string    `json:"source"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
	Region     Region    `json:"region"`
	Embedding  []float32 `json:"embedding"`
	CreatedAt  time.Time `json:"created_at"`
}

// CandidateRecord is one row of the candidates artifact.
type CandidateRecord struct {
	Rank       int     `json:"rank"`
	URL        string  `json:"url"`
	LocalPath  string  `json:"local_path"`
	Similarity float64 `json:"similarity"`
}

// Records converts the list to its persisted form with 1-based ranks.
func (l CandidateList) Records() []CandidateRecord {
	out := make([]CandidateRecord, 0, len(l))
	for i, c := range l {
		out = append(out, CandidateRecord{
			Rank:       i + 1,
			URL:        c.PageURL,
			LocalPath:  c.LocalThumbnailPath,
			Similarity: c.Similarity,
		})
	}
	return out
}

// Request is one search invocation.
type Request struct {
	Query      string
	MaxResults int
	Threshold  float64
	// OutputName is the artifact name for the ranked candidates.
	OutputName string
}

// Result is everything a completed run produced.
type Result struct {
	RunID      string            `json:"run_id"`
	Query      QueryRecord       `json:"query"`
	Entries    []Entry           `json:"-"`
	Candidates CandidateList     `json:"-"`
	Stats      RankStats         `json:"stats"`
	Artifacts  map[string]string `json:"artifacts"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// CompletedEvent is published when a run finishes.
type CompletedEvent struct {
	RunID       string            `json:"run_id"`
	Source      string            `json:"source"`
	Entries     int               `json:"entries"`
	Matched     int               `json:"matched"`
	TopURL      string            `json:"top_url,omitempty"`
	TopScore    float64           `json:"top_similarity,omitempty"`
	Artifacts   map[string]string `json:"artifacts"`
	CompletedAt time.Time         `json:"completed_at"`
}
