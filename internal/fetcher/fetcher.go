// Package fetcher defines the request/response types shared by the direct
// and rendered page fetchers.
package fetcher

import (
	"context"
	"net/http"
	"time"
)

// DefaultUserAgent mimics a current desktop Chrome build.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36"

// Request captures everything needed to fetch a URL.
type Request struct {
	URL     string
	Headers http.Header
}

// Response is the result returned by a Fetcher implementation.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request Request) (Response, error)
}

// BrowserHeaders returns the header set a desktop browser sends for a page
// navigation. User-Agent is carried by the fetcher config, not here.
func BrowserHeaders() http.Header {
	return http.Header{
		"Accept":          {"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
		"Accept-Language": {"en-US,en;q=0.9"},
	}
}

// ImageHeaders returns the header set a browser sends when loading an image.
func ImageHeaders() http.Header {
	return http.Header{
		"Accept":          {"image/avif,image/webp,image/apng,image/*,*/*;q=0.8"},
		"Accept-Language": {"en-US,en;q=0.9"},
	}
}
