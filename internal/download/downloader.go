// Package download stores thumbnails and remote query images on local disk.
// Files are named by the SHA-256 of their source URL, so repeated runs reuse
// earlier downloads.
package download

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/facetrace/internal/fetcher"
	"github.com/JakeFAU/facetrace/internal/hash/sha256"
)

// ErrNotImage reports a payload that does not sniff as an image.
var ErrNotImage = errors.New("payload is not an image")

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

// Waiter gates requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// DurationRecorder receives download latencies.
type DurationRecorder interface {
	ObserveDownload(duration time.Duration)
}

// Config controls where downloads land.
type Config struct {
	Dir string
	// MaxBytes rejects larger payloads; 0 disables the check.
	MaxBytes int
}

// Downloader implements search.Downloader.
type Downloader struct {
	dir      string
	maxBytes int
	fetch    fetcher.Fetcher
	limiter  Waiter
	recorder DurationRecorder
	hasher   *sha256.Hasher
	logger   *zap.Logger
}

// New builds a Downloader. limiter and recorder may be nil.
func New(cfg Config, fetch fetcher.Fetcher, limiter Waiter, recorder DurationRecorder, logger *zap.Logger) (*Downloader, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("download directory is required")
	}
	if fetch == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		dir:      cfg.Dir,
		maxBytes: cfg.MaxBytes,
		fetch:    fetch,
		limiter:  limiter,
		recorder: recorder,
		hasher:   sha256.New(),
		logger:   logger.Named("download"),
	}, nil
}

// Download stores rawURL under the download dir and returns the file path.
// Supported schemes are http, https and data.
func (d *Downloader) Download(ctx context.Context, rawURL string) (string, error) {
	name := d.hasher.HashString(rawURL)
	if path, ok := d.cached(name); ok {
		return path, nil
	}

	start := time.Now()
	var (
		data []byte
		err  error
	)
	switch {
	case strings.HasPrefix(rawURL, "data:"):
		data, err = decodeDataURI(rawURL)
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		data, err = d.get(ctx, rawURL)
	default:
		err = fmt.Errorf("unsupported url scheme: %.32q", rawURL)
	}
	if err != nil {
		return "", err
	}
	if d.maxBytes > 0 && len(data) > d.maxBytes {
		return "", fmt.Errorf("download too large: %d bytes", len(data))
	}

	ext, ok := extensions[http.DetectContentType(data)]
	if !ok {
		return "", fmt.Errorf("%w: sniffed %s", ErrNotImage, http.DetectContentType(data))
	}
	path := filepath.Join(d.dir, name+ext)
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	if d.recorder != nil {
		d.recorder.ObserveDownload(time.Since(start))
	}
	d.logger.Debug("downloaded", zap.String("path", path), zap.Int("bytes", len(data)))
	return path, nil
}

func (d *Downloader) cached(name string) (string, bool) {
	for _, ext := range extensions {
		path := filepath.Join(d.dir, name+ext)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
			return path, true
		}
	}
	return "", false
}

func (d *Downloader) get(ctx context.Context, rawURL string) ([]byte, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, rawURL); err != nil {
			return nil, err
		}
	}
	resp, err := d.fetch.Fetch(ctx, fetcher.Request{URL: rawURL, Headers: fetcher.ImageHeaders()})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	if len(resp.Body) == 0 {
		return nil, fmt.Errorf("download %s: empty body", rawURL)
	}
	return resp.Body, nil
}

// decodeDataURI decodes an RFC 2397 data URI payload.
func decodeDataURI(raw string) ([]byte, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("malformed data uri")
	}
	if strings.HasSuffix(header, ";base64") {
		// Providers occasionally emit URL-safe or unpadded payloads.
		for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
			if data, err := enc.DecodeString(payload); err == nil {
				return data, nil
			}
		}
		return nil, fmt.Errorf("malformed base64 in data uri")
	}
	data, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("unescape data uri: %w", err)
	}
	return []byte(data), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // best-effort cleanup after rename
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename download: %w", err)
	}
	return nil
}
