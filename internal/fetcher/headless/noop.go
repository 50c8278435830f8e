package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/facetrace/internal/fetcher"
)

// ErrNotConfigured is returned by Noop.
var ErrNotConfigured = errors.New("rendered fetcher not configured")

// Noop stands in for the rendered tier when it is disabled by config.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrNotConfigured.
func (Noop) Fetch(_ context.Context, _ fetcher.Request) (fetcher.Response, error) {
	return fetcher.Response{}, ErrNotConfigured
}
