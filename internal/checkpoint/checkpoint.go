// Package checkpoint implements the operator hand-off that sits between the
// provider's challenge page and the search results. A Confirmer blocks with
// no timeout of its own; only ctx ends the wait early.
package checkpoint

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Info describes what the operator is asked to do.
type Info struct {
	RunID   string
	Message string
}

// DefaultMessage is shown when Info.Message is empty.
const DefaultMessage = "Solve any challenge in the browser window, then confirm to continue."

// Confirmer waits for an operator to confirm.
type Confirmer interface {
	Confirm(ctx context.Context, info Info) error
}

// Prompt confirms by reading one line from in.
type Prompt struct {
	in  *bufio.Reader
	out io.Writer
	mu  sync.Mutex
}

// NewPrompt builds a Prompt reading from in and writing instructions to out.
func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{in: bufio.NewReader(in), out: out}
}

// Confirm prints the instructions and waits for ENTER.
func (p *Prompt) Confirm(ctx context.Context, info Info) error {
	msg := info.Message
	if msg == "" {
		msg = DefaultMessage
	}
	if _, err := fmt.Fprintf(p.out, "%s\nPress ENTER to continue...", msg); err != nil {
		return fmt.Errorf("write prompt: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		_, err := p.in.ReadString('\n')
		done <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("checkpoint canceled: %w", ctx.Err())
	case err := <-done:
		if errors.Is(err, io.EOF) {
			return errors.New("read confirmation: input closed")
		}
		if err != nil {
			return fmt.Errorf("read confirmation: %w", err)
		}
		return nil
	}
}

type runKey struct{}

// WithRun tags ctx with the run identifier shown to the operator.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunFrom returns the run identifier set by WithRun, or "".
func RunFrom(ctx context.Context) string {
	id, _ := ctx.Value(runKey{}).(string)
	return id
}
