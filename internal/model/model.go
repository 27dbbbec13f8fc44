package model

import (
	"context"
	"errors"
	"fmt"

	ctxpkg "github.com/stupiduntilnot/buccaneer/internal/context"
)

// Requester is the completion provider abstraction used by the dispatcher.
type Requester interface {
	// CompleteText generates the next assistant message for an assembled
	// request (system instruction first, then history).
	CompleteText(ctx context.Context, messages []ctxpkg.Message) (string, error)
	// DescribeImage returns a description of the given image bytes.
	DescribeImage(ctx context.Context, image []byte) (string, error)
}

// ProviderError reports any failure of a completion provider: transport,
// non-success status, or a response without usable content.
type ProviderError struct {
	Provider string
	Op       string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s failed status=%d: %v", e.Provider, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ErrEmptyResponse is wrapped by adapters when the provider answered without content.
var ErrEmptyResponse = errors.New("empty model response")

// IsProviderError reports whether err is (or wraps) a *ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
