package headless

import (
	"context"
	"errors"

	"github.com/rankwell/siteaudit/internal/audit"
)

// Noop implements audit.Fetcher but always fails, standing in for the
// rendering strategy when headless browsing is disabled in the
// deployment. Audits that request script rendering then fail fast with
// a clear message instead of a nil dereference.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always reports a permanent failure.
func (Noop) Fetch(_ context.Context, _ string) (audit.PageSignals, error) {
	return audit.PageSignals{}, audit.NewPermanentFetchError(0,
		errors.New("headless browsing is disabled in this deployment"))
}
