// Package storage defines the abstract counter storage contract the
// decision engine depends on, and the shared errors its backends report.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ratelimitd/limitador/internal/limit"
)

// Authorization is the outcome of a check_and_update call.
type Authorization struct {
	Limited   bool
	LimitName string // name of the first exceeded limit, set iff Limited
}

// Ok reports the non-limited outcome.
func Ok() Authorization { return Authorization{} }

// Limited reports the limited outcome, naming the exceeded limit.
func Limited(name string) Authorization { return Authorization{Limited: true, LimitName: name} }

// ErrUnavailable marks a transient storage failure, surfaced to callers so
// that a proxy's failure-mode-deny policy can act on it rather than treating
// the request as merely Unknown.
var ErrUnavailable = errors.New("storage: backend unavailable")

// CounterState is the observed count/expiry of one counter after a
// check_and_update call, returned when load_counters/emit_headers is set so
// the caller can build response headers.
type CounterState struct {
	Counter   limit.Counter
	Count     uint64
	ExpiresAt int64 // unix seconds
}

// CounterStorage is the sole contract the rate-limit decision engine (C5)
// depends on. Implementations must make CheckAndUpdate atomic across the
// whole counters slice: either every counter accepts delta, or none do.
type CounterStorage interface {
	// CheckAndUpdate atomically applies delta to every counter in counters.
	// If loadCounters is true, the CounterState results carry the observed
	// post-call count/expiry for header construction.
	CheckAndUpdate(ctx context.Context, counters []limit.Counter, delta uint64, loadCounters bool) (Authorization, []CounterState, error)

	// AddLimit tells the backend about l. Limit selection for requests is
	// done by the decision engine; a backend may ignore the call.
	AddLimit(ctx context.Context, l limit.Limit) error

	// GetCounters returns the currently known counters for the given limits.
	GetCounters(ctx context.Context, limits []limit.Limit) ([]CounterState, error)

	// DeleteCounters removes all counters belonging to the given limits.
	DeleteCounters(ctx context.Context, limits []limit.Limit) error

	// Clear wipes all state. Used by tests.
	Clear(ctx context.Context) error
}

// wrapUnavailable wraps a backend-specific error as ErrUnavailable so
// callers can use errors.Is regardless of backend.
func wrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
