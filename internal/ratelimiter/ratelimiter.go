// Package ratelimiter implements the rate-limit decision engine (C5): limit
// selection against a namespace and descriptor context, counter
// materialization, the check-and-update call, and Draft-03 response header
// construction.
package ratelimiter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ratelimitd/limitador/internal/expr"
	"github.com/ratelimitd/limitador/internal/limit"
	"github.com/ratelimitd/limitador/internal/metrics"
	"github.com/ratelimitd/limitador/internal/storage"
)

// HeadersPolicy selects whether and how response headers are emitted.
type HeadersPolicy int

const (
	HeadersNone HeadersPolicy = iota
	HeadersDraft03
)

// Decision is the outcome of evaluating a namespace against a descriptor
// context.
type Decision struct {
	Limited   bool
	LimitName string
	Headers   []Header // sorted ascending by key
}

// Header is one response header, kept as an ordered pair rather than a map
// so callers preserve the required sort order without re-deriving it.
type Header struct {
	Key   string
	Value string
}

// compiledLimit pairs a registered Limit with its parsed conditions and
// variables, avoiding re-parsing expressions on every request.
type compiledLimit struct {
	limit      limit.Limit
	conditions []*expr.Expr
	variables  []*expr.Expr
}

// Engine holds the limit ruleset (grouped by namespace) and the storage
// backend used for the atomic check-and-update step.
type Engine struct {
	storage storage.CounterStorage
	now     func() time.Time

	mu   sync.RWMutex
	byNS map[string][]compiledLimit
}

// New builds a decision engine over the given storage backend. The ruleset
// starts empty; limits are added with RegisterLimit (typically driven by the
// ruleset loader, C9).
func New(backend storage.CounterStorage) *Engine {
	return &Engine{storage: backend, byNS: make(map[string][]compiledLimit), now: time.Now}
}

// NewWithClock is used by tests to control the header Reset computation.
func NewWithClock(backend storage.CounterStorage, now func() time.Time) *Engine {
	e := New(backend)
	e.now = now
	return e
}

// RegisterLimit compiles and adds l to the ruleset, and mirrors it into the
// storage backend via AddLimit. Returns a parse error if any condition or
// variable expression is malformed — limit load time is when such errors
// are reported, never at request time.
func (e *Engine) RegisterLimit(ctx context.Context, l limit.Limit) error {
	cl := compiledLimit{limit: l}
	for _, cond := range l.Conditions {
		parsed, err := expr.Parse(cond)
		if err != nil {
			return fmt.Errorf("ratelimiter: register limit %q: %w", l.Namespace, err)
		}
		cl.conditions = append(cl.conditions, parsed)
	}
	for _, v := range l.Variables {
		parsed, err := expr.Parse(v)
		if err != nil {
			return fmt.Errorf("ratelimiter: register limit %q: %w", l.Namespace, err)
		}
		cl.variables = append(cl.variables, parsed)
	}

	if err := e.storage.AddLimit(ctx, l); err != nil {
		return fmt.Errorf("ratelimiter: add limit to storage: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.byNS[l.Namespace] {
		if existing.limit.Equal(l) {
			e.byNS[l.Namespace][i] = cl
			return nil
		}
	}
	e.byNS[l.Namespace] = append(e.byNS[l.Namespace], cl)
	return nil
}

// Limits returns the currently registered limits for namespace, for
// diagnostics and ruleset diffing.
func (e *Engine) Limits(namespace string) []limit.Limit {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]limit.Limit, 0, len(e.byNS[namespace]))
	for _, cl := range e.byNS[namespace] {
		out = append(out, cl.limit)
	}
	return out
}

// Check evaluates namespace against ctx, applying delta via the storage
// backend, and returns the resulting Decision.
func (e *Engine) Check(ctx context.Context, namespace string, descCtx *expr.Context, delta uint64, policy HeadersPolicy) (Decision, error) {
	e.mu.RLock()
	candidates := append([]compiledLimit(nil), e.byNS[namespace]...)
	e.mu.RUnlock()

	if len(candidates) == 0 {
		return Decision{}, nil
	}

	var counters []limit.Counter
	var limits []limit.Limit
	for _, cl := range candidates {
		applies := true
		for _, cond := range cl.conditions {
			ok, err := cond.EvalBool(descCtx)
			if err != nil {
				return Decision{}, fmt.Errorf("ratelimiter: evaluate condition: %w", err)
			}
			if !ok {
				applies = false
				break
			}
		}
		if !applies {
			continue
		}

		assignment := make(map[string]string, len(cl.variables))
		skip := false
		for i, v := range cl.variables {
			val, err := v.EvalString(descCtx)
			if err != nil {
				skip = true
				break
			}
			assignment[cl.limit.Variables[i]] = val
		}
		if skip {
			continue
		}

		counters = append(counters, limit.NewCounter(cl.limit, assignment))
		limits = append(limits, cl.limit)
	}

	if len(counters) == 0 {
		return Decision{}, nil
	}

	loadCounters := policy != HeadersNone
	authz, states, err := e.storage.CheckAndUpdate(ctx, counters, delta, loadCounters)
	if err != nil {
		metrics.RecordStorageError(namespace)
		return Decision{}, fmt.Errorf("ratelimiter: check and update: %w", err)
	}
	metrics.RecordCheck(namespace, authz.Limited)

	decision := Decision{Limited: authz.Limited, LimitName: authz.LimitName}
	if policy == HeadersDraft03 && len(states) > 0 {
		if authz.Limited {
			// A rejected batch leaves every count unchanged; headers report
			// each counter as if delta had been applied, so the exceeded
			// counter shows no remaining capacity.
			for i := range states {
				states[i].Count += delta
			}
		}
		decision.Headers = draft03Headers(states, e.now())
	}
	return decision, nil
}

// draft03Headers implements spec §4.5's Draft-03 header construction.
func draft03Headers(states []storage.CounterState, now time.Time) []Header {
	sorted := append([]storage.CounterState(nil), states...)
	sort.Slice(sorted, func(i, j int) bool {
		ri := remaining(sorted[i])
		rj := remaining(sorted[j])
		if ri != rj {
			return ri < rj
		}
		return sorted[i].Counter.Limit.Seconds < sorted[j].Counter.Limit.Seconds
	})

	minRemaining := remaining(sorted[0])
	parts := make([]string, len(sorted))
	for i, s := range sorted {
		parts[i] = fmt.Sprintf("%d;w=%d", s.Counter.Limit.Max, s.Counter.Limit.Seconds)
	}

	minExpiresAt := sorted[0].ExpiresAt
	minMax := sorted[0].Counter.Limit.Max
	for _, s := range sorted[1:] {
		if s.ExpiresAt < minExpiresAt {
			minExpiresAt = s.ExpiresAt
		}
		if s.Counter.Limit.Max < minMax {
			minMax = s.Counter.Limit.Max
		}
	}
	resetSeconds := minExpiresAt - now.Unix()
	if resetSeconds < 0 {
		resetSeconds = 0
	}

	limitValue := fmt.Sprintf("%d, %s", minMax, joinComma(parts))

	headers := []Header{
		{Key: "X-RateLimit-Limit", Value: limitValue},
		{Key: "X-RateLimit-Remaining", Value: fmt.Sprintf("%d", minRemaining)},
		{Key: "X-RateLimit-Reset", Value: fmt.Sprintf("%d", resetSeconds)},
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].Key < headers[j].Key })
	return headers
}

func remaining(s storage.CounterState) int64 {
	r := int64(s.Counter.Limit.Max) - int64(s.Count)
	if r < 0 {
		return 0
	}
	return r
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
