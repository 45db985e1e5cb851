package storage

import (
	"context"
	"sync"
	"time"

	"github.com/ratelimitd/limitador/internal/limit"
)

// entry is the live window state for one counter key.
type entry struct {
	counter   limit.Counter
	count     uint64
	expiresAt time.Time
}

// Memory is the strict, single-process CounterStorage backend: counters are
// held in a plain map guarded by a mutex, with no eventual-consistency
// window — exactly what the decision engine sees is exactly what is stored.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	limits  map[string]limit.Limit // limits seen by AddLimit, by identity key; the other methods scan entries instead
	now     func() time.Time
}

// NewMemory constructs an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*entry),
		limits:  make(map[string]limit.Limit),
		now:     time.Now,
	}
}

// NewMemoryWithClock is used by tests to control the window clock.
func NewMemoryWithClock(now func() time.Time) *Memory {
	m := NewMemory()
	m.now = now
	return m
}

func (m *Memory) AddLimit(ctx context.Context, l limit.Limit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[limitIdentityKey(l)] = l
	return nil
}

// CheckAndUpdate is atomic by virtue of holding the single mutex across the
// full check-then-update pass over counters.
func (m *Memory) CheckAndUpdate(ctx context.Context, counters []limit.Counter, delta uint64, loadCounters bool) (Authorization, []CounterState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	// Pass 1: resolve (creating if absent, rolling over if expired) without
	// mutating counts, and check whether delta would exceed any max.
	type resolved struct {
		key string
		e   *entry
	}
	resolvedEntries := make([]resolved, 0, len(counters))
	var authz Authorization

	for _, c := range counters {
		key := string(c.Key())
		e, ok := m.entries[key]
		if !ok || !now.Before(e.expiresAt) {
			e = &entry{counter: c, count: 0, expiresAt: now.Add(time.Duration(c.Limit.Seconds) * time.Second)}
		}
		if e.count+delta > c.Limit.Max {
			if !authz.Limited {
				authz = Limited(c.Limit.Namespace)
			}
		}
		resolvedEntries = append(resolvedEntries, resolved{key: key, e: e})
	}

	if authz.Limited {
		if !loadCounters {
			return authz, nil, nil
		}
		states := make([]CounterState, 0, len(counters))
		for i, r := range resolvedEntries {
			states = append(states, CounterState{
				Counter:   counters[i],
				Count:     r.e.count,
				ExpiresAt: r.e.expiresAt.Unix(),
			})
		}
		return authz, states, nil
	}

	states := make([]CounterState, 0, len(counters))
	for i, r := range resolvedEntries {
		r.e.count += delta
		m.entries[r.key] = r.e
		if loadCounters {
			states = append(states, CounterState{
				Counter:   counters[i],
				Count:     r.e.count,
				ExpiresAt: r.e.expiresAt.Unix(),
			})
		}
	}
	return Ok(), states, nil
}

func (m *Memory) GetCounters(ctx context.Context, limits []limit.Limit) ([]CounterState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	wanted := make(map[string]bool, len(limits))
	for _, l := range limits {
		wanted[limitIdentityKey(l)] = true
	}

	var out []CounterState
	for _, e := range m.entries {
		if !wanted[limitIdentityKey(e.counter.Limit)] {
			continue
		}
		if !now.Before(e.expiresAt) {
			continue
		}
		out = append(out, CounterState{Counter: e.counter, Count: e.count, ExpiresAt: e.expiresAt.Unix()})
	}
	return out, nil
}

func (m *Memory) DeleteCounters(ctx context.Context, limits []limit.Limit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]bool, len(limits))
	for _, l := range limits {
		wanted[limitIdentityKey(l)] = true
	}
	for key, e := range m.entries {
		if wanted[limitIdentityKey(e.counter.Limit)] {
			delete(m.entries, key)
		}
	}
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*entry)
	m.limits = make(map[string]limit.Limit)
	return nil
}

// limitIdentityKey mirrors limit.Limit.Equal's identity fields so limits can
// be used as map keys despite carrying slice fields.
func limitIdentityKey(l limit.Limit) string {
	c := limit.NewCounter(l, nil)
	return string(c.Key())
}
