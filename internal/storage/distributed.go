package storage

import (
	"context"
	"sync"
	"time"

	"github.com/ratelimitd/limitador/internal/crdt"
	"github.com/ratelimitd/limitador/internal/limit"
	"github.com/ratelimitd/limitador/internal/replication"
)

// Distributed is the eventually-consistent CounterStorage backend: requests
// are decided against the local CRDT sum (never a cluster-wide read), and
// every local increment is handed to the replication broker for fan-out.
// Merges of inbound updates are applied back in by ApplyCounterUpdate,
// invoked by the broker's inbound dispatch loop.
type Distributed struct {
	actorID   string
	publisher replication.Publisher

	mu     sync.Mutex
	values map[string]*crdt.Value
	limits map[string]limit.Counter // key -> counter identity, for GetCounters/DeleteCounters

	now func() time.Time
}

// NewDistributed constructs a distributed backend identified by actorID
// (normally the replica's own peer id), publishing local updates via pub.
func NewDistributed(actorID string, pub replication.Publisher) *Distributed {
	return &Distributed{
		actorID:   actorID,
		publisher: pub,
		values:    make(map[string]*crdt.Value),
		limits:    make(map[string]limit.Counter),
		now:       time.Now,
	}
}

func (d *Distributed) AddLimit(ctx context.Context, l limit.Limit) error { return nil }

// SetPublisher wires the replication broker in after construction, breaking
// the constructor cycle between Distributed (a CounterSource/CounterApplier)
// and the Broker (a Publisher) that depends on it.
func (d *Distributed) SetPublisher(pub replication.Publisher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publisher = pub
}

// CheckAndUpdate decides against the local CRDT sum: incrementing the local
// actor's contribution is the only mutation a single replica ever performs
// directly, so merges from peers never race this call under the lock.
func (d *Distributed) CheckAndUpdate(ctx context.Context, counters []limit.Counter, delta uint64, loadCounters bool) (Authorization, []CounterState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()

	type candidate struct {
		counter limit.Counter
		key     string
		value   *crdt.Value
		current uint64
	}
	candidates := make([]candidate, len(counters))
	var authz Authorization

	for i, c := range counters {
		key := string(c.Key())
		v, ok := d.values[key]
		if !ok {
			v = crdt.NewValue(now.Add(time.Duration(c.Limit.Seconds)*time.Second), time.Duration(c.Limit.Seconds)*time.Second)
		}
		current := v.Value()
		if v.Expired(now) {
			current = 0
		}
		candidates[i] = candidate{counter: c, key: key, value: v, current: current}

		if current+delta > c.Limit.Max {
			if !authz.Limited {
				authz = Limited(c.Limit.Namespace)
			}
		}
	}

	if authz.Limited {
		if !loadCounters {
			return authz, nil, nil
		}
		states := make([]CounterState, len(candidates))
		for i, cd := range candidates {
			states[i] = CounterState{Counter: cd.counter, Count: cd.current, ExpiresAt: cd.value.ExpiresAt().Unix()}
		}
		return authz, states, nil
	}

	states := make([]CounterState, 0, len(counters))
	for _, cd := range candidates {
		cd.value.EnsurePeriod(time.Duration(cd.counter.Limit.Seconds) * time.Second)
		newTotal := cd.value.Increment(d.actorID, delta, now)
		d.values[cd.key] = cd.value
		d.limits[cd.key] = cd.counter

		if d.publisher != nil {
			snap := cd.value.Snapshot()
			d.publisher.Publish(replication.CounterRecord{
				Key:       cd.counter.Key(),
				Values:    snap.Contributions,
				ExpiresAt: snap.ExpiresAt.Unix(),
			})
		}
		if loadCounters {
			states = append(states, CounterState{Counter: cd.counter, Count: newTotal, ExpiresAt: cd.value.ExpiresAt().Unix()})
		}
	}
	return Ok(), states, nil
}

func (d *Distributed) GetCounters(ctx context.Context, limits []limit.Limit) ([]CounterState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	wanted := make(map[string]bool, len(limits))
	for _, l := range limits {
		wanted[limitIdentityKey(l)] = true
	}

	var out []CounterState
	for key, v := range d.values {
		c, ok := d.limits[key]
		if !ok || !wanted[limitIdentityKey(c.Limit)] {
			continue
		}
		out = append(out, CounterState{Counter: c, Count: v.Value(), ExpiresAt: v.ExpiresAt().Unix()})
	}
	return out, nil
}

func (d *Distributed) DeleteCounters(ctx context.Context, limits []limit.Limit) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	wanted := make(map[string]bool, len(limits))
	for _, l := range limits {
		wanted[limitIdentityKey(l)] = true
	}
	for key, c := range d.limits {
		if wanted[limitIdentityKey(c.Limit)] {
			delete(d.values, key)
			delete(d.limits, key)
		}
	}
	return nil
}

func (d *Distributed) Clear(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values = make(map[string]*crdt.Value)
	d.limits = make(map[string]limit.Counter)
	return nil
}

// AllCounters implements replication.CounterSource for the broker's initial
// resync.
func (d *Distributed) AllCounters(ctx context.Context) ([]replication.CounterRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]replication.CounterRecord, 0, len(d.values))
	for key, v := range d.values {
		snap := v.Snapshot()
		out = append(out, replication.CounterRecord{Key: []byte(key), Values: snap.Contributions, ExpiresAt: snap.ExpiresAt.Unix()})
	}
	return out, nil
}

// ApplyCounterUpdate implements replication.CounterApplier: merges an
// inbound snapshot into local state using the standard CRDT max-merge.
func (d *Distributed) ApplyCounterUpdate(ctx context.Context, rec replication.CounterRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := string(rec.Key)
	incoming := crdt.FromSnapshot(crdt.Snapshot{
		Contributions: rec.Values,
		ExpiresAt:     time.Unix(rec.ExpiresAt, 0),
	})
	if v, ok := d.values[key]; ok {
		v.Merge(incoming)
	} else {
		d.values[key] = incoming
	}
	return nil
}
