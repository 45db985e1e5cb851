// Package crdt implements the per-actor additive counter value used to
// replicate rate-limit counters across peers without coordination: each
// actor (replica) tracks its own monotonically increasing contribution,
// and two replicas converge by taking the max contribution per actor.
package crdt

import "time"

// Value is a grow-only map of actor id to that actor's cumulative hit count
// within the counter's current window. It is a state-based CRDT: merging two
// Values never loses information, and Merge is commutative, associative and
// idempotent.
type Value struct {
	contributions map[string]uint64
	expiresAt     time.Time
	period        time.Duration
}

// NewValue creates an empty counter value for a window of the given period,
// expiring at expiresAt (the start of the window plus its duration).
func NewValue(expiresAt time.Time, period time.Duration) *Value {
	return &Value{contributions: make(map[string]uint64), expiresAt: expiresAt, period: period}
}

// ExpiresAt reports when this window's counter value resets.
func (v *Value) ExpiresAt() time.Time { return v.expiresAt }

// Expired reports whether the window has elapsed as of now.
func (v *Value) Expired(now time.Time) bool { return !now.Before(v.expiresAt) }

// EnsurePeriod sets the window period if it is not already known. Values
// rebuilt from a peer's snapshot (FromSnapshot) carry no period, since the
// wire CounterUpdate has no such field; the owning storage backend calls
// this the first time it locally increments such a value, so later
// expiries roll the window forward instead of freezing it.
func (v *Value) EnsurePeriod(period time.Duration) {
	if v.period == 0 {
		v.period = period
	}
}

// Increment adds delta to actorID's contribution and returns the new total
// value across all actors. Increment is only ever applied to the local
// actor's own entry; remote actors' entries are only ever updated via Merge.
func (v *Value) Increment(actorID string, delta uint64, now time.Time) uint64 {
	if v.Expired(now) {
		v.reset(now)
	}
	v.contributions[actorID] += delta
	return v.total()
}

// reset clears all contributions and rolls the window boundary forward to
// the next period starting from now.
func (v *Value) reset(now time.Time) {
	for k := range v.contributions {
		delete(v.contributions, k)
	}
	if v.period > 0 {
		v.expiresAt = now.Add(v.period)
	}
}

// Value returns the current total across all actors' contributions.
func (v *Value) Value() uint64 { return v.total() }

func (v *Value) total() uint64 {
	var sum uint64
	for _, n := range v.contributions {
		sum += n
	}
	return sum
}

// Merge combines another replica's view of the same counter into this one:
// expiresAt becomes the max of the two, and every actor's contribution
// becomes the max of the two sides' value for that actor. This is the
// standard G-Counter merge rule, so Merge is commutative, associative and
// idempotent regardless of delivery order or duplication, and never loses
// a contribution either side already knew about.
func (v *Value) Merge(other *Value) {
	if other == nil {
		return
	}
	if other.expiresAt.After(v.expiresAt) {
		v.expiresAt = other.expiresAt
	}
	for actor, n := range other.contributions {
		if cur := v.contributions[actor]; n > cur {
			v.contributions[actor] = n
		}
	}
}

// Snapshot is the wire form of a Value exchanged between peers.
type Snapshot struct {
	Contributions map[string]uint64
	ExpiresAt     time.Time
	Period        time.Duration
}

// Snapshot copies out the replicable state of this value.
func (v *Value) Snapshot() Snapshot {
	cp := make(map[string]uint64, len(v.contributions))
	for k, n := range v.contributions {
		cp[k] = n
	}
	return Snapshot{Contributions: cp, ExpiresAt: v.expiresAt, Period: v.period}
}

// FromSnapshot rebuilds a Value from a received Snapshot.
func FromSnapshot(s Snapshot) *Value {
	cp := make(map[string]uint64, len(s.Contributions))
	for k, n := range s.Contributions {
		cp[k] = n
	}
	return &Value{contributions: cp, expiresAt: s.ExpiresAt, period: s.Period}
}
