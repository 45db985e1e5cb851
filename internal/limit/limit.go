// Package limit holds the immutable rate-limit rule type and the live
// per-assignment counter derived from it.
package limit

import (
	"encoding/binary"
	"sort"
)

// Limit is an immutable rule bound to a namespace: a maximum count within a
// window, and the conditions/variables evaluated against a descriptor
// context to decide whether and how the limit applies to a request.
//
// Two limits are equal iff their namespace, window, conditions and variables
// are equal — Max is metadata, not identity.
type Limit struct {
	Namespace  string
	Max        uint64
	Seconds    uint64
	Conditions []string
	Variables  []string
}

// New builds a Limit from its constituent parts.
func New(namespace string, max, seconds uint64, conditions, variables []string) Limit {
	return Limit{
		Namespace:  namespace,
		Max:        max,
		Seconds:    seconds,
		Conditions: append([]string(nil), conditions...),
		Variables:  append([]string(nil), variables...),
	}
}

// Equal reports whether two limits share the same identity (namespace,
// window, conditions and variables). Max is deliberately excluded.
func (l Limit) Equal(other Limit) bool {
	if l.Namespace != other.Namespace || l.Seconds != other.Seconds {
		return false
	}
	if len(l.Conditions) != len(other.Conditions) || len(l.Variables) != len(other.Variables) {
		return false
	}
	for i := range l.Conditions {
		if l.Conditions[i] != other.Conditions[i] {
			return false
		}
	}
	for i := range l.Variables {
		if l.Variables[i] != other.Variables[i] {
			return false
		}
	}
	return true
}

// Counter is a Limit bound to a concrete variable assignment observed on a
// request. Its Key is the deterministic wire identity used for replication.
type Counter struct {
	Limit      Limit
	Assignment map[string]string
}

// NewCounter materializes a counter from a limit and the variable values
// extracted from one request.
func NewCounter(l Limit, assignment map[string]string) Counter {
	a := make(map[string]string, len(assignment))
	for k, v := range assignment {
		a[k] = v
	}
	return Counter{Limit: l, Assignment: a}
}

// Key returns the deterministic byte encoding used to identify this counter
// across processes and versions: a concatenation of length-prefixed fields
// in namespace, seconds, conditions, variables, assignment order. Two
// counters with the same key round-trip to the same logical counter.
func (c Counter) Key() []byte {
	var buf []byte
	buf = appendField(buf, []byte(c.Limit.Namespace))
	buf = appendUint64(buf, c.Limit.Seconds)
	buf = appendUint64(buf, uint64(len(c.Limit.Conditions)))
	for _, cond := range c.Limit.Conditions {
		buf = appendField(buf, []byte(cond))
	}
	buf = appendUint64(buf, uint64(len(c.Limit.Variables)))
	for _, v := range c.Limit.Variables {
		buf = appendField(buf, []byte(v))
	}

	keys := make([]string, 0, len(c.Assignment))
	for k := range c.Assignment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf = appendUint64(buf, uint64(len(keys)))
	for _, k := range keys {
		buf = appendField(buf, []byte(k))
		buf = appendField(buf, []byte(c.Assignment[k]))
	}
	return buf
}

func appendField(buf, field []byte) []byte {
	buf = appendUint64(buf, uint64(len(field)))
	return append(buf, field...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
