package storage

import (
	"context"
	"testing"
	"time"

	"github.com/ratelimitd/limitador/internal/limit"
	"github.com/stretchr/testify/require"
)

func TestCheckAndUpdateWithinLimit(t *testing.T) {
	m := NewMemory()
	l := limit.New("ns", 2, 60, nil, nil)
	c := limit.NewCounter(l, map[string]string{"app.id": "1"})

	authz, states, err := m.CheckAndUpdate(context.Background(), []limit.Counter{c}, 1, true)
	require.NoError(t, err)
	require.False(t, authz.Limited)
	require.Len(t, states, 1)
	require.EqualValues(t, 1, states[0].Count)
}

func TestCheckAndUpdateRejectsAllOnOverflow(t *testing.T) {
	m := NewMemory()
	low := limit.New("ns", 1, 60, nil, nil)
	high := limit.New("ns", 100, 120, nil, nil) // distinct window: Max alone is not limit identity
	c1 := limit.NewCounter(low, map[string]string{"k": "v"})
	c2 := limit.NewCounter(high, map[string]string{"k": "v2"})

	// first hit consumes the low-max counter entirely
	_, _, err := m.CheckAndUpdate(context.Background(), []limit.Counter{c1}, 1, false)
	require.NoError(t, err)

	authz, _, err := m.CheckAndUpdate(context.Background(), []limit.Counter{c1, c2}, 1, false)
	require.NoError(t, err)
	require.True(t, authz.Limited)

	// c2 must be untouched since the batch was rejected atomically
	states, err := m.GetCounters(context.Background(), []limit.Limit{high})
	require.NoError(t, err)
	require.Empty(t, states)
}

func TestCheckAndUpdateResetsAfterWindowExpires(t *testing.T) {
	cur := time.Unix(1000, 0)
	m := NewMemoryWithClock(func() time.Time { return cur })
	l := limit.New("ns", 1, 10, nil, nil)
	c := limit.NewCounter(l, nil)

	authz, _, err := m.CheckAndUpdate(context.Background(), []limit.Counter{c}, 1, false)
	require.NoError(t, err)
	require.False(t, authz.Limited)

	cur = cur.Add(20 * time.Second)
	authz, states, err := m.CheckAndUpdate(context.Background(), []limit.Counter{c}, 1, true)
	require.NoError(t, err)
	require.False(t, authz.Limited)
	require.EqualValues(t, 1, states[0].Count)
}

func TestDeleteCountersRemovesOnlyMatchingLimit(t *testing.T) {
	m := NewMemory()
	l1 := limit.New("ns1", 10, 60, nil, nil)
	l2 := limit.New("ns2", 10, 60, nil, nil)
	c1 := limit.NewCounter(l1, nil)
	c2 := limit.NewCounter(l2, nil)
	_, _, err := m.CheckAndUpdate(context.Background(), []limit.Counter{c1, c2}, 1, false)
	require.NoError(t, err)

	require.NoError(t, m.DeleteCounters(context.Background(), []limit.Limit{l1}))

	states, err := m.GetCounters(context.Background(), []limit.Limit{l1, l2})
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, "ns2", states[0].Counter.Limit.Namespace)
}

func TestClearRemovesEverything(t *testing.T) {
	m := NewMemory()
	l := limit.New("ns", 10, 60, nil, nil)
	c := limit.NewCounter(l, nil)
	_, _, err := m.CheckAndUpdate(context.Background(), []limit.Counter{c}, 1, false)
	require.NoError(t, err)

	require.NoError(t, m.Clear(context.Background()))
	states, err := m.GetCounters(context.Background(), []limit.Limit{l})
	require.NoError(t, err)
	require.Empty(t, states)
}
