package limit

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLimitEqualIgnoresMax(t *testing.T) {
	a := New("ns", 10, 60, []string{"c1"}, []string{"v1"})
	b := New("ns", 9999, 60, []string{"c1"}, []string{"v1"})
	require.True(t, a.Equal(b))
}

func TestLimitEqualRequiresIdentityFields(t *testing.T) {
	base := New("ns", 10, 60, []string{"c1"}, []string{"v1"})
	cases := []Limit{
		New("other", 10, 60, []string{"c1"}, []string{"v1"}),
		New("ns", 10, 61, []string{"c1"}, []string{"v1"}),
		New("ns", 10, 60, []string{"c1", "c2"}, []string{"v1"}),
		New("ns", 10, 60, []string{"c2"}, []string{"v1"}),
		New("ns", 10, 60, []string{"c1"}, []string{"v2"}),
	}
	for _, c := range cases {
		require.False(t, base.Equal(c))
	}
}

func TestCounterKeyDeterministic(t *testing.T) {
	l := New("ns", 10, 60, []string{"c1"}, []string{"app.id"})
	c1 := NewCounter(l, map[string]string{"app.id": "42"})
	c2 := NewCounter(l, map[string]string{"app.id": "42"})
	require.True(t, bytes.Equal(c1.Key(), c2.Key()))
}

func TestCounterKeyIndependentOfAssignmentOrder(t *testing.T) {
	l := New("ns", 10, 60, nil, []string{"a", "b"})
	c1 := NewCounter(l, map[string]string{"a": "1", "b": "2"})
	c2 := NewCounter(l, map[string]string{"b": "2", "a": "1"})
	require.True(t, bytes.Equal(c1.Key(), c2.Key()))
}

func TestCounterKeyDiffersOnAssignment(t *testing.T) {
	l := New("ns", 10, 60, nil, []string{"app.id"})
	c1 := NewCounter(l, map[string]string{"app.id": "42"})
	c2 := NewCounter(l, map[string]string{"app.id": "43"})
	require.False(t, bytes.Equal(c1.Key(), c2.Key()))
}

func TestCounterKeyDiffersOnNamespace(t *testing.T) {
	l1 := New("ns1", 10, 60, nil, nil)
	l2 := New("ns2", 10, 60, nil, nil)
	c1 := NewCounter(l1, nil)
	c2 := NewCounter(l2, nil)
	require.False(t, bytes.Equal(c1.Key(), c2.Key()))
}

func TestNewCounterCopiesAssignment(t *testing.T) {
	assignment := map[string]string{"a": "1"}
	l := New("ns", 10, 60, nil, []string{"a"})
	c := NewCounter(l, assignment)
	assignment["a"] = "2"
	require.Equal(t, "1", c.Assignment["a"])
}
