package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ratelimitd/limitador/internal/crdt"
)

// crdtStore is a minimal CounterSource/CounterApplier backed by crdt.Value,
// standing in for the full storage.CounterStorage distributed backend in
// this package's own tests.
type crdtStore struct {
	mu     sync.Mutex
	values map[string]*crdt.Value
}

func newCRDTStore() *crdtStore { return &crdtStore{values: make(map[string]*crdt.Value)} }

func (s *crdtStore) increment(key string, actor string, delta uint64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		v = crdt.NewValue(now.Add(time.Minute), time.Minute)
		s.values[key] = v
	}
	v.Increment(actor, delta, now)
}

func (s *crdtStore) value(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return 0
	}
	return v.Value()
}

func (s *crdtStore) AllCounters(ctx context.Context) ([]CounterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CounterRecord, 0, len(s.values))
	for k, v := range s.values {
		snap := v.Snapshot()
		out = append(out, CounterRecord{Key: []byte(k), Values: snap.Contributions, ExpiresAt: snap.ExpiresAt.Unix()})
	}
	return out, nil
}

func (s *crdtStore) ApplyCounterUpdate(ctx context.Context, rec CounterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(rec.Key)
	incoming := crdt.FromSnapshot(crdt.Snapshot{
		Contributions: rec.Values,
		ExpiresAt:     time.Unix(rec.ExpiresAt, 0),
		Period:        time.Minute,
	})
	if v, ok := s.values[key]; ok {
		v.Merge(incoming)
	} else {
		s.values[key] = incoming
	}
	return nil
}

// TestReplicationConvergence is scenario S6: two brokers seed each other;
// client A increments K by 3, client B increments K by 5; after resync both
// converge to 8.
func TestReplicationConvergence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storeA := newCRDTStore()
	storeB := newCRDTStore()

	brokerA := New(Config{PeerID: "a", ListenAddr: "127.0.0.1:0", Source: storeA, Applier: storeA, Logger: zerolog.Nop()})
	brokerB := New(Config{PeerID: "b", ListenAddr: "127.0.0.1:0", Source: storeB, Applier: storeB, Logger: zerolog.Nop()})

	go brokerA.Start(ctx)
	go brokerB.Start(ctx)

	addrA, err := brokerA.Addr(ctx)
	require.NoError(t, err)
	addrB, err := brokerB.Addr(ctx)
	require.NoError(t, err)

	now := time.Now()
	storeA.increment("k1", "a", 3, now)
	storeB.increment("k1", "b", 5, now)

	brokerA.seedURLs = []string{addrB}
	brokerB.seedURLs = []string{addrA}
	go brokerA.dialLoop(ctx, addrB)

	require.Eventually(t, func() bool {
		return storeA.value("k1") == 8 && storeB.value("k1") == 8
	}, 5*time.Second, 20*time.Millisecond)
}
