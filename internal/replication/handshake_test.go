package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ratelimitd/limitador/internal/replication/rpc"
)

// pipeStream is an in-process duplex stream implementing `stream`, used to
// unit-test the handshake without any real networking.
type pipeStream struct {
	ctx  context.Context
	out  chan *rpc.Packet
	in   <-chan *rpc.Packet
}

func newPipePair() (*pipeStream, *pipeStream) {
	a := make(chan *rpc.Packet, 8)
	b := make(chan *rpc.Packet, 8)
	return &pipeStream{ctx: context.Background(), out: a, in: b},
		&pipeStream{ctx: context.Background(), out: b, in: a}
}

func (p *pipeStream) Send(pkt *rpc.Packet) error {
	p.out <- pkt
	return nil
}

func (p *pipeStream) Recv() (*rpc.Packet, error) {
	pkt, ok := <-p.in
	if !ok {
		return nil, context.Canceled
	}
	return pkt, nil
}

func (p *pipeStream) Context() context.Context { return p.ctx }

func newTestBroker(peerID string, now time.Time) *Broker {
	b := New(Config{PeerID: peerID, ListenAddr: "dialer:" + peerID, Logger: zerolog.Nop()})
	b.now = func() time.Time { return now }
	return b
}

func TestHandshakeSymmetricExchange(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newTestBroker("peer-a", now)
	b := newTestBroker("peer-b", now.Add(5*time.Millisecond))

	strA, strB := newPipePair()

	var wg sync.WaitGroup
	wg.Add(2)
	var hsA, hsB *handshakeResult
	var errA, errB error

	go func() {
		defer wg.Done()
		hsA, errA = a.runHandshake(strA, "")
	}()
	go func() {
		defer wg.Done()
		hsB, errB = b.runHandshake(strB, "accepted-at-b")
	}()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	require.Equal(t, "peer-b", hsA.peerID)
	require.Equal(t, "peer-a", hsB.peerID)
	require.Contains(t, hsA.peerURLs, "accepted-at-b")
}

func TestInstallSessionSmallerPeerIDWins(t *testing.T) {
	b := newTestBroker("peer-a", time.Now())
	strA, _ := newPipePair()
	strB, _ := newPipePair()

	old := newSession("peer-z", strA)
	installed, _ := b.installSession("peer-z", old)
	require.True(t, installed)

	newSess := newSession("peer-z", strB)
	// "peer-a" < "peer-z" so the local broker wins and installs the new one.
	installed, reason := b.installSession("peer-z", newSess)
	require.True(t, installed)
	require.Empty(t, reason)
}

func TestInstallSessionLargerPeerIDLoses(t *testing.T) {
	b := newTestBroker("peer-z", time.Now())
	strA, _ := newPipePair()
	strB, _ := newPipePair()

	old := newSession("peer-a", strA)
	installed, _ := b.installSession("peer-a", old)
	require.True(t, installed)

	newSess := newSession("peer-a", strB)
	// "peer-z" > "peer-a" so the local broker loses; new session rejected.
	installed, reason := b.installSession("peer-a", newSess)
	require.False(t, installed)
	require.Equal(t, "AlreadyExists", reason)
}

func TestInstallSessionFirstEverIsAlwaysInstalled(t *testing.T) {
	b := newTestBroker("peer-a", time.Now())
	str, _ := newPipePair()
	sess := newSession("peer-b", str)
	installed, reason := b.installSession("peer-b", sess)
	require.True(t, installed)
	require.Empty(t, reason)
}

func TestIsDisconnectClassification(t *testing.T) {
	require.True(t, isDisconnect(context.Canceled))
	require.False(t, isDisconnect(nil))
}
