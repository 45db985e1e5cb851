package replication

import (
	"fmt"
	"time"

	"github.com/ratelimitd/limitador/internal/replication/rpc"
)

// handshakeResult is what both dialer and acceptor learn from the symmetric
// Hello/Pong exchange (spec §4.6 step 1-3).
type handshakeResult struct {
	peerID    string
	peerURLs  []string
	latency   time.Duration
	clockSkew time.Duration
}

// runHandshake performs the symmetric handshake over str, sending our own
// Hello first and then the Pong probe, regardless of which side dialed.
// receiverURL is the URL the acceptor was reached on (empty when dialing).
func (b *Broker) runHandshake(str stream, receiverURL string) (*handshakeResult, error) {
	hello := &rpc.Hello{SenderPeerID: b.peerID, SenderURLs: b.advertisedURLs(), ReceiverURL: receiverURL}
	if err := str.Send(&rpc.Packet{Hello: hello}); err != nil {
		return nil, fmt.Errorf("replication: send hello: %w", err)
	}

	pkt, err := str.Recv()
	if err != nil {
		return nil, fmt.Errorf("replication: recv hello: %w", err)
	}
	if pkt.Hello == nil {
		return nil, fmt.Errorf("replication: expected Hello, got %+v", pkt)
	}
	peerHello := pkt.Hello

	start := b.now()
	if err := str.Send(&rpc.Packet{Pong: &rpc.Pong{CurrentTimeMillis: start.UnixMilli()}}); err != nil {
		return nil, fmt.Errorf("replication: send pong probe: %w", err)
	}
	pongPkt, err := str.Recv()
	if err != nil {
		return nil, fmt.Errorf("replication: recv pong: %w", err)
	}
	if pongPkt.Pong == nil {
		return nil, fmt.Errorf("replication: expected Pong, got %+v", pongPkt)
	}
	end := b.now()

	latency := end.Sub(start)
	peerTimeAdjusted := time.UnixMilli(pongPkt.Pong.CurrentTimeMillis).Add(latency / 2)
	clockSkew := end.Sub(peerTimeAdjusted)

	learnedURLs := append([]string(nil), peerHello.SenderURLs...)
	if peerHello.ReceiverURL != "" {
		learnedURLs = append(learnedURLs, peerHello.ReceiverURL)
	}

	return &handshakeResult{
		peerID:    peerHello.SenderPeerID,
		peerURLs:  learnedURLs,
		latency:   latency,
		clockSkew: clockSkew,
	}, nil
}

// installSession resolves duplicate-session collisions deterministically:
// the replica with the smaller peer_id wins the right to install the new
// session; the loser's new session is torn down with AlreadyExists and the
// old one (if any) stays, or — if we are the winner — the old session is
// closed (its loop ends with AlreadyExists, see runSession) and replaced.
func (b *Broker) installSession(peerID string, sess *Session) (installed bool, rejectReason string) {
	b.state.mu.Lock()
	defer b.state.mu.Unlock()

	pt, ok := b.state.peers[peerID]
	if !ok {
		pt = newPeerTracker(peerID)
		b.state.peers[peerID] = pt
	}
	if pt.Session == nil {
		pt.Session = sess
		return true, ""
	}

	// Collision: smaller peer_id wins the right to install.
	if b.peerID < peerID {
		old := pt.Session
		pt.Session = sess
		go old.close()
		return true, ""
	}
	return false, "AlreadyExists"
}
