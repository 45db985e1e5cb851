package replication

import (
	"sync"
	"time"
)

// PeerTracker is the broker's view of one remote replica: its discovered
// URLs (monotonically growing within a process lifetime), the URL we
// actually connected over (if any), observed latency/clock-skew, and a live
// session handle when one exists.
type PeerTracker struct {
	PeerID         string
	ConnectedURL   string
	DiscoveredURLs map[string]struct{}
	Latency        time.Duration
	ClockSkew      time.Duration
	Session        *Session
}

func newPeerTracker(peerID string, urls ...string) *PeerTracker {
	pt := &PeerTracker{PeerID: peerID, DiscoveredURLs: make(map[string]struct{})}
	for _, u := range urls {
		if u != "" {
			pt.DiscoveredURLs[u] = struct{}{}
		}
	}
	return pt
}

func (pt *PeerTracker) urls() []string {
	out := make([]string, 0, len(pt.DiscoveredURLs))
	for u := range pt.DiscoveredURLs {
		out = append(out, u)
	}
	return out
}

// ReplicationState is the broker's shared mutable state: a single
// sync.RWMutex over the peer map. It is not reader-preferring: a waiting
// writer holds off new readers. Writers (handshake,
// membership update, reconnect sweep) hold it only for the brief critical
// section that mutates the map; no network I/O happens under the lock.
type ReplicationState struct {
	mu    sync.RWMutex
	peers map[string]*PeerTracker
}

func newReplicationState() *ReplicationState {
	return &ReplicationState{peers: make(map[string]*PeerTracker)}
}

// snapshotPeers returns a defensive copy of the current peer list, safe to
// use outside the lock (e.g. to build a MembershipUpdate).
func (s *ReplicationState) snapshotPeers() []PeerTracker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerTracker, 0, len(s.peers))
	for _, pt := range s.peers {
		cp := *pt
		cp.DiscoveredURLs = make(map[string]struct{}, len(pt.DiscoveredURLs))
		for u := range pt.DiscoveredURLs {
			cp.DiscoveredURLs[u] = struct{}{}
		}
		out = append(out, cp)
	}
	return out
}

// getOrCreate returns the tracker for peerID, creating it if absent.
func (s *ReplicationState) getOrCreate(peerID string) *PeerTracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt, ok := s.peers[peerID]
	if !ok {
		pt = newPeerTracker(peerID)
		s.peers[peerID] = pt
	}
	return pt
}

// addDiscoveredURLs unions newURLs into peerID's discovered set, creating
// the tracker if it doesn't exist yet. An empty URL list is permitted and
// is a no-op beyond ensuring the tracker exists.
func (s *ReplicationState) addDiscoveredURLs(peerID string, newURLs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt, ok := s.peers[peerID]
	if !ok {
		pt = newPeerTracker(peerID)
		s.peers[peerID] = pt
	}
	for _, u := range newURLs {
		if u != "" {
			pt.DiscoveredURLs[u] = struct{}{}
		}
	}
}

// trySetSession installs sess as the live session for peerID if none is
// currently live, returning true on success. If a session is already live,
// the caller must resolve the collision (see handshake.go) before retrying.
func (s *ReplicationState) trySetSession(peerID string, sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pt, ok := s.peers[peerID]
	if !ok {
		pt = newPeerTracker(peerID)
		s.peers[peerID] = pt
	}
	if pt.Session != nil {
		return false
	}
	pt.Session = sess
	return true
}

// clearSession releases the session slot for peerID iff it still points at
// sess (a stale close from a since-replaced session must not clobber the
// new one).
func (s *ReplicationState) clearSession(peerID string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pt, ok := s.peers[peerID]; ok && pt.Session == sess {
		pt.Session = nil
	}
}

// liveSessionCount reports how many peers currently have a session installed.
func (s *ReplicationState) liveSessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, pt := range s.peers {
		if pt.Session != nil {
			n++
		}
	}
	return n
}

// hasLiveSession reports whether peerID currently has a session installed.
func (s *ReplicationState) hasLiveSession(peerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pt, ok := s.peers[peerID]
	return ok && pt.Session != nil
}

// peersWithoutSession returns trackers that currently lack a live session,
// for the reconnect sweeper.
func (s *ReplicationState) peersWithoutSession() []*PeerTracker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PeerTracker
	for _, pt := range s.peers {
		if pt.Session == nil {
			out = append(out, pt)
		}
	}
	return out
}

// setConnectedURL records which URL we used to reach peerID.
func (s *ReplicationState) setConnectedURL(peerID, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pt, ok := s.peers[peerID]; ok {
		pt.ConnectedURL = url
	}
}

// setLatencyAndSkew records the handshake's RTT/clock-skew estimate.
func (s *ReplicationState) setLatencyAndSkew(peerID string, latency, skew time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pt, ok := s.peers[peerID]; ok {
		pt.Latency = latency
		pt.ClockSkew = skew
	}
}
