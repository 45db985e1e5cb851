package replication

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/ratelimitd/limitador/internal/replication/rpc"
)

// stream is the minimal surface both the server-side and client-side views
// of the Exchange RPC provide; Session is written against this so the same
// session loop runs whichever side dialed.
type stream interface {
	Send(*rpc.Packet) error
	Recv() (*rpc.Packet, error)
	Context() context.Context
}

// Session is a live bidirectional message exchange with one peer. At most
// one session may be installed per peer at a time (see PeerTracker).
type Session struct {
	peerID string
	id     ulid.ULID // correlates log lines across a session's lifetime
	str    stream

	sendMu sync.Mutex // serializes writes; Recv has a single reader (the dispatch loop)

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(peerID string, str stream) *Session {
	return &Session{peerID: peerID, id: ulid.Make(), str: str, closed: make(chan struct{})}
}

// ID returns the session's time-sortable correlation id, for log lines.
func (s *Session) ID() string { return s.id.String() }

// send writes p to the stream, serialized against concurrent senders
// (handshake, fan-out, resync, ping responses all share one stream).
func (s *Session) send(p *rpc.Packet) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.str.Send(p)
}

func (s *Session) recv() (*rpc.Packet, error) {
	return s.str.Recv()
}

// close marks the session as done; idempotent.
func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// isDisconnect classifies an inbound-stream error as a clean disconnect
// (broken pipe, EOF, client-gone) versus a genuine fault. Disconnects are
// handled silently; faults are logged by the caller.
func isDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "transport is closing") ||
		strings.Contains(msg, "context canceled")
}
