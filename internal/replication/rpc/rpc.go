// Package rpc defines the wire messages exchanged between replication
// brokers and the bidirectional-streaming gRPC service they ride over.
//
// The messages are plain Go structs rather than protoc-gen-go output: this
// workspace has no protoc available, so the wire encoding is supplied by a
// custom grpc/encoding.Codec (see codec.go) registered under the name
// "json" and forced with grpc.ForceServerCodec/grpc.ForceCodec, a
// documented grpc-go extension point for non-protobuf payloads. Stream
// lifecycle, status codes and deadlines all behave exactly as they would
// with a protoc-generated service; only the on-wire encoding differs.
package rpc

// Hello is the handshake opener, sent by both sides of a new session.
type Hello struct {
	SenderPeerID string
	SenderURLs   []string
	ReceiverURL  string // empty means "not set" (mirrors the optional<string> field)
}

// Pong answers a Ping (or the handshake's own probe) with the responder's
// clock, letting the sender estimate RTT and clock skew.
type Pong struct {
	CurrentTimeMillis int64
}

// Ping requests a Pong from the peer.
type Ping struct{}

// Peer is one entry in a MembershipUpdate.
type Peer struct {
	PeerID  string
	Latency uint32 // informational only; never populated on outgoing updates
	URLs    []string
}

// MembershipUpdate announces the sender's known peer set.
type MembershipUpdate struct {
	Peers []Peer
}

// CounterUpdate carries one counter's CRDT snapshot.
type CounterUpdate struct {
	Key       []byte
	Values    map[string]uint64 // per-actor contributions
	ExpiresAt int64             // unix seconds
}

// ReSyncEnd terminates the initial resync burst.
type ReSyncEnd struct{}

// Packet is the envelope type exchanged over the stream; exactly one field
// is set, mirroring the oneof in the spec's wire schema.
type Packet struct {
	Hello            *Hello
	Ping             *Ping
	Pong             *Pong
	MembershipUpdate *MembershipUpdate
	CounterUpdate    *CounterUpdate
	ReSyncEnd        *ReSyncEnd
}

// Empty is used where the wire schema calls for no payload.
type Empty struct{}
