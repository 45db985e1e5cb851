// Package replication implements the gossip-style peer mesh (C6): handshake,
// initial resync, CRDT counter update fan-out, and reconnection on failure.
package replication

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/ratelimitd/limitador/internal/metrics"
	"github.com/ratelimitd/limitador/internal/replication/rpc"
)

// ErrInvalidArgument marks a protocol violation on the replication stream
// (unknown message type, missing Hello where one was required).
var ErrInvalidArgument = errors.New("replication: invalid argument")

// CounterRecord is one counter's CRDT snapshot as carried on the wire and
// exchanged with the storage layer.
type CounterRecord struct {
	Key       []byte
	Values    map[string]uint64
	ExpiresAt int64
}

// CounterSource is implemented by the local storage backend to supply the
// full counter set for a new session's initial resync.
type CounterSource interface {
	AllCounters(ctx context.Context) ([]CounterRecord, error)
}

// CounterApplier is implemented by the local storage backend to merge an
// inbound CounterUpdate (resync or live) into local state.
type CounterApplier interface {
	ApplyCounterUpdate(ctx context.Context, rec CounterRecord) error
}

// Publisher is the narrow broadcast capability the distributed storage
// backend needs: publish a freshly-updated local counter to every live
// session's fan-out queue. *Broker satisfies this.
type Publisher interface {
	Publish(rec CounterRecord)
}

const (
	reconnectInterval  = time.Second
	resyncChanCapacity = 1
	outboundChanCap    = 1
)

// Broker is the long-lived peer mesh: it accepts inbound streams, dials
// configured seed URLs, and fans out local counter updates to every live
// session while applying inbound updates back into storage.
type Broker struct {
	peerID     string
	listenAddr string
	seedURLs   []string

	source  CounterSource
	applier CounterApplier
	logger  zerolog.Logger
	now     func() time.Time

	state *ReplicationState

	subMu       sync.Mutex
	subscribers map[*Session]chan CounterRecord

	grpcServer *grpc.Server

	addrMu sync.Mutex
	addr   string
	ready  chan struct{}
}

// Config configures a Broker.
type Config struct {
	PeerID     string
	ListenAddr string
	SeedURLs   []string
	Source     CounterSource
	Applier    CounterApplier
	Logger     zerolog.Logger
}

// New constructs a Broker from cfg. Start must be called to begin accepting
// and dialing.
func New(cfg Config) *Broker {
	return &Broker{
		peerID:      cfg.PeerID,
		listenAddr:  cfg.ListenAddr,
		seedURLs:    append([]string(nil), cfg.SeedURLs...),
		source:      cfg.Source,
		applier:     cfg.Applier,
		logger:      cfg.Logger,
		now:         time.Now,
		state:       newReplicationState(),
		subscribers: make(map[*Session]chan CounterRecord),
		ready:       make(chan struct{}),
	}
}

// Addr blocks until the broker is listening and returns the address it
// bound (useful when ListenAddr requested an ephemeral port via ":0").
func (b *Broker) Addr(ctx context.Context) (string, error) {
	select {
	case <-b.ready:
		b.addrMu.Lock()
		defer b.addrMu.Unlock()
		return b.addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// advertisedURLs returns the URLs we tell peers they can reach us on: just
// our bound listen address for now (discovered URLs are peer-side
// knowledge, not ours to advertise about ourselves).
func (b *Broker) advertisedURLs() []string {
	b.addrMu.Lock()
	addr := b.addr
	b.addrMu.Unlock()
	if addr == "" {
		return nil
	}
	return []string{addr}
}

// Start begins listening for inbound connections and dialing every seed URL,
// plus the reconnect sweeper. It blocks until ctx is canceled (then stops the
// server and returns ctx.Err()) or the server fails; callers run it in a
// goroutine, use Addr to wait for the listener, and cancel ctx to shut down.
func (b *Broker) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", b.listenAddr)
	if err != nil {
		return fmt.Errorf("replication: listen on %s: %w", b.listenAddr, err)
	}
	b.addrMu.Lock()
	b.addr = lis.Addr().String()
	b.addrMu.Unlock()
	close(b.ready)

	b.grpcServer = grpc.NewServer(rpc.ServerForceCodecOption())
	rpc.RegisterReplicationServer(b.grpcServer, b)

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.grpcServer.Serve(lis)
	}()

	for _, url := range b.seedURLs {
		go b.dialLoop(ctx, url)
	}

	go b.reconnectSweep(ctx)

	select {
	case <-ctx.Done():
		b.grpcServer.Stop()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// dialLoop makes one connection attempt to url; callers that want retry use
// reconnectSweep instead, which calls connectToURL directly.
func (b *Broker) dialLoop(ctx context.Context, url string) {
	if err := b.connectToURL(ctx, url); err != nil {
		b.logger.Debug().Err(err).Str("url", url).Msg("initial dial failed, reconnect sweep will retry")
	}
}

// connectToURL dials url, runs the handshake as the dialing side, installs
// the session, and starts the session loop on its own goroutine. It returns
// nil once the session is installed.
func (b *Broker) connectToURL(ctx context.Context, url string) error {
	conn, err := grpc.NewClient(url, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("replication: dial %s: %w", url, err)
	}

	client := rpc.NewReplicationClient(conn)
	str, err := client.Exchange(ctx)
	if err != nil {
		conn.Close()
		return fmt.Errorf("replication: open exchange to %s: %w", url, err)
	}

	hs, err := b.runHandshake(str, "")
	if err != nil {
		conn.Close()
		return fmt.Errorf("replication: handshake with %s: %w", url, err)
	}

	b.state.setConnectedURL(hs.peerID, url)
	b.state.addDiscoveredURLs(hs.peerID, hs.peerURLs)
	b.state.setLatencyAndSkew(hs.peerID, hs.latency, hs.clockSkew)

	sess := newSession(hs.peerID, str)
	installed, reason := b.installSession(hs.peerID, sess)
	if !installed {
		b.logger.Debug().Str("peer", hs.peerID).Str("session", sess.ID()).Msg("duplicate session, dropping dialed connection")
		conn.Close()
		return status.Error(codes.AlreadyExists, reason)
	}

	metrics.ReplicationPeersConnected.Set(float64(b.state.liveSessionCount()))
	go func() {
		_ = b.runSession(ctx, sess) // runSession logs faults itself
		b.state.clearSession(hs.peerID, sess)
		metrics.ReplicationPeersConnected.Set(float64(b.state.liveSessionCount()))
		conn.Close()
	}()
	return nil
}

// Exchange is the server-side handler for inbound streams (implements
// rpc.ReplicationServer).
func (b *Broker) Exchange(str rpc.ReplicationExchangeServer) error {
	hs, err := b.runHandshake(str, b.listenAddr)
	if err != nil {
		return fmt.Errorf("replication: inbound handshake: %w", err)
	}

	b.state.addDiscoveredURLs(hs.peerID, hs.peerURLs)
	b.state.setLatencyAndSkew(hs.peerID, hs.latency, hs.clockSkew)

	sess := newSession(hs.peerID, str)
	installed, reason := b.installSession(hs.peerID, sess)
	if !installed {
		return status.Error(codes.AlreadyExists, reason)
	}

	metrics.ReplicationPeersConnected.Set(float64(b.state.liveSessionCount()))
	err = b.runSession(str.Context(), sess)
	b.state.clearSession(hs.peerID, sess)
	metrics.ReplicationPeersConnected.Set(float64(b.state.liveSessionCount()))
	return err
}

// runSession runs the three concurrent activities of a post-handshake
// session (spec §4.6): initial resync, outbound fan-out, inbound dispatch.
// It returns when any of them ends (stream close or protocol fault), or with
// an AlreadyExists error when sess is closed because a newer session
// replaced it. A resync that completes does not end the session.
func (b *Broker) runSession(ctx context.Context, sess *Session) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan CounterRecord, 256)
	b.subscribe(sess, updates)
	defer b.unsubscribe(sess)

	errCh := make(chan error, 4)

	go func() {
		if err := b.resync(sessCtx, sess); err != nil {
			errCh <- err
		}
	}()
	go func() { errCh <- b.fanOut(sessCtx, sess, updates) }()
	go func() { errCh <- b.inboundLoop(sessCtx, sess) }()
	go func() {
		select {
		case <-sess.closed:
			errCh <- status.Error(codes.AlreadyExists, "session replaced by a newer one")
		case <-sessCtx.Done():
		}
	}()

	err := <-errCh
	cancel()
	sess.close()
	if isDisconnect(err) {
		return nil
	}
	b.logger.Warn().Err(err).Str("peer", sess.peerID).Str("session", sess.ID()).Msg("replication session ended with a fault")
	return err
}

// resync drains the local counter store through a bounded channel and
// forwards each record as a CounterUpdate, followed by ReSyncEnd, right
// after sending our current full peer list.
func (b *Broker) resync(ctx context.Context, sess *Session) error {
	peers := b.state.snapshotPeers()
	members := make([]rpc.Peer, 0, len(peers))
	for _, pt := range peers {
		members = append(members, rpc.Peer{PeerID: pt.PeerID, Latency: 0, URLs: pt.urls()})
	}
	if err := sess.send(&rpc.Packet{MembershipUpdate: &rpc.MembershipUpdate{Peers: members}}); err != nil {
		return err
	}

	if b.source == nil {
		return sess.send(&rpc.Packet{ReSyncEnd: &rpc.ReSyncEnd{}})
	}

	records, err := b.source.AllCounters(ctx)
	if err != nil {
		return fmt.Errorf("replication: resync scan: %w", err)
	}

	ch := make(chan CounterRecord, resyncChanCapacity)
	go func() {
		defer close(ch)
		for _, r := range records {
			select {
			case ch <- r:
			case <-ctx.Done():
				return
			}
		}
	}()

	for r := range ch {
		if err := sess.send(&rpc.Packet{CounterUpdate: &rpc.CounterUpdate{
			Key: r.Key, Values: r.Values, ExpiresAt: r.ExpiresAt,
		}}); err != nil {
			return err
		}
	}
	return sess.send(&rpc.Packet{ReSyncEnd: &rpc.ReSyncEnd{}})
}

// fanOut forwards newly-published local counter updates to sess, coalescing
// multiple updates for the same key (map for dedup, slice for fairness
// ordering). Each 10ms tick sends the oldest pending entry with a blocking
// stream send; there is no separate bounded outbound channel, so a slow
// stream delays this session's loop (never the publisher, see Publish).
func (b *Broker) fanOut(ctx context.Context, sess *Session, updates <-chan CounterRecord) error {
	pending := make(map[string]CounterRecord)
	var order []string

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-updates:
			if !ok {
				return nil
			}
			key := string(rec.Key)
			if _, exists := pending[key]; !exists {
				order = append(order, key)
			}
			pending[key] = rec
		case <-ticker.C:
			if len(order) == 0 {
				continue
			}
			key := order[0]
			rec, ok := pending[key]
			if !ok {
				order = order[1:]
				continue
			}
			if rec.ExpiresAt > 0 && rec.ExpiresAt < b.now().Unix() {
				delete(pending, key)
				order = order[1:]
				continue
			}
			err := sess.send(&rpc.Packet{CounterUpdate: &rpc.CounterUpdate{
				Key: rec.Key, Values: rec.Values, ExpiresAt: rec.ExpiresAt,
			}})
			if err != nil {
				return err
			}
			delete(pending, key)
			order = order[1:]
		}
	}
}

// inboundLoop reads packets off sess and dispatches by type.
func (b *Broker) inboundLoop(ctx context.Context, sess *Session) error {
	for {
		pkt, err := sess.recv()
		if err != nil {
			return err
		}

		switch {
		case pkt.Ping != nil:
			if err := sess.send(&rpc.Packet{Pong: &rpc.Pong{CurrentTimeMillis: b.now().UnixMilli()}}); err != nil {
				return err
			}
		case pkt.MembershipUpdate != nil:
			for _, p := range pkt.MembershipUpdate.Peers {
				// Per spec, discovered URLs of an already-known peer are left
				// alone (open question, upstream TODO); only new peers gain
				// their advertised URL set here.
				b.state.mu.Lock()
				if _, known := b.state.peers[p.PeerID]; !known {
					b.state.peers[p.PeerID] = newPeerTracker(p.PeerID, p.URLs...)
				}
				b.state.mu.Unlock()
			}
		case pkt.CounterUpdate != nil:
			if b.applier == nil {
				continue
			}
			rec := CounterRecord{Key: pkt.CounterUpdate.Key, Values: pkt.CounterUpdate.Values, ExpiresAt: pkt.CounterUpdate.ExpiresAt}
			if err := b.applier.ApplyCounterUpdate(ctx, rec); err != nil {
				b.logger.Warn().Err(err).Msg("failed to apply inbound counter update")
			}
		case pkt.ReSyncEnd != nil:
			// no action required; resync completion is implicit once ReSyncEnd
			// is observed by a caller watching this session, if any.
		default:
			return fmt.Errorf("%w: unrecognized packet", ErrInvalidArgument)
		}
	}
}

// Publish broadcasts rec to every live session's fan-out queue. Never
// blocks: a session whose queue is full does not receive rec at all (an
// entry for the same key already pending there is still sent, with its
// older values).
func (b *Broker) Publish(rec CounterRecord) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- rec:
		default:
		}
	}
}

func (b *Broker) subscribe(sess *Session, ch chan CounterRecord) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers[sess] = ch
}

func (b *Broker) unsubscribe(sess *Session) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	delete(b.subscribers, sess)
}

// reconnectSweep retries every peer lacking a live session once per second:
// the configured URL first, then every discovered URL, stopping at the
// first successful handshake.
func (b *Broker) reconnectSweep(ctx context.Context) {
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pt := range b.state.peersWithoutSession() {
				candidates := pt.urls()
				if pt.ConnectedURL != "" {
					candidates = append([]string{pt.ConnectedURL}, candidates...)
				}
				for _, url := range candidates {
					if err := b.connectToURL(ctx, url); err == nil {
						break
					}
				}
			}
		}
	}
}
