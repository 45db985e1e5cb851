package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ReplicationServer is implemented by the broker side that accepts inbound
// streams (internal/replication.Broker).
type ReplicationServer interface {
	Exchange(ReplicationExchangeServer) error
}

// ReplicationExchangeServer is the server-side view of the single
// bidirectional-streaming RPC: Exchange(stream Packet) returns (stream Packet).
type ReplicationExchangeServer interface {
	Send(*Packet) error
	Recv() (*Packet, error)
	Context() context.Context
}

type replicationExchangeServer struct {
	grpc.ServerStream
}

func (s *replicationExchangeServer) Send(p *Packet) error { return s.ServerStream.SendMsg(p) }
func (s *replicationExchangeServer) Recv() (*Packet, error) {
	p := new(Packet)
	if err := s.ServerStream.RecvMsg(p); err != nil {
		return nil, err
	}
	return p, nil
}

func exchangeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ReplicationServer).Exchange(&replicationExchangeServer{ServerStream: stream})
}

// ReplicationServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would generate for a service with one bidi-streaming method named Exchange.
var ReplicationServiceDesc = grpc.ServiceDesc{
	ServiceName: "replication.Replication",
	HandlerType: (*ReplicationServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "replication.proto",
}

// RegisterReplicationServer wires impl into server using ReplicationServiceDesc.
// It does not set the codec: build the server with ServerForceCodecOption so
// that no protoc-generated message types are required.
func RegisterReplicationServer(s *grpc.Server, impl ReplicationServer) {
	s.RegisterService(&ReplicationServiceDesc, impl)
}

// ReplicationClient is the dialer-side handle to the Exchange stream.
type ReplicationClient interface {
	Exchange(ctx context.Context, opts ...grpc.CallOption) (ReplicationExchangeClient, error)
}

// ReplicationExchangeClient is the client-side view of the bidi stream.
type ReplicationExchangeClient interface {
	Send(*Packet) error
	Recv() (*Packet, error)
	CloseSend() error
	Context() context.Context
}

type replicationClient struct {
	cc grpc.ClientConnInterface
}

// NewReplicationClient builds a client bound to cc, using the JSON codec.
func NewReplicationClient(cc grpc.ClientConnInterface) ReplicationClient {
	return &replicationClient{cc: cc}
}

func (c *replicationClient) Exchange(ctx context.Context, opts ...grpc.CallOption) (ReplicationExchangeClient, error) {
	opts = append(opts, grpc.ForceCodec(jsonCodec{}))
	stream, err := c.cc.NewStream(ctx, &ReplicationServiceDesc.Streams[0], "/replication.Replication/Exchange", opts...)
	if err != nil {
		return nil, err
	}
	return &replicationExchangeClient{ClientStream: stream}, nil
}

type replicationExchangeClient struct {
	grpc.ClientStream
}

func (c *replicationExchangeClient) Send(p *Packet) error { return c.ClientStream.SendMsg(p) }
func (c *replicationExchangeClient) Recv() (*Packet, error) {
	p := new(Packet)
	if err := c.ClientStream.RecvMsg(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ServerForceCodecOption returns the grpc.ServerOption that forces the JSON
// codec for every service registered on the server — the server-side
// counterpart to ForceCodec on the client.
func ServerForceCodecOption() grpc.ServerOption {
	return grpc.ForceServerCodec(jsonCodec{})
}
