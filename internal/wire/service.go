package wire

import (
	"context"

	"google.golang.org/grpc"
)

// FederatorServer is the server-side contract of the peer-to-peer wire
// protocol: StreamTopic and StreamFile.
type FederatorServer interface {
	StreamTopic(*TopicRequest, Federator_StreamTopicServer) error
	StreamFile(*FileStreamRequest, Federator_StreamFileServer) error
}

// Federator_StreamTopicServer is the server-side handle of a StreamTopic call.
type Federator_StreamTopicServer interface {
	Send(*Batch) error
	grpc.ServerStream
}

type federatorStreamTopicServer struct{ grpc.ServerStream }

func (x *federatorStreamTopicServer) Send(m *Batch) error { return x.ServerStream.SendMsg(m) }

// Federator_StreamFileServer is the server-side handle of a StreamFile call.
type Federator_StreamFileServer interface {
	Send(*Chunk) error
	grpc.ServerStream
}

type federatorStreamFileServer struct{ grpc.ServerStream }

func (x *federatorStreamFileServer) Send(m *Chunk) error { return x.ServerStream.SendMsg(m) }

func _Federator_StreamTopic_Handler(srv any, stream grpc.ServerStream) error {
	var m = new(TopicRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(FederatorServer).StreamTopic(m, &federatorStreamTopicServer{stream})
}

func _Federator_StreamFile_Handler(srv any, stream grpc.ServerStream) error {
	var m = new(FileStreamRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(FederatorServer).StreamFile(m, &federatorStreamFileServer{stream})
}

// ServiceDesc is the grpc.ServiceDesc registered by RegisterFederatorServer.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "federator.Federator",
	HandlerType: (*FederatorServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamTopic",
			Handler:       _Federator_StreamTopic_Handler,
			ServerStreams: true,
		},
		{
			StreamName:    "StreamFile",
			Handler:       _Federator_StreamFile_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "federator/wire.proto",
}

// RegisterFederatorServer registers srv on s.
func RegisterFederatorServer(s grpc.ServiceRegistrar, srv FederatorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// FederatorClient is the client-side contract of the peer-to-peer wire protocol.
type FederatorClient interface {
	StreamTopic(ctx context.Context, in *TopicRequest, opts ...grpc.CallOption) (Federator_StreamTopicClient, error)
	StreamFile(ctx context.Context, in *FileStreamRequest, opts ...grpc.CallOption) (Federator_StreamFileClient, error)
}

type federatorClient struct {
	cc grpc.ClientConnInterface
}

// NewFederatorClient constructs a FederatorClient over cc.
func NewFederatorClient(cc grpc.ClientConnInterface) FederatorClient {
	return &federatorClient{cc: cc}
}

// Federator_StreamTopicClient is the client-side handle of a StreamTopic call.
type Federator_StreamTopicClient interface {
	Recv() (*Batch, error)
	grpc.ClientStream
}

type federatorStreamTopicClient struct{ grpc.ClientStream }

func (x *federatorStreamTopicClient) Recv() (*Batch, error) {
	var m = new(Batch)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *federatorClient) StreamTopic(ctx context.Context, in *TopicRequest, opts ...grpc.CallOption) (Federator_StreamTopicClient, error) {
	var stream, err = c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/federator.Federator/StreamTopic", opts...)
	if err != nil {
		return nil, err
	}
	var x = &federatorStreamTopicClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// Federator_StreamFileClient is the client-side handle of a StreamFile call.
type Federator_StreamFileClient interface {
	Recv() (*Chunk, error)
	grpc.ClientStream
}

type federatorStreamFileClient struct{ grpc.ClientStream }

func (x *federatorStreamFileClient) Recv() (*Chunk, error) {
	var m = new(Chunk)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *federatorClient) StreamFile(ctx context.Context, in *FileStreamRequest, opts ...grpc.CallOption) (Federator_StreamFileClient, error) {
	var stream, err = c.cc.NewStream(ctx, &ServiceDesc.Streams[1], "/federator.Federator/StreamFile", opts...)
	if err != nil {
		return nil, err
	}
	var x = &federatorStreamFileClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
