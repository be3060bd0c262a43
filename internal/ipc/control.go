package ipc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// The Control service is declared by hand over structpb.Struct so the
// module needs no protoc step. Equivalent proto:
//
//	service Control {
//	  rpc Attach(stream google.protobuf.Struct) returns (stream google.protobuf.Struct);
//	}
const (
	controlServiceName = "tlscompat.control.v1.Control"
	attachMethod       = "/" + controlServiceName + "/Attach"
)

// ControlServer is the server API for the Control service.
type ControlServer interface {
	Attach(Control_AttachServer) error
}

// UnimplementedControlServer can be embedded to have forward compatible implementations.
type UnimplementedControlServer struct{}

func (UnimplementedControlServer) Attach(Control_AttachServer) error {
	return status.Error(codes.Unimplemented, "method Attach not implemented")
}

// RegisterControlServer registers the Control service on a gRPC server.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&Control_ServiceDesc, srv)
}

// Control_AttachServer is the server side of an Attach stream.
type Control_AttachServer interface {
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ServerStream
}

type controlAttachServer struct {
	grpc.ServerStream
}

func (x *controlAttachServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func (x *controlAttachServer) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _Control_Attach_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ControlServer).Attach(&controlAttachServer{stream})
}

// ControlClient is the client API for the Control service.
type ControlClient interface {
	Attach(ctx context.Context, opts ...grpc.CallOption) (Control_AttachClient, error)
}

type controlClient struct{ cc grpc.ClientConnInterface }

// NewControlClient wraps a connection in a ControlClient.
func NewControlClient(cc grpc.ClientConnInterface) ControlClient { return &controlClient{cc: cc} }

func (c *controlClient) Attach(ctx context.Context, opts ...grpc.CallOption) (Control_AttachClient, error) {
	stream, err := c.cc.NewStream(ctx, &Control_ServiceDesc.Streams[0], attachMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &controlAttachClient{stream}, nil
}

// Control_AttachClient is the client side of an Attach stream.
type Control_AttachClient interface {
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type controlAttachClient struct {
	grpc.ClientStream
}

func (x *controlAttachClient) Send(m *structpb.Struct) error {
	return x.ClientStream.SendMsg(m)
}

func (x *controlAttachClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Control_ServiceDesc is the grpc.ServiceDesc for the Control service.
var Control_ServiceDesc = grpc.ServiceDesc{
	ServiceName: controlServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Attach",
			Handler:       _Control_Attach_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "control.proto",
}
