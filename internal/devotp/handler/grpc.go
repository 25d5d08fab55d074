// Package handler implements the dev-only gRPC DevService (GetDeliveredChallenge).
package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"mfa-auth-engine/internal/devotp"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mfa.dev.v1.DevService"

const devNote = "DEV MODE ONLY"

// DevServiceServer is the server API for DevService.
type DevServiceServer interface {
	GetDeliveredChallenge(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Server implements DevService. Only registered when the dev challenge store is enabled and not production.
type Server struct {
	store devotp.Store
}

// NewServer returns a DevService server that reads delivered challenges from the given store.
func NewServer(store devotp.Store) *Server {
	return &Server{store: store}
}

// GetDeliveredChallenge returns the payload delivered for transaction_id. Returns NotFound if missing or expired.
func (s *Server) GetDeliveredChallenge(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	txID := req.GetFields()["transaction_id"].GetStringValue()
	if txID == "" {
		return nil, status.Error(codes.InvalidArgument, "transaction_id is required")
	}
	payload, ok := s.store.Get(ctx, txID)
	if !ok {
		return nil, status.Error(codes.NotFound, "challenge not found or expired")
	}
	return structpb.NewStruct(map[string]interface{}{
		"payload": payload,
		"note":    devNote,
	})
}

// RegisterDevServiceServer registers srv with s.
func RegisterDevServiceServer(s grpc.ServiceRegistrar, srv DevServiceServer) {
	s.RegisterService(&DevServiceDesc, srv)
}

func getDeliveredChallengeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DevServiceServer).GetDeliveredChallenge(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetDeliveredChallenge"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DevServiceServer).GetDeliveredChallenge(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// DevServiceDesc is the grpc.ServiceDesc for DevService.
var DevServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DevServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetDeliveredChallenge", Handler: getDeliveredChallengeHandler},
	},
	Streams: []grpc.StreamDesc{},
}
