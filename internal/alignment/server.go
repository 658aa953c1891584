package alignment

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// OffsetsServer is the server side of the alignment service.
type OffsetsServer interface {
	EstimateOffsets(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type server struct {
	estimator Estimator
}

func (s *server) EstimateOffsets(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	field, seasons, err := decodeRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	offsets, err := s.estimator.EstimateOffsets(ctx, field, seasons)
	if err != nil {
		if errors.Is(err, ErrUnknownSeason) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}

	resp, err := encodeOffsets(offsets)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

func estimateOffsetsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OffsetsServer).EstimateOffsets(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: estimateOffsetsPath,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OffsetsServer).EstimateOffsets(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OffsetsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "EstimateOffsets",
			Handler:    estimateOffsetsHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "alignment.proto",
}

// RegisterServer exposes est as the alignment service on s.
func RegisterServer(s grpc.ServiceRegistrar, est Estimator) {
	s.RegisterService(&serviceDesc, &server{estimator: est})
}
