package detection

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// AnalysisServiceName is the fully qualified gRPC service name
const AnalysisServiceName = "visionguard.analysis.v1.AnalysisService"

const analyzeMethod = "/" + AnalysisServiceName + "/Analyze"

// AnalysisServer is implemented by analysis backends served over gRPC.
// Requests and responses are google.protobuf.Struct documents.
type AnalysisServer interface {
	Analyze(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterAnalysisServer registers srv on s
func RegisterAnalysisServer(s grpc.ServiceRegistrar, srv AnalysisServer) {
	s.RegisterService(&analysisServiceDesc, srv)
}

func analyzeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AnalysisServer).Analyze(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: analyzeMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AnalysisServer).Analyze(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var analysisServiceDesc = grpc.ServiceDesc{
	ServiceName: AnalysisServiceName,
	HandlerType: (*AnalysisServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Analyze",
			Handler:    analyzeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "visionguard/analysis/v1/analysis.proto",
}
