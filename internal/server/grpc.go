package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/mpc-orchestrator/internal/catalog"
	"github.com/ChuLiYu/mpc-orchestrator/internal/notify"
	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

var log = slog.Default()

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mpcorch.v1.ComputationService"

// ComputationServer is the gRPC service surface. Requests and responses are
// google.protobuf.Struct values.
type ComputationServer interface {
	CreateJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitComputation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListDatasets(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListHeaders(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Subscribe(*structpb.Struct, grpc.ServerStream) error
}

type unaryCall func(ComputationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ComputationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ComputationServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes ComputationService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ComputationServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CreateJob", ComputationServer.CreateJob),
		unaryMethod("SubmitComputation", ComputationServer.SubmitComputation),
		unaryMethod("GetJob", ComputationServer.GetJob),
		unaryMethod("CloseJob", ComputationServer.CloseJob),
		unaryMethod("ListDatasets", ComputationServer.ListDatasets),
		unaryMethod("ListHeaders", ComputationServer.ListHeaders),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Subscribe",
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(ComputationServer).Subscribe(in, stream)
			},
			ServerStreams: true,
		},
	},
	Metadata: "mpcorch/v1/computation.proto",
}

// Register attaches a ComputationService backed by orch to gs.
func Register(gs *grpc.Server, orch Orchestrator) {
	gs.RegisterService(&ServiceDesc, NewGRPCService(orch))
}

// GRPCService implements ComputationServer on top of an Orchestrator.
type GRPCService struct {
	orch Orchestrator
}

// NewGRPCService creates the gRPC service.
func NewGRPCService(orch Orchestrator) *GRPCService {
	return &GRPCService{orch: orch}
}

// CreateJob handles {"netconfigId": string}.
func (s *GRPCService) CreateJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	configID := stringField(req, "netconfigId")
	job, err := s.orch.CreateJob(ctx, configID)
	if err != nil {
		return nil, toStatus(err)
	}
	return jobResponse(job)
}

// SubmitComputation handles {"jobId": string, "parameters": object}.
func (s *GRPCService) SubmitComputation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := types.JobID(stringField(req, "jobId"))
	var params map[string]interface{}
	if v, ok := req.GetFields()["parameters"]; ok {
		if sv := v.GetStructValue(); sv != nil {
			params = sv.AsMap()
		}
	}
	job, err := s.orch.SubmitComputation(ctx, id, params)
	if err != nil {
		return nil, toStatus(err)
	}
	return jobResponse(job)
}

// GetJob handles {"jobId": string}.
func (s *GRPCService) GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	job, err := s.orch.GetJob(ctx, types.JobID(stringField(req, "jobId")))
	if err != nil {
		return nil, toStatus(err)
	}
	return jobResponse(job)
}

// CloseJob handles {"jobId": string}.
func (s *GRPCService) CloseJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	job, err := s.orch.CloseJob(ctx, types.JobID(stringField(req, "jobId")))
	if err != nil {
		return nil, toStatus(err)
	}
	return jobResponse(job)
}

// ListDatasets handles {"ownerId"?: number, "prefix"?: string}.
func (s *GRPCService) ListDatasets(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	filter := catalog.Filter{NamePrefix: stringField(req, "prefix")}
	if v, ok := req.GetFields()["ownerId"]; ok {
		owner := int(v.GetNumberValue())
		filter.OwnerID = &owner
	}
	datasets, err := s.orch.ListDatasets(ctx, filter)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrap("datasets", datasets)
}

// ListHeaders handles {"ownerId": number, "name": string}.
func (s *GRPCService) ListHeaders(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var ref catalog.DatasetRef
	if err := fromValue(req.AsMap(), &ref); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad dataset reference: %v", err)
	}
	headers, err := s.orch.ListHeaders(ctx, ref)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrap("headers", headers)
}

// Subscribe streams events for {"jobId": string}.
//
// The first message is {"event": "subscribed", "job": ...} carrying the job
// at subscription time. Events follow until the job's terminal event, the
// topic is dropped, or the client goes away.
func (s *GRPCService) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	id := types.JobID(stringField(req, "jobId"))
	subID := notify.SubscriberID("grpc-" + uuid.NewString())

	sub, job, err := s.orch.Subscribe(ctx, id, subID)
	if err != nil {
		return toStatus(err)
	}
	// a stream that ends before the terminal event leaves the job unattended
	defer s.orch.Detach(id, subID)

	first, err := wrap("job", job)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	first.Fields["event"] = structpb.NewStringValue("subscribed")
	if err := stream.SendMsg(first); err != nil {
		return err
	}
	if job.Terminal() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			msg, err := toStruct(ev)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			msg.Fields["event"] = structpb.NewStringValue(string(ev.Kind))
			if err := stream.SendMsg(msg); err != nil {
				log.Debug("Subscriber stream closed", "jobID", id, "error", err)
				return err
			}
			if ev.Kind.Terminal() {
				return nil
			}
		}
	}
}

func stringField(s *structpb.Struct, key string) string {
	if v, ok := s.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func jobResponse(job types.Job) (*structpb.Struct, error) {
	out, err := wrap("job", job)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// wrap builds {key: v} as a Struct.
func wrap(key string, v interface{}) (*structpb.Struct, error) {
	raw, err := toMap(map[string]interface{}{key: v})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}
	return structpb.NewStruct(raw)
}
