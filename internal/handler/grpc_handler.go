package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-records-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-records-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-records-workflow/internal/service"
)

// WorkflowServiceName is the fully-qualified gRPC service name.
const WorkflowServiceName = "records.workflow.v1.WorkflowService"

// WorkflowServiceServer is the server API for the workflow service. Messages
// are google.protobuf.Struct documents carrying the same fields as the JSON
// API.
type WorkflowServiceServer interface {
	SubmitRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Act(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddNote(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Resync(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unaryMethod(name string, call func(WorkflowServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + WorkflowServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(WorkflowServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(WorkflowServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// WorkflowServiceDesc describes the workflow service for grpc.Server.
var WorkflowServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkflowServiceName,
	HandlerType: (*WorkflowServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("SubmitRequest", WorkflowServiceServer.SubmitRequest),
		unaryMethod("Act", WorkflowServiceServer.Act),
		unaryMethod("AddNote", WorkflowServiceServer.AddNote),
		unaryMethod("GetHistory", WorkflowServiceServer.GetHistory),
		unaryMethod("Resync", WorkflowServiceServer.Resync),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "records/workflow/v1/workflow.proto",
}

// RegisterWorkflowServiceServer registers srv on s.
func RegisterWorkflowServiceServer(s grpc.ServiceRegistrar, srv WorkflowServiceServer) {
	s.RegisterService(&WorkflowServiceDesc, srv)
}

// GRPCHandler implements the WorkflowService gRPC interface
type GRPCHandler struct {
	engine *service.Engine
	admin  *service.WorkflowAdminService
	log    *logger.Logger
}

var _ WorkflowServiceServer = (*GRPCHandler)(nil)

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(engine *service.Engine, admin *service.WorkflowAdminService, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		engine: engine,
		admin:  admin,
		log:    log.With("handler", "grpc"),
	}
}

// actorFromMetadata reads the actor forwarded by the gateway.
func actorFromMetadata(ctx context.Context) service.Actor {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return service.Actor{}
	}
	actor := service.Actor{}
	if v := md.Get(strings.ToLower(HeaderActorID)); len(v) > 0 {
		actor.ID = strings.TrimSpace(v[0])
	}
	if v := md.Get(strings.ToLower(HeaderActorRoles)); len(v) > 0 {
		actor.Roles = splitRoles(strings.Join(v, ","))
	}
	return actor
}

// SubmitRequest routes a newly submitted request.
func (h *GRPCHandler) SubmitRequest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	requestID := str(req, "request_id")
	h.log.Info().Str("request_id", requestID).Msg("gRPC SubmitRequest called")

	res, err := h.engine.SubmitRequest(ctx, requestID, str(req, "category"))
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toSubmitView(res))
}

// Act applies a reviewer decision.
func (h *GRPCHandler) Act(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	assignmentID := str(req, "assignment_id")
	actor := actorFromMetadata(ctx)
	h.log.Info().
		Str("assignment_id", assignmentID).
		Str("actor_id", actor.ID).
		Msg("gRPC Act called")

	action, err := service.ParseAction(str(req, "action"))
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}

	var signature *string
	if v, ok := req.GetFields()["signature"]; ok {
		if _, isNull := v.GetKind().(*structpb.Value_NullValue); !isNull {
			data, err := protojson.Marshal(v)
			if err != nil {
				return nil, mapErrorToGRPC(errors.InvalidInput("signature", err.Error()))
			}
			s := string(data)
			signature = &s
		}
	}

	res, err := h.engine.Act(ctx, assignmentID, actor, action, str(req, "comment"), signature)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toActView(res))
}

// AddNote appends a note to a request's history.
func (h *GRPCHandler) AddNote(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	comment := str(req, "comment")
	if strings.TrimSpace(comment) == "" {
		return nil, mapErrorToGRPC(errors.InvalidInput("comment", "required"))
	}

	entry, err := h.engine.AddNote(ctx, str(req, "request_id"), actorFromMetadata(ctx).ID, comment)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toNoteView(entry))
}

// GetHistory returns the reconciled history.
func (h *GRPCHandler) GetHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	events, err := h.engine.GetHistory(ctx, str(req, "request_id"))
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]interface{}{"events": events})
}

// Resync rebuilds the pending assignments of a category.
func (h *GRPCHandler) Resync(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	report, err := h.admin.Resync(ctx, actorFromMetadata(ctx), str(req, "category"))
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(report)
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

// toStruct converts a JSON-tagged value to a Struct through its JSON form.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, mapErrorToGRPC(fmt.Errorf("encode response: %w", err))
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, mapErrorToGRPC(fmt.Errorf("encode response: %w", err))
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, mapErrorToGRPC(fmt.Errorf("encode response: %w", err))
	}
	return out, nil
}

// UnaryLoggingInterceptor logs every unary call with its outcome.
func UnaryLoggingInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		ev := log.Info()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC request")
		return resp, err
	}
}
