package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"meridian/internal/events"
	"meridian/internal/store"
)

// ServiceName is the fully qualified name of the inspection service.
const ServiceName = "meridian.v1.Inspection"

// Full method names, as used by clients.
const (
	MethodListActiveIntents = "/" + ServiceName + "/ListActiveIntents"
	MethodListIntents       = "/" + ServiceName + "/ListIntents"
	MethodGetIntent         = "/" + ServiceName + "/GetIntent"
	MethodListRuns          = "/" + ServiceName + "/ListRuns"
	MethodStreamEvents      = "/" + ServiceName + "/StreamEvents"
)

// StateReader is the read side of the intent store.
type StateReader interface {
	ListActiveIntents(ctx context.Context) ([]store.OrderIntentRecord, error)
	ListIntents(ctx context.Context, limit int) ([]store.OrderIntentRecord, error)
	GetIntent(ctx context.Context, clientOrderID string) (*store.OrderIntentRecord, error)
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
}

var _ StateReader = (*store.SQLiteStore)(nil)

// InspectionService answers read-only queries about intents and runs and
// streams live events. Requests and responses are structpb.Struct values,
// so no generated code is needed on either side.
type InspectionService struct {
	state StateReader
	hub   *Hub
	log   *slog.Logger
}

// NewInspectionService creates the service. hub may be nil, in which case
// StreamEvents is unavailable.
func NewInspectionService(state StateReader, hub *Hub, log *slog.Logger) *InspectionService {
	if log == nil {
		log = slog.Default()
	}
	return &InspectionService{state: state, hub: hub, log: log.With("component", "inspection")}
}

// RegisterGRPC registers the service on gs.
func (s *InspectionService) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&inspectionServiceDesc, s)
}

// ListActiveIntents returns {"intents": [...]} for every intended or
// submitted intent.
func (s *InspectionService) ListActiveIntents(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	recs, err := s.state.ListActiveIntents(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "listing active intents: %v", err)
	}
	return toStruct(map[string]any{"intents": intentsPayload(recs)})
}

// ListIntents returns the most recent intents; request field "limit".
func (s *InspectionService) ListIntents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	recs, err := s.state.ListIntents(ctx, limitOf(req))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "listing intents: %v", err)
	}
	return toStruct(map[string]any{"intents": intentsPayload(recs)})
}

// GetIntent returns {"intent": {...}}; request field "client_order_id".
func (s *InspectionService) GetIntent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := strings.TrimSpace(req.GetFields()["client_order_id"].GetStringValue())
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "client_order_id is required")
	}
	rec, err := s.state.GetIntent(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, status.Errorf(codes.NotFound, "intent %s not found", id)
	case err != nil:
		return nil, status.Errorf(codes.Internal, "getting intent: %v", err)
	}
	return toStruct(map[string]any{"intent": intentPayload(*rec)})
}

// ListRuns returns the most recent runs; request field "limit".
func (s *InspectionService) ListRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	runs, err := s.state.ListRuns(ctx, limitOf(req))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "listing runs: %v", err)
	}
	out := make([]any, 0, len(runs))
	for _, r := range runs {
		syms := make([]any, 0, len(r.Symbols))
		for _, sym := range r.Symbols {
			syms = append(syms, sym)
		}
		out = append(out, map[string]any{
			"run_id":      r.RunID,
			"mode":        string(r.Mode),
			"strategy_id": r.StrategyID,
			"symbols":     syms,
			"started_at":  r.StartedAt.UTC().Format(time.RFC3339),
		})
	}
	return toStruct(map[string]any{"runs": out})
}

// StreamEvents sends every event emitted after the call, optionally
// filtered by request field "types" (a list of event types), until the
// client disconnects or the run finishes.
func (s *InspectionService) StreamEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	if s.hub == nil {
		return status.Error(codes.Unavailable, "no live event feed")
	}
	want := map[events.Type]bool{}
	for _, v := range req.GetFields()["types"].GetListValue().GetValues() {
		want[events.Type(v.GetStringValue())] = true
	}

	subID, ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(subID)
	s.log.Info("grpc client subscribed", "sub_id", subID)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("grpc client disconnected", "sub_id", subID)
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if len(want) > 0 && !want[ev.Type] {
				continue
			}
			msg, err := toStruct(ev)
			if err != nil {
				s.log.Error("encoding event", "event_type", ev.Type, "error", err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Service descriptor
// ---------------------------------------------------------------------------

type inspectionServer interface {
	ListActiveIntents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListIntents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetIntent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRuns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamEvents(*structpb.Struct, grpc.ServerStream) error
}

var _ inspectionServer = (*InspectionService)(nil)

var inspectionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*inspectionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListActiveIntents", Handler: unary(MethodListActiveIntents, inspectionServer.ListActiveIntents)},
		{MethodName: "ListIntents", Handler: unary(MethodListIntents, inspectionServer.ListIntents)},
		{MethodName: "GetIntent", Handler: unary(MethodGetIntent, inspectionServer.GetIntent)},
		{MethodName: "ListRuns", Handler: unary(MethodListRuns, inspectionServer.ListRuns)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				req := new(structpb.Struct)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(inspectionServer).StreamEvents(req, stream)
			},
		},
	},
	Metadata: "meridian/inspection",
}

// unary adapts a method expression to grpc's MethodHandler shape, the way
// protoc-gen-go-grpc output does.
func unary(fullMethod string, call func(inspectionServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(inspectionServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(inspectionServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// toStruct converts any JSON-encodable value into a structpb.Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	s := &structpb.Struct{}
	if err := s.UnmarshalJSON(b); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return s, nil
}

func limitOf(req *structpb.Struct) int {
	return int(req.GetFields()["limit"].GetNumberValue())
}

func intentsPayload(recs []store.OrderIntentRecord) []any {
	out := make([]any, 0, len(recs))
	for _, r := range recs {
		out = append(out, intentPayload(r))
	}
	return out
}

func intentPayload(r store.OrderIntentRecord) map[string]any {
	return map[string]any{
		"client_order_id": r.ClientOrderID,
		"run_id":          r.RunID,
		"symbol":          r.Symbol,
		"side":            string(r.Side),
		"qty":             r.Qty,
		"order_type":      r.OrderType,
		"status":          string(r.Status),
		"broker_order_id": r.BrokerOrderID,
		"fingerprint":     r.Fingerprint,
		"position_before": r.PositionBefore,
		"created_at":      r.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":      r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}
