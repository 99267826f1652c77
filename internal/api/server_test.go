package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"meridian/internal/config"
	"meridian/internal/domain"
	"meridian/internal/events"
	"meridian/internal/store"
	"meridian/internal/util"
)

func testEvent(t events.Type) events.Event {
	return events.Event{
		Time:       time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC),
		RunID:      "run-1",
		Mode:       domain.ModePaper,
		StrategyID: "sma_crossover",
		Type:       t,
		Payload:    map[string]any{"symbol": "SPY", "qty": 2.0},
	}
}

// ---------------------------------------------------------------------------
// Hub
// ---------------------------------------------------------------------------

func TestHubFanOut(t *testing.T) {
	h := NewHub(1, util.Discard())
	id1, ch1 := h.Subscribe()
	_, ch2 := h.Subscribe()
	assert.Equal(t, 2, h.Subscribers())

	require.NoError(t, h.Emit(testEvent(events.Decision)))
	assert.Equal(t, events.Decision, (<-ch1).Type)
	assert.Equal(t, events.Decision, (<-ch2).Type)

	// A full buffer drops instead of blocking.
	require.NoError(t, h.Emit(testEvent(events.OrderSubmit)))
	require.NoError(t, h.Emit(testEvent(events.OrderUpdate)))
	assert.Equal(t, events.OrderSubmit, (<-ch1).Type)
	assert.Len(t, ch1, 0)

	h.Unsubscribe(id1)
	_, ok := <-ch1
	assert.False(t, ok)
	assert.Equal(t, 1, h.Subscribers())

	require.NoError(t, h.Close())
	<-ch2 // buffered OrderSubmit
	_, ok = <-ch2
	assert.False(t, ok)
	require.NoError(t, h.Emit(testEvent(events.RunFinished)))

	_, late := h.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribing to a closed hub yields a closed channel")
}

func TestHubAsEngineSink(t *testing.T) {
	h := NewHub(8, util.Discard())
	mem := &events.MemorySink{}
	sink := events.MultiSink{mem, h}
	_, ch := h.Subscribe()

	require.NoError(t, sink.Emit(testEvent(events.RunStarted)))
	require.NoError(t, sink.Close())
	assert.True(t, mem.Closed())
	assert.Equal(t, events.RunStarted, (<-ch).Type)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestWebsocketFeed(t *testing.T) {
	h := NewHub(8, util.Discard())
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.Emit(testEvent(events.OrderUpdate)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, "order_update", got["event_type"])
	assert.Equal(t, "run-1", got["run_id"])
	assert.Equal(t, "SPY", got["payload"].(map[string]any)["symbol"])

	require.NoError(t, h.Close())
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestServerHandler(t *testing.T) {
	s := NewServer(config.Server{Host: "127.0.0.1"}, NewHub(0, nil), nil, util.Discard())
	assert.False(t, s.Enabled())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	s = NewServer(config.Server{Host: "127.0.0.1", WSPort: 8081, GRPCPort: 9090}, NewHub(0, nil), nil, util.Discard())
	assert.True(t, s.Enabled())
	assert.Empty(t, s.grpcAddr, "gRPC needs a state reader")
	assert.Equal(t, "127.0.0.1:8081", s.httpAddr)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	s := NewServer(config.Server{}, nil, nil, util.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.ListenAndServe(ctx))
}

// ---------------------------------------------------------------------------
// gRPC inspection
// ---------------------------------------------------------------------------

func seededStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.RecordRun(ctx, store.Run{RunID: "run-1", Mode: domain.ModePaper, StrategyID: "momentum", Symbols: []string{"SPY", "QQQ"}}))
	require.NoError(t, st.SaveIntendedOrder(ctx, "run-1", domain.OrderRequest{Symbol: "SPY", Qty: 2, Side: domain.OrderSideBuy, OrderType: "market", ClientOrderID: "c-1"}, 0))
	require.NoError(t, st.SaveIntendedOrder(ctx, "run-1", domain.OrderRequest{Symbol: "QQQ", Qty: 1, Side: domain.OrderSideSell, OrderType: "market", ClientOrderID: "c-2"}, 3))
	require.NoError(t, st.MarkSubmitted(ctx, "c-2", "b-2", "filled"))
	return st
}

func startInspection(t *testing.T, svc *InspectionService) *grpc.ClientConn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	svc.RegisterGRPC(gs)
	go gs.Serve(ln)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestInspectionQueries(t *testing.T) {
	ctx := context.Background()
	conn := startInspection(t, NewInspectionService(seededStore(t), nil, util.Discard()))

	out := new(structpb.Struct)
	require.NoError(t, conn.Invoke(ctx, MethodListActiveIntents, &structpb.Struct{}, out))
	intents := out.AsMap()["intents"].([]any)
	require.Len(t, intents, 1)
	first := intents[0].(map[string]any)
	assert.Equal(t, "c-1", first["client_order_id"])
	assert.Equal(t, "intended", first["status"])
	assert.Equal(t, 2.0, first["qty"])

	req, err := structpb.NewStruct(map[string]any{"limit": 10})
	require.NoError(t, err)
	out = new(structpb.Struct)
	require.NoError(t, conn.Invoke(ctx, MethodListIntents, req, out))
	assert.Len(t, out.AsMap()["intents"], 2)

	req, err = structpb.NewStruct(map[string]any{"client_order_id": "c-2"})
	require.NoError(t, err)
	out = new(structpb.Struct)
	require.NoError(t, conn.Invoke(ctx, MethodGetIntent, req, out))
	intent := out.AsMap()["intent"].(map[string]any)
	assert.Equal(t, "filled", intent["status"])
	assert.Equal(t, "b-2", intent["broker_order_id"])
	assert.Equal(t, 3.0, intent["position_before"])

	out = new(structpb.Struct)
	require.NoError(t, conn.Invoke(ctx, MethodListRuns, &structpb.Struct{}, out))
	runs := out.AsMap()["runs"].([]any)
	require.Len(t, runs, 1)
	run := runs[0].(map[string]any)
	assert.Equal(t, "momentum", run["strategy_id"])
	assert.Equal(t, []any{"SPY", "QQQ"}, run["symbols"])
}

func TestInspectionErrors(t *testing.T) {
	ctx := context.Background()
	conn := startInspection(t, NewInspectionService(seededStore(t), nil, util.Discard()))

	req, err := structpb.NewStruct(map[string]any{"client_order_id": "nope"})
	require.NoError(t, err)
	err = conn.Invoke(ctx, MethodGetIntent, req, new(structpb.Struct))
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = conn.Invoke(ctx, MethodGetIntent, &structpb.Struct{}, new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, MethodStreamEvents)
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(&structpb.Struct{}))
	require.NoError(t, stream.CloseSend())
	err = stream.RecvMsg(new(structpb.Struct))
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestInspectionStreamEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub := NewHub(8, util.Discard())
	conn := startInspection(t, NewInspectionService(seededStore(t), hub, util.Discard()))

	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, MethodStreamEvents)
	require.NoError(t, err)
	req, err := structpb.NewStruct(map[string]any{"types": []any{"order_update"}})
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(req))
	require.NoError(t, stream.CloseSend())

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Emit(testEvent(events.Decision)))
	require.NoError(t, hub.Emit(testEvent(events.OrderUpdate)))

	msg := new(structpb.Struct)
	require.NoError(t, stream.RecvMsg(msg))
	got := msg.AsMap()
	assert.Equal(t, "order_update", got["event_type"], "decision is filtered out")
	assert.Equal(t, "SPY", got["payload"].(map[string]any)["symbol"])

	require.NoError(t, hub.Close())
	assert.Error(t, stream.RecvMsg(new(structpb.Struct)), "stream ends when the hub closes")
}
