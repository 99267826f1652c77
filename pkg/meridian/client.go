// Package meridian is a Go client for the meridian trader's gRPC inspection
// service.
package meridian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const service = "/meridian.v1.Inspection/"

// Intent is a persisted order intent.
type Intent struct {
	ClientOrderID  string    `json:"client_order_id"`
	RunID          string    `json:"run_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Qty            float64   `json:"qty"`
	OrderType      string    `json:"order_type"`
	Status         string    `json:"status"`
	BrokerOrderID  string    `json:"broker_order_id"`
	Fingerprint    string    `json:"fingerprint"`
	PositionBefore float64   `json:"position_before"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Active reports whether the intent still blocks duplicate orders.
func (i Intent) Active() bool {
	return i.Status == "intended" || i.Status == "submitted"
}

// Run is the metadata of one trader process run.
type Run struct {
	RunID      string    `json:"run_id"`
	Mode       string    `json:"mode"`
	StrategyID string    `json:"strategy_id"`
	Symbols    []string  `json:"symbols"`
	StartedAt  time.Time `json:"started_at"`
}

// Event is one engine event as streamed by the trader.
type Event struct {
	Time       time.Time      `json:"ts"`
	RunID      string         `json:"run_id"`
	Mode       string         `json:"mode"`
	StrategyID string         `json:"strategy_id"`
	Type       string         `json:"event_type"`
	Payload    map[string]any `json:"payload"`
}

// Client talks to a running trader.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient creates a client for addr (host:port). Without options the
// connection is plaintext.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ListActiveIntents returns every intended or submitted intent, oldest
// first.
func (c *Client) ListActiveIntents(ctx context.Context) ([]Intent, error) {
	var resp struct {
		Intents []Intent `json:"intents"`
	}
	if err := c.call(ctx, "ListActiveIntents", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Intents, nil
}

// ListIntents returns up to limit recent intents, newest first.
func (c *Client) ListIntents(ctx context.Context, limit int) ([]Intent, error) {
	var resp struct {
		Intents []Intent `json:"intents"`
	}
	if err := c.call(ctx, "ListIntents", map[string]any{"limit": limit}, &resp); err != nil {
		return nil, err
	}
	return resp.Intents, nil
}

// GetIntent returns one intent. A missing intent yields a gRPC NotFound
// status error.
func (c *Client) GetIntent(ctx context.Context, clientOrderID string) (*Intent, error) {
	var resp struct {
		Intent *Intent `json:"intent"`
	}
	if err := c.call(ctx, "GetIntent", map[string]any{"client_order_id": clientOrderID}, &resp); err != nil {
		return nil, err
	}
	if resp.Intent == nil {
		return nil, errors.New("GetIntent: empty response")
	}
	return resp.Intent, nil
}

// ListRuns returns up to limit recent runs, newest first.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	var resp struct {
		Runs []Run `json:"runs"`
	}
	if err := c.call(ctx, "ListRuns", map[string]any{"limit": limit}, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// StreamEvents calls fn for each live event whose type is in types (all
// types when empty). It blocks until ctx is cancelled, the run finishes or
// fn returns an error.
func (c *Client) StreamEvents(ctx context.Context, types []string, fn func(Event) error) error {
	stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, service+"StreamEvents")
	if err != nil {
		return fmt.Errorf("StreamEvents: %w", err)
	}
	list := make([]any, 0, len(types))
	for _, t := range types {
		list = append(list, t)
	}
	req, err := structpb.NewStruct(map[string]any{"types": list})
	if err != nil {
		return fmt.Errorf("StreamEvents: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("StreamEvents: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("StreamEvents: %w", err)
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving event: %w", err)
		}
		var ev Event
		if err := decode(msg, &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *Client) call(ctx context.Context, method string, args map[string]any, out any) error {
	req, err := structpb.NewStruct(args)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, service+method, req, resp); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return decode(resp, out)
}

func decode(s *structpb.Struct, out any) error {
	b, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
