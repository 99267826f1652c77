// Package domain defines the value types shared by the execution engine,
// brokers, strategies and the intent store.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how a run is wired: simulated fills or a real broker.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
)

// IsLive reports whether the mode talks to a real broker (paper or live
// endpoint). Live modes get startup reconciliation and a durable store.
func (m Mode) IsLive() bool {
	return m == ModePaper || m == ModeLive
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// ParseOrderSide maps a broker side string onto an OrderSide. Anything that
// is not "sell" is treated as a buy.
func ParseOrderSide(s string) OrderSide {
	if strings.EqualFold(strings.TrimSpace(s), string(OrderSideSell)) {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() float64 {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

// Defaults for order requests produced by the target resolver.
const (
	OrderTypeMarket  = "market"
	TimeInForceDay   = "day"
	TimeInForceGTC   = "gtc"
	DefaultOrderType = OrderTypeMarket
)

// Bar is a single OHLCV bar. Series are always ordered by ascending
// Timestamp.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// Position is the signed holding for one symbol. Negative quantities are
// short positions; zero means flat.
type Position struct {
	Symbol string
	Qty    float64
}

// PortfolioSnapshot is an immutable view of the account taken once per
// cycle.
type PortfolioSnapshot struct {
	Cash        float64
	Equity      float64
	BuyingPower float64
	Positions   map[string]Position
}

// PositionQty returns the signed quantity held in symbol, or zero.
func (p PortfolioSnapshot) PositionQty(symbol string) float64 {
	return PositionQty(p.Positions, symbol)
}

// PositionQty returns the signed quantity for symbol in positions, or zero
// when the symbol is not held.
func PositionQty(positions map[string]Position, symbol string) float64 {
	if pos, ok := positions[symbol]; ok {
		return pos.Qty
	}
	return 0
}

// Order is an open order as reported by a broker.
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Qty           float64
	Status        string
}

// OrderRequest is an order the engine wants the broker to execute. Qty is
// always positive; Side carries the direction.
type OrderRequest struct {
	Symbol        string
	Qty           float64
	Side          OrderSide
	OrderType     string
	TimeInForce   string
	ClientOrderID string
}

// SignedQty returns Qty with the sign of Side.
func (o OrderRequest) SignedQty() float64 {
	return o.Side.Sign() * o.Qty
}

// String renders the request as SYMBOL:side:qty for log lines.
func (o OrderRequest) String() string {
	return fmt.Sprintf("%s:%s:%g", o.Symbol, o.Side, o.Qty)
}

// OrderReceipt is the broker's acknowledgement of a submitted order.
type OrderReceipt struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Qty           float64
	Status        string
	Raw           map[string]any
}

// RiskLimits are the per-cycle constraints applied by the risk gate.
type RiskLimits struct {
	MaxAbsPositionPerSymbol float64
	AllowShort              bool
}

// Validate reports limits that cannot be enforced.
func (l RiskLimits) Validate() error {
	if l.MaxAbsPositionPerSymbol <= 0 {
		return fmt.Errorf("max_abs_position_per_symbol must be positive, got %g", l.MaxAbsPositionPerSymbol)
	}
	return nil
}

// NormalizeSymbol upper-cases and trims a symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SymbolKey is the identity used to match the same instrument spelled
// two ways, e.g. "eth/usd" and "ETHUSD". Pair separators are dropped.
func SymbolKey(symbol string) string {
	return strings.NewReplacer("/", "", "-", "").Replace(NormalizeSymbol(symbol))
}

// NormalizeSymbols upper-cases, trims and de-duplicates symbols while
// preserving their first-seen order. Empty entries are dropped.
func NormalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, raw := range symbols {
		sym := NormalizeSymbol(raw)
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}
