package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"meridian/internal/domain"
	"meridian/internal/util"
)

// Compile-time interface checks.
var (
	_ Broker            = (*AlpacaBroker)(nil)
	_ OrderStatusGetter = (*AlpacaBroker)(nil)
	_ PositionCloser    = (*AlpacaBroker)(nil)
	_ ShortableChecker  = (*AlpacaBroker)(nil)
	_ SymbolNormalizer  = (*AlpacaBroker)(nil)
)

// alpacaAPI is the subset of *alpaca.Client used by AlpacaBroker.
type alpacaAPI interface {
	GetAccount() (*alpaca.Account, error)
	GetPositions() ([]alpaca.Position, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	CloseAllPositions(req alpaca.CloseAllPositionsRequest) ([]alpaca.Order, error)
}

// AlpacaBroker implements Broker against the Alpaca trading API (paper or
// live endpoint, selected by baseURL).
type AlpacaBroker struct {
	client  alpacaAPI
	limiter *util.RateLimiter
	log     *slog.Logger
}

// NewAlpacaBroker creates an AlpacaBroker configured with the given
// credentials and API endpoint. requestsPerMin paces every API call.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, requestsPerMin int) *AlpacaBroker {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	return newAlpacaBroker(client, requestsPerMin)
}

func newAlpacaBroker(client alpacaAPI, requestsPerMin int) *AlpacaBroker {
	if requestsPerMin <= 0 {
		requestsPerMin = 200
	}
	return &AlpacaBroker{
		client:  client,
		limiter: util.NewRateLimiter(requestsPerMin),
		log:     slog.Default().With("broker", "alpaca"),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// GetPortfolio returns account balances plus current positions.
func (b *AlpacaBroker) GetPortfolio(ctx context.Context) (domain.PortfolioSnapshot, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.PortfolioSnapshot{}, err
	}
	acct, err := b.client.GetAccount()
	if err != nil {
		return domain.PortfolioSnapshot{}, fmt.Errorf("GetAccount: %w", err)
	}
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return domain.PortfolioSnapshot{}, err
	}

	cash := acct.Cash.InexactFloat64()
	equity := acct.Equity.InexactFloat64()
	if acct.Equity.IsZero() {
		equity = cash
	}
	buyingPower := acct.BuyingPower.InexactFloat64()
	if acct.BuyingPower.IsZero() {
		buyingPower = cash
	}
	return domain.PortfolioSnapshot{
		Cash:        cash,
		Equity:      equity,
		BuyingPower: buyingPower,
		Positions:   positions,
	}, nil
}

// GetPositions returns all positions keyed by upper-case symbol. Short
// positions carry a negative quantity.
func (b *AlpacaBroker) GetPositions(ctx context.Context) (map[string]domain.Position, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := b.client.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("GetPositions: %w", err)
	}
	out := make(map[string]domain.Position, len(raw))
	for _, p := range raw {
		sym := domain.NormalizeSymbol(p.Symbol)
		qty := p.Qty.Abs().InexactFloat64()
		if strings.EqualFold(p.Side, "short") {
			qty = -qty
		}
		out[sym] = domain.Position{Symbol: sym, Qty: qty}
	}
	return out, nil
}

// Open orders are paged newest first. Alpaca caps a page at 500.
const (
	openOrdersPageSize = 500
	openOrdersMaxPages = 40
)

// GetOpenOrders returns every open order, newest first. Pages overlap by a
// millisecond so orders sharing a submission time are never skipped;
// repeats are dropped by ID.
func (b *AlpacaBroker) GetOpenOrders(ctx context.Context) ([]domain.Order, error) {
	var (
		out   []domain.Order
		seen  = make(map[string]bool)
		until time.Time
	)
	for page := 0; page < openOrdersMaxPages; page++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		raw, err := b.client.GetOrders(alpaca.GetOrdersRequest{
			Status:    "open",
			Limit:     openOrdersPageSize,
			Until:     until,
			Direction: "desc",
		})
		if err != nil {
			return nil, fmt.Errorf("GetOrders: %w", err)
		}
		added := 0
		for _, o := range raw {
			if seen[o.ID] {
				continue
			}
			seen[o.ID] = true
			added++
			var qty float64
			if o.Qty != nil {
				qty = o.Qty.InexactFloat64()
			}
			out = append(out, domain.Order{
				ID:            o.ID,
				ClientOrderID: o.ClientOrderID,
				Symbol:        domain.NormalizeSymbol(o.Symbol),
				Side:          domain.ParseOrderSide(string(o.Side)),
				Qty:           qty,
				Status:        o.Status,
			})
		}
		if len(raw) < openOrdersPageSize || added == 0 {
			return out, nil
		}
		until = raw[len(raw)-1].SubmittedAt.Add(time.Millisecond)
	}
	return out, fmt.Errorf("GetOrders: more than %d open orders", openOrdersPageSize*openOrdersMaxPages)
}

// SubmitOrders places each order in turn. On failure it returns the
// receipts collected so far together with the error so the caller can still
// record the orders that did reach the broker. Submissions are never retried
// here: a failed placement is left for reconciliation.
func (b *AlpacaBroker) SubmitOrders(ctx context.Context, orders []domain.OrderRequest) ([]domain.OrderReceipt, error) {
	receipts := make([]domain.OrderReceipt, 0, len(orders))
	for _, o := range orders {
		if err := b.limiter.Wait(ctx); err != nil {
			return receipts, err
		}
		qty := decimal.NewFromFloat(o.Qty)
		req := alpaca.PlaceOrderRequest{
			Symbol:        NormalizeAlpacaSymbol(o.Symbol),
			Qty:           &qty,
			Side:          alpacaSide(o.Side),
			Type:          alpaca.OrderType(orDefault(o.OrderType, domain.OrderTypeMarket)),
			TimeInForce:   alpaca.TimeInForce(resolveTimeInForce(o)),
			ClientOrderID: o.ClientOrderID,
		}
		placed, err := b.client.PlaceOrder(req)
		if err != nil {
			return receipts, fmt.Errorf("PlaceOrder %s: %w", o, err)
		}
		receipts = append(receipts, receiptFromOrder(placed, o))
	}
	return receipts, nil
}

// GetOrderStatus returns the lower-case Alpaca status of a single order.
func (b *AlpacaBroker) GetOrderStatus(ctx context.Context, brokerOrderID string) (string, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return "", err
	}
	o, err := b.client.GetOrder(brokerOrderID)
	if err != nil {
		return "", fmt.Errorf("GetOrder %s: %w", brokerOrderID, err)
	}
	return strings.ToLower(strings.TrimSpace(o.Status)), nil
}

// CloseAllPositions asks Alpaca to flatten every position server-side,
// optionally cancelling open orders first. Fractional crypto positions are
// closed exactly this way.
func (b *AlpacaBroker) CloseAllPositions(ctx context.Context, cancelOrders bool) ([]domain.OrderReceipt, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	orders, err := b.client.CloseAllPositions(alpaca.CloseAllPositionsRequest{CancelOrders: cancelOrders})
	if err != nil {
		return nil, fmt.Errorf("CloseAllPositions: %w", err)
	}
	out := make([]domain.OrderReceipt, 0, len(orders))
	for i := range orders {
		out = append(out, receiptFromOrder(&orders[i], domain.OrderRequest{}))
	}
	return out, nil
}

// NonShortable reports the crypto pairs among symbols; Alpaca does not
// support shorting crypto.
func (b *AlpacaBroker) NonShortable(symbols []string) map[string]bool {
	out := make(map[string]bool)
	for _, s := range symbols {
		if IsCryptoSymbol(s) {
			out[domain.NormalizeSymbol(s)] = true
		}
	}
	return out
}

// NormalizeSymbol maps a configured symbol to Alpaca's compact spelling.
func (b *AlpacaBroker) NormalizeSymbol(symbol string) string {
	return NormalizeAlpacaSymbol(symbol)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// NormalizeAlpacaSymbol strips separators and maps USDT quotes to USD, e.g.
// "btc/usdt" becomes "BTCUSD".
func NormalizeAlpacaSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("/", "", "-", "").Replace(s)
	if strings.HasSuffix(s, "USDT") && len(s) >= 7 {
		return strings.TrimSuffix(s, "USDT") + "USD"
	}
	return s
}

// IsCryptoSymbol reports whether symbol looks like a USD-quoted crypto pair.
func IsCryptoSymbol(symbol string) bool {
	s := NormalizeAlpacaSymbol(symbol)
	return strings.HasSuffix(s, "USD") && len(s) >= 6
}

// resolveTimeInForce defaults to "day" and upgrades it to "gtc" for crypto,
// which Alpaca does not accept with "day".
func resolveTimeInForce(o domain.OrderRequest) string {
	tif := orDefault(o.TimeInForce, domain.TimeInForceDay)
	if IsCryptoSymbol(o.Symbol) && strings.EqualFold(tif, domain.TimeInForceDay) {
		return domain.TimeInForceGTC
	}
	return tif
}

func alpacaSide(s domain.OrderSide) alpaca.Side {
	if s == domain.OrderSideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// receiptFromOrder converts an Alpaca order into a receipt, falling back to
// the request for fields Alpaca left empty.
func receiptFromOrder(o *alpaca.Order, req domain.OrderRequest) domain.OrderReceipt {
	qty := req.Qty
	if o.Qty != nil {
		qty = o.Qty.InexactFloat64()
	}
	symbol := req.Symbol
	if o.Symbol != "" {
		symbol = domain.NormalizeSymbol(o.Symbol)
	}
	clientID := o.ClientOrderID
	if clientID == "" {
		clientID = req.ClientOrderID
	}
	side := req.Side
	if o.Side != "" {
		side = domain.ParseOrderSide(string(o.Side))
	}

	raw := map[string]any{
		"id":     o.ID,
		"status": o.Status,
	}
	if o.FilledAvgPrice != nil {
		raw["filled_avg_price"] = o.FilledAvgPrice.InexactFloat64()
	}
	if o.FilledQty.IsPositive() {
		raw["filled_qty"] = o.FilledQty.InexactFloat64()
	}
	if !o.SubmittedAt.IsZero() {
		raw["submitted_at"] = o.SubmittedAt.Format(time.RFC3339Nano)
	}
	if o.FilledAt != nil {
		raw["filled_at"] = o.FilledAt.Format(time.RFC3339Nano)
	}
	if !o.UpdatedAt.IsZero() {
		raw["updated_at"] = o.UpdatedAt.Format(time.RFC3339Nano)
	}

	return domain.OrderReceipt{
		OrderID:       o.ID,
		ClientOrderID: clientID,
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		Status:        orDefault(o.Status, "submitted"),
		Raw:           raw,
	}
}
