// Package exchange defines the narrow capability interfaces every
// coordinator takes by constructor injection instead of reaching for a
// monkey-patched "orchestrator" reference (spec §9 redesign note). Concrete
// implementations live in sub-packages (e.g. internal/exchange/okx).
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantforge/perpscalp/internal/domain"
)

// InstrumentDetails mirrors get_instrument_details (spec §6.1).
type InstrumentDetails struct {
	CtVal    decimal.Decimal
	MinSize  decimal.Decimal
	TickSize decimal.Decimal
}

// PriceLimits mirrors get_price_limits (spec §6.1).
type PriceLimits struct {
	Current     decimal.Decimal
	BestBid     decimal.Decimal
	BestAsk     decimal.Decimal
	MaxBuyPrice decimal.Decimal
	MinSellPrice decimal.Decimal
}

// AccountConfig mirrors get_account_config (spec §6.1).
type AccountConfig struct {
	PosMode string // "long_short_mode" or "net_mode"
}

// MarginInfo mirrors get_margin_info (spec §6.1).
type MarginInfo struct {
	Equity decimal.Decimal
	Margin decimal.Decimal
	UPL    decimal.Decimal
}

// PlaceOrderRequest mirrors place_futures_order's parameters (spec §6.1).
type PlaceOrderRequest struct {
	Symbol         string
	Side           domain.Side
	Size           decimal.Decimal
	Type           domain.OrderType
	Price          decimal.Decimal
	SizeInContracts bool
	ReduceOnly     bool
	PostOnly       bool
}

// PlaceOrderResponse mirrors the {code, data:[{ordId}]} envelope (spec §6.1).
type PlaceOrderResponse struct {
	Code  string
	OrdID string
}

// Succeeded reports whether code == "0" per spec §6.1.
func (r PlaceOrderResponse) Succeeded() bool { return r.Code == "0" }

// REST is the exchange REST surface the engine consumes (spec §6.1). Every
// method takes a context so callers can bound blocking calls with per-call
// timeouts (spec §5).
type REST interface {
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetPositions(ctx context.Context, symbol string) ([]domain.Position, error)
	GetInstrumentDetails(ctx context.Context, symbol string) (InstrumentDetails, error)
	GetTicker(ctx context.Context, symbol string) (domain.Ticker, error)
	GetPriceLimits(ctx context.Context, symbol string) (PriceLimits, error)
	GetActiveOrders(ctx context.Context, symbol string) ([]domain.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	AmendOrderPrice(ctx context.Context, symbol, orderID string, price decimal.Decimal) error
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResponse, error)
	SetLeverage(ctx context.Context, symbol string, leverage int, posSide string) error
	GetAccountConfig(ctx context.Context) (AccountConfig, error)
	GetMarginInfo(ctx context.Context, symbol string) (MarginInfo, error)
}

// TickerEvent/CandleEvent/OrderBookEvent are the public-WS callback payloads
// (spec §4.10/§6.2).
type TickerEvent struct {
	Symbol string
	Ticker domain.Ticker
}

type CandleEvent struct {
	Symbol    string
	Timeframe domain.Timeframe
	Candle    domain.Candle
}

type OrderBookEvent struct {
	Symbol  string
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
}

// PositionEvent/OrderEvent/AccountEvent are the private-WS callback payloads.
type PositionEvent struct {
	Symbol   string
	Position domain.Position
	PosID    string
	Removed  bool
}

type OrderEvent struct {
	Symbol string
	Order  domain.Order
}

type AccountEvent struct {
	Margin domain.MarginSnapshot
}

// PublicWS is the public market-data WebSocket coordinator's exchange-facing
// surface (spec §4.10/§6.2).
type PublicWS interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, symbols []string, timeframes []domain.Timeframe) error
	OnTicker(func(TickerEvent))
	OnCandle(func(CandleEvent))
	OnOrderBook(func(OrderBookEvent))
	Close() error
}

// PrivateWS is the private account WebSocket coordinator's surface.
type PrivateWS interface {
	Connect(ctx context.Context) error
	Authenticate(ctx context.Context) error
	Subscribe(ctx context.Context, symbols []string) error
	OnPosition(func(PositionEvent))
	OnOrder(func(OrderEvent))
	OnAccount(func(AccountEvent))
	Close() error
}

// Clock is the narrow time dependency exchange adapters need for HMAC
// timestamp signing (spec §6.2: "timestamp = unix seconds").
type Clock interface {
	Now() time.Time
}
