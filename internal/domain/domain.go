// Package domain provides the shared type definitions for the perpetual-futures
// scalping engine: symbols, candles, tickers, regimes, balances, positions, orders
// and trailing-stop state. Every money, price or size field uses decimal.Decimal —
// float64 cannot guarantee the exact invariants the registries rely on (§3).
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is long or short for a position, or buy/sell for an order.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
	SideBuy   Side = "buy"
	SideSell  Side = "sell"
)

// Regime is the market-state classification driving adaptive parameters.
type Regime string

const (
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
	RegimeChoppy   Regime = "choppy"
	RegimeUnknown  Regime = "unknown"
)

// BalanceProfile buckets account equity for sizing/risk lookups.
type BalanceProfile string

const (
	ProfileSmall  BalanceProfile = "small"
	ProfileMedium BalanceProfile = "medium"
	ProfileLarge  BalanceProfile = "large"
)

// Timeframe is a candle interval.
type Timeframe string

const (
	Timeframe1m Timeframe = "1m"
	Timeframe5m Timeframe = "5m"
	Timeframe1h Timeframe = "1H"
	Timeframe1d Timeframe = "1D"
)

// OrderType mirrors the exchange order types the engine places.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderState is the lifecycle state of a tracked limit order (§4.5).
type OrderState string

const (
	OrderStateLive            OrderState = "live"
	OrderStatePartiallyFilled OrderState = "partially_filled"
	OrderStateFilled          OrderState = "filled"
	OrderStateCancelled       OrderState = "cancelled"
	OrderStateAmended         OrderState = "amended"
)

// IsTerminal reports whether the order state can no longer transition.
func (s OrderState) IsTerminal() bool {
	return s == OrderStateFilled || s == OrderStateCancelled
}

// ExitReason enumerates every close/partial-close reason the journal records (§6.3).
type ExitReason string

const (
	ExitTP                     ExitReason = "tp"
	ExitSL                     ExitReason = "sl"
	ExitTrailingStop           ExitReason = "trailing_stop"
	ExitLossCut                ExitReason = "loss_cut"
	ExitTimeout                ExitReason = "timeout"
	ExitMaxHoldingTime         ExitReason = "max_holding_time"
	ExitProfitHarvest          ExitReason = "profit_harvest"
	ExitBigProfitExit          ExitReason = "big_profit_exit"
	ExitEmergencyLossProtect   ExitReason = "emergency_loss_protection"
	ExitSmartIndicatorFilter   ExitReason = "smart_indicator_filter"
	ExitManual                 ExitReason = "manual"
	ExitOppositePositionOnLoad ExitReason = "opposite_position_on_load"
)

// Symbol describes a tradable instrument and its exchange-reported constants.
// Immutable for the session once loaded (§3).
type Symbol struct {
	Instrument string
	CtVal      decimal.Decimal // coins per contract
	MinSize    decimal.Decimal // minimum order size, in coins
	TickSize   decimal.Decimal
	Leverage   int
}

// Candle is one OHLCV bar; Timestamp is held as a time.Time.
type Candle struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Valid reports whether the candle satisfies the OHLC ordering invariant (§3).
func (c Candle) Valid() bool {
	return c.Low.LessThanOrEqual(c.Open) && c.Open.LessThanOrEqual(c.High) &&
		c.Low.LessThanOrEqual(c.Close) && c.Close.LessThanOrEqual(c.High)
}

// Ticker is the latest best-bid/ask/mark snapshot for a symbol.
type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Mark      decimal.Decimal
	Timestamp time.Time
}

// Valid reports the best_bid <= last <= best_ask invariant when both sides are present.
func (t Ticker) Valid() bool {
	if t.BestBid.IsZero() || t.BestAsk.IsZero() {
		return true
	}
	return t.BestBid.LessThanOrEqual(t.Last) && t.Last.LessThanOrEqual(t.BestAsk)
}

// Balance is the account equity snapshot and its derived profile.
type Balance struct {
	Equity    decimal.Decimal
	Profile   BalanceProfile
	UpdatedAt time.Time
}

// MarginSnapshot is the account-level margin usage snapshot.
type MarginSnapshot struct {
	Used      decimal.Decimal
	Available decimal.Decimal
	Total     decimal.Decimal
	UpdatedAt time.Time
}

// Position is the authoritative exchange-reported position record.
type Position struct {
	Symbol        string
	Side          Side
	SizeContracts decimal.Decimal
	SizeCoins     decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	Leverage      int
	UnrealizedPnL decimal.Decimal
	Margin        decimal.Decimal
	OpenTime      time.Time // exchange-reported creation time (cTime)
	UpdateTime    time.Time
	ADLRank       int
}

// ScalingEvent records one addition to a position's size (spec §8: append-only,
// capped at max_additions per balance profile).
type ScalingEvent struct {
	Timestamp time.Time
	SizeAdded decimal.Decimal
	Price     decimal.Decimal
}

// PositionMetadata is engine-owned bookkeeping for a position, created once at
// entry/registration and immutable in its entry fields thereafter (§3, §4.2).
type PositionMetadata struct {
	EntryTime          time.Time // set exactly once
	RegimeAtEntry       Regime
	BalanceProfile       BalanceProfile
	TPPercent            decimal.Decimal
	SLPercent            decimal.Decimal
	MinHoldingSeconds    int
	ScalingHistory       []ScalingEvent // append-only
	PartialTPDone        bool           // monotone: false -> true, never back
	MaxHoldingMinutes    int
	HoldingTimeExtended  bool
	TPExtended           bool
	ExtendedTPPercent    decimal.Decimal
}

// Order is a tracked limit/market order placed by the Order Coordinator (§4.5).
type Order struct {
	ID           string
	Symbol       string
	Side         Side
	Type         OrderType
	Size         decimal.Decimal
	Price        decimal.Decimal
	PostOnly     bool
	ReduceOnly   bool
	State        OrderState
	CreateTime   time.Time
	UpdateTime   time.Time
	LastAmendAt  time.Time
	AmendCount   int
}

// TrailingStop is per-symbol ratcheting stop-loss state (§4.6). Peak and stop
// only ever move in the favorable direction — never rewound.
type TrailingStop struct {
	Symbol               string
	EntryPrice           decimal.Decimal
	Side                 Side
	EntryTime            time.Time
	PeakPrice            decimal.Decimal
	StopPrice            decimal.Decimal
	Regime               Regime
	TrailingPercent      decimal.Decimal
	MinHoldingSeconds    int
	MinProfitToClose     decimal.Decimal
	LossCutPercent       decimal.Decimal
	TimeoutMinutes       int
	ExtendTimeOnProfit   bool
	ExtendTimeMultiplier decimal.Decimal
}

// Snapshot is a point-in-time, internally consistent view of market data for a
// symbol returned by the Data Registry (§4.1). Copy-on-read: mutating it never
// affects registry state.
type Snapshot struct {
	Ticker       Ticker
	TickerStale  bool
	Candles      map[Timeframe][]Candle
	Regime       Regime
}
