// Package okx implements the exchange.REST/PublicWS/PrivateWS interfaces
// against an OKX-shaped perpetual swap API (spec §6.1/§6.2: instType=SWAP,
// posSide, ordId, HMAC-SHA256 WS login). Grounded on
// internal/execution/adapters/binance.go's adapter shape (http.Client +
// RateLimiter + zap.Logger fields, HMAC request signing, gorilla/websocket
// connection) — same idiom, a different venue's wire format.
package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/perpscalp/internal/domain"
	"github.com/quantforge/perpscalp/internal/exchange"
)

// Config carries connection and credential details (spec §6.1/§6.2).
type Config struct {
	APIKey     string
	APISecret  string
	Passphrase string
	RESTBaseURL string
	PublicWSURL string
	PrivateWSURL string
	RequestTimeout time.Duration
}

// RateLimiter is a simple token-bucket limiter shared by every REST call,
// grounded on the teacher's adapters.RateLimiter.
type RateLimiter struct {
	mu     sync.Mutex
	tokens int
	max    int
	ticker *time.Ticker
}

// NewRateLimiter builds a limiter that refills to max tokens every refillRate.
func NewRateLimiter(max int, refillRate time.Duration) *RateLimiter {
	rl := &RateLimiter{tokens: max, max: max, ticker: time.NewTicker(refillRate)}
	go func() {
		for range rl.ticker.C {
			rl.mu.Lock()
			rl.tokens = rl.max
			rl.mu.Unlock()
		}
	}()
	return rl
}

// Acquire blocks briefly until a token is available.
func (rl *RateLimiter) Acquire() {
	for {
		rl.mu.Lock()
		if rl.tokens > 0 {
			rl.tokens--
			rl.mu.Unlock()
			return
		}
		rl.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
}

// Adapter implements exchange.REST against an OKX-shaped REST API.
type Adapter struct {
	logger     *zap.Logger
	cfg        Config
	httpClient *http.Client
	limiter    *RateLimiter
	clock      exchange.Clock
}

// New builds a REST adapter.
func New(logger *zap.Logger, cfg Config, clk exchange.Clock) *Adapter {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{
		logger:     logger.Named("okx_adapter"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    NewRateLimiter(20, time.Second),
		clock:      clk,
	}
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (a *Adapter) sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(a.cfg.APISecret))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) do(ctx context.Context, method, path string, body any, out any) error {
	a.limiter.Acquire()

	var bodyBytes []byte
	var err error
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("okx: marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.RESTBaseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("okx: build request: %w", err)
	}

	timestamp := strconv.FormatInt(a.clock.Now().Unix(), 10)
	sig := a.sign(timestamp, method, path, string(bodyBytes))
	req.Header.Set("OK-ACCESS-KEY", a.cfg.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", sig)
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", a.cfg.Passphrase)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("okx: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("okx: read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("okx: decode envelope: %w", err)
	}
	if env.Code != "0" && env.Code != "" {
		return fmt.Errorf("okx: %s: %s", path, env.Msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("okx: decode data: %w", err)
		}
	}
	return nil
}

// GetBalance implements exchange.REST.
func (a *Adapter) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	var data []struct {
		TotalEq string `json:"totalEq"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/v5/account/balance", nil, &data); err != nil {
		return decimal.Zero, err
	}
	if len(data) == 0 {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(data[0].TotalEq)
}

// GetPositions implements exchange.REST.
func (a *Adapter) GetPositions(ctx context.Context, symbol string) ([]domain.Position, error) {
	path := "/api/v5/account/positions?instType=SWAP"
	if symbol != "" {
		path += "&instId=" + symbol
	}
	var data []struct {
		InstID  string `json:"instId"`
		PosSide string `json:"posSide"`
		Pos     string `json:"pos"`
		AvgPx   string `json:"avgPx"`
		MarkPx  string `json:"markPx"`
		Margin  string `json:"margin"`
		Upl     string `json:"upl"`
		Lever   string `json:"lever"`
		CTime   string `json:"cTime"`
		UTime   string `json:"uTime"`
		AdlRank string `json:"adlRank"`
	}
	if err := a.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}

	out := make([]domain.Position, 0, len(data))
	for _, p := range data {
		size, _ := decimal.NewFromString(p.Pos)
		if size.IsZero() {
			continue
		}
		avg, _ := decimal.NewFromString(p.AvgPx)
		mark, _ := decimal.NewFromString(p.MarkPx)
		margin, _ := decimal.NewFromString(p.Margin)
		upl, _ := decimal.NewFromString(p.Upl)
		lever, _ := strconv.Atoi(p.Lever)
		adl, _ := strconv.Atoi(p.AdlRank)
		side := domain.SideLong
		if p.PosSide == "short" || size.IsNegative() {
			side = domain.SideShort
		}
		out = append(out, domain.Position{
			Symbol:        p.InstID,
			Side:          side,
			SizeContracts: size.Abs(),
			EntryPrice:    avg,
			MarkPrice:     mark,
			Leverage:      lever,
			UnrealizedPnL: upl,
			Margin:        margin,
			OpenTime:      msToTime(p.CTime),
			UpdateTime:    msToTime(p.UTime),
			ADLRank:       adl,
		})
	}
	return out, nil
}

func msToTime(ms string) time.Time {
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

// GetInstrumentDetails implements exchange.REST.
func (a *Adapter) GetInstrumentDetails(ctx context.Context, symbol string) (exchange.InstrumentDetails, error) {
	var data []struct {
		CtVal   string `json:"ctVal"`
		MinSz   string `json:"minSz"`
		TickSz  string `json:"tickSz"`
	}
	path := "/api/v5/public/instruments?instType=SWAP&instId=" + symbol
	if err := a.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return exchange.InstrumentDetails{}, err
	}
	if len(data) == 0 {
		return exchange.InstrumentDetails{}, fmt.Errorf("okx: no instrument details for %s", symbol)
	}
	ctVal, _ := decimal.NewFromString(data[0].CtVal)
	minSz, _ := decimal.NewFromString(data[0].MinSz)
	tickSz, _ := decimal.NewFromString(data[0].TickSz)
	return exchange.InstrumentDetails{CtVal: ctVal, MinSize: minSz, TickSize: tickSz}, nil
}

// GetTicker implements exchange.REST.
func (a *Adapter) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	var data []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
		BidPx  string `json:"bidPx"`
		AskPx  string `json:"askPx"`
	}
	path := "/api/v5/market/ticker?instId=" + symbol
	if err := a.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return domain.Ticker{}, err
	}
	if len(data) == 0 {
		return domain.Ticker{}, fmt.Errorf("okx: no ticker for %s", symbol)
	}
	last, _ := decimal.NewFromString(data[0].Last)
	bid, _ := decimal.NewFromString(data[0].BidPx)
	ask, _ := decimal.NewFromString(data[0].AskPx)
	return domain.Ticker{Symbol: symbol, Last: last, BestBid: bid, BestAsk: ask, Mark: last, Timestamp: a.clock.Now()}, nil
}

// GetPriceLimits implements exchange.REST.
func (a *Adapter) GetPriceLimits(ctx context.Context, symbol string) (exchange.PriceLimits, error) {
	var data []struct {
		MaxBuyPx  string `json:"maxBuyPx"`
		MinSellPx string `json:"minSellPx"`
	}
	path := "/api/v5/public/price-limit?instId=" + symbol
	if err := a.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return exchange.PriceLimits{}, err
	}
	ticker, err := a.GetTicker(ctx, symbol)
	if err != nil {
		return exchange.PriceLimits{}, err
	}
	limits := exchange.PriceLimits{Current: ticker.Last, BestBid: ticker.BestBid, BestAsk: ticker.BestAsk}
	if len(data) > 0 {
		limits.MaxBuyPrice, _ = decimal.NewFromString(data[0].MaxBuyPx)
		limits.MinSellPrice, _ = decimal.NewFromString(data[0].MinSellPx)
	}
	return limits, nil
}

// GetActiveOrders implements exchange.REST.
func (a *Adapter) GetActiveOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	var data []struct {
		OrdID   string `json:"ordId"`
		InstID  string `json:"instId"`
		Side    string `json:"side"`
		Px      string `json:"px"`
		Sz      string `json:"sz"`
		State   string `json:"state"`
		CTime   string `json:"cTime"`
		UTime   string `json:"uTime"`
	}
	path := "/api/v5/trade/orders-pending?instType=SWAP&instId=" + symbol
	if err := a.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	out := make([]domain.Order, 0, len(data))
	for _, o := range data {
		price, _ := decimal.NewFromString(o.Px)
		size, _ := decimal.NewFromString(o.Sz)
		out = append(out, domain.Order{
			ID:         o.OrdID,
			Symbol:     o.InstID,
			Side:       domain.Side(o.Side),
			Type:       domain.OrderTypeLimit,
			Size:       size,
			Price:      price,
			State:      mapOrderState(o.State),
			CreateTime: msToTime(o.CTime),
			UpdateTime: msToTime(o.UTime),
		})
	}
	return out, nil
}

func mapOrderState(s string) domain.OrderState {
	switch s {
	case "live":
		return domain.OrderStateLive
	case "partially_filled":
		return domain.OrderStatePartiallyFilled
	case "filled":
		return domain.OrderStateFilled
	case "canceled", "cancelled":
		return domain.OrderStateCancelled
	default:
		return domain.OrderStateLive
	}
}

// CancelOrder implements exchange.REST.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]string{"instId": symbol, "ordId": orderID}
	return a.do(ctx, http.MethodPost, "/api/v5/trade/cancel-order", body, nil)
}

// AmendOrderPrice implements exchange.REST.
func (a *Adapter) AmendOrderPrice(ctx context.Context, symbol, orderID string, price decimal.Decimal) error {
	body := map[string]string{"instId": symbol, "ordId": orderID, "newPx": price.String()}
	return a.do(ctx, http.MethodPost, "/api/v5/trade/amend-order", body, nil)
}

// PlaceOrder implements exchange.REST.
func (a *Adapter) PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (exchange.PlaceOrderResponse, error) {
	ordType := "limit"
	if req.Type == domain.OrderTypeMarket {
		ordType = "market"
	}
	body := map[string]any{
		"instId":  req.Symbol,
		"tdMode":  "isolated",
		"side":    string(req.Side),
		"ordType": ordType,
		"sz":      req.Size.String(),
		"reduceOnly": req.ReduceOnly,
	}
	if req.Type == domain.OrderTypeLimit {
		body["px"] = req.Price.String()
	}
	if req.PostOnly {
		body["ordType"] = "post_only"
	}

	var data []struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
	}
	if err := a.do(ctx, http.MethodPost, "/api/v5/trade/order", body, &data); err != nil {
		return exchange.PlaceOrderResponse{Code: "1"}, err
	}
	if len(data) == 0 {
		return exchange.PlaceOrderResponse{Code: "1"}, fmt.Errorf("okx: empty place-order response")
	}
	return exchange.PlaceOrderResponse{Code: data[0].SCode, OrdID: data[0].OrdID}, nil
}

// SetLeverage implements exchange.REST.
func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int, posSide string) error {
	body := map[string]any{
		"instId": symbol, "lever": strconv.Itoa(leverage), "mgnMode": "isolated",
	}
	if posSide != "" {
		body["posSide"] = posSide
	}
	return a.do(ctx, http.MethodPost, "/api/v5/account/set-leverage", body, nil)
}

// GetAccountConfig implements exchange.REST.
func (a *Adapter) GetAccountConfig(ctx context.Context) (exchange.AccountConfig, error) {
	var data []struct {
		PosMode string `json:"posMode"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/v5/account/config", nil, &data); err != nil {
		return exchange.AccountConfig{}, err
	}
	if len(data) == 0 {
		return exchange.AccountConfig{}, nil
	}
	return exchange.AccountConfig{PosMode: data[0].PosMode}, nil
}

// GetMarginInfo implements exchange.REST.
func (a *Adapter) GetMarginInfo(ctx context.Context, symbol string) (exchange.MarginInfo, error) {
	var data []struct {
		Eq     string `json:"eq"`
		Margin string `json:"margin"`
		Upl    string `json:"upl"`
	}
	path := "/api/v5/account/positions?instType=SWAP&instId=" + symbol
	if err := a.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return exchange.MarginInfo{}, err
	}
	if len(data) == 0 {
		return exchange.MarginInfo{}, nil
	}
	eq, _ := decimal.NewFromString(data[0].Eq)
	margin, _ := decimal.NewFromString(data[0].Margin)
	upl, _ := decimal.NewFromString(data[0].Upl)
	return exchange.MarginInfo{Equity: eq, Margin: margin, UPL: upl}, nil
}
