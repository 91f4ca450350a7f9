package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/perpscalp/internal/domain"
	"github.com/quantforge/perpscalp/internal/exchange"
)

// subscribeFrame mirrors spec §6.2's {"op":"subscribe","args":[...]} envelope.
type subscribeFrame struct {
	Op   string       `json:"op"`
	Args []channelArg `json:"args"`
}

type channelArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId,omitempty"`
	InstType string `json:"instType,omitempty"`
}

// PublicWS implements exchange.PublicWS, grounded on
// internal/execution/adapters/binance.go's dial-then-readWebSocket loop
// (gorilla/websocket.Dialer, a background reader goroutine, mutex-guarded
// connection handle).
type PublicWS struct {
	logger *zap.Logger
	cfg    Config

	mu   sync.RWMutex
	conn *websocket.Conn

	onTicker    func(exchange.TickerEvent)
	onCandle    func(exchange.CandleEvent)
	onOrderBook func(exchange.OrderBookEvent)
}

// NewPublicWS builds an unconnected public WS coordinator.
func NewPublicWS(logger *zap.Logger, cfg Config) *PublicWS {
	return &PublicWS{logger: logger.Named("okx_public_ws"), cfg: cfg}
}

// Connect dials the public WS endpoint and starts the read loop.
func (p *PublicWS) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, p.cfg.PublicWSURL, nil)
	if err != nil {
		return fmt.Errorf("okx: public ws dial: %w", err)
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	go p.readLoop(ctx)
	go p.heartbeat(ctx)
	return nil
}

// Subscribe sends a single subscribe frame whose args cover every
// ticker/candle/books channel for the given symbols and timeframes.
func (p *PublicWS) Subscribe(ctx context.Context, symbols []string, timeframes []domain.Timeframe) error {
	var args []channelArg
	for _, s := range symbols {
		args = append(args, channelArg{Channel: "tickers", InstID: s})
		args = append(args, channelArg{Channel: "books5", InstID: s})
		for _, tf := range timeframes {
			args = append(args, channelArg{Channel: "candle" + string(tf), InstID: s})
		}
	}
	return p.send(subscribeFrame{Op: "subscribe", Args: args})
}

func (p *PublicWS) send(v any) error {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("okx: public ws not connected")
	}
	return conn.WriteJSON(v)
}

// OnTicker registers the ticker callback (spec §4.10: updates Data Registry,
// calls trailing-SL, smart exit, signals check).
func (p *PublicWS) OnTicker(fn func(exchange.TickerEvent)) { p.onTicker = fn }

// OnCandle registers the candle callback.
func (p *PublicWS) OnCandle(fn func(exchange.CandleEvent)) { p.onCandle = fn }

// OnOrderBook registers the order-book callback.
func (p *PublicWS) OnOrderBook(fn func(exchange.OrderBookEvent)) { p.onOrderBook = fn }

// Close closes the underlying connection.
func (p *PublicWS) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *PublicWS) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(22 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.send("ping"); err != nil {
				p.logger.Warn("public ws heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func (p *PublicWS) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.mu.RLock()
		conn := p.conn
		p.mu.RUnlock()
		if conn == nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			p.logger.Warn("public ws read error", zap.Error(err))
			return
		}
		p.dispatch(msg)
	}
}

func (p *PublicWS) dispatch(msg []byte) {
	var env struct {
		Arg  channelArg      `json:"arg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return
	}
	switch env.Arg.Channel {
	case "tickers":
		var rows []struct {
			InstID string `json:"instId"`
			Last   string `json:"last"`
			BidPx  string `json:"bidPx"`
			AskPx  string `json:"askPx"`
			Ts     string `json:"ts"`
		}
		if err := json.Unmarshal(env.Data, &rows); err != nil || p.onTicker == nil {
			return
		}
		for _, r := range rows {
			last, _ := decimal.NewFromString(r.Last)
			bid, _ := decimal.NewFromString(r.BidPx)
			ask, _ := decimal.NewFromString(r.AskPx)
			p.onTicker(exchange.TickerEvent{Symbol: r.InstID, Ticker: domain.Ticker{
				Symbol: r.InstID, Last: last, BestBid: bid, BestAsk: ask, Mark: last,
				Timestamp: msToTime(r.Ts),
			}})
		}
	case "books5":
		var rows []struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
		}
		if err := json.Unmarshal(env.Data, &rows); err != nil || p.onOrderBook == nil || len(rows) == 0 {
			return
		}
		row := rows[0]
		var bid, ask decimal.Decimal
		if len(row.Bids) > 0 {
			bid, _ = decimal.NewFromString(row.Bids[0][0])
		}
		if len(row.Asks) > 0 {
			ask, _ = decimal.NewFromString(row.Asks[0][0])
		}
		p.onOrderBook(exchange.OrderBookEvent{Symbol: env.Arg.InstID, BestBid: bid, BestAsk: ask})
	default:
		if len(env.Arg.Channel) > 6 && env.Arg.Channel[:6] == "candle" && p.onCandle != nil {
			var rows [][]string
			if err := json.Unmarshal(env.Data, &rows); err != nil {
				return
			}
			tf := domain.Timeframe(env.Arg.Channel[6:])
			for _, row := range rows {
				if len(row) < 6 {
					continue
				}
				o, _ := decimal.NewFromString(row[1])
				h, _ := decimal.NewFromString(row[2])
				l, _ := decimal.NewFromString(row[3])
				c, _ := decimal.NewFromString(row[4])
				v, _ := decimal.NewFromString(row[5])
				p.onCandle(exchange.CandleEvent{
					Symbol: env.Arg.InstID, Timeframe: tf,
					Candle: domain.Candle{Timestamp: msToTime(row[0]), Open: o, High: h, Low: l, Close: c, Volume: v},
				})
			}
		}
	}
}

// PrivateWS implements exchange.PrivateWS: HMAC-SHA256 login then
// positions/orders/account channels (spec §6.2), with a seen-posId dedup
// cache (spec §4.10: "TTL cache of seen posId, 5 min TTL, 10000 capacity").
type PrivateWS struct {
	logger *zap.Logger
	cfg    Config
	clock  exchange.Clock

	mu   sync.RWMutex
	conn *websocket.Conn

	dedupe *ttlSet

	onPosition func(exchange.PositionEvent)
	onOrder    func(exchange.OrderEvent)
	onAccount  func(exchange.AccountEvent)
}

// NewPrivateWS builds an unconnected private WS coordinator.
func NewPrivateWS(logger *zap.Logger, cfg Config, clk exchange.Clock) *PrivateWS {
	return &PrivateWS{
		logger: logger.Named("okx_private_ws"),
		cfg:    cfg,
		clock:  clk,
		dedupe: newTTLSet(clk.Now, 5*time.Minute, 10000),
	}
}

// Connect dials the private WS endpoint.
func (p *PrivateWS) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, p.cfg.PrivateWSURL, nil)
	if err != nil {
		return fmt.Errorf("okx: private ws dial: %w", err)
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	go p.readLoop(ctx)
	go p.heartbeat(ctx)
	return nil
}

// Authenticate sends the HMAC-SHA256 login frame per spec §6.2:
// sign = Base64(HMAC_SHA256(secret, timestamp + "GET" + "/users/self/verify")).
func (p *PrivateWS) Authenticate(ctx context.Context) error {
	timestamp := strconv.FormatInt(p.clock.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(p.cfg.APISecret))
	mac.Write([]byte(timestamp + "GET" + "/users/self/verify"))
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	frame := map[string]any{
		"op": "login",
		"args": []map[string]string{{
			"apiKey": p.cfg.APIKey, "passphrase": p.cfg.Passphrase,
			"timestamp": timestamp, "sign": sign,
		}},
	}
	return p.send(frame)
}

// Subscribe subscribes to positions/orders/account channels for symbols.
func (p *PrivateWS) Subscribe(ctx context.Context, symbols []string) error {
	args := []channelArg{
		{Channel: "account"},
		{Channel: "positions", InstType: "SWAP"},
		{Channel: "orders", InstType: "SWAP"},
	}
	return p.send(subscribeFrame{Op: "subscribe", Args: args})
}

func (p *PrivateWS) send(v any) error {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("okx: private ws not connected")
	}
	return conn.WriteJSON(v)
}

// OnPosition registers the position-event callback.
func (p *PrivateWS) OnPosition(fn func(exchange.PositionEvent)) { p.onPosition = fn }

// OnOrder registers the order-event callback.
func (p *PrivateWS) OnOrder(fn func(exchange.OrderEvent)) { p.onOrder = fn }

// OnAccount registers the account-event callback.
func (p *PrivateWS) OnAccount(fn func(exchange.AccountEvent)) { p.onAccount = fn }

// Close closes the underlying connection.
func (p *PrivateWS) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *PrivateWS) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(22 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.send("ping"); err != nil {
				p.logger.Warn("private ws heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func (p *PrivateWS) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.mu.RLock()
		conn := p.conn
		p.mu.RUnlock()
		if conn == nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			p.logger.Warn("private ws read error", zap.Error(err))
			return
		}
		p.dispatch(msg)
	}
}

func (p *PrivateWS) dispatch(msg []byte) {
	var env struct {
		Arg  channelArg      `json:"arg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return
	}
	switch env.Arg.Channel {
	case "positions":
		var rows []struct {
			InstID  string `json:"instId"`
			PosID   string `json:"posId"`
			PosSide string `json:"posSide"`
			Pos     string `json:"pos"`
			AvgPx   string `json:"avgPx"`
			MarkPx  string `json:"markPx"`
			Margin  string `json:"margin"`
			Upl     string `json:"upl"`
		}
		if err := json.Unmarshal(env.Data, &rows); err != nil || p.onPosition == nil {
			return
		}
		for _, r := range rows {
			if p.dedupe.SeenRecently(r.PosID) {
				continue
			}
			size, _ := decimal.NewFromString(r.Pos)
			avg, _ := decimal.NewFromString(r.AvgPx)
			mark, _ := decimal.NewFromString(r.MarkPx)
			margin, _ := decimal.NewFromString(r.Margin)
			upl, _ := decimal.NewFromString(r.Upl)
			side := domain.SideLong
			if r.PosSide == "short" {
				side = domain.SideShort
			}
			p.onPosition(exchange.PositionEvent{
				Symbol: r.InstID, PosID: r.PosID, Removed: size.IsZero(),
				Position: domain.Position{
					Symbol: r.InstID, Side: side, SizeContracts: size.Abs(),
					EntryPrice: avg, MarkPrice: mark, Margin: margin, UnrealizedPnL: upl,
				},
			})
		}
	case "orders":
		var rows []struct {
			OrdID  string `json:"ordId"`
			InstID string `json:"instId"`
			Side   string `json:"side"`
			Px     string `json:"px"`
			Sz     string `json:"sz"`
			State  string `json:"state"`
		}
		if err := json.Unmarshal(env.Data, &rows); err != nil || p.onOrder == nil {
			return
		}
		for _, r := range rows {
			price, _ := decimal.NewFromString(r.Px)
			size, _ := decimal.NewFromString(r.Sz)
			p.onOrder(exchange.OrderEvent{Symbol: r.InstID, Order: domain.Order{
				ID: r.OrdID, Symbol: r.InstID, Side: domain.Side(r.Side),
				Price: price, Size: size, State: mapOrderState(r.State),
			}})
		}
	case "account":
		var rows []struct {
			TotalEq string `json:"totalEq"`
		}
		if err := json.Unmarshal(env.Data, &rows); err != nil || p.onAccount == nil || len(rows) == 0 {
			return
		}
		eq, _ := decimal.NewFromString(rows[0].TotalEq)
		p.onAccount(exchange.AccountEvent{Margin: domain.MarginSnapshot{Total: eq}})
	}
}

// ttlSet is a bounded, TTL-expiring seen-set used for the private WS's
// posId dedup cache (spec §4.10).
type ttlSet struct {
	mu       sync.Mutex
	now      func() time.Time
	ttl      time.Duration
	capacity int
	seen     map[string]time.Time
}

func newTTLSet(now func() time.Time, ttl time.Duration, capacity int) *ttlSet {
	return &ttlSet{now: now, ttl: ttl, capacity: capacity, seen: make(map[string]time.Time)}
}

// SeenRecently reports whether key was recorded within the TTL window,
// recording it (with the current time) if not.
func (s *ttlSet) SeenRecently(key string) bool {
	if key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if t, ok := s.seen[key]; ok && now.Sub(t) < s.ttl {
		return true
	}
	if len(s.seen) >= s.capacity {
		for k, t := range s.seen {
			if now.Sub(t) >= s.ttl {
				delete(s.seen, k)
			}
		}
		if len(s.seen) >= s.capacity {
			var oldestKey string
			var oldest time.Time
			for k, t := range s.seen {
				if oldestKey == "" || t.Before(oldest) {
					oldestKey, oldest = k, t
				}
			}
			delete(s.seen, oldestKey)
		}
	}
	s.seen[key] = now
	return false
}
