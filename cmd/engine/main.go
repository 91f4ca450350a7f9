// Package main is the entry point for the perpetual-futures scalping
// engine: a single OKX-facing account trader running the Orchestrator's
// cooperative main loop (spec §4.8) alongside the public/private WebSocket
// feeds and a control-plane HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quantforge/perpscalp/internal/adminapi"
	"github.com/quantforge/perpscalp/internal/config"
	"github.com/quantforge/perpscalp/internal/dataregistry"
	"github.com/quantforge/perpscalp/internal/domain"
	"github.com/quantforge/perpscalp/internal/exchange/okx"
	"github.com/quantforge/perpscalp/internal/indicators"
	"github.com/quantforge/perpscalp/internal/journal"
	"github.com/quantforge/perpscalp/internal/metrics"
	"github.com/quantforge/perpscalp/internal/ordercoord"
	"github.com/quantforge/perpscalp/internal/orchestrator"
	"github.com/quantforge/perpscalp/internal/positionregistry"
	"github.com/quantforge/perpscalp/internal/regimedetector"
	"github.com/quantforge/perpscalp/internal/risk"
	"github.com/quantforge/perpscalp/internal/scheduler"
	"github.com/quantforge/perpscalp/internal/signalgen"
	"github.com/quantforge/perpscalp/internal/sizing"
	"github.com/quantforge/perpscalp/internal/trailingsl"
	"github.com/quantforge/perpscalp/internal/wsfeed"
	"github.com/quantforge/perpscalp/pkg/clock"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "Path to the engine's YAML config file")
	adminAddr := flag.String("admin-addr", ":8090", "Admin API listen address")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := clock.Real{}.Now
	clk := clock.Real{}

	rest := okx.New(logger, okx.Config{
		APIKey: cfg.Exchange.APIKey, APISecret: cfg.Exchange.APISecret,
		Passphrase: cfg.Exchange.Passphrase, RESTBaseURL: cfg.Exchange.RESTBaseURL,
		PublicWSURL: cfg.Exchange.PublicWSURL, PrivateWSURL: cfg.Exchange.PrivateWSURL,
		RequestTimeout: time.Duration(cfg.Exchange.RequestTimeoutMs) * time.Millisecond,
	}, clk)

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	staleAfter := time.Duration(cfg.WebSocket.StaleSeconds) * time.Second
	dataReg := dataregistry.New(logger, clk, staleAfter, met)
	posReg := positionregistry.New(logger, clk)

	balance, err := rest.GetBalance(ctx)
	if err != nil {
		logger.Fatal("failed to fetch starting balance", zap.Error(err))
	}
	dataReg.UpdateBalance(domain.Balance{Equity: balance, Profile: cfg.ResolveProfile(balance), UpdatedAt: now()})

	riskMgr := risk.New(logger, now, balance, risk.Config{
		MaxTotalSizeUSD: cfg.MaxSizeLimiter.MaxTotalSizeUSD, MaxSingleSizeUSD: cfg.MaxSizeLimiter.MaxSingleSizeUSD,
		MaxPositions: cfg.MaxSizeLimiter.MaxPositions,
	})
	sizer := sizing.New(cfg, riskMgr)
	regimeDetector := regimedetector.New(logger, regimedetector.DefaultConfig())
	signalGen := signalgen.New(logger)
	tsl := trailingsl.New(logger, now)

	var jrnl *journal.Writer
	if cfg.Journal.CSVPath != "" {
		jrnl, err = journal.Open(cfg.Journal.CSVPath, now)
		if err != nil {
			logger.Fatal("failed to open trade journal", zap.Error(err))
		}
		defer jrnl.Close()
	}

	reval := &signalRevalidator{dataReg: dataReg, regimeDetector: regimeDetector, signalGen: signalGen}
	orderCoord := ordercoord.New(logger, cfg.OrderCoordinator, rest, dataReg, reval, now, met)

	deps := orchestrator.Deps{
		Logger: logger, Config: cfg, REST: rest, DataReg: dataReg, PosReg: posReg,
		RegimeDetector: regimeDetector, SignalGen: signalGen, RiskMgr: riskMgr, Sizer: sizer,
		OrderCoord: orderCoord, TSL: tsl, Journal: jrnl, Metrics: met, Now: now,
	}
	orch := orchestrator.New(deps)

	publicWS := okx.NewPublicWS(logger, okx.Config{PublicWSURL: cfg.Exchange.PublicWSURL})
	timeframes := []domain.Timeframe{domain.Timeframe1m, domain.Timeframe5m}
	publicCoord := wsfeed.NewPublicCoordinator(logger, publicWS, dataReg, cfg.Engine.Symbols, timeframes, staleAfter, met)
	publicCoord.OnTicker(orch.OnTicker)

	privateWS := okx.NewPrivateWS(logger, okx.Config{
		APIKey: cfg.Exchange.APIKey, APISecret: cfg.Exchange.APISecret,
		Passphrase: cfg.Exchange.Passphrase, PrivateWSURL: cfg.Exchange.PrivateWSURL,
	}, clk)
	privateCoord := wsfeed.NewPrivateCoordinator(logger, privateWS, posReg, cfg.Engine.Symbols, met)

	admin := adminapi.New(logger, *adminAddr, posReg, dataReg, riskMgr, orch, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), []string{"*"})

	sched := scheduler.New(ctx, logger)
	sched.Start()

	go func() {
		if err := publicCoord.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("public websocket coordinator stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := privateCoord.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("private websocket coordinator stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin api stopped", zap.Error(err))
		}
	}()

	if err := orch.Start(ctx); err != nil {
		logger.Fatal("failed to start orchestrator", zap.Error(err))
	}

	logger.Info("engine started",
		zap.Strings("symbols", cfg.Engine.Symbols),
		zap.String("admin_addr", *adminAddr),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	cancel()
	sched.Stop()
	if err := orch.Stop(); err != nil {
		logger.Error("error stopping orchestrator", zap.Error(err))
	}
	if err := admin.Shutdown(); err != nil {
		logger.Error("error stopping admin api", zap.Error(err))
	}
	logger.Info("engine stopped")
}

// signalRevalidator implements ordercoord.SignalRevalidator by replaying
// the main loop's per-symbol classify-and-generate sequence (spec §4.8
// steps 1-2) against the registries already populated by the main loop and
// the WS feeds, for the timeout-path revalidation of spec §4.5 step 4.
type signalRevalidator struct {
	dataReg        *dataregistry.Registry
	regimeDetector *regimedetector.Detector
	signalGen      *signalgen.Generator
}

func (s *signalRevalidator) Revalidate(symbol string) (signalgen.Signal, bool) {
	candles := s.dataReg.Candles(symbol, domain.Timeframe1m)
	regime := s.regimeDetector.Classify(symbol, candles)
	if regime == domain.RegimeUnknown {
		regime = domain.RegimeRanging
	}
	ticker, stale, ok := s.dataReg.GetTicker(symbol)
	if !ok || stale {
		return signalgen.Signal{}, false
	}
	ind := indicators.Compute(candles)
	return s.signalGen.Generate(symbol, ind, regime, ticker.Last)
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey: "time", LevelKey: "level", NameKey: "logger", CallerKey: "caller",
			MessageKey: "msg", StacktraceKey: "stacktrace", LineEnding: zapcore.DefaultLineEnding,
			EncodeLevel: zapcore.CapitalColorLevelEncoder, EncodeTime: zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder, EncodeCaller: zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("logger build failed: %v", err))
	}
	return logger
}
