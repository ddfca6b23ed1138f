// Package main provides the entry point for the autonomous trading agent.
// It wires the exchange adapters, market data feed, state store, event bus,
// risk manager and capital manager, then runs one orchestrator per bot.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/atlas-desktop/trading-agent/internal/bot"
	"github.com/atlas-desktop/trading-agent/internal/capital"
	"github.com/atlas-desktop/trading-agent/internal/events"
	"github.com/atlas-desktop/trading-agent/internal/exchange"
	"github.com/atlas-desktop/trading-agent/internal/marketdata"
	"github.com/atlas-desktop/trading-agent/internal/metrics"
	"github.com/atlas-desktop/trading-agent/internal/regime"
	"github.com/atlas-desktop/trading-agent/internal/risk"
	"github.com/atlas-desktop/trading-agent/internal/state"
	"github.com/atlas-desktop/trading-agent/pkg/types"
	"github.com/gorilla/mux"
	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// agentConfig is the top-level configuration file shape.
type agentConfig struct {
	StatePath    string            `mapstructure:"state_path"`
	MetricsAddr  string            `mapstructure:"metrics_addr"`
	StreamURL    string            `mapstructure:"stream_url"`
	TotalCapital decimal.Decimal   `mapstructure:"total_capital"`
	Bots         []types.BotConfig `mapstructure:"bots"`
}

// envCredentials resolves API keys from the environment: <NAME>_API_KEY,
// <NAME>_API_SECRET, <NAME>_DEMO. The agent never persists secrets.
type envCredentials struct{}

func (envCredentials) Resolve(name string) (string, string, bool, error) {
	prefix := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	key := os.Getenv(prefix + "_API_KEY")
	secret := os.Getenv(prefix + "_API_SECRET")
	if key == "" || secret == "" {
		return "", "", false, fmt.Errorf("credentials %q not found in environment", name)
	}
	demo := os.Getenv(prefix+"_DEMO") == "true"
	return key, secret, demo, nil
}

func main() {
	configPath := flag.String("config", "agent.yaml", "Configuration file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	for _, botCfg := range cfg.Bots {
		if err := botCfg.Validate(); err != nil {
			logger.Fatal("Invalid bot configuration", zap.Error(err))
		}
	}

	logger.Info("Starting trading agent",
		zap.String("config", *configPath),
		zap.Int("bots", len(cfg.Bots)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := state.NewStore(logger, cfg.StatePath)
	if err != nil {
		logger.Fatal("Failed to open state store", zap.Error(err))
	}
	defer store.Close()

	bus := events.NewBus(logger, events.DefaultBusConfig())
	defer bus.Stop()

	registry := prometheus.NewRegistry()
	agentMetrics := metrics.New(registry)

	riskManager := risk.NewManager(logger)

	capitalManager := capital.NewManager(logger, capital.Config{
		TotalCapital: cfg.TotalCapital,
	})
	allocation := capitalManager.StartPhase1()
	bus.Publish(events.PhaseAdvanced("none", capitalManager.Phase().String(), allocation))

	// Capital phase statistics feed off the event stream.
	bus.Subscribe(func(e events.Event) {
		switch e.Type {
		case events.EventDealClosed:
			pnlStr, _ := e.Payload["realized_pnl"].(string)
			pnl, err := decimal.NewFromString(pnlStr)
			if err != nil {
				return
			}
			capitalManager.RecordTrade(pnl.IsPositive(), pnl)
		case events.EventOrderError, events.EventEmergencyStop:
			capitalManager.RecordError()
		}
	}, events.EventDealClosed, events.EventOrderError, events.EventEmergencyStop)

	creds := envCredentials{}
	supervisor := bot.NewSupervisor(logger)

	var feeds []*marketdata.Feed
	var autoStart []*bot.Orchestrator
	for _, botCfg := range cfg.Bots {
		ex, err := buildExchange(logger, botCfg, creds)
		if err != nil {
			logger.Fatal("Failed to build exchange adapter",
				zap.String("bot", botCfg.Name), zap.Error(err))
		}

		feedCfg := marketdata.DefaultConfig()
		feedCfg.StreamURL = cfg.StreamURL
		feed := marketdata.NewFeed(logger, feedCfg, ex)
		feeds = append(feeds, feed)
		if cfg.StreamURL != "" && !botCfg.DryRun {
			if err := feed.StartStream(ctx, []string{botCfg.Symbol}); err != nil {
				logger.Warn("Trade stream unavailable, falling back to polling",
					zap.String("bot", botCfg.Name), zap.Error(err))
			}
		}

		orchCfg := bot.DefaultConfig(botCfg)
		orchCfg.Baseline = allocation

		orch, err := bot.New(logger, orchCfg, ex, feed, store, bus,
			riskManager, regime.NewDetector(logger, regime.DefaultConfig()), agentMetrics)
		if err != nil {
			logger.Fatal("Failed to build bot", zap.String("bot", botCfg.Name), zap.Error(err))
		}
		if err := supervisor.Add(orch); err != nil {
			logger.Fatal("Bot registration failed", zap.Error(err))
		}
		if botCfg.AutoStart {
			autoStart = append(autoStart, orch)
		} else {
			logger.Info("Bot registered, waiting for a start command",
				zap.String("bot", botCfg.Name))
		}
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(logger, cfg.MetricsAddr, registry, supervisor)
	}

	for _, orch := range autoStart {
		if err := orch.Start(ctx); err != nil {
			logger.Fatal("Startup failed", zap.String("bot", orch.Name()), zap.Error(err))
		}
	}

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	supervisor.StopAll(shutdownCtx)
	for _, feed := range feeds {
		feed.StopStream()
	}
	logger.Info("Shutdown complete")
}

// buildExchange selects the live V5 client or the dry-run simulator.
func buildExchange(logger *zap.Logger, botCfg types.BotConfig, creds exchange.Credentials) (exchange.Exchange, error) {
	if botCfg.DryRun {
		paper := exchange.NewPaperExchange(logger)
		paper.SetMarket(types.Market{
			Symbol:     botCfg.Symbol,
			Type:       botCfg.MarketType,
			PriceTick:  decimal.New(1, -2),
			AmountStep: decimal.New(1, -4),
		})
		return paper, nil
	}

	key, secret, demo, err := creds.Resolve(botCfg.Exchange.CredentialsName)
	if err != nil {
		return nil, err
	}

	clientCfg := exchange.DefaultBybitConfig()
	clientCfg.APIKey = key
	clientCfg.APISecret = secret
	clientCfg.Demo = demo || botCfg.Exchange.Sandbox
	clientCfg.Category = string(botCfg.MarketType)
	if botCfg.MarketType == types.MarketTypeSpot {
		clientCfg.Category = "spot"
	}
	if !botCfg.Exchange.RateLimit {
		clientCfg.RateLimitPerMin = 0
	}
	return exchange.NewBybitClient(logger, clientCfg), nil
}

// serveMetrics exposes Prometheus metrics and a health endpoint.
func serveMetrics(logger *zap.Logger, addr string, registry *prometheus.Registry, sup *bot.Supervisor) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		for _, name := range sup.Names() {
			if o, ok := sup.Get(name); ok {
				fmt.Fprintf(w, "%s %s\n", name, o.State())
			}
		}
	}).Methods(http.MethodGet)

	logger.Info("Metrics listener started", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, router); err != nil {
		logger.Error("Metrics listener failed", zap.Error(err))
	}
}

// loadConfig reads the config file plus environment overrides.
func loadConfig(path string) (agentConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADING_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("state_path", "agent.db")
	v.SetDefault("metrics_addr", ":9100")
	v.SetDefault("total_capital", "10000")

	if err := v.ReadInConfig(); err != nil {
		return agentConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg agentConfig
	decodeHook := viper.DecodeHook(decimalDecodeHook())
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return agentConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Bots) == 0 {
		return agentConfig{}, fmt.Errorf("no bots configured")
	}
	return cfg, nil
}

// decimalDecodeHook parses decimal fields from strings and numbers.
func decimalDecodeHook() mapstructure.DecodeHookFuncType {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(v)
		case float64:
			return decimal.NewFromFloat(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		default:
			return data, nil
		}
	}
}

// setupLogger builds the zap logger.
func setupLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
