// RAGFlow CLI entry point.
//
// Usage:
//
//	ragflow -query "What is machine learning?"
//	ragflow -config config.yaml -query "latest AI news"
//	ragflow -config config.yaml -query "..." -metrics-addr :9090
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/ragflow"
	"github.com/BaSui01/ragflow/config"
	"github.com/BaSui01/ragflow/internal/telemetry"
	"github.com/BaSui01/ragflow/llm/providers/openai"
	"github.com/BaSui01/ragflow/types"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML configuration file")
		query       = flag.String("query", "", "query to process")
		metricsAddr = flag.String("metrics-addr", "", "address for the Prometheus /metrics endpoint (empty disables)")
	)
	flag.Parse()

	if *query == "" {
		fmt.Fprintln(os.Stderr, "usage: ragflow -query \"...\" [-config config.yaml] [-metrics-addr :9090]")
		os.Exit(2)
	}

	cfg, err := config.NewLoader().
		WithConfigPath(*configPath).
		WithValidator(func(c *config.Config) error { return c.Validate() }).
		Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	providers, err := telemetry.Init(telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
		SampleRate:   cfg.Telemetry.SampleRate,
	}, logger)
	if err != nil {
		logger.Fatal("telemetry init failed", zap.Error(err))
	}
	defer providers.Shutdown(context.Background())

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics endpoint listening", zap.String("addr", *metricsAddr))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	apiKey := cfg.Oracle.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	provider := openai.New(openai.Config{APIKey: apiKey, BaseURL: cfg.Oracle.BaseURL})

	client, err := ragflow.New(cfg, provider, ragflow.WithLogger(logger))
	if err != nil {
		logger.Fatal("client init failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queryID := "cli"
	cancel := client.Subscribe(queryID, func(snap *types.WorkflowState) {
		logger.Info("workflow progress",
			zap.Int("node", int(snap.CurrentNode)),
			zap.String("node_name", snap.CurrentNode.String()),
			zap.Int("retry", snap.RetryCount),
			zap.String("status", string(snap.Status)))
	})
	defer cancel()

	final, err := client.ProcessQuery(ctx, *query, ragflow.WithQueryID(queryID))
	if err != nil {
		logger.Error("query failed", zap.Error(err))
		os.Exit(1)
	}

	out, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		logger.Fatal("encode response", zap.Error(err))
	}
	fmt.Println(string(out))
}

// buildLogger constructs a zap logger per the log configuration.
func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if len(cfg.OutputPaths) > 0 {
		zcfg.OutputPaths = cfg.OutputPaths
	}
	zcfg.DisableCaller = !cfg.EnableCaller

	return zcfg.Build()
}
