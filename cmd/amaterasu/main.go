package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/radovskyb/watcher"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"amaterasu/gateway"
	"amaterasu/log"
	"amaterasu/metrics"
	"amaterasu/types"
)

type config struct {
	ShardCount  int    `json:"shardCount"`
	Compression string `json:"compression"`
	Intents     int64  `json:"intents"`
	GatewayURL  string `json:"gatewayUrl"`
	MetricsAddr string `json:"metricsAddr"`
}

func main() {
	app := &cli.App{
		Name:    types.LibraryName,
		Usage:   "connect to the gateway and print events",
		Version: types.LibraryVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "JSON config file", Value: ""},
			&cli.StringFlag{Name: "token-file", Usage: "file holding the bot token; the run stops when it changes"},
			&cli.IntFlag{Name: "shards", Usage: "shard count, 0 = gateway recommendation"},
			&cli.StringFlag{Name: "compression", Usage: "zlib, zlib-sync, pako or empty"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config, error) {
	var cfg config
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func loadToken(c *cli.Context) (string, error) {
	if path := c.String("token-file"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
	_ = godotenv.Load()
	token := os.Getenv("DISCORD_TOKEN")
	if token == "" {
		return "", fmt.Errorf("set DISCORD_TOKEN (or .env) or pass --token-file")
	}
	return token, nil
}

func run(c *cli.Context) error {
	logger := log.NewDevelopment()
	defer logger.Sync()

	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("shards") {
		cfg.ShardCount = c.Int("shards")
	}
	if c.IsSet("compression") {
		cfg.Compression = c.String("compression")
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}

	token, err := loadToken(c)
	if err != nil {
		return err
	}

	opts := gateway.Options{
		ShardCount:  cfg.ShardCount,
		Compression: gateway.CompressionMode(cfg.Compression),
		Intents:     types.Intents(cfg.Intents),
		GatewayURL:  cfg.GatewayURL,
		Logger:      logger,
	}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts.Metrics = metrics.New(reg)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	mgr, err := gateway.NewManager(token, opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go consume(mgr, logger)

	if path := c.String("token-file"); path != "" {
		go watchToken(path, logger, cancel)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down")
		cancel()
		mgr.Destroy()
	}()

	if err := mgr.Connect(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	mgr.Destroy()
	return nil
}

func consume(mgr *gateway.Manager, logger *zap.Logger) {
	for ev := range mgr.Events() {
		switch ev.Kind {
		case gateway.EventReady:
			logger.Info("all shards ready")
		case gateway.EventShardReady:
			logger.Info("shard ready",
				zap.Int("shard", ev.Shard),
				zap.Int("missingGuilds", len(ev.Guilds)))
		case gateway.EventShardError:
			logger.Warn("shard error", zap.Int("shard", ev.Shard), zap.Error(ev.Err))
		case gateway.EventShardReconnecting:
			logger.Info("shard reconnecting", zap.Int("shard", ev.Shard))
		case gateway.EventShardDisconnected:
			logger.Info("shard disconnected", zap.Int("shard", ev.Shard))
		case gateway.EventInvalidated:
			logger.Error("token invalidated, exiting")
			return
		case gateway.EventRaw:
			if ev.Payload.Type != "" {
				logger.Debug("dispatch",
					zap.Int("shard", ev.Shard),
					zap.String("type", ev.Payload.Type))
			}
		}
	}
}

// watchToken cancels the run when the token file changes: the manager is
// destroyed and the command returns. It does not reconnect with the new
// token.
func watchToken(path string, logger *zap.Logger, cancel context.CancelFunc) {
	w := watcher.New()
	w.SetMaxEvents(1)
	w.FilterOps(watcher.Write)

	if err := w.Add(path); err != nil {
		logger.Warn("cannot watch token file", zap.Error(err))
		return
	}

	go func() {
		for {
			select {
			case <-w.Event:
				logger.Info("token file changed, stopping")
				cancel()
				return
			case err := <-w.Error:
				logger.Warn("token watcher error", zap.Error(err))
			case <-w.Closed:
				return
			}
		}
	}()

	if err := w.Start(time.Second); err != nil {
		logger.Warn("token watcher stopped", zap.Error(err))
	}
}
