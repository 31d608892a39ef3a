package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ineyio/promptgate"
	"github.com/ineyio/promptgate/provider/openai"
	"github.com/ineyio/promptgate/server"
	"github.com/ineyio/promptgate/store"
	redisstore "github.com/ineyio/promptgate/store/redis"
	"github.com/ineyio/promptgate/trace"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "path to config file (YAML)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := promptgate.DefaultConfig()
	if serveConfigPath != "" {
		loaded, err := promptgate.LoadConfig(serveConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	prov := openai.FromConfig(cfg.Provider)

	srv := buildServer(cfg, prov, st, logger)
	return srv.ListenAndServe(ctx, cfg.Server.Addr)
}

func buildStore(ctx context.Context, cfg promptgate.Config, logger *slog.Logger) (promptgate.Store, error) {
	if cfg.Store.RedisURL == "" {
		logger.Warn("no redis configured, using in-memory store")
		return store.NewMemoryStore(), nil
	}

	opts, err := goredis.ParseURL(cfg.Store.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	var storeOpts []redisstore.Option
	if cfg.Store.KeyPrefix != "" {
		storeOpts = append(storeOpts, redisstore.WithKeyPrefix(cfg.Store.KeyPrefix))
	}
	return redisstore.New(client, storeOpts...), nil
}

func buildServer(cfg promptgate.Config, prov *openai.Provider, st promptgate.Store, logger *slog.Logger) *server.Server {
	registry := prometheus.NewRegistry()

	sink := promptgate.FanoutSink{
		trace.NewRedactingSink(trace.NewLogSink(logger)),
		trace.NewPrometheusSink(registry),
	}

	var opts []promptgate.PipelineOption
	opts = append(opts,
		promptgate.WithLogger(logger),
		promptgate.WithTraceSink(sink),
	)
	if cfg.Moderation.Enabled {
		opts = append(opts, promptgate.WithModerator(prov))
	}

	pipeline := promptgate.NewPipeline(cfg, prov, st, opts...)
	return server.New(pipeline,
		server.WithLogger(logger),
		server.WithVersion(version),
		server.WithRegistry(registry))
}
