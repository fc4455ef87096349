// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/akhenakh/tileproxy/compositor"
	"github.com/akhenakh/tileproxy/grid"
	"github.com/akhenakh/tileproxy/locator"
	"github.com/akhenakh/tileproxy/projection"
	"github.com/akhenakh/tileproxy/upstream"
)

const appName = "tileproxy"

var (
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
	httpTileServer    *http.Server
	grpcMetrics       = grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram(
		grpcprom.WithHistogramBuckets([]float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9}),
	))
)

// Config holds all configuration for the application, loaded from environment variables.
type Config struct {
	LogLevel        string `env:"LOG_LEVEL" envDefault:"INFO"`
	Debug           bool   `env:"DEBUG" envDefault:"false"`
	HTTPPort        int    `env:"HTTP_PORT" envDefault:"8117"`
	HealthPort      int    `env:"HEALTH_PORT" envDefault:"6666"`
	HTTPMetricsPort int    `env:"METRICS_PORT" envDefault:"8888"`

	UpstreamURL       string        `env:"UPSTREAM_URL" envDefault:"https://lvmgeo.lvm.lv/proxy/D341478CE74F4F02B68607991448D499/CacheDinamic/ZMNI/MapServer/tile"`
	UpstreamTimeout   time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`
	UpstreamWorkers   int           `env:"UPSTREAM_WORKERS" envDefault:"4"`
	UpstreamRPS       float64       `env:"UPSTREAM_RPS" envDefault:"0"`
	UpstreamBurst     int           `env:"UPSTREAM_BURST" envDefault:"8"`
	UpstreamUserAgent string        `env:"UPSTREAM_USER_AGENT" envDefault:"tileproxy/1.0"`

	Grid           string `env:"GRID" envDefault:"lks92-zmni"`
	GridFile       string `env:"GRID_FILE"`
	TargetCRS      string `env:"TARGET_CRS"`
	LevelStrategy  string `env:"LEVEL_STRATEGY" envDefault:"resolution"`
	OutputTileSize int    `env:"OUTPUT_TILE_SIZE" envDefault:"256"`
	SourceTileSize int    `env:"SOURCE_TILE_SIZE" envDefault:"256"`
	MaxCanvas      int    `env:"MAX_CANVAS" envDefault:"2048"`

	PlanCacheSize  int64  `env:"PLAN_CACHE_SIZE" envDefault:"10000"`
	PlanCachePrune uint32 `env:"PLAN_CACHE_PRUNE" envDefault:"100"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}
	if cfg.Debug {
		cfg.LogLevel = "DEBUG"
	}

	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	ts, err := setupTileServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize tile server, shutting down", "error", err)
		os.Exit(1)
	}
	defer ts.Close()

	prometheus.MustRegister(tileRequests, tileDuration)
	prometheus.MustRegister(upstream.Collectors()...)
	prometheus.MustRegister(compositor.Collectors()...)

	g, ctx := errgroup.WithContext(ctx)

	healthServer := health.NewServer()

	// gRPC Health Server
	g.Go(func() error {
		return startHealthServer(logger, cfg, healthServer)
	})

	// HTTP Metrics Server (Prometheus)
	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})

	// HTTP Tile Server
	g.Go(func() error {
		return startHTTPTileServer(logger, cfg, healthServer, ts)
	})

	// Wait for termination signal or an error from one of the services
	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	// Graceful Shutdown
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpTileServer != nil {
		if err := httpTileServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP tile server shutdown error", "error", err)
		}
	}
	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}

	// Wait for all services in the errgroup to finish
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server group returned an error", "error", err)
		os.Exit(2)
	}
}

func startHealthServer(logger *slog.Logger, cfg Config, healthServer *health.Server) error {
	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC Health server failed to listen: %w", err)
	}

	lopts := []logging.Option{logging.WithLogOnEvents(logging.FinishCall)}
	grpcHealthServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(
				InterceptorLogger(logger),
				lopts...),
			grpcMetrics.UnaryServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(grpcHealthServer, healthServer)
	reflection.Register(grpcHealthServer) // Enable reflection for tools like grpcurl
	grpcMetrics.InitializeMetrics(grpcHealthServer)

	logger.Info("gRPC health server listening", "address", addr)
	return grpcHealthServer.Serve(lis)
}

func startMetricsServer(logger *slog.Logger, cfg Config) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	prometheus.MustRegister(grpcMetrics)

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

func startHTTPTileServer(logger *slog.Logger, cfg Config, healthServer *health.Server, ts *TileServer) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("HTTP tile server failed to listen: %w", err)
	}

	httpTileServer = &http.Server{
		Handler:           ts.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Serving once the listener is bound
	healthServer.SetServingStatus(appName, healthpb.HealthCheckResponse_SERVING)
	logger.Info("HTTP tile server listening", "address", addr, "debug_endpoints", cfg.Debug)

	if err := httpTileServer.Serve(lis); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP tile server failed: %w", err)
	}
	return nil
}

func setupTileServer(ctx context.Context, cfg Config, logger *slog.Logger) (*TileServer, error) {
	var (
		g   *grid.Grid
		err error
	)
	if cfg.GridFile != "" {
		logger.Info("loading grid definition", "file", cfg.GridFile)
		g, err = grid.LoadFile(cfg.GridFile)
	} else {
		logger.Info("loading embedded grid definition", "grid", cfg.Grid)
		g, err = grid.LoadEmbedded(cfg.Grid)
	}
	if err != nil {
		return nil, err
	}

	crs := cfg.TargetCRS
	if crs == "" {
		crs = g.CRS()
	}
	proj, err := projection.ByCode(crs)
	if err != nil {
		return nil, err
	}

	selector, err := newSelector(cfg.LevelStrategy, g, cfg.SourceTileSize)
	if err != nil {
		return nil, err
	}

	src, err := upstream.New(ctx, g, upstream.Options{
		URL:       cfg.UpstreamURL,
		Timeout:   cfg.UpstreamTimeout,
		RPS:       cfg.UpstreamRPS,
		Burst:     cfg.UpstreamBurst,
		UserAgent: cfg.UpstreamUserAgent,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("configuring tile pipeline",
		"grid", g.ID(),
		"target_crs", proj.Name(),
		"level_strategy", selector.Name(),
		"upstream", cfg.UpstreamURL,
		"workers", cfg.UpstreamWorkers,
		"plan_cache_size", cfg.PlanCacheSize,
	)

	loc := locator.NewCached(locator.New(g, proj, selector), cfg.PlanCacheSize, cfg.PlanCachePrune)
	comp := compositor.New(g, src, compositor.Options{
		OutputSize:   cfg.OutputTileSize,
		MaxCanvas:    cfg.MaxCanvas,
		Workers:      cfg.UpstreamWorkers,
		FetchTimeout: cfg.UpstreamTimeout,
	}, logger)

	return &TileServer{
		cfg:        cfg,
		grid:       g,
		proj:       proj,
		locator:    loc,
		compositor: comp,
		source:     src,
		logger:     logger,
		closers:    []func() error{src.Close, func() error { loc.Stop(); return nil }},
	}, nil
}

func newSelector(strategy string, g *grid.Grid, sourceTilePx int) (locator.LevelSelector, error) {
	switch strings.ToLower(strategy) {
	case "resolution", "":
		return locator.NewResolutionMatch(g, sourceTilePx), nil
	case "zoommap":
		return locator.NewZoomMap(g, locator.DefaultZoomTable), nil
	case "chain":
		return locator.Chain(
			locator.NewResolutionMatch(g, sourceTilePx),
			locator.NewZoomMap(g, locator.DefaultZoomTable),
		), nil
	default:
		return nil, fmt.Errorf("unknown level strategy %q", strategy)
	}
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}

func InterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
