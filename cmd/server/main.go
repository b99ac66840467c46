package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/mcules/vidi-runtime/internal/activity"
	"github.com/mcules/vidi-runtime/internal/auth"
	"github.com/mcules/vidi-runtime/internal/config"
	"github.com/mcules/vidi-runtime/internal/control"
	"github.com/mcules/vidi-runtime/internal/device"
	"github.com/mcules/vidi-runtime/internal/httpx"
	"github.com/mcules/vidi-runtime/internal/logging"
	"github.com/mcules/vidi-runtime/internal/metrics"
	"github.com/mcules/vidi-runtime/internal/observability"
	"github.com/mcules/vidi-runtime/internal/remote"
	"github.com/mcules/vidi-runtime/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("VIDI_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log := logging.New("server")

	shutdownTracing, err := observability.InitTracing("vidi-server", cfg.Tracing)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	// Prometheus registry shared by the engine collectors and /metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collectorsSet := metrics.NewCollectors(reg)

	activityLog := activity.New(cfg.Server.ActivitySize)

	mode, err := device.ParseMode(cfg.Devices.Mode)
	if err != nil {
		return err
	}
	ctrl, err := control.New(ctx, control.Options{
		Backend: device.SimBackend{
			Count:            cfg.Devices.Count,
			DispatchOverhead: cfg.Devices.DispatchOverhead,
			CostPerMegapixel: cfg.Devices.CostPerMegapixel,
		},
		Mode:      mode,
		DeviceIDs: cfg.Devices.IDs,
		Metrics:   collectorsSet,
		Activity:  activityLog,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	for name, path := range cfg.Workspaces {
		if _, err := ctrl.Workspaces().Add(ctx, name, path); err != nil {
			return err
		}
		log.Info("workspace loaded", "name", name, "path", path)
	}

	keys, err := store.OpenKeys(cfg.Server.KeysDB)
	if err != nil {
		return err
	}
	defer keys.Close()
	authenticator := auth.NewAuthenticator(keys)

	// gRPC server (engine service + health).
	var grpcOpts []grpc.ServerOption
	if cfg.Server.RequireKeys {
		grpcOpts = append(grpcOpts, grpc.UnaryInterceptor(authenticator.UnaryInterceptor(remote.HealthPrefix)))
	}
	grpcServer, healthServer := remote.NewGRPCServer(remote.NewServer(ctrl), grpcOpts...)

	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}

	// HTTP server (status + metrics). /health stays open when keys are required.
	statusMux := http.NewServeMux()
	(&httpx.Status{
		Control:  ctrl,
		Stats:    ctrl.Engine().Stats,
		Latency:  ctrl.Engine().Pool.Latency,
		Activity: activityLog,
	}).Register(statusMux)
	statusMux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	var handler http.Handler = statusMux
	if cfg.Server.RequireKeys {
		mux := http.NewServeMux()
		mux.Handle("GET /health", statusMux)
		mux.Handle("/", authenticator.Middleware(statusMux))
		handler = mux
	}

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           httpx.CORS{AllowOrigin: "*"}.Wrap(handler),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return serve(ctx, log, grpcServer, grpcLis, srv, healthServer)
}

// serve runs both listeners until ctx ends or either of them fails, then
// stops both. A failure of either server is returned.
func serve(ctx context.Context, log *slog.Logger, gs *grpc.Server, grpcLis net.Listener, srv *http.Server, hs *health.Server) error {
	errCh := make(chan error, 2)
	go func() {
		log.Info("gRPC listening", "addr", grpcLis.Addr().String())
		if err := gs.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	go func() {
		log.Info("HTTP listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http serve: %w", err)
		}
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
		log.Error("server failed", "err", err)
	}

	log.Info("shutting down")
	hs.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	gs.GracefulStop()
	return err
}
