package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sushant-115/transx/config"
	"github.com/sushant-115/transx/config/certs"
	"github.com/sushant-115/transx/core/recovery"
	"github.com/sushant-115/transx/core/registry"
	"github.com/sushant-115/transx/internal/admin"
	"github.com/sushant-115/transx/internal/txmanager"
	"github.com/sushant-115/transx/pkg/logger"
	"github.com/sushant-115/transx/pkg/managed"
	"github.com/sushant-115/transx/pkg/telemetry"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the configured resources, background recovery and the admin endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	tm := txmanager.New(txmanager.WithLogger(log))
	if path := cfg.Recovery.DecisionsFile; path != "" {
		n, err := tm.LoadDecisions(path)
		if err != nil {
			return err
		}
		log.Info("Loaded recorded decisions", zap.String("file", path), zap.Int("count", n))
	}

	reg := registry.New(log)
	coord := recovery.New(reg, tm, cfg.Recovery.Coordinator(),
		recovery.WithLogger(log),
		recovery.WithMeter(tel.Meter),
		recovery.WithTracer(tel.Tracer),
		recovery.WithNotifier(orphanLogger(log)),
	)
	coord.Start(ctx)
	defer coord.Stop()

	resources, err := openResources(ctx, cfg, tm, log,
		managed.WithRegistry(reg),
		managed.WithCoordinator(coord),
		managed.WithMeter(tel.Meter),
		managed.WithTracer(tel.Tracer),
	)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = closeResources(cctx, resources, log)
	}()

	adm := admin.New(coord, tel.Handler, log)
	for _, r := range resources {
		adm.Add(r)
	}
	hctx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go adm.WatchHealth(hctx, time.Second)

	errc := make(chan error, 2)
	httpSrv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           adm.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if t := cfg.Admin.TLS; t.Enabled() {
		if httpSrv.TLSConfig, err = certs.ServerTLSConfig(t.CAFile, t.CertFile, t.KeyFile); err != nil {
			return err
		}
	}
	go func() {
		log.Info("Admin HTTP server starting", zap.String("address", httpSrv.Addr), zap.Bool("tls", httpSrv.TLSConfig != nil))
		var err error
		if httpSrv.TLSConfig != nil {
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.Admin.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Admin.GRPCAddr)
		if err != nil {
			return err
		}
		grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, adm.Health())
		go func() {
			log.Info("gRPC health server starting", zap.String("address", cfg.Admin.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("Shutting down", zap.Error(context.Cause(ctx)))
	case err = <-errc:
		log.Error("Admin server failed", zap.Error(err))
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := httpSrv.Shutdown(sctx); serr != nil {
		log.Warn("Admin HTTP shutdown failed", zap.Error(serr))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	return err
}

func orphanLogger(log *zap.Logger) recovery.Notifier {
	log = log.Named("orphans")
	return recovery.NotifierFunc(func(ctx context.Context, ev recovery.OrphanEvent) {
		log.Warn("Rolled back orphaned branch",
			zap.String("resource", ev.Record.Resource),
			zap.Stringer("xid", ev.Record.Xid),
			zap.NamedError("rollback_error", ev.RollbackErr))
	})
}
