package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/audiorelay/voicecore/internal/api"
	"github.com/audiorelay/voicecore/internal/config"
	"github.com/audiorelay/voicecore/internal/directory"
	"github.com/audiorelay/voicecore/internal/metrics"
	"github.com/audiorelay/voicecore/internal/mixer"
	"github.com/audiorelay/voicecore/internal/mixpool"
	"github.com/audiorelay/voicecore/internal/router"
	"github.com/audiorelay/voicecore/internal/server"
	"github.com/audiorelay/voicecore/internal/wire"
)

// jitterAudioCapacity bounds each participant's audio jitter buffer in packets.
const jitterAudioCapacity = 256

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voicecore",
		"bind_address", cfg.BindAddress,
		"admin_bind_address", cfg.AdminBindAddress,
		"loopback_mode", cfg.LoopbackMode,
	)

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to resolve jwt secret", "error", err)
		os.Exit(1)
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	dir := directory.NewInMemory(jwtSecret, directory.NopNotifier{})
	core := router.New(jitterAudioCapacity, dir, nil)
	mix := mixer.New()

	poolCfg := mixpool.DefaultConfig()
	if cfg.MixPoolMaxWorkers > 0 {
		poolCfg.MaxWorkers = cfg.MixPoolMaxWorkers
	}
	if cfg.MixPoolQueueSize > 0 {
		poolCfg.QueueSize = cfg.MixPoolQueueSize
	}
	if cfg.MixPoolWorkerTimeoutMs > 0 {
		poolCfg.WorkerTimeout = time.Duration(cfg.MixPoolWorkerTimeoutMs) * time.Millisecond
	}
	poolCfg.MaxConcurrentMixes = poolCfg.MaxWorkers
	if cfg.MixPoolMaxConcurrentMixes > 0 {
		poolCfg.MaxConcurrentMixes = cfg.MixPoolMaxConcurrentMixes
	}

	mixFunc := func(packets []*wire.AudioPacket, channelID uuid.UUID) ([]byte, time.Duration) {
		start := time.Now()
		mixed, _ := mix.Mix(packets, channelID)
		return mixed, time.Since(start)
	}

	pool := mixpool.New(poolCfg, mixFunc, nil)
	pool.Start(appCtx)

	srvCfg := server.DefaultConfig()
	srvCfg.BindAddress = cfg.BindAddress
	srvCfg.MaxPacketSize = cfg.MaxPacketSize
	srvCfg.ConnectionTimeout = time.Duration(cfg.ConnectionTimeoutMs) * time.Millisecond
	srvCfg.MaxConcurrentConnections = cfg.MaxConcurrentConnections
	srvCfg.LoopbackMode = cfg.LoopbackMode
	srvCfg.IngressRatePerSec = cfg.RateLimitUDPPerEndpointRate
	srvCfg.IngressBurst = cfg.RateLimitUDPPerEndpointBurst

	udpSrv := server.New(srvCfg, core, pool, dir, dir, nil)
	if err := udpSrv.Start(appCtx); err != nil {
		slog.Error("failed to start datagram server", "error", err)
		os.Exit(1)
	}

	var adminKeyHash []byte
	if cfg.AdminAPIKeyHash != "" {
		adminKeyHash = []byte(cfg.AdminAPIKeyHash)
	} else {
		slog.Warn("no admin-api-key-hash configured, the token-mint endpoint will reject all requests")
	}

	apiHandler := api.NewServer(core, mix, pool, dir, adminKeyHash, cfg.MetricsEnabled)

	if cfg.MetricsEnabled {
		collector := metrics.NewCollector(
			&routingSnapshotAdapter{core: core},
			&mixerSnapshotAdapter{mix: mix},
			&poolSnapshotAdapter{pool: pool},
			&serverSnapshotAdapter{srv: udpSrv},
			time.Now(),
		)
		if err := prometheus.Register(collector); err != nil {
			slog.Error("failed to register metrics collector", "error", err)
		}
	}

	adminSrv := &http.Server{
		Addr:         cfg.AdminBindAddress,
		Handler:      apiHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin http server listening", "addr", adminSrv.Addr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("admin http server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down voicecore")
	udpSrv.Stop()
	pool.Stop()

	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin http server shutdown error", "error", err)
	}

	slog.Info("voicecore stopped")
}
