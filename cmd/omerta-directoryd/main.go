// omerta-directoryd is the optional central directory service: a small
// HTTP+Redis process that lets bootstrap-capable mesh nodes register their
// signed peer announcements and lets joining nodes fetch a network's
// current peer list as a higher-availability supplement to hard-coded
// bootstrap endpoints.
//
// Usage:
//
//	omerta-directoryd -addr :8470 -redis 127.0.0.1:6379
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omerta-mesh/core/pkg/directory"
	"github.com/omerta-mesh/core/pkg/ratelimit"
	"github.com/omerta-mesh/core/pkg/telemetry"
)

func main() {
	addr := flag.String("addr", ":8470", "API listen address")
	redisAddr := flag.String("redis", "127.0.0.1:6379", "Dragonfly/Redis address")
	entryTTL := flag.Duration("entry-ttl", directory.DefaultEntryTTL, "how long a registered announcement is served before it must be refreshed")
	rateLimitRPS := flag.Float64("rate-limit-rps", float64(ratelimit.DefaultRate), "rate limit: requests per second per source IP (0 to disable)")
	rateLimitBurst := flag.Float64("rate-limit-burst", float64(ratelimit.DefaultBurst), "rate limit: burst size per source IP")
	flag.Parse()

	shutdownTelemetry, err := telemetry.Init(context.Background(), "omerta-directoryd", "dev", slog.LevelInfo)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	store, err := directory.NewStore(*redisAddr, *entryTTL)
	if err != nil {
		slog.Error("connect to redis failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var limiter *ratelimit.IPRateLimiter
	if *rateLimitRPS > 0 {
		limiter = ratelimit.New(*rateLimitRPS, *rateLimitBurst, ratelimit.DefaultMaxIPs)
	}

	api := directory.NewAPI(store, limiter, slog.Default())

	srv := &http.Server{
		Addr:         *addr,
		Handler:      api,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("omerta-directoryd starting", "addr", *addr, "redis", *redisAddr, "entry_ttl", *entryTTL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("omerta-directoryd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}
