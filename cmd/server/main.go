package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"liquidity-jackpot/internal/api"
	"liquidity-jackpot/internal/cache/redis"
	"liquidity-jackpot/internal/config"
	"liquidity-jackpot/internal/db"
	"liquidity-jackpot/internal/engine"
	"liquidity-jackpot/internal/liquidity"
	"liquidity-jackpot/internal/logging"
	"liquidity-jackpot/internal/ws"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logging.New(config.LogConfig{}).Error("config", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log).With("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(cfg.Database.URL)
	if err != nil {
		log.Error("db open", "err", err)
		os.Exit(1)
	}
	defer store.Close()
	log.Info("connected to database")

	if err := store.Migrate(cfg.Database.Migrations); err != nil {
		log.Error("migrate", "err", err)
		os.Exit(1)
	}
	log.Info("migrations applied")

	hub := ws.NewHub(log)
	opts := engine.Options{Publish: hub.Publish, LockTTL: cfg.Engine.LockTTL, Logger: log}
	var src engine.LiquiditySource = liquidity.NewFeed()
	var bus *redis.EventBus

	if cfg.Redis.Addr != "" {
		rc, err := redis.New(ctx, redis.ClientConfig{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			log.Error("redis", "err", err)
			os.Exit(1)
		}
		defer rc.Close()
		src = redis.NewLiquidityCache(rc)
		opts.Locker = redis.NewLockManager(rc, cfg.Engine.LockWait)
		bus = redis.NewEventBus(rc, uuid.New().String(), log)
		opts.Publish = func(marketID, msgType string, data any) {
			hub.Publish(marketID, msgType, data)
			bus.Publish(marketID, msgType, data)
		}
		log.Info("redis attached", "addr", cfg.Redis.Addr)
	}

	mgr := engine.NewManager(store, src, opts)
	defer mgr.Close()
	if err := mgr.Boot(ctx); err != nil {
		log.Error("engine boot", "err", err)
		os.Exit(1)
	}

	srv := api.NewServer(store, mgr, hub, api.Config{
		Secret:        cfg.Server.JWTSecret,
		RateLimitRPS:  cfg.Server.RateLimitRPS,
		RateBurst:     cfg.Server.RateBurst,
		DefaultPeriod: cfg.Engine.RoundPeriodSeconds,
	}, log)
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "port", cfg.Server.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return mgr.RunKeeper(gctx, cfg.Engine.KeeperInterval)
	})
	if bus != nil {
		g.Go(func() error { return bus.Run(gctx, hub.Publish) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
