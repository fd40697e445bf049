package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/CallDub/internal/adapters/device"
	router "github.com/dkeye/CallDub/internal/adapters/http"
	provider "github.com/dkeye/CallDub/internal/adapters/signal"
	"github.com/dkeye/CallDub/internal/app/audio"
	"github.com/dkeye/CallDub/internal/app/callsm"
	"github.com/dkeye/CallDub/internal/app/diag"
	"github.com/dkeye/CallDub/internal/app/inject"
	"github.com/dkeye/CallDub/internal/app/intercept"
	"github.com/dkeye/CallDub/internal/app/journal"
	"github.com/dkeye/CallDub/internal/app/registry"
	"github.com/dkeye/CallDub/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	logs := journal.New(cfg.Logs.Capacity)
	log.Logger = log.Logger.Hook(logs)

	// Capture entry point; the interception swaps what it hands out.
	devices := device.NewDevices(device.NewMicrophone())
	icpt := intercept.New(devices)

	assets := audio.NewAssetCache()
	factoryOpts := audio.DefaultFactoryOptions()
	factoryOpts.Gain = cfg.Audio.Gain
	factoryOpts.ResumeTimeout = cfg.Audio.ResumeTimeout
	factory := audio.NewFactory(assets, factoryOpts)

	plan := inject.NewPlan(cfg.Injection.InitialDelay, cfg.Injection.StepDelay)
	plan.MuteAttempts = cfg.Injection.MuteAttempts
	plan.MuteHold = cfg.Injection.MuteHold
	plan.MuteSettle = cfg.Injection.MuteSettle
	plan.LocalPlayback = cfg.Injection.LocalPlayback
	plan.PlaybackLimit = cfg.Injection.PlaybackDuration
	orch := inject.New(factory, icpt, plan)

	connector := provider.NewConnector(provider.Config{
		URL:            cfg.Signal.URL,
		ReadLimit:      cfg.Signal.ReadLimit,
		PingPeriod:     cfg.Signal.PingPeriod,
		RequestTimeout: cfg.Signal.RequestTimeout,
		Media:          cfg.Signal.Media,
		ICEServers:     cfg.Signal.ICEServers,
	}, devices)
	reg := registry.New(connector, orch, callsm.Options{SettleDelay: cfg.Call.SettleDelay})

	hub := router.NewEventHub(reg.Entries)
	reg.SubscribeDevices(hub.PublishDevices)
	reg.SubscribeCalls(hub.PublishCall)

	api := &router.API{
		Registry:       reg,
		Injections:     orch,
		Assets:         assets,
		Diagnostics:    diag.New(devices, icpt, reg),
		Journal:        logs,
		Limiter:        router.NewDialRateLimiter(cfg.Call.DialRateLimit, cfg.Call.DialRateWindow),
		MaxUploadBytes: cfg.Audio.MaxUploadBytes,
	}
	r := router.SetupRouter(cfg, api, hub)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("CallDub server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		err := srv.Shutdown(shutdownCtx)

		reg.Shutdown()
		orch.StopAll()
		orch.Wait()
		hub.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
