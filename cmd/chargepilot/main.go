package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/chargepilot/chargepilot/pkg/battery"
	"github.com/chargepilot/chargepilot/pkg/clock"
	"github.com/chargepilot/chargepilot/pkg/executor"
	"github.com/chargepilot/chargepilot/pkg/location"
	"github.com/chargepilot/chargepilot/pkg/log"
	"github.com/chargepilot/chargepilot/pkg/planner"
	"github.com/chargepilot/chargepilot/pkg/savings"
	"github.com/chargepilot/chargepilot/pkg/server"
	"github.com/chargepilot/chargepilot/pkg/solar"
	"github.com/chargepilot/chargepilot/pkg/status"
	"github.com/chargepilot/chargepilot/pkg/store"
	"github.com/chargepilot/chargepilot/pkg/tariff"
	"github.com/chargepilot/chargepilot/pkg/wake"
)

func main() {
	// init packages
	clk := clock.Configured()
	s := store.Configured()
	battery.ConfiguredParams()
	bat := battery.Configured()
	trf := tariff.Configured()
	loc := location.Configured()
	sol := solar.Configured(loc)
	sav := savings.Configured()

	tracker := status.New()
	wakeSig := wake.New()

	pln := planner.Configured(s, trf, bat, clk, tracker)
	exec := executor.Configured(executor.Deps{
		Store:   s,
		Battery: bat,
		Tariff:  trf,
		Solar:   sol,
		Savings: sav,
		Planner: pln,
		Clock:   clk,
		Wake:    wakeSig,
		Tracker: tracker,
	})

	// init server
	srv := server.Configured(s, bat, clk, wakeSig, tracker)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close store", "error", err)
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		err := srv.Run(ctx)
		serverErr <- err
		if err != nil {
			// bring the executor down too
			cancel()
		}
	}()

	// the executor owns the battery; it blocks until the context is
	// cancelled and the safe-shutdown path has run
	exec.Run(ctx)

	if err := <-serverErr; err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "exited cleanly")
}
