package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alpha_engine/internal/api"
	"alpha_engine/internal/config"
	"alpha_engine/internal/engine"
	"alpha_engine/internal/persistence"
	"alpha_engine/internal/risk"
	"alpha_engine/internal/strategy"

	"github.com/spf13/cobra"
)

var serveNoDB bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the live trading engine and HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoDB, "no-db", false, "run without database persistence")
}

func runServe(cmd *cobra.Command, args []string) error {
	s, err := buildStack(true)
	if err != nil {
		return err
	}
	log := s.log

	var port engine.Port = engine.NopPort{}
	var db *persistence.DB
	if !serveNoDB {
		db, err = persistence.Open(s.cfg.DatabaseURL, log)
		if err != nil {
			return err
		}
		port = db
	}

	registry := strategy.NewRegistry(log)
	strategy.RegisterBuiltins(registry)

	limits := risk.DefaultLimits()
	limits.MaxDailyLossPct = s.cfg.MaxDailyLossPct
	limits.MaxPositionSizePct = s.cfg.MaxPositionSizePct
	limits.MaxTradesPerDay = s.cfg.MaxTradesPerDay
	limits.MaxOpenPositions = s.cfg.MaxOpenPositions
	limits.MinBuyingPowerPct = s.cfg.MinBuyingPowerPct
	riskManager := risk.New(s.broker, limits, log)

	eng := engine.New(s.broker, s.marketData, registry, riskManager, port, engine.NewBus(log), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Initialize(ctx); err != nil {
		return err
	}

	// Autostart strategies from engine.yaml, if configured. Its risk
	// section wins over the environment limits.
	ef, err := config.LoadEngineFile(s.cfg.EngineConfigPath)
	if err != nil {
		return err
	}
	if len(ef.Risk) > 0 {
		riskManager.UpdateLimits(ef.Risk)
	}
	for _, entry := range ef.Autostart {
		if len(entry.Parameters) > 0 {
			if st, gerr := registry.Get(entry.Name); gerr == nil {
				strategy.UpdateParameters(st, entry.Parameters)
			}
		}
		if _, serr := eng.StartStrategy(entry.Name); serr != nil {
			log.WithField("strategy", entry.Name).WithError(serr).Error("autostart failed")
		}
	}

	server := &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: api.New(eng, db, log).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", s.cfg.HTTPAddr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutdown signal received")
	case err := <-errCh:
		log.WithError(err).Error("http server failed")
		eng.Stop()
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	eng.Stop()
	log.Info("shutdown complete")
	return nil
}
