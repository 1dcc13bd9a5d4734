package main

import (
	"fmt"

	"alpha_engine/internal/broker"
	"alpha_engine/internal/broker/alpaca"
	"alpha_engine/internal/config"
	"alpha_engine/internal/history"
	"alpha_engine/internal/logger"
	"alpha_engine/internal/marketdata"
	"alpha_engine/internal/store"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	logFileName   = "engine.log"
	maxLogSizeMB  = 20
	maxLogBackups = 5
)

var rootCmd = &cobra.Command{
	Use:   "engined",
	Short: "Automated trading engine for US equities and crypto",
	Long: `engined runs trading strategies against Alpaca, serves an HTTP and
WebSocket API, and can backtest strategies over local or downloaded
historical data.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, backtestCmd, downloadCmd)
}

// stack is the shared dependency bundle the subcommands build on.
type stack struct {
	cfg        *config.Config
	log        *logrus.Logger
	broker     broker.Broker
	store      *store.Store
	history    *history.Provider
	marketData *marketdata.Service
}

// buildStack loads config and wires the data-path dependencies.
func buildStack(withLogFile bool) (*stack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logFile := ""
	if withLogFile {
		logFile = cfg.LogFile
		if logFile == "" {
			logFile = logFileName
		}
	}
	log := logger.Setup(cfg.LogLevel, logFile, maxLogSizeMB, maxLogBackups)

	adapter := alpaca.New(alpaca.Opts{
		APIKey:    cfg.AlpacaAPIKey,
		APISecret: cfg.AlpacaAPISecret,
		BaseURL:   cfg.AlpacaBaseURL,
	})

	st, err := store.New(cfg.DataDir, log)
	if err != nil {
		return nil, fmt.Errorf("store setup: %w", err)
	}
	hp := history.New(log)
	md := marketdata.New(adapter, st, hp, cfg.CacheTTL, log)

	return &stack{
		cfg:        cfg,
		log:        log,
		broker:     adapter,
		store:      st,
		history:    hp,
		marketData: md,
	}, nil
}
