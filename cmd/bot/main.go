package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/fno_trader/internal/broker"
	"github.com/eddiefleurent/fno_trader/internal/config"
	"github.com/eddiefleurent/fno_trader/internal/events"
	"github.com/eddiefleurent/fno_trader/internal/instruments"
	"github.com/eddiefleurent/fno_trader/internal/journal"
	"github.com/eddiefleurent/fno_trader/internal/mock"
	"github.com/eddiefleurent/fno_trader/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "fno-trader",
		Short: "Index options trading bot for NSE/BSE weekly contracts",
		Long: `fno-trader buys at-the-money index options on MACD/RSI/ADX signals and
manages them with a VIX-banded spot stop loss, a premium safety net, an absolute
profit target, trend reversal exits and an end of day square-off.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("loading %s: %w", opts.envFile, err)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file with broker secrets")

	cmd.AddCommand(
		newRunCmd(opts),
		newLoginCmd(opts),
		newCheckCmd(opts),
		newPositionsCmd(opts),
		newOrdersCmd(opts),
		newTradesCmd(opts),
		newResetCmd(opts),
	)
	return cmd
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, "[BOT] ", log.LstdFlags|log.Lshortfile)
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var paused bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the entry and exit monitors and the dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger := newLogger()

			logger.Printf("Starting fno_trader in %s mode", cfg.Environment.Mode)
			if cfg.IsPaperTrading() {
				logger.Println("PAPER TRADING MODE - No real money at risk")
			} else {
				logger.Println("LIVE TRADING MODE - Real money at risk!")
				logger.Println("Waiting 10 seconds to confirm...")
				time.Sleep(10 * time.Second)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			bot, err := buildBot(ctx, cfg, opts.configPath, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := bot.Close(); err != nil {
					logger.Printf("WARNING: closing journal: %v", err)
				}
			}()
			if paused {
				bot.SetTrading(false)
			}

			if err := bot.Run(ctx); err != nil {
				return fmt.Errorf("bot error: %w", err)
			}
			logger.Println("Bot stopped successfully")
			return nil
		},
	}
	cmd.Flags().BoolVar(&paused, "paused", false, "start with trading stopped (resume from the dashboard)")
	return cmd
}

// buildBot assembles the broker stack, storage, journal and event bus from cfg.
func buildBot(ctx context.Context, cfg *config.Config, configPath string, logger *log.Logger) (*Bot, error) {
	deps := Deps{}

	if cfg.Broker.Simulate {
		logger.Println("Using the built-in market simulator")
		deps.Broker = broker.NewCircuitBreakerBroker(mock.NewMarket(cfg.Strategy.Symbols, uint64(time.Now().UnixNano()), logger))
		deps.LiveOrders = true
	} else {
		client := newMStockClient(cfg, logger)
		deps.Auth = client
		deps.Broker = broker.NewCircuitBreakerBrokerWithSettings(client, breakerSettings(cfg))
		if !client.IsAuthenticated() {
			logger.Println("WARNING: no broker session; run `fno-trader login` or submit the OTP from the dashboard")
		}
	}

	store, err := storage.NewStorage(cfg.Storage.PositionsPath, cfg.Storage.HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("opening state files: %w", err)
	}
	deps.Store = store

	master, err := instruments.LoadMaster(cfg.Storage.InstrumentsPath)
	if err != nil {
		logger.Printf("WARNING: instrument master unavailable (%v); symbols will be generated", err)
	} else {
		logger.Printf("Loaded %d contracts from %s", master.Len(), cfg.Storage.InstrumentsPath)
		deps.Master = master
	}

	if cfg.Storage.JournalPath != "" {
		j, err := journal.NewSQLite(cfg.Storage.JournalPath)
		if err != nil {
			logger.Printf("WARNING: trade journal disabled: %v", err)
		} else {
			deps.Journal = j
		}
	}

	if cfg.Events.RedisAddr != "" {
		bus, err := events.NewRedisBus(ctx, events.RedisConfig{
			Addr:     cfg.Events.RedisAddr,
			Password: cfg.Events.RedisPassword,
			DB:       cfg.Events.RedisDB,
			Channel:  cfg.Events.Channel,
		})
		if err != nil {
			logger.Printf("WARNING: redis event bus unavailable, using in-process bus: %v", err)
		} else {
			deps.Bus = bus
		}
	}

	return NewBot(cfg, configPath, deps, logger), nil
}

func newMStockClient(cfg *config.Config, logger *log.Logger) *broker.MStockClient {
	return broker.NewMStockClient(broker.MStockConfig{
		BaseURL:         cfg.Broker.BaseURL,
		APIKey:          cfg.Broker.APIKey,
		APISecret:       cfg.Broker.APISecret,
		ClientCode:      cfg.Broker.ClientCode,
		Password:        cfg.Broker.Password,
		CredentialsPath: cfg.Broker.CredentialsPath,
		Timeout:         cfg.BrokerTimeout(),
	}, logger)
}

func breakerSettings(cfg *config.Config) broker.CircuitBreakerSettings {
	def := broker.DefaultCircuitBreakerSettings()
	cb := cfg.Broker.CircuitBreaker
	return broker.CircuitBreakerSettings{
		MaxRequests:  cb.MaxRequests,
		Interval:     durationOr(cb.Interval, def.Interval),
		Timeout:      durationOr(cb.Timeout, def.Timeout),
		MinRequests:  cb.MinRequests,
		FailureRatio: cb.FailureRatio,
	}
}

func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
