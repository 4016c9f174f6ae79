package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/eddiefleurent/fno_trader/internal/broker"
	"github.com/eddiefleurent/fno_trader/internal/config"
	"github.com/eddiefleurent/fno_trader/internal/instruments"
	"github.com/eddiefleurent/fno_trader/internal/journal"
	"github.com/eddiefleurent/fno_trader/internal/marketdata"
	"github.com/eddiefleurent/fno_trader/internal/mock"
	"github.com/eddiefleurent/fno_trader/internal/orders"
	"github.com/eddiefleurent/fno_trader/internal/storage"
)

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var otp string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the broker (without --otp, requests an OTP)",
		Example: `  fno-trader login            # sends the OTP to the registered phone
  fno-trader login --otp 123456`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.Broker.Simulate {
				return errLoginUnsupported
			}
			client := newMStockClient(cfg, log.New(cmd.ErrOrStderr(), "[MSTOCK] ", log.LstdFlags))
			out := cmd.OutOrStdout()

			if strings.TrimSpace(otp) == "" {
				if err := client.InitiateLogin(cmd.Context()); err != nil {
					return fmt.Errorf("login: %w", err)
				}
				fmt.Fprintln(out, "OTP sent. Complete with: fno-trader login --otp <code>")
				return nil
			}
			if err := client.CompleteLogin(cmd.Context(), strings.TrimSpace(otp)); err != nil {
				return fmt.Errorf("otp: %w", err)
			}
			fmt.Fprintf(out, "Authenticated; access token saved to %s\n", cfg.Broker.CredentialsPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&otp, "otp", "", "one-time password received after login")
	return cmd
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify broker connectivity: quotes, VIX and the net position book",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger := log.New(cmd.ErrOrStderr(), "[CHECK] ", log.LstdFlags)
			var b broker.Broker
			if cfg.Broker.Simulate {
				b = mock.NewMarket(cfg.Strategy.Symbols, uint64(time.Now().UnixNano()), logger)
			} else {
				client := newMStockClient(cfg, logger)
				if !client.IsAuthenticated() {
					return fmt.Errorf("%w: run `fno-trader login` first", broker.ErrNotAuthenticated)
				}
				b = client
			}
			return runCheck(cmd.Context(), cmd.OutOrStdout(), cfg, b)
		},
	}
}

// runCheck prints one line per probe and fails if any probe failed.
func runCheck(ctx context.Context, out io.Writer, cfg *config.Config, b broker.Broker) error {
	feed := marketdata.NewFeed(b, nil, log.New(io.Discard, "", 0))
	failed := 0

	for _, u := range cfg.Underlyings() {
		spot, err := feed.Spot(ctx, cfg, u)
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL  %-10s spot: %v\n", u, err)
			continue
		}
		fmt.Fprintf(out, "OK    %-10s spot %.2f\n", u, spot)
	}

	if path := cfg.Storage.InstrumentsPath; path != "" {
		failed += checkMaster(out, cfg, path)
	}

	if vix, live := feed.VIX(ctx, cfg); live {
		fmt.Fprintf(out, "OK    INDIA VIX  %.2f\n", vix)
	} else {
		failed++
		fmt.Fprintf(out, "FAIL  INDIA VIX  unavailable, default %.2f would be used\n", vix)
	}

	rows, err := b.GetNetPositions(ctx)
	if err != nil {
		failed++
		fmt.Fprintf(out, "FAIL  positions: %v\n", err)
	} else {
		fmt.Fprintf(out, "OK    positions: %d row(s)\n", len(rows))
		for _, r := range rows {
			fmt.Fprintf(out, "      %s %s x%d @ %.2f\n", r.Exchange, r.Symbol, r.Quantity, r.AveragePrice)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

// checkMaster reports the listed expiries per underlying and returns the failure count.
func checkMaster(out io.Writer, cfg *config.Config, path string) int {
	master, err := instruments.LoadMaster(path)
	if err != nil {
		fmt.Fprintf(out, "FAIL  instrument master: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "OK    instrument master: %d contracts\n", master.Len())
	failed := 0
	for _, u := range cfg.Underlyings() {
		expiries := master.Expiries(u)
		if len(expiries) == 0 {
			failed++
			fmt.Fprintf(out, "FAIL  %-10s no expiries listed\n", u)
			continue
		}
		fmt.Fprintf(out, "OK    %-10s expiries: %d listed, %s .. %s\n", u, len(expiries),
			expiries[0].Format(time.DateOnly), expiries[len(expiries)-1].Format(time.DateOnly))
	}
	return failed
}

func newPositionsCmd(opts *rootOptions) *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Show open positions (or closed history with --history)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			store, err := storage.NewStorage(cfg.Storage.PositionsPath, cfg.Storage.HistoryPath)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			defer w.Flush()

			if history {
				closed, err := store.LoadHistory()
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "ID\tSYMBOL\tQTY\tENTRY\tEXIT\tP&L\tREASON")
				for _, p := range closed {
					exit, pnl := 0.0, p.RealisedPnL()
					if p.ExitPrice != nil {
						exit = *p.ExitPrice
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%.2f\t%.2f\t%s\n", p.ID, p.OptionSymbol, p.LotSize, p.EntryPrice, exit, pnl, p.Reason())
				}
				return nil
			}

			open, err := store.LoadPositions()
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(open))
			for k := range open {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Fprintln(w, "UNDERLYING\tID\tSYMBOL\tQTY\tENTRY\tSPOT\tSL%\tOPENED")
			for _, k := range keys {
				p := open[k]
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%.2f\t%.2f\t%s\n", k, p.ID, p.OptionSymbol, p.LotSize,
					p.EntryPrice, p.EntryUnderlyingPrice, p.SLPercentage, p.EntryTime.In(cfg.Location()).Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "show closed trades instead")
	return cmd
}

func newOrdersCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Show the most recent orders and the order summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			// read only: a paper manager never calls the broker
			m := orders.NewManager(nil, cfg.Storage.OrdersPath, true, log.New(io.Discard, "", 0))
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tORDER\tSIDE\tSYMBOL\tQTY\tSTATUS\tBROKER ID\tREASON")
			for _, o := range m.Recent(limit) {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n", o.CreatedAt.In(cfg.Location()).Format("01-02 15:04:05"),
					o.OrderID, o.Side, o.Symbol, o.Quantity, o.Status, o.BrokerOrderID, o.RejectionReason)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			s := m.Summary()
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d orders: %d placed, %d rejected, %d insufficient funds (%.1f%% success)\n",
				s.TotalOrders, s.Placed, s.Rejected, s.InsufficientFunds, s.SuccessRate)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of orders to show")
	return cmd
}

func newTradesCmd(opts *rootOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List journaled trades and the equity curve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.JournalPath == "" {
				return errors.New("storage.journal_path is not configured")
			}
			j, err := journal.NewSQLite(cfg.Storage.JournalPath)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer j.Close()

			loc := cfg.Location()
			now := time.Now().In(loc)
			end := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, loc)
			start := end.AddDate(0, 0, -days)
			recs, err := j.ListTrades(cmd.Context(), start, end)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "EXIT\tID\tSYMBOL\tQTY\tENTRY\tEXIT PX\tP&L\tREASON")
			total := 0.0
			for _, r := range recs {
				total += r.PnL
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%.2f\t%.2f\t%s\n", r.ExitTime.In(loc).Format("2006-01-02 15:04"),
					r.PositionID, r.OptionSymbol, r.Quantity, r.EntryPrice, r.ExitPrice, r.PnL, r.Reason)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d trade(s), net P&L Rs %.2f\n", len(recs), total)

			curve, err := j.EquityCurve(cmd.Context())
			if err != nil {
				return err
			}
			if n := len(curve); n > 0 {
				last := curve[n-1]
				fmt.Fprintf(cmd.OutOrStdout(), "Equity on %s: Rs %.2f (win rate %.1f%%)\n", last.Day, last.Capital, last.WinRate)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of calendar days to list")
	return cmd
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Archive the state files so the next run starts flat",
		Long: `reset renames the positions, history and orders files with a timestamp
suffix. Nothing is deleted. Do not run it while the bot is running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if !yes {
				return errors.New("refusing to reset without --yes")
			}
			archived, err := archiveState(time.Now(), cfg.Storage.PositionsPath, cfg.Storage.HistoryPath, cfg.Storage.OrdersPath)
			for _, a := range archived {
				fmt.Fprintf(cmd.OutOrStdout(), "archived %s\n", a)
			}
			if len(archived) == 0 && err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to archive")
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

// archiveState renames each existing file to <path>.<timestamp>.bak and
// returns the new names. Missing files are skipped.
func archiveState(now time.Time, paths ...string) ([]string, error) {
	stamp := now.Format("20060102-150405")
	var archived []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		dst := fmt.Sprintf("%s.%s.bak", p, stamp)
		if err := os.Rename(p, dst); err != nil {
			return archived, fmt.Errorf("archiving %s: %w", p, err)
		}
		archived = append(archived, dst)
	}
	return archived, nil
}
