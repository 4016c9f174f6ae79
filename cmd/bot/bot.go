package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/fno_trader/internal/broker"
	"github.com/eddiefleurent/fno_trader/internal/config"
	"github.com/eddiefleurent/fno_trader/internal/dashboard"
	"github.com/eddiefleurent/fno_trader/internal/events"
	"github.com/eddiefleurent/fno_trader/internal/instruments"
	"github.com/eddiefleurent/fno_trader/internal/journal"
	"github.com/eddiefleurent/fno_trader/internal/marketdata"
	"github.com/eddiefleurent/fno_trader/internal/metrics"
	"github.com/eddiefleurent/fno_trader/internal/models"
	"github.com/eddiefleurent/fno_trader/internal/orders"
	"github.com/eddiefleurent/fno_trader/internal/retry"
	"github.com/eddiefleurent/fno_trader/internal/schedule"
	"github.com/eddiefleurent/fno_trader/internal/storage"
	"github.com/eddiefleurent/fno_trader/internal/strategy"
)

// errLoginUnsupported is returned by the login hooks when the broker has no OTP flow.
var errLoginUnsupported = errors.New("broker does not support interactive login")

// Deps are the collaborators a Bot is assembled from.
type Deps struct {
	Broker  broker.Broker
	Auth    broker.Authenticator // nil when the broker needs no login
	Store   storage.Interface
	Master  *instruments.Master // nil uses generated symbols only
	Journal *journal.SQLite     // nil disables the trade journal
	Bus     events.Bus          // nil uses an in-memory bus
	// LiveOrders sends orders to Broker even in paper mode (simulated broker).
	LiveOrders bool
	// Retry overrides the reconciliation retry policy.
	Retry *retry.Client
}

// Bot wires the engine to market data and orders and runs the two monitoring loops.
type Bot struct {
	configPath string
	logger     *log.Logger
	now        func() time.Time

	broker     broker.Broker
	breaker    *broker.CircuitBreakerBroker
	auth       broker.Authenticator
	engine     *strategy.Engine
	feed       *marketdata.Feed
	selector   atomic.Pointer[instruments.Selector]
	orders     *orders.Manager
	reconciler *Reconciler
	journal    *journal.SQLite
	bus        events.Bus
	events     *eventObserver

	trading atomic.Bool
	debug   bool

	mu        sync.Mutex
	vix       float64
	premiums  map[string]float64 // last quoted premium per position id
	safetyNet map[string]int     // consecutive safety net ticks per position id
	idleUntil time.Time          // next open announced by the idle entry loop
}

// NewBot assembles a bot around cfg. Trading starts enabled.
func NewBot(cfg *config.Config, configPath string, deps Deps, logger *log.Logger) *Bot {
	if logger == nil {
		logger = log.Default()
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.NewMemoryBus()
	}

	b := &Bot{
		configPath: configPath,
		logger:     logger,
		now:        time.Now,
		broker:     deps.Broker,
		auth:       deps.Auth,
		journal:    deps.Journal,
		bus:        bus,
		debug:      cfg.Environment.LogLevel == "debug",
		vix:        cfg.Risk.DefaultVIX,
		premiums:   make(map[string]float64),
		safetyNet:  make(map[string]int),
	}
	if cb, ok := deps.Broker.(*broker.CircuitBreakerBroker); ok {
		b.breaker = cb
	}

	b.engine = strategy.NewEngine(cfg, deps.Store, logger)
	b.feed = marketdata.NewFeed(deps.Broker, nil, logger)
	b.selector.Store(instruments.NewSelector(deps.Master, logger))

	paper := cfg.IsPaperTrading() && !deps.LiveOrders
	b.orders = orders.NewManager(deps.Broker, cfg.Storage.OrdersPath, paper, logger)
	// paper positions never reach the broker book, so there is nothing to reconcile
	if !paper {
		b.reconciler = NewReconciler(deps.Broker, b.engine, b.feed, deps.Retry, logger)
	}

	b.events = &eventObserver{bus: bus, logger: logger, now: b.clock}
	b.orders.SetObserver(b.events.order)
	b.engine.AddObserver(metricsObserver{})
	b.engine.AddObserver(b.events)
	if deps.Journal != nil {
		b.engine.AddObserver(&journalObserver{journal: deps.Journal, logger: logger})
	}

	b.trading.Store(true)
	return b
}

// SetClock replaces the time source of the bot and everything it owns.
func (b *Bot) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	b.engine.SetClock(now)
	b.feed.SetClock(now)
	b.orders.SetClock(now)
}

func (b *Bot) clock() time.Time {
	b.mu.Lock()
	now := b.now
	b.mu.Unlock()
	return now()
}

// Start restores persisted state and reconciles it with the broker. Failures
// are logged; the bot continues with whatever local state it has.
func (b *Bot) Start(ctx context.Context) {
	if err := b.engine.Restore(); err != nil {
		b.logger.Printf("WARNING: restoring state: %v", err)
	}
	if b.reconciler != nil {
		if _, err := b.reconciler.Reconcile(ctx); err != nil && isAuthError(err) {
			b.logger.Printf("WARNING: broker session expired; run `fno-trader login` or use the dashboard")
		}
	}
	acct := b.engine.Status()
	metrics.Account(acct.OpenPositions, acct.DailyPnL, acct.CurrentCapital)
	b.logger.Printf("Capital Rs %.2f | %d open | daily P&L Rs %.2f over %d trade(s)",
		acct.CurrentCapital, acct.OpenPositions, acct.DailyPnL, acct.DailyTrades)
}

// Run starts both loops, the scheduler and, when configured, the dashboard,
// and blocks until ctx is cancelled or a component fails.
func (b *Bot) Run(ctx context.Context) error {
	cfg := b.engine.Config()
	b.Start(ctx)

	sched := schedule.New(cfg.Location(), b.logger)
	if _, err := sched.AddDailyReset(cfg.Schedule.DailyResetCron, b.engine, b.feed.Invalidate, b.resetCounters); err != nil {
		return err
	}
	if cfg.Storage.InstrumentsPath != "" {
		if _, err := sched.Add("instrument master refresh", schedule.DefaultMasterRefresh, b.refreshMaster); err != nil {
			return err
		}
	}
	sched.Start()
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.runLoop(gctx, "entry", b.entryTick) })
	g.Go(func() error { return b.runLoop(gctx, "exit", b.exitTick) })

	if cfg.Dashboard.Enabled {
		dlog := logrus.New()
		if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
			dlog.SetLevel(lvl)
		}
		hub := dashboard.NewHub(b.bus, dlog)
		srv := dashboard.NewServer(dashboard.Config{Addr: cfg.Dashboard.Addr, AuthToken: cfg.Dashboard.AuthToken}, b, hub, dlog)
		g.Go(func() error { return hub.Run(gctx) })
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	if cerr := b.bus.Close(); cerr != nil {
		b.logger.Printf("WARNING: closing event bus: %v", cerr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the journal. The bus is closed by Run.
func (b *Bot) Close() error {
	if b.journal != nil {
		return b.journal.Close()
	}
	return nil
}

// refreshMaster reloads the instrument master and swaps the selector.
func (b *Bot) refreshMaster() {
	path := b.engine.Config().Storage.InstrumentsPath
	master, err := instruments.LoadMaster(path)
	if err != nil {
		b.logger.Printf("WARNING: instrument master refresh from %s failed, keeping current: %v", path, err)
		return
	}
	b.selector.Store(instruments.NewSelector(master, b.logger))
	b.logger.Printf("Instrument master reloaded: %d contracts", master.Len())
}

func (b *Bot) resetCounters() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.safetyNet)
	clear(b.premiums)
}

func (b *Bot) setVIX(v float64) {
	metrics.VIX.Set(v)
	b.mu.Lock()
	b.vix = v
	b.mu.Unlock()
}

// Status implements dashboard.Backend.
func (b *Bot) Status() dashboard.Status {
	cfg := b.engine.Config()
	now := b.clock()

	b.mu.Lock()
	vix := b.vix
	b.mu.Unlock()

	mode := cfg.Environment.Mode
	if cfg.Broker.Simulate {
		mode += " (simulated)"
	}
	st := dashboard.Status{
		Running:       b.trading.Load(),
		Mode:          mode,
		Authenticated: b.auth == nil || b.auth.IsAuthenticated(),
		InSession:     cfg.InSession(now),
		InEntryWindow: cfg.InEntryWindow(now),
		VIX:           vix,
		Underlyings:   cfg.Underlyings(),
		Phases:        make(map[string]models.Phase),
		PhaseDetails:  make(map[string]models.PhaseStatus),
		Account:       b.engine.Status(),
		Time:          now,
	}
	if b.breaker != nil {
		st.BrokerState = b.breaker.State()
	}
	for _, u := range st.Underlyings {
		detail := b.engine.PhaseStatus(u)
		st.Phases[u] = detail.Phase
		st.PhaseDetails[u] = detail
	}
	return st
}

// OpenPositions implements dashboard.Backend, ordered by underlying.
func (b *Bot) OpenPositions() []models.Position {
	open := b.engine.OpenPositions()
	out := make([]models.Position, 0, len(open))
	for _, p := range open {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Underlying < out[j].Underlying })
	return out
}

// History implements dashboard.Backend.
func (b *Bot) History() []models.Position { return b.engine.History() }

// Orders implements dashboard.Backend.
func (b *Bot) Orders(limit int) []models.Order { return b.orders.Recent(limit) }

// OrderSummary implements dashboard.Backend.
func (b *Bot) OrderSummary() orders.Summary { return b.orders.Summary() }

// SetTrading pauses or resumes both loops. Open positions stay open while paused.
func (b *Bot) SetTrading(enabled bool) {
	if b.trading.Swap(enabled) != enabled {
		b.logger.Printf("Trading %s", map[bool]string{true: "STARTED", false: "STOPPED"}[enabled])
	}
}

// InitiateLogin implements dashboard.Backend.
func (b *Bot) InitiateLogin(ctx context.Context) error {
	if b.auth == nil {
		return errLoginUnsupported
	}
	return b.auth.InitiateLogin(ctx)
}

// CompleteLogin implements dashboard.Backend.
func (b *Bot) CompleteLogin(ctx context.Context, otp string) error {
	if b.auth == nil {
		return errLoginUnsupported
	}
	if err := b.auth.CompleteLogin(ctx, otp); err != nil {
		return err
	}
	b.logger.Printf("Broker session established")
	return nil
}

// ReloadConfig re-reads the config file and swaps it in if it validates.
func (b *Bot) ReloadConfig() error {
	if b.configPath == "" {
		return errors.New("no config file to reload")
	}
	cfg, err := config.Load(b.configPath)
	if err != nil {
		return err
	}
	if cfg.Environment.Mode != b.engine.Config().Environment.Mode {
		return fmt.Errorf("environment.mode cannot change without a restart")
	}
	b.engine.UpdateConfig(cfg)
	b.logger.Printf("Configuration reloaded from %s", b.configPath)
	return nil
}

var _ dashboard.Backend = (*Bot)(nil)
