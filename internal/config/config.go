// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/fno_trader/internal/indicators"
	"github.com/eddiefleurent/fno_trader/internal/instruments"
)

// Risk Management Constants
const (
	// defaultStopLossPct applies to underlyings without a stop loss table entry
	defaultStopLossPct = 0.70
	// defaultLotSize applies to underlyings without a lot size entry
	defaultLotSize = 65
	// defaultVIX is assumed when the VIX quote is missing or non-positive
	defaultVIX = 15.0
	// mid and high bands derived from a base-only stop loss entry
	midBandFactor  = 1.07
	highBandFactor = 1.14
)

// VIX band edges: low [12,15), mid [15,20), high [20,inf).
const (
	vixLowBandStart  = 12.0
	vixMidBandStart  = 15.0
	vixHighBandStart = 20.0
)

const defaultTimezone = "Asia/Kolkata"

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Risk        RiskConfig        `yaml:"risk"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Events      EventsConfig      `yaml:"events"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider        string               `yaml:"provider"`
	BaseURL         string               `yaml:"base_url"`
	APIKey          string               `yaml:"api_key"`
	APISecret       string               `yaml:"api_secret"`
	ClientCode      string               `yaml:"client_code"`
	Password        string               `yaml:"password"`
	CredentialsPath string               `yaml:"credentials_path"`
	Timeout         string               `yaml:"timeout"`
	Simulate        bool                 `yaml:"simulate"` // paper mode only: use the built-in market simulator
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the breaker wrapped around broker calls.
type CircuitBreakerConfig struct {
	MaxRequests  uint32  `yaml:"max_requests"`
	Interval     string  `yaml:"interval"`
	Timeout      string  `yaml:"timeout"`
	MinRequests  uint32  `yaml:"min_requests"`
	FailureRatio float64 `yaml:"failure_ratio"`
}

// ScheduleConfig defines trading schedule and market hours.
type ScheduleConfig struct {
	Timezone       string `yaml:"timezone"`         // e.g., "Asia/Kolkata"
	MarketOpen     string `yaml:"market_open"`      // "HH:MM"
	EntryCutoff    string `yaml:"entry_cutoff"`     // "HH:MM", no new entries from here
	MarketClose    string `yaml:"market_close"`     // "HH:MM", positions force closed from here
	TickInterval   string `yaml:"tick_interval"`    // loop period, e.g. "1s"
	ErrorBackoff   string `yaml:"error_backoff"`    // sleep after a failed tick
	DailyResetCron string `yaml:"daily_reset_cron"` // six-field cron spec
}

// SymbolConfig maps a quoted index to its canonical underlying.
type SymbolConfig struct {
	Name     string `yaml:"name"`     // quote name, e.g. "NIFTY 50"
	Exchange string `yaml:"exchange"` // spot exchange
	Token    string `yaml:"token"`    // spot instrument token for historical data
	Key      string `yaml:"key"`      // canonical underlying, e.g. NIFTY50
}

// StrategyConfig defines signal parameters.
type StrategyConfig struct {
	Symbols           []SymbolConfig `yaml:"symbols"`
	MACDFast          int            `yaml:"macd_fast"`
	MACDSlow          int            `yaml:"macd_slow"`
	MACDSignal        int            `yaml:"macd_signal"`
	RSIPeriod         int            `yaml:"rsi_period"`
	ADXPeriod         int            `yaml:"adx_period"`
	RSIMin            float64        `yaml:"rsi_min"`
	RSIMax            float64        `yaml:"rsi_max"`
	ADXDailyMin       float64        `yaml:"adx_daily_min"`
	StrikeDepth       int            `yaml:"strike_depth"`
	DefaultNumLots    int            `yaml:"default_num_lots"`
	IntradayTimeframe string         `yaml:"intraday_timeframe"`
	IntradayDays      int            `yaml:"intraday_days"`
	DailyDays         int            `yaml:"daily_days"`
	MinIntradayBars   int            `yaml:"min_intraday_bars"`
	MinDailyBars      int            `yaml:"min_daily_bars"`
	SafetyNetTicks    int            `yaml:"safety_net_ticks"`
}

// StopLossBands are spot-move stop loss percentages per VIX regime.
type StopLossBands struct {
	Base float64 `yaml:"base"`
	Low  float64 `yaml:"low"`
	Mid  float64 `yaml:"mid"`
	High float64 `yaml:"high"`
}

// RiskConfig defines risk management parameters.
type RiskConfig struct {
	InitialCapital        float64                  `yaml:"initial_capital"`
	VIXMinThreshold       float64                  `yaml:"vix_min_threshold"`
	ProfitTargetAmount    float64                  `yaml:"profit_target_amount"`
	DailyProfitLimit      float64                  `yaml:"daily_profit_limit"`
	MaxPremiumLossPercent float64                  `yaml:"max_premium_loss_percent"`
	DefaultVIX            float64                  `yaml:"default_vix"`
	StopLoss              map[string]StopLossBands `yaml:"stop_loss"`
	LotSizes              map[string]int           `yaml:"lot_sizes"`
}

// StorageConfig defines where state files live.
type StorageConfig struct {
	PositionsPath   string `yaml:"positions_path"`
	HistoryPath     string `yaml:"history_path"`
	OrdersPath      string `yaml:"orders_path"`
	JournalPath     string `yaml:"journal_path"` // empty disables the SQLite journal
	InstrumentsPath string `yaml:"instruments_path"`
}

// DashboardConfig defines the HTTP control surface.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
}

// EventsConfig selects the event bus; an empty RedisAddr keeps events in process.
type EventsConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Channel       string `yaml:"channel"`
}

// DefaultStopLoss is the built-in stop loss table.
func DefaultStopLoss() map[string]StopLossBands {
	return map[string]StopLossBands{
		instruments.Nifty:     {Base: 0.70, Low: 0.70, Mid: 0.75, High: 0.80},
		instruments.BankNifty: {Base: 1.20, Low: 1.20, Mid: 1.25, High: 1.50},
		instruments.FinNifty:  {Base: 1.00, Low: 1.00, Mid: 1.25, High: 1.50},
		instruments.Sensex:    {Base: 1.00, Low: 1.00, Mid: 1.25, High: 1.50},
	}
}

// DefaultLotSizes is the built-in exchange lot size table.
func DefaultLotSizes() map[string]int {
	return map[string]int{
		instruments.Nifty:     65,
		instruments.BankNifty: 30,
		instruments.FinNifty:  60,
		instruments.Sensex:    20,
	}
}

// DefaultSymbols are traded when strategy.symbols is empty.
func DefaultSymbols() []SymbolConfig {
	return []SymbolConfig{
		{Name: "NIFTY 50", Exchange: "NSE", Token: "26000", Key: instruments.Nifty},
		{Name: "NIFTY BANK", Exchange: "NSE", Token: "26009", Key: instruments.BankNifty},
	}
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, expanding environment variables first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// Validate fills defaults and checks that all values are valid and consistent.
func (c *Config) Validate() error {
	c.normalize()

	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}

	if c.Broker.Provider != "mstock" {
		return fmt.Errorf("broker.provider must be 'mstock'")
	}
	if c.Broker.Simulate && c.Environment.Mode == "live" {
		return fmt.Errorf("broker.simulate is only allowed in paper mode")
	}
	if !c.Broker.Simulate && (c.Broker.APIKey == "" || c.Broker.APISecret == "") {
		return fmt.Errorf("broker.api_key and broker.api_secret are required")
	}
	if err := checkDuration("broker.timeout", c.Broker.Timeout); err != nil {
		return err
	}
	if err := checkDuration("broker.circuit_breaker.interval", c.Broker.CircuitBreaker.Interval); err != nil {
		return err
	}
	if err := checkDuration("broker.circuit_breaker.timeout", c.Broker.CircuitBreaker.Timeout); err != nil {
		return err
	}
	if r := c.Broker.CircuitBreaker.FailureRatio; r <= 0 || r > 1 {
		return fmt.Errorf("broker.circuit_breaker.failure_ratio must be in (0,1]")
	}

	if err := c.validateSchedule(); err != nil {
		return err
	}
	if err := c.validateStrategy(); err != nil {
		return err
	}
	if err := c.validateRisk(); err != nil {
		return err
	}

	if c.Storage.PositionsPath == c.Storage.HistoryPath {
		return fmt.Errorf("storage.positions_path and storage.history_path must differ")
	}
	if c.Dashboard.Enabled && c.Dashboard.Addr == "" {
		return fmt.Errorf("dashboard.addr is required when the dashboard is enabled")
	}
	if c.Events.RedisDB < 0 {
		return fmt.Errorf("events.redis_db must be >= 0")
	}
	return nil
}

func (c *Config) validateSchedule() error {
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil && c.Schedule.Timezone != defaultTimezone {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	open, err1 := parseClock(c.Schedule.MarketOpen)
	cutoff, err2 := parseClock(c.Schedule.EntryCutoff)
	closeAt, err3 := parseClock(c.Schedule.MarketClose)
	if err1 != nil || err2 != nil || err3 != nil {
		return fmt.Errorf("schedule market_open/entry_cutoff/market_close must be HH:MM")
	}
	if !(open < cutoff && cutoff <= closeAt) {
		return fmt.Errorf("schedule must satisfy market_open < entry_cutoff <= market_close")
	}
	if err := checkDuration("schedule.tick_interval", c.Schedule.TickInterval); err != nil {
		return err
	}
	if err := checkDuration("schedule.error_backoff", c.Schedule.ErrorBackoff); err != nil {
		return err
	}
	if len(strings.Fields(c.Schedule.DailyResetCron)) != 6 {
		return fmt.Errorf("schedule.daily_reset_cron must have six fields (seconds first)")
	}
	return nil
}

func (c *Config) validateStrategy() error {
	s := c.Strategy
	seen := make(map[string]bool)
	for i, sym := range s.Symbols {
		if sym.Name == "" || sym.Key == "" {
			return fmt.Errorf("strategy.symbols[%d] needs name and key", i)
		}
		if seen[sym.Key] {
			return fmt.Errorf("strategy.symbols[%d]: duplicate underlying %s", i, sym.Key)
		}
		seen[sym.Key] = true
	}
	if s.MACDFast <= 0 || s.MACDSlow <= 0 || s.MACDSignal <= 0 {
		return fmt.Errorf("strategy MACD periods must be > 0")
	}
	if s.MACDFast >= s.MACDSlow {
		return fmt.Errorf("strategy.macd_fast (%d) must be < strategy.macd_slow (%d)", s.MACDFast, s.MACDSlow)
	}
	if s.RSIPeriod <= 0 || s.ADXPeriod <= 0 {
		return fmt.Errorf("strategy.rsi_period and strategy.adx_period must be > 0")
	}
	if s.RSIMin < 0 || s.RSIMax > 100 || s.RSIMin >= s.RSIMax {
		return fmt.Errorf("strategy RSI band must satisfy 0 <= rsi_min < rsi_max <= 100")
	}
	if s.ADXDailyMin < 0 || s.ADXDailyMin > 100 {
		return fmt.Errorf("strategy.adx_daily_min must be between 0 and 100")
	}
	if s.StrikeDepth < 0 {
		return fmt.Errorf("strategy.strike_depth must be >= 0")
	}
	if s.DefaultNumLots <= 0 {
		return fmt.Errorf("strategy.default_num_lots must be > 0")
	}
	if s.SafetyNetTicks <= 0 {
		return fmt.Errorf("strategy.safety_net_ticks must be > 0")
	}
	if s.MinIntradayBars < 2 || s.MinDailyBars < 1 {
		return fmt.Errorf("strategy.min_intraday_bars must be >= 2 and strategy.min_daily_bars >= 1")
	}
	return nil
}

func (c *Config) validateRisk() error {
	r := c.Risk
	if r.InitialCapital <= 0 {
		return fmt.Errorf("risk.initial_capital must be > 0")
	}
	if r.VIXMinThreshold < 0 {
		return fmt.Errorf("risk.vix_min_threshold must be >= 0")
	}
	if r.ProfitTargetAmount <= 0 {
		return fmt.Errorf("risk.profit_target_amount must be > 0")
	}
	if r.DailyProfitLimit <= 0 {
		return fmt.Errorf("risk.daily_profit_limit must be > 0")
	}
	if r.MaxPremiumLossPercent >= 0 || r.MaxPremiumLossPercent < -100 {
		return fmt.Errorf("risk.max_premium_loss_percent must be in [-100,0)")
	}
	for name, b := range r.StopLoss {
		if b.Base <= 0 || b.Low <= 0 || b.Mid <= 0 || b.High <= 0 {
			return fmt.Errorf("risk.stop_loss.%s bands must be > 0", name)
		}
	}
	for name, n := range r.LotSizes {
		if n <= 0 {
			return fmt.Errorf("risk.lot_sizes.%s must be > 0", name)
		}
	}
	return nil
}

// normalize sets default values for unset fields.
func (c *Config) normalize() {
	setString := func(p *string, v string) {
		if strings.TrimSpace(*p) == "" {
			*p = v
		}
	}
	setInt := func(p *int, v int) {
		if *p == 0 {
			*p = v
		}
	}
	setFloat := func(p *float64, v float64) {
		if *p == 0 {
			*p = v
		}
	}

	setString(&c.Environment.Mode, "paper")
	setString(&c.Environment.LogLevel, "info")

	setString(&c.Broker.Provider, "mstock")
	setString(&c.Broker.BaseURL, "https://api.mstock.trade/openapi/typea")
	setString(&c.Broker.CredentialsPath, "credentials.json")
	setString(&c.Broker.Timeout, "10s")
	if c.Broker.CircuitBreaker.MaxRequests == 0 {
		c.Broker.CircuitBreaker.MaxRequests = 3
	}
	if c.Broker.CircuitBreaker.MinRequests == 0 {
		c.Broker.CircuitBreaker.MinRequests = 5
	}
	setString(&c.Broker.CircuitBreaker.Interval, "60s")
	setString(&c.Broker.CircuitBreaker.Timeout, "30s")
	setFloat(&c.Broker.CircuitBreaker.FailureRatio, 0.6)

	setString(&c.Schedule.Timezone, defaultTimezone)
	setString(&c.Schedule.MarketOpen, "09:15")
	setString(&c.Schedule.EntryCutoff, "15:15")
	setString(&c.Schedule.MarketClose, "15:30")
	setString(&c.Schedule.TickInterval, "1s")
	setString(&c.Schedule.ErrorBackoff, "5s")
	setString(&c.Schedule.DailyResetCron, "0 0 0 * * *")

	if len(c.Strategy.Symbols) == 0 {
		c.Strategy.Symbols = DefaultSymbols()
	}
	for i := range c.Strategy.Symbols {
		sym := &c.Strategy.Symbols[i]
		if sym.Key == "" {
			sym.Key = sym.Name
		}
		sym.Key = instruments.Canonical(sym.Key)
		setString(&sym.Exchange, instruments.SpotExchange(sym.Key))
	}
	setInt(&c.Strategy.MACDFast, 12)
	setInt(&c.Strategy.MACDSlow, 26)
	setInt(&c.Strategy.MACDSignal, 9)
	setInt(&c.Strategy.RSIPeriod, 14)
	setInt(&c.Strategy.ADXPeriod, 14)
	setFloat(&c.Strategy.RSIMin, 30)
	setFloat(&c.Strategy.RSIMax, 65)
	setFloat(&c.Strategy.ADXDailyMin, 25)
	setInt(&c.Strategy.DefaultNumLots, 1)
	setString(&c.Strategy.IntradayTimeframe, "15minute")
	setInt(&c.Strategy.IntradayDays, 10)
	setInt(&c.Strategy.DailyDays, 60)
	setInt(&c.Strategy.MinIntradayBars, 50)
	setInt(&c.Strategy.MinDailyBars, 30)
	setInt(&c.Strategy.SafetyNetTicks, 3)

	setFloat(&c.Risk.InitialCapital, 100000)
	setFloat(&c.Risk.VIXMinThreshold, 10)
	setFloat(&c.Risk.ProfitTargetAmount, 250)
	setFloat(&c.Risk.DailyProfitLimit, 1200)
	setFloat(&c.Risk.MaxPremiumLossPercent, -50)
	setFloat(&c.Risk.DefaultVIX, defaultVIX)
	c.normalizeStopLoss()
	c.normalizeLotSizes()

	setString(&c.Storage.PositionsPath, "state/positions.json")
	setString(&c.Storage.HistoryPath, "state/trade_history.json")
	setString(&c.Storage.OrdersPath, "state/orders_log.json")
	setString(&c.Storage.InstrumentsPath, "nfo_master.json")

	setString(&c.Dashboard.Addr, ":8080")
	setString(&c.Events.Channel, "fno_trader:events")
}

// normalizeStopLoss merges configured bands over the defaults. An entry with only
// a base derives low = base, mid = base*1.07, high = base*1.14.
func (c *Config) normalizeStopLoss() {
	merged := DefaultStopLoss()
	for name, b := range c.Risk.StopLoss {
		if b.Low == 0 {
			b.Low = b.Base
		}
		if b.Mid == 0 {
			b.Mid = b.Base * midBandFactor
		}
		if b.High == 0 {
			b.High = b.Base * highBandFactor
		}
		merged[instruments.Canonical(name)] = b
	}
	c.Risk.StopLoss = merged
}

func (c *Config) normalizeLotSizes() {
	merged := DefaultLotSizes()
	for name, n := range c.Risk.LotSizes {
		merged[instruments.Canonical(name)] = n
	}
	c.Risk.LotSizes = merged
}

func checkDuration(field, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s invalid: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be > 0", field)
	}
	return nil
}

// parseClock returns minutes after midnight for "HH:MM".
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// TickInterval returns the monitoring loop period.
func (c *Config) TickInterval() time.Duration {
	return durationOr(c.Schedule.TickInterval, time.Second)
}

// ErrorBackoff returns the sleep applied after a failed loop tick.
func (c *Config) ErrorBackoff() time.Duration {
	return durationOr(c.Schedule.ErrorBackoff, 5*time.Second)
}

// BrokerTimeout returns the per-call broker timeout.
func (c *Config) BrokerTimeout() time.Duration {
	return durationOr(c.Broker.Timeout, 10*time.Second)
}

// Location returns the exchange time zone.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers
		return time.FixedZone("IST", 5*60*60+30*60)
	}
	return loc
}

// Session holds the trading window for one calendar day.
type Session struct {
	Open        time.Time
	EntryCutoff time.Time
	Close       time.Time
}

// SessionFor returns the window on now's exchange-local date.
func (c *Config) SessionFor(now time.Time) Session {
	loc := c.Location()
	day := now.In(loc)
	at := func(clock string, fallback int) time.Time {
		mins, err := parseClock(clock)
		if err != nil {
			mins = fallback
		}
		return time.Date(day.Year(), day.Month(), day.Day(), mins/60, mins%60, 0, 0, loc)
	}
	return Session{
		Open:        at(c.Schedule.MarketOpen, 9*60+15),
		EntryCutoff: at(c.Schedule.EntryCutoff, 15*60+15),
		Close:       at(c.Schedule.MarketClose, 15*60+30),
	}
}

// IsTradingDay reports whether now falls on a weekday in the exchange time zone.
func (c *Config) IsTradingDay(now time.Time) bool {
	wd := now.In(c.Location()).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// InEntryWindow reports whether new entries are allowed: [market_open, entry_cutoff) on a weekday.
func (c *Config) InEntryWindow(now time.Time) bool {
	if !c.IsTradingDay(now) {
		return false
	}
	s := c.SessionFor(now)
	return !now.Before(s.Open) && now.Before(s.EntryCutoff)
}

// InSession reports whether positions may be held: [market_open, market_close) on a weekday.
func (c *Config) InSession(now time.Time) bool {
	if !c.IsTradingDay(now) {
		return false
	}
	s := c.SessionFor(now)
	return !now.Before(s.Open) && now.Before(s.Close)
}

// NextOpen returns the next market open at or after now.
func (c *Config) NextOpen(now time.Time) time.Time {
	for i := 0; i < 8; i++ {
		day := now.In(c.Location()).AddDate(0, 0, i)
		if !c.IsTradingDay(day) {
			continue
		}
		open := c.SessionFor(day).Open
		if !open.Before(now) {
			return open
		}
	}
	return now
}

// StopLossPct returns the spot-move stop loss for underlying at the given VIX.
// VIX outside the banded ranges uses the base value.
func (c *Config) StopLossPct(underlying string, vix float64) float64 {
	bands, ok := c.Risk.StopLoss[instruments.Canonical(underlying)]
	if !ok {
		return defaultStopLossPct
	}
	switch {
	case vix >= vixHighBandStart:
		return bands.High
	case vix >= vixMidBandStart:
		return bands.Mid
	case vix >= vixLowBandStart:
		return bands.Low
	default:
		return bands.Base
	}
}

// LotSize returns the exchange lot size for underlying.
func (c *Config) LotSize(underlying string) int {
	if n, ok := c.Risk.LotSizes[instruments.Canonical(underlying)]; ok {
		return n
	}
	return defaultLotSize
}

// Quantity returns the order quantity: lot size times default_num_lots.
func (c *Config) Quantity(underlying string) int {
	return c.LotSize(underlying) * c.Strategy.DefaultNumLots
}

// EffectiveVIX substitutes the default VIX for a missing or non-positive quote.
func (c *Config) EffectiveVIX(vix float64) float64 {
	if vix <= 0 {
		if c.Risk.DefaultVIX > 0 {
			return c.Risk.DefaultVIX
		}
		return defaultVIX
	}
	return vix
}

// IndicatorParams returns the indicator periods.
func (c *Config) IndicatorParams() indicators.Params {
	return indicators.Params{
		MACDFast:   c.Strategy.MACDFast,
		MACDSlow:   c.Strategy.MACDSlow,
		MACDSignal: c.Strategy.MACDSignal,
		RSIPeriod:  c.Strategy.RSIPeriod,
		ADXPeriod:  c.Strategy.ADXPeriod,
	}
}

// Symbol returns the configured symbol for an underlying.
func (c *Config) Symbol(underlying string) (SymbolConfig, bool) {
	key := instruments.Canonical(underlying)
	for _, s := range c.Strategy.Symbols {
		if s.Key == key {
			return s, true
		}
	}
	return SymbolConfig{}, false
}

// Underlyings returns the configured underlyings, sorted.
func (c *Config) Underlyings() []string {
	out := make([]string, 0, len(c.Strategy.Symbols))
	for _, s := range c.Strategy.Symbols {
		out = append(out, s.Key)
	}
	sort.Strings(out)
	return out
}
