package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// TradeType is the option side of a position.
type TradeType string

const (
	// TradeCall is a long call (CE).
	TradeCall TradeType = "CALL"
	// TradePut is a long put (PE).
	TradePut TradeType = "PUT"
)

// Valid returns true for CALL and PUT.
func (t TradeType) Valid() bool {
	return t == TradeCall || t == TradePut
}

// OptionSuffix returns the exchange suffix, CE or PE.
func (t TradeType) OptionSuffix() string {
	if t == TradePut {
		return "PE"
	}
	return "CE"
}

// ParseTradeType accepts CALL/CE and PUT/PE in any case.
func ParseTradeType(s string) (TradeType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CALL", "CE":
		return TradeCall, nil
	case "PUT", "PE":
		return TradePut, nil
	default:
		return "", fmt.Errorf("unknown trade type %q", s)
	}
}

// UnmarshalJSON accepts both the CALL/PUT labels and the CE/PE suffixes.
func (t *TradeType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("trade_type: %w", err)
	}
	parsed, err := ParseTradeType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ExitReason is the persisted label explaining why a position was closed.
type ExitReason string

const (
	ExitProfitTarget  ExitReason = "Profit Target Hit"
	ExitStopLoss      ExitReason = "Stop Loss Hit"
	ExitTrendReversal ExitReason = "MACD Reversal"
	ExitEndOfDay      ExitReason = "EOD Force Close"
	ExitBrokerSync    ExitReason = "Broker Sync Reconciliation"
	ExitManual        ExitReason = "Manual Exit"
	exitReasonNone    ExitReason = ""
)

// premiums below this are treated as worthless when the entry price is unknown
const pnlPctNearZeroMark = 2.0

// Valid returns true if the reason is one of the defined labels.
func (r ExitReason) Valid() bool {
	switch r {
	case ExitProfitTarget, ExitStopLoss, ExitTrendReversal, ExitEndOfDay, ExitBrokerSync, ExitManual:
		return true
	default:
		return false
	}
}

// WorthlessPnLPct is reported by CalculatePnLPct when a position has no entry price and
// the premium is near zero.
const WorthlessPnLPct = -99.9

// ErrPositionClosed is returned when mutating a position that already has exit fields.
var ErrPositionClosed = errors.New("position already closed")

// Position is one long option leg from entry to exit.
//
// Exit fields are nil while the position is open. Once Close sets them the
// position is never mutated again.
type Position struct {
	ID                   string      `json:"position_id"`
	Underlying           string      `json:"underlying"`
	TradeType            TradeType   `json:"trade_type"`
	EntryTime            time.Time   `json:"entry_time"`
	EntryPrice           *float64    `json:"entry_price"`
	EntryUnderlyingPrice *float64    `json:"entry_underlying_price"`
	LotSize              int         `json:"lot_size"`
	SLPercentage         *float64    `json:"sl_percentage"`
	VIXAtEntry           *float64    `json:"vix_at_entry"`
	OptionSymbol         string      `json:"option_symbol"`
	StrikePrice          float64     `json:"strike_price"`
	ExitTime             *time.Time  `json:"exit_time"`
	ExitPrice            *float64    `json:"exit_price"`
	ExitUnderlyingPrice  *float64    `json:"exit_underlying_price"`
	ExitReason           *ExitReason `json:"exit_reason"`
	PnL                  *float64    `json:"pnl"`
	PnLPercentage        *float64    `json:"pnl_percentage"`
	MACDEntryIdx         int         `json:"macd_entry_idx"`
}

// NewPositionID builds a readable identifier such as NIFTY50_CALL_20260210101530123.
func NewPositionID(underlying string, tradeType TradeType, at time.Time) string {
	stamp := strings.Replace(at.Format("20060102150405.000"), ".", "", 1)
	return fmt.Sprintf("%s_%s_%s", underlying, tradeType, stamp)
}

// IsOpen reports whether none of the exit fields are set.
func (p *Position) IsOpen() bool {
	return p.ExitTime == nil && p.ExitPrice == nil && p.ExitUnderlyingPrice == nil &&
		p.ExitReason == nil && p.PnL == nil && p.PnLPercentage == nil
}

// CalculatePnL returns (premium - entry) * lot size.
func (p *Position) CalculatePnL(premium float64) float64 {
	return (premium - p.EntryPrice) * float64(p.LotSize)
}

// CalculatePnLPct returns the premium change as a percentage of the entry price.
// A zero entry price yields WorthlessPnLPct when the premium is near zero and 0 otherwise.
func (p *Position) CalculatePnLPct(premium float64) float64 {
	if p.EntryPrice == 0 {
		if premium < pnlPctNearZeroMark {
			return WorthlessPnLPct
		}
		return 0
	}
	return (premium - p.EntryPrice) / p.EntryPrice * 100
}

// SpotMovePct returns the percentage move of the underlying since entry.
func (p *Position) SpotMovePct(spot float64) float64 {
	if p.EntryUnderlyingPrice == 0 {
		return 0
	}
	return (spot - p.EntryUnderlyingPrice) / p.EntryUnderlyingPrice * 100
}

// StopLossHit reports whether the underlying moved against the position by at
// least SLPercentage. Without an entry spot it never triggers.
func (p *Position) StopLossHit(spot float64) bool {
	if p.EntryUnderlyingPrice == 0 {
		return false
	}
	move := p.SpotMovePct(spot)
	if p.TradeType == TradeCall {
		return move <= -p.SLPercentage
	}
	return move >= p.SLPercentage
}

// ProfitTargetHit reports whether the absolute P&L reached target.
func (p *Position) ProfitTargetHit(premium, target float64) bool {
	return p.CalculatePnL(premium) >= target
}

// Close sets every exit field. It fails if the position is already closed.
func (p *Position) Close(at time.Time, exitPrice, exitSpot float64, reason ExitReason) error {
	if !p.IsOpen() {
		return fmt.Errorf("position %s: %w", p.ID, ErrPositionClosed)
	}
	if !reason.Valid() {
		return fmt.Errorf("position %s: invalid exit reason %q", p.ID, reason)
	}
	pnl := p.CalculatePnL(exitPrice)
	pct := p.CalculatePnLPct(exitPrice)
	p.ExitTime = &at
	p.ExitPrice = &exitPrice
	p.ExitUnderlyingPrice = &exitSpot
	p.ExitReason = &reason
	p.PnL = &pnl
	p.PnLPercentage = &pct
	return nil
}

// RealisedPnL returns the closed P&L, or 0 while open.
func (p *Position) RealisedPnL() float64 {
	if p.PnL == nil {
		return 0
	}
	return *p.PnL
}

// Reason returns the exit reason, or an empty label while open.
func (p *Position) Reason() ExitReason {
	if p.ExitReason == nil {
		return exitReasonNone
	}
	return *p.ExitReason
}

// Clone returns a deep copy so callers cannot alias engine state.
func (p *Position) Clone() Position {
	c := *p
	if p.ExitTime != nil {
		t := *p.ExitTime
		c.ExitTime = &t
	}
	c.ExitPrice = cloneFloat(p.ExitPrice)
	c.ExitUnderlyingPrice = cloneFloat(p.ExitUnderlyingPrice)
	c.PnL = cloneFloat(p.PnL)
	c.PnLPercentage = cloneFloat(p.PnLPercentage)
	if p.ExitReason != nil {
		r := *p.ExitReason
		c.ExitReason = &r
	}
	return c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Validate checks the fields every persisted position must carry.
func (p *Position) Validate() error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return errors.New("position_id is required")
	case strings.TrimSpace(p.Underlying) == "":
		return fmt.Errorf("position %s: underlying is required", p.ID)
	case !p.TradeType.Valid():
		return fmt.Errorf("position %s: trade_type is required", p.ID)
	case p.EntryTime.IsZero():
		return fmt.Errorf("position %s: entry_time is required", p.ID)
	case p.LotSize <= 0:
		return fmt.Errorf("position %s: lot_size must be > 0", p.ID)
	case math.IsNaN(p.EntryPrice) || p.EntryPrice < 0:
		return fmt.Errorf("position %s: entry_price must be >= 0", p.ID)
	}
	if p.ExitReason != nil && !p.ExitReason.Valid() {
		return fmt.Errorf("position %s: unknown exit_reason %q", p.ID, *p.ExitReason)
	}
	exitFields := []bool{
		p.ExitTime != nil, p.ExitPrice != nil, p.ExitUnderlyingPrice != nil,
		p.ExitReason != nil, p.PnL != nil, p.PnLPercentage != nil,
	}
	closedFields := 0
	for _, set := range exitFields {
		if set {
			closedFields++
		}
	}
	if closedFields != 0 && closedFields != len(exitFields) {
		return fmt.Errorf("position %s: exit fields are partially set", p.ID)
	}
	return nil
}

// positionWire mirrors Position with string timestamps so legacy layouts can be parsed.
type positionWire struct {
	ID                   string      `json:"position_id"`
	Underlying           string      `json:"underlying"`
	TradeType            TradeType   `json:"trade_type"`
	EntryTime            string      `json:"entry_time"`
	EntryPrice           *float64    `json:"entry_price"`
	EntryUnderlyingPrice *float64    `json:"entry_underlying_price"`
	LotSize              int         `json:"lot_size"`
	SLPercentage         *float64    `json:"sl_percentage"`
	VIXAtEntry           *float64    `json:"vix_at_entry"`
	OptionSymbol         *string     `json:"option_symbol"`
	StrikePrice          *float64    `json:"strike_price"`
	ExitTime             *string     `json:"exit_time"`
	ExitPrice            *float64    `json:"exit_price"`
	ExitUnderlyingPrice  *float64    `json:"exit_underlying_price"`
	ExitReason           *ExitReason `json:"exit_reason"`
	PnL                  *float64    `json:"pnl"`
	PnLPercentage        *float64    `json:"pnl_percentage"`
	MACDEntryIdx         int         `json:"macd_entry_idx"`

	// Written by older versions of the bot and ignored.
	IsFirstTradeOfDay *bool `json:"is_first_trade_of_day,omitempty"`
	CrossoverIdx      *int  `json:"last_crossover_idx,omitempty"`
}

// Timestamps without an offset were written in exchange local time.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses an ISO-8601 timestamp, interpreting offset-less values in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for i, layout := range timestampLayouts {
		var (
			t   time.Time
			err error
		)
		if i == 0 {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, loc)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// DefaultLocation is applied to timestamps that carry no offset.
var DefaultLocation = time.FixedZone("IST", 5*60*60+30*60)

// UnmarshalJSON decodes a persisted position strictly: unknown fields and
// missing required fields are errors. option_symbol and strike_price may be null.
func (p *Position) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var w positionWire
	if err := dec.Decode(&w); err != nil {
		return fmt.Errorf("decoding position: %w", err)
	}

	if strings.TrimSpace(w.EntryTime) == "" {
		return fmt.Errorf("position %s: entry_time is required", w.ID)
	}
	entry, err := ParseTimestamp(w.EntryTime, DefaultLocation)
	if err != nil {
		return fmt.Errorf("position %s: entry_time: %w", w.ID, err)
	}

	for _, f := range []struct {
		name string
		v    *float64
	}{
		{"entry_price", w.EntryPrice},
		{"entry_underlying_price", w.EntryUnderlyingPrice},
		{"sl_percentage", w.SLPercentage},
		{"vix_at_entry", w.VIXAtEntry},
	} {
		if f.v == nil {
			return fmt.Errorf("position %s: %s is required", w.ID, f.name)
		}
	}
	// entry_price of 0 appears in older documents; the rest must be positive.
	if *w.EntryUnderlyingPrice <= 0 {
		return fmt.Errorf("position %s: entry_underlying_price must be > 0", w.ID)
	}
	if *w.SLPercentage <= 0 {
		return fmt.Errorf("position %s: sl_percentage must be > 0", w.ID)
	}

	out := Position{
		ID:                   w.ID,
		Underlying:           w.Underlying,
		TradeType:            w.TradeType,
		EntryTime:            entry,
		EntryPrice:           *w.EntryPrice,
		EntryUnderlyingPrice: *w.EntryUnderlyingPrice,
		LotSize:              w.LotSize,
		SLPercentage:         *w.SLPercentage,
		VIXAtEntry:           *w.VIXAtEntry,
		ExitPrice:            w.ExitPrice,
		ExitUnderlyingPrice:  w.ExitUnderlyingPrice,
		ExitReason:           w.ExitReason,
		PnL:                  w.PnL,
		PnLPercentage:        w.PnLPercentage,
		MACDEntryIdx:         w.MACDEntryIdx,
	}
	if w.OptionSymbol != nil {
		out.OptionSymbol = *w.OptionSymbol
	}
	if w.StrikePrice != nil {
		out.StrikePrice = *w.StrikePrice
	}
	if w.ExitTime != nil {
		exit, err := ParseTimestamp(*w.ExitTime, DefaultLocation)
		if err != nil {
			return fmt.Errorf("position %s: exit_time: %w", w.ID, err)
		}
		out.ExitTime = &exit
	}

	if err := out.Validate(); err != nil {
		return err
	}
	*p = out
	return nil
}
