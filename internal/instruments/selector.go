package instruments

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/eddiefleurent/fno_trader/internal/models"
	"github.com/eddiefleurent/fno_trader/internal/util"
)

var strikeIntervals = map[string]float64{
	Nifty:     50,
	BankNifty: 100,
	FinNifty:  50,
	Sensex:    100,
}

const defaultStrikeInterval = 50

// StrikeInterval returns the listed strike spacing for an underlying.
func StrikeInterval(underlying string) float64 {
	if v, ok := strikeIntervals[Canonical(underlying)]; ok {
		return v
	}
	return defaultStrikeInterval
}

// ATMStrike rounds spot to the nearest strike; exact halves round up.
func ATMStrike(spot float64, underlying string) float64 {
	return util.RoundHalfUp(spot, StrikeInterval(underlying))
}

// SelectStrike shifts the ATM strike depth intervals in the money and then
// moves one more interval if needed so the strike is never out of the money:
// CALL strikes are <= spot and PUT strikes are >= spot.
func SelectStrike(underlying string, spot float64, tradeType models.TradeType, depth int) float64 {
	if depth < 0 {
		depth = 0
	}
	interval := StrikeInterval(underlying)
	strike := ATMStrike(spot, underlying)
	if tradeType == models.TradeCall {
		strike -= float64(depth) * interval
		if strike > spot {
			strike -= interval
		}
		return strike
	}
	strike += float64(depth) * interval
	if strike < spot {
		strike += interval
	}
	return strike
}

// FallbackExpiry guesses the next expiry when the master lists none: weekly
// Tuesday for NIFTY, weekly Thursday for SENSEX, and the last Tuesday of the
// month for BANKNIFTY and FINNIFTY.
func FallbackExpiry(underlying string, from time.Time) time.Time {
	from = from.In(models.DefaultLocation)
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, models.DefaultLocation)
	switch Canonical(underlying) {
	case Sensex:
		return nextWeekday(day, time.Thursday)
	case BankNifty, FinNifty:
		exp := lastWeekdayOfMonth(day.Year(), day.Month(), time.Tuesday)
		if exp.Before(day) {
			exp = lastWeekdayOfMonth(day.Year(), day.Month()+1, time.Tuesday)
		}
		return exp
	default:
		return nextWeekday(day, time.Tuesday)
	}
}

func nextWeekday(day time.Time, wd time.Weekday) time.Time {
	offset := (int(wd) - int(day.Weekday()) + 7) % 7
	return day.AddDate(0, 0, offset)
}

func lastWeekdayOfMonth(year int, month time.Month, wd time.Weekday) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, models.DefaultLocation)
	offset := (int(last.Weekday()) - int(wd) + 7) % 7
	return last.AddDate(0, 0, -offset)
}

// Contract is a fully resolved option ready for quoting and ordering.
type Contract struct {
	Underlying string
	Symbol     string
	Token      string
	Exchange   string
	Strike     float64
	Expiry     time.Time
	TradeType  models.TradeType
	FromMaster bool
}

// ErrNoSpot is returned when a contract is requested without a usable spot price.
var ErrNoSpot = errors.New("spot price must be positive")

// Selector resolves contracts against an instrument master. A nil master is
// allowed; every symbol then comes from the generator.
type Selector struct {
	master *Master
	logger *log.Logger
}

// NewSelector creates a Selector.
func NewSelector(master *Master, logger *log.Logger) *Selector {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Selector{master: master, logger: logger}
}

// Master returns the underlying instrument master (may be nil).
func (s *Selector) Master() *Master {
	return s.master
}

// Expiry returns the nearest listed expiry, or the calendar guess when the master has none.
func (s *Selector) Expiry(underlying string, now time.Time) (time.Time, bool) {
	if exp, ok := s.master.NearestExpiry(underlying, now); ok {
		return exp, true
	}
	return FallbackExpiry(underlying, now), false
}

// ResolveSymbol returns the master's symbol for the contract. When the master has
// no entry it falls back to GenerateSymbol and logs the degradation.
func (s *Selector) ResolveSymbol(underlying string, expiry time.Time, strike float64, tradeType models.TradeType) (string, bool) {
	if sym, ok := s.master.Lookup(underlying, expiry, strike, tradeType); ok {
		return sym, true
	}
	sym := GenerateSymbol(underlying, expiry, strike, tradeType)
	s.logger.Printf("WARNING: %s %s %s %s not in instrument master, using generated symbol %s",
		underlying, expiry.Format(time.DateOnly), formatStrike(strike), tradeType.OptionSuffix(), sym)
	return sym, false
}

// SelectOption picks the strike for spot and resolves the contract for the
// nearest expiry on or after now.
func (s *Selector) SelectOption(underlying string, spot float64, tradeType models.TradeType, depth int, now time.Time) (Contract, error) {
	if spot <= 0 {
		return Contract{}, fmt.Errorf("%s: %w", underlying, ErrNoSpot)
	}
	strike := SelectStrike(underlying, spot, tradeType, depth)
	expiry, listed := s.Expiry(underlying, now)
	if !listed {
		s.logger.Printf("WARNING: no listed expiry for %s, guessing %s", underlying, expiry.Format(time.DateOnly))
	}
	symbol, fromMaster := s.ResolveSymbol(underlying, expiry, strike, tradeType)
	token, _ := s.master.Token(symbol)

	return Contract{
		Underlying: Canonical(underlying),
		Symbol:     symbol,
		Token:      token,
		Exchange:   OptionExchange(underlying),
		Strike:     strike,
		Expiry:     expiry,
		TradeType:  tradeType,
		FromMaster: fromMaster,
	}, nil
}
