// Package instruments resolves strikes and tradable option symbols for the
// supported index underlyings.
package instruments

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/fno_trader/internal/models"
)

const masterExpiryLayout = "02Jan2006"

var masterUnderlyings = map[string]bool{"NIFTY": true, "BANKNIFTY": true, "FINNIFTY": true, "SENSEX": true}

// Record is one row of the broker's instrument master snapshot.
type Record struct {
	Token          flexString `json:"token"`
	Symbol         string     `json:"symbol"`
	Name           string     `json:"name"`
	Expiry         string     `json:"expiry"`
	Strike         flexString `json:"strike"`
	InstrumentType string     `json:"instrumenttype"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(strings.TrimSpace(string(data)))
	return nil
}

type contractKey struct {
	symbol    string
	expiry    string // YYYY-MM-DD
	strike    int64  // strike in paise
	tradeType models.TradeType
}

// Master is an immutable index of option contracts. It is built once and is
// safe for concurrent reads.
type Master struct {
	contracts map[contractKey]string
	tokens    map[string]string
	expiries  map[string][]time.Time
}

// LoadMaster reads a JSON array snapshot from path.
func LoadMaster(path string) (*Master, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("opening instrument master: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseMaster(f)
}

// ParseMaster decodes a JSON array of records.
func ParseMaster(r io.Reader) (*Master, error) {
	var records []Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding instrument master: %w", err)
	}
	return NewMaster(records), nil
}

// NewMaster indexes the index-option records, skipping anything that is not an
// OPTIDX contract on a supported underlying or that has an unparseable field.
func NewMaster(records []Record) *Master {
	m := &Master{
		contracts: make(map[contractKey]string),
		tokens:    make(map[string]string),
		expiries:  make(map[string][]time.Time),
	}
	seenExpiry := make(map[string]map[string]bool)

	for _, rec := range records {
		symbol := strings.ToUpper(strings.TrimSpace(rec.Symbol))
		if !masterUnderlyings[symbol] || rec.InstrumentType != "OPTIDX" {
			continue
		}
		name := strings.TrimSpace(rec.Name)
		tradeType, ok := optionTypeFromName(name)
		if !ok {
			continue
		}
		expiry, err := time.ParseInLocation(masterExpiryLayout, strings.TrimSpace(rec.Expiry), models.DefaultLocation)
		if err != nil {
			continue
		}
		strike, err := strconv.ParseFloat(strings.TrimSpace(string(rec.Strike)), 64)
		if err != nil || strike <= 0 {
			continue
		}

		m.contracts[makeKey(symbol, expiry, strike, tradeType)] = name
		if tok := strings.TrimSpace(string(rec.Token)); tok != "" {
			m.tokens[name] = tok
		}
		day := expiry.Format(time.DateOnly)
		if seenExpiry[symbol] == nil {
			seenExpiry[symbol] = make(map[string]bool)
		}
		if !seenExpiry[symbol][day] {
			seenExpiry[symbol][day] = true
			m.expiries[symbol] = append(m.expiries[symbol], expiry)
		}
	}

	for sym := range m.expiries {
		list := m.expiries[sym]
		sort.Slice(list, func(i, j int) bool { return list[i].Before(list[j]) })
	}
	return m
}

func optionTypeFromName(name string) (models.TradeType, bool) {
	upper := strings.ToUpper(name)
	switch {
	case strings.HasSuffix(upper, "CE"):
		return models.TradeCall, true
	case strings.HasSuffix(upper, "PE"):
		return models.TradePut, true
	case strings.Contains(upper, "CE"):
		return models.TradeCall, true
	case strings.Contains(upper, "PE"):
		return models.TradePut, true
	default:
		return "", false
	}
}

func makeKey(symbol string, expiry time.Time, strike float64, tradeType models.TradeType) contractKey {
	return contractKey{
		symbol:    symbol,
		expiry:    expiry.Format(time.DateOnly),
		strike:    int64(math.Round(strike * 100)),
		tradeType: tradeType,
	}
}

// Len returns the number of indexed contracts.
func (m *Master) Len() int {
	if m == nil {
		return 0
	}
	return len(m.contracts)
}

// Lookup returns the broker's tradable symbol for a contract.
func (m *Master) Lookup(underlying string, expiry time.Time, strike float64, tradeType models.TradeType) (string, bool) {
	if m == nil {
		return "", false
	}
	name, ok := m.contracts[makeKey(MasterSymbol(underlying), expiry, strike, tradeType)]
	return name, ok
}

// Token returns the instrument token for a tradable symbol.
func (m *Master) Token(symbol string) (string, bool) {
	if m == nil {
		return "", false
	}
	tok, ok := m.tokens[symbol]
	return tok, ok
}

// NearestExpiry returns the first listed expiry on or after from's calendar date.
func (m *Master) NearestExpiry(underlying string, from time.Time) (time.Time, bool) {
	if m == nil {
		return time.Time{}, false
	}
	from = from.In(models.DefaultLocation)
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, models.DefaultLocation)
	list := m.expiries[MasterSymbol(underlying)]
	i := sort.Search(len(list), func(i int) bool { return !list[i].Before(day) })
	if i == len(list) {
		return time.Time{}, false
	}
	return list[i], true
}

// Expiries returns the sorted expiries listed for an underlying.
func (m *Master) Expiries(underlying string) []time.Time {
	if m == nil {
		return nil
	}
	return append([]time.Time(nil), m.expiries[MasterSymbol(underlying)]...)
}
