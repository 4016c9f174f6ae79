package instruments

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/fno_trader/internal/models"
)

// Canonical underlying names used as engine and persistence keys.
const (
	Nifty     = "NIFTY50"
	BankNifty = "BANKNIFTY"
	FinNifty  = "FINNIFTY"
	Sensex    = "SENSEX"
)

var underlyingAliases = map[string]string{
	"NIFTY":             Nifty,
	"NIFTY50":           Nifty,
	"NIFTY 50":          Nifty,
	"BANKNIFTY":         BankNifty,
	"NIFTYBANK":         BankNifty,
	"NIFTY BANK":        BankNifty,
	"FINNIFTY":          FinNifty,
	"NIFTYFIN":          FinNifty,
	"NIFTYFINSERVICE":   FinNifty,
	"NIFTY FIN SERVICE": FinNifty,
	"SENSEX":            Sensex,
}

// Canonical maps any known alias ("NIFTY 50", "NIFTYBANK", ...) to its canonical
// underlying name. Unknown names are returned upper-cased.
func Canonical(name string) string {
	key := strings.ToUpper(strings.Join(strings.Fields(name), " "))
	if c, ok := underlyingAliases[key]; ok {
		return c
	}
	if c, ok := underlyingAliases[strings.ReplaceAll(key, " ", "")]; ok {
		return c
	}
	return key
}

// MasterSymbol returns the prefix the instrument master and broker use for an
// underlying's options (NIFTY50 -> NIFTY).
func MasterSymbol(underlying string) string {
	switch c := Canonical(underlying); c {
	case Nifty:
		return "NIFTY"
	default:
		return c
	}
}

// SpotSymbol returns the index name quoted for the underlying's spot price.
func SpotSymbol(underlying string) string {
	switch Canonical(underlying) {
	case Nifty:
		return "NIFTY 50"
	case BankNifty:
		return "NIFTY BANK"
	case FinNifty:
		return "NIFTY FIN SERVICE"
	case Sensex:
		return "SENSEX"
	default:
		return underlying
	}
}

// SpotExchange is BSE for SENSEX and NSE otherwise.
func SpotExchange(underlying string) string {
	if Canonical(underlying) == Sensex {
		return "BSE"
	}
	return "NSE"
}

// OptionExchange is BFO for SENSEX and NFO otherwise.
func OptionExchange(underlying string) string {
	if Canonical(underlying) == Sensex {
		return "BFO"
	}
	return "NFO"
}

// weekly expiry month codes: 1-9 then O, N, D
var weeklyMonthCodes = [...]string{"", "1", "2", "3", "4", "5", "6", "7", "8", "9", "O", "N", "D"}

// IsMonthlyExpiry reports whether expiry falls in the final seven days of its
// month. This is only a guess at the broker's naming scheme.
func IsMonthlyExpiry(expiry time.Time) bool {
	lastDay := time.Date(expiry.Year(), expiry.Month()+1, 0, 0, 0, 0, 0, expiry.Location()).Day()
	return expiry.Day() > lastDay-7
}

// GenerateSymbol builds a tradable symbol from exchange naming conventions:
// weekly SYM+YY+M+DD+STRIKE+TYPE, monthly SYM+YY+MMM+STRIKE+TYPE.
func GenerateSymbol(underlying string, expiry time.Time, strike float64, tradeType models.TradeType) string {
	sym := MasterSymbol(underlying)
	yy := expiry.Format("06")
	k := formatStrike(strike)
	if IsMonthlyExpiry(expiry) {
		return fmt.Sprintf("%s%s%s%s%s", sym, yy, strings.ToUpper(expiry.Format("Jan")), k, tradeType.OptionSuffix())
	}
	return fmt.Sprintf("%s%s%s%02d%s%s", sym, yy, weeklyMonthCodes[expiry.Month()], expiry.Day(), k, tradeType.OptionSuffix())
}

func formatStrike(strike float64) string {
	return strconv.FormatFloat(strike, 'f', -1, 64)
}

// BrokerSymbol is an option contract decoded from a broker position symbol.
type BrokerSymbol struct {
	Underlying string
	Expiry     time.Time // zero when the symbol carries no parseable date
	Strike     float64
	TradeType  models.TradeType
}

var expiryLayouts = []string{"02Jan2006", "02Jan06", "2Jan2006", "2Jan06"}

var (
	compactWeekly  = regexp.MustCompile(`^([A-Z]+)(\d{2})([1-9OND])(\d{2})(\d+(?:\.\d+)?)(CE|PE)$`)
	compactMonthly = regexp.MustCompile(`^([A-Z]+)(\d{2})(JAN|FEB|MAR|APR|MAY|JUN|JUL|AUG|SEP|OCT|NOV|DEC)(\d+(?:\.\d+)?)(CE|PE)$`)
)

// ParseBrokerSymbol decodes symbols such as "NIFTY-10Feb2026-25800-CE" and
// "NIFTY 10FEB26 23000 CE" as reported in the broker's net positions, as well
// as the compact form produced by GenerateSymbol.
func ParseBrokerSymbol(symbol string) (BrokerSymbol, error) {
	parts := strings.Fields(strings.ReplaceAll(strings.ToUpper(symbol), "-", " "))
	if len(parts) == 1 {
		if out, ok := parseCompact(parts[0]); ok {
			return out, nil
		}
	}
	if len(parts) < 3 {
		return BrokerSymbol{}, fmt.Errorf("symbol %q: too few parts", symbol)
	}

	raw := parts[0]
	if raw == "NIFTY" && len(parts) > 1 {
		switch parts[1] {
		case "50":
			raw = "NIFTY50"
			parts = append(parts[:1], parts[2:]...)
		case "BANK":
			raw = "BANKNIFTY"
			parts = append(parts[:1], parts[2:]...)
		}
	}

	tradeType, err := models.ParseTradeType(parts[len(parts)-1])
	if err != nil {
		return BrokerSymbol{}, fmt.Errorf("symbol %q: no CE/PE suffix", symbol)
	}

	out := BrokerSymbol{Underlying: Canonical(raw), TradeType: tradeType}
	for _, p := range parts[1 : len(parts)-1] {
		if out.Expiry.IsZero() {
			if t, ok := parseExpiry(p); ok {
				out.Expiry = t
				continue
			}
		}
		if v, err := strconv.ParseFloat(p, 64); err == nil && v > 0 {
			out.Strike = v
		}
	}
	if out.Strike == 0 {
		return BrokerSymbol{}, fmt.Errorf("symbol %q: no strike", symbol)
	}
	return out, nil
}

// parseCompact decodes NIFTY2621026500CE (weekly) and NIFTY26FEB26500CE
// (monthly). Monthly symbols carry no day, so the last Tuesday of the month is
// assumed (last Thursday for SENSEX).
func parseCompact(s string) (BrokerSymbol, bool) {
	if m := compactMonthly.FindStringSubmatch(s); m != nil {
		month, err := time.Parse("Jan", m[3][:1]+strings.ToLower(m[3][1:]))
		if err != nil {
			return BrokerSymbol{}, false
		}
		yy, _ := strconv.Atoi(m[2])
		underlying := Canonical(m[1])
		wd := time.Tuesday
		if underlying == Sensex {
			wd = time.Thursday
		}
		return compactResult(underlying, lastWeekdayOfMonth(2000+yy, month.Month(), wd), m[4], m[5])
	}
	if m := compactWeekly.FindStringSubmatch(s); m != nil {
		month := 0
		for i, code := range weeklyMonthCodes {
			if i > 0 && code == m[3] {
				month = i
			}
		}
		yy, _ := strconv.Atoi(m[2])
		dd, _ := strconv.Atoi(m[4])
		if month == 0 || dd < 1 || dd > 31 {
			return BrokerSymbol{}, false
		}
		expiry := time.Date(2000+yy, time.Month(month), dd, 0, 0, 0, 0, models.DefaultLocation)
		return compactResult(Canonical(m[1]), expiry, m[5], m[6])
	}
	return BrokerSymbol{}, false
}

func compactResult(underlying string, expiry time.Time, strike, suffix string) (BrokerSymbol, bool) {
	k, err := strconv.ParseFloat(strike, 64)
	if err != nil || k <= 0 {
		return BrokerSymbol{}, false
	}
	tradeType, err := models.ParseTradeType(suffix)
	if err != nil {
		return BrokerSymbol{}, false
	}
	return BrokerSymbol{Underlying: underlying, Expiry: expiry, Strike: k, TradeType: tradeType}, true
}

func parseExpiry(s string) (time.Time, bool) {
	for _, layout := range expiryLayouts {
		if t, err := time.ParseInLocation(layout, s, models.DefaultLocation); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
