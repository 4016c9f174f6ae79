package broker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/fno_trader/internal/storage"
)

// DefaultBaseURL is the mStock Type-A REST root.
const DefaultBaseURL = "https://api.mstock.trade/openapi/typea"

const (
	apiVersionHeader = "X-Mirae-Version"
	apiVersion       = "1"
	historicalLayout = "2006-01-02 15:04:05"
	errorBodyLimit   = 64 << 10
)

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Unwrap maps auth failures onto ErrNotAuthenticated.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrNotAuthenticated
	}
	return nil
}

// MStockConfig holds client credentials and transport settings.
type MStockConfig struct {
	BaseURL         string
	APIKey          string
	APISecret       string
	ClientCode      string
	Password        string
	CredentialsPath string
	Timeout         time.Duration
}

// MStockClient implements Broker and Authenticator against the mStock Type-A API.
type MStockClient struct {
	client          *http.Client
	baseURL         string
	apiKey          string
	apiSecret       string
	clientCode      string
	password        string
	credentialsPath string
	logger          *log.Logger

	mu          sync.RWMutex
	accessToken string
}

var (
	_ Broker        = (*MStockClient)(nil)
	_ Authenticator = (*MStockClient)(nil)
)

// NewMStockClient creates a client and loads any saved access token.
func NewMStockClient(cfg MStockConfig, logger *log.Logger) *MStockClient {
	if logger == nil {
		logger = log.New(os.Stdout, "[MSTOCK] ", log.LstdFlags)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &MStockClient{
		client:          &http.Client{Timeout: timeout},
		baseURL:         strings.TrimRight(baseURL, "/"),
		apiKey:          cfg.APIKey,
		apiSecret:       cfg.APISecret,
		clientCode:      cfg.ClientCode,
		password:        cfg.Password,
		credentialsPath: cfg.CredentialsPath,
		logger:          logger,
	}
	if err := c.loadAccessToken(); err != nil {
		logger.Printf("WARNING: %v; login required", err)
	}
	return c
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (c *MStockClient) WithHTTPClient(hc *http.Client) *MStockClient {
	if hc != nil {
		c.client = hc
	}
	return c
}

// SetAccessToken installs a token without touching the credentials file.
func (c *MStockClient) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// IsAuthenticated reports whether an access token is loaded.
func (c *MStockClient) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken != ""
}

// ============ Credentials ============

type credentialsFile map[string]json.RawMessage

type mstockCredentials struct {
	AccessToken string `json:"access_token"`
}

func (c *MStockClient) loadAccessToken() error {
	if c.credentialsPath == "" {
		return fmt.Errorf("no credentials path configured")
	}
	data, err := os.ReadFile(c.credentialsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s not found", c.credentialsPath)
		}
		return fmt.Errorf("reading %s: %w", c.credentialsPath, err)
	}
	var file credentialsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing %s: %w", c.credentialsPath, err)
	}
	var creds mstockCredentials
	if raw, ok := file["mstock"]; ok {
		if err := json.Unmarshal(raw, &creds); err != nil {
			return fmt.Errorf("parsing %s mstock section: %w", c.credentialsPath, err)
		}
	}
	if creds.AccessToken == "" {
		return fmt.Errorf("%s has no mstock access token", c.credentialsPath)
	}
	c.SetAccessToken(creds.AccessToken)
	return nil
}

// saveAccessToken replaces the mstock section, keeping any other sections.
func (c *MStockClient) saveAccessToken(token string) error {
	c.SetAccessToken(token)
	if c.credentialsPath == "" {
		return nil
	}
	file := credentialsFile{}
	if data, err := os.ReadFile(c.credentialsPath); err == nil {
		if err := json.Unmarshal(data, &file); err != nil {
			c.logger.Printf("WARNING: overwriting unreadable %s: %v", c.credentialsPath, err)
			file = credentialsFile{}
		}
	}
	raw, err := json.Marshal(mstockCredentials{AccessToken: token})
	if err != nil {
		return err
	}
	file["mstock"] = raw
	return storage.WriteJSONAtomic(c.credentialsPath, file)
}

// ============ Authentication ============

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *envelope) ok() bool {
	return strings.EqualFold(e.Status, "success")
}

func (e *envelope) failure(op string) error {
	msg := e.Message
	if msg == "" {
		msg = "status " + strconv.Quote(e.Status)
	}
	return fmt.Errorf("%s: %s", op, msg)
}

// InitiateLogin asks the broker to send an OTP to the registered device.
func (c *MStockClient) InitiateLogin(ctx context.Context) error {
	if c.clientCode == "" || c.password == "" {
		return fmt.Errorf("login: client code and password are required")
	}
	form := url.Values{"username": {c.clientCode}, "password": {c.password}}

	var resp envelope
	if err := c.do(ctx, http.MethodPost, "/connect/login", nil, form, false, &resp); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if !resp.ok() {
		return resp.failure("login")
	}
	c.logger.Printf("Login initiated, OTP requested")
	return nil
}

// Checksum is sha256(api_key + otp + api_secret) in hex.
func Checksum(apiKey, otp, apiSecret string) string {
	sum := sha256.Sum256([]byte(apiKey + otp + apiSecret))
	return hex.EncodeToString(sum[:])
}

// CompleteLogin exchanges the OTP for an access token and persists it.
func (c *MStockClient) CompleteLogin(ctx context.Context, otp string) error {
	otp = strings.TrimSpace(otp)
	if otp == "" {
		return fmt.Errorf("session: otp is required")
	}
	form := url.Values{
		"api_key":       {c.apiKey},
		"request_token": {otp},
		"checksum":      {Checksum(c.apiKey, otp, c.apiSecret)},
	}

	var resp envelope
	if err := c.do(ctx, http.MethodPost, "/session/token", nil, form, false, &resp); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if !resp.ok() {
		return resp.failure("session")
	}
	var data struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.AccessToken == "" {
		return fmt.Errorf("session: response carried no access token")
	}
	if err := c.saveAccessToken(data.AccessToken); err != nil {
		return fmt.Errorf("session: saving token: %w", err)
	}
	c.logger.Printf("Access token generated successfully via OTP")
	return nil
}

// ============ Market data ============

type quoteItem struct {
	InstrumentToken flexString `json:"instrument_token"`
	LastPrice       flexFloat  `json:"last_price"`
	OHLC            struct {
		Open  flexFloat `json:"open"`
		High  flexFloat `json:"high"`
		Low   flexFloat `json:"low"`
		Close flexFloat `json:"close"`
	} `json:"ohlc"`
}

// GetQuote fetches the last price for EXCH:SYMBOL.
func (c *MStockClient) GetQuote(ctx context.Context, exchange, symbol string) (*Quote, error) {
	key := strings.ToUpper(exchange) + ":" + strings.ToUpper(symbol)
	params := url.Values{"i": {key}}

	var resp envelope
	if err := c.do(ctx, http.MethodGet, "/instruments/quote/ohlc", params, nil, true, &resp); err != nil {
		return nil, fmt.Errorf("quote %s: %w", key, err)
	}
	if !resp.ok() {
		return nil, fmt.Errorf("quote %s: %s: %w", key, resp.Message, ErrNoData)
	}

	var items map[string]quoteItem
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &items); err != nil {
			return nil, fmt.Errorf("quote %s: decoding: %w", key, err)
		}
	}
	item, ok := items[key]
	if !ok || item.LastPrice <= 0 {
		return nil, fmt.Errorf("quote %s: %w", key, ErrNoData)
	}
	return &Quote{
		Exchange:  strings.ToUpper(exchange),
		Symbol:    strings.ToUpper(symbol),
		Token:     string(item.InstrumentToken),
		LastPrice: float64(item.LastPrice),
		Open:      float64(item.OHLC.Open),
		High:      float64(item.OHLC.High),
		Low:       float64(item.OHLC.Low),
		Close:     float64(item.OHLC.Close),
	}, nil
}

var candleTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseCandleTime(v any, loc *time.Location) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		for _, layout := range candleTimeLayouts {
			if ts, err := time.ParseInLocation(layout, t, loc); err == nil {
				return ts.In(loc), true
			}
		}
	case float64:
		return time.Unix(int64(t), 0).In(loc), true
	}
	return time.Time{}, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// GetHistorical fetches candles, oldest first. Malformed rows are skipped.
func (c *MStockClient) GetHistorical(ctx context.Context, req HistoricalRequest) ([]Candle, error) {
	loc := req.To.Location()
	path := fmt.Sprintf("/instruments/historical/%s/%s/%s",
		strings.ToUpper(req.Exchange), url.PathEscape(req.Token), url.PathEscape(req.Timeframe))
	query := "from=" + queryEscape(req.From.Format(historicalLayout)) +
		"&to=" + queryEscape(req.To.Format(historicalLayout))

	var resp envelope
	if err := c.doRaw(ctx, http.MethodGet, path+"?"+query, nil, true, &resp); err != nil {
		return nil, fmt.Errorf("historical %s/%s: %w", req.Exchange, req.Token, err)
	}
	if !resp.ok() {
		return nil, fmt.Errorf("historical %s/%s: %s: %w", req.Exchange, req.Token, resp.Message, ErrNoData)
	}

	var data struct {
		Candles [][]any `json:"candles"`
	}
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return nil, fmt.Errorf("historical %s/%s: decoding: %w", req.Exchange, req.Token, err)
		}
	}

	candles := make([]Candle, 0, len(data.Candles))
	for _, row := range data.Candles {
		if len(row) < 5 {
			continue
		}
		ts, ok := parseCandleTime(row[0], loc)
		if !ok {
			continue
		}
		var vals [5]float64
		valid := true
		for i := 1; i < len(row) && i <= 5; i++ {
			if vals[i-1], ok = toFloat(row[i]); !ok {
				valid = false
				break
			}
		}
		if !valid {
			continue
		}
		candles = append(candles, Candle{Time: ts, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]})
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("historical %s/%s: %w", req.Exchange, req.Token, ErrNoData)
	}
	return candles, nil
}

// queryEscape encodes spaces as %20 rather than '+'.
func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// ============ Orders ============

// Handle single-object vs array responses
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// PlaceOrder submits a regular NRML DAY order. Never retried.
func (c *MStockClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	orderType := req.OrderType
	if orderType == "" {
		orderType = "MARKET"
	}
	form := url.Values{
		"tradingsymbol":    {req.Symbol},
		"exchange":         {strings.ToUpper(req.Exchange)},
		"transaction_type": {string(req.Side)},
		"order_type":       {orderType},
		"quantity":         {strconv.Itoa(req.Quantity)},
		"product":          {"NRML"},
		"validity":         {"DAY"},
	}
	if orderType == "LIMIT" {
		form.Set("price", strconv.FormatFloat(req.Price, 'f', 2, 64))
	}
	if req.Token != "" {
		form.Set("symboltoken", req.Token)
	}

	c.logger.Printf("Placing LIVE order: %s %d x %s", req.Side, req.Quantity, req.Symbol)

	var resp singleOrArray[envelope]
	if err := c.do(ctx, http.MethodPost, "/orders/regular", nil, form, true, &resp); err != nil {
		return nil, fmt.Errorf("place order %s: %w", req.Symbol, err)
	}
	if len(resp) == 0 {
		return nil, &OrderRejectedError{Reason: "empty response"}
	}
	first := resp[0]
	if !first.ok() {
		reason := first.Message
		if reason == "" {
			reason = "unknown error"
		}
		return nil, &OrderRejectedError{Reason: reason}
	}

	var data struct {
		OrderID  flexString `json:"order_id"`
		OrderID2 flexString `json:"orderid"`
	}
	_ = json.Unmarshal(first.Data, &data)
	id := string(data.OrderID)
	if id == "" {
		id = string(data.OrderID2)
	}
	return &OrderResponse{OrderID: id, Status: first.Status, Message: first.Message}, nil
}

// ============ Positions ============

type netPositionItem struct {
	TradingSymbol  string    `json:"tradingsymbol"`
	Exchange       string    `json:"exchange"`
	Quantity       flexFloat `json:"quantity"`
	NetQuantity    flexFloat `json:"netQuantity"`
	AveragePrice   flexFloat `json:"averagePrice"`
	AvgPrice       flexFloat `json:"avgPrice"`
	AveragePriceLC flexFloat `json:"average_price"`
	LastPrice      flexFloat `json:"lastPrice"`
	LastPriceLC    flexFloat `json:"last_price"`
}

func firstNonZero(vals ...flexFloat) float64 {
	for _, v := range vals {
		if v != 0 {
			return float64(v)
		}
	}
	return 0
}

// GetNetPositions returns the net position book. The broker answers either with
// a list or with an object holding net and day lists; net wins.
func (c *MStockClient) GetNetPositions(ctx context.Context) ([]NetPosition, error) {
	var resp envelope
	if err := c.do(ctx, http.MethodGet, "/portfolio/positions", nil, nil, true, &resp); err != nil {
		return nil, fmt.Errorf("net positions: %w", err)
	}
	if !resp.ok() {
		return nil, resp.failure("net positions")
	}

	var items []netPositionItem
	data := bytes.TrimSpace(resp.Data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
	case data[0] == '[':
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("net positions: decoding: %w", err)
		}
	case data[0] == '{':
		var book struct {
			Net *[]netPositionItem `json:"net"`
			Day *[]netPositionItem `json:"day"`
		}
		if err := json.Unmarshal(data, &book); err != nil {
			return nil, fmt.Errorf("net positions: decoding: %w", err)
		}
		if book.Net != nil {
			items = *book.Net
		} else if book.Day != nil {
			items = *book.Day
		}
	default:
		c.logger.Printf("WARNING: net positions returned unexpected payload")
	}

	out := make([]NetPosition, 0, len(items))
	for _, it := range items {
		if it.TradingSymbol == "" || it.Exchange == "" {
			continue
		}
		qty := float64(it.Quantity)
		if qty == 0 {
			qty = float64(it.NetQuantity)
		}
		out = append(out, NetPosition{
			Symbol:       it.TradingSymbol,
			Exchange:     strings.ToUpper(it.Exchange),
			Quantity:     int(qty),
			AveragePrice: firstNonZero(it.AveragePrice, it.AvgPrice, it.AveragePriceLC),
			LastPrice:    firstNonZero(it.LastPrice, it.LastPriceLC),
		})
	}
	return out, nil
}

// ============ Transport ============

func (c *MStockClient) authHeader() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.accessToken == "" {
		return "", ErrNotAuthenticated
	}
	return "token " + c.apiKey + ":" + c.accessToken, nil
}

func (c *MStockClient) do(ctx context.Context, method, path string, params, form url.Values, auth bool, out interface{}) error {
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	return c.doRaw(ctx, method, path, form, auth, out)
}

// doRaw makes an HTTP request with context support for timeout/cancellation
func (c *MStockClient) doRaw(ctx context.Context, method, pathAndQuery string, form url.Values, auth bool, out interface{}) error {
	endpoint := c.baseURL + pathAndQuery

	var body io.Reader = http.NoBody
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set(apiVersionHeader, apiVersion)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "fno-trader/1.0 (+mstock)")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if auth {
		h, err := c.authHeader()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", h)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Printf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		b, err := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, pathAndQuery)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, pathAndQuery, string(b), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, pathAndQuery, string(b))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decoding %s: %w", pathAndQuery, err)
	}
	return nil
}

// ============ Lenient JSON scalars ============

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(string(b))
	return nil
}

// flexFloat accepts a JSON number or numeric string; blanks decode as 0.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}
