package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// ClientOptions parameterise the HTTP data client.
type ClientOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// Client talks to the market-data provider over HTTP and maps its wire
// shapes into the typed records the rest of the system consumes.
type Client struct {
	opts    ClientOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewClient constructs an HTTP data client.
func NewClient(opts ClientOptions, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://financialmodelingprep.com/api/v3"
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "data_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchProfile retrieves the company profile for one symbol.
func (c *Client) FetchProfile(ctx context.Context, symbol string) (Profile, error) {
	var payload []profileWire
	if err := c.get(ctx, "/profile/"+url.PathEscape(symbol), symbol, nil, &payload); err != nil {
		return Profile{}, err
	}
	if len(payload) == 0 {
		return Profile{}, &ProviderError{Kind: KindUnavailable, Symbol: symbol, Endpoint: "/profile"}
	}

	w := payload[0]
	profile := Profile{
		Symbol:            strings.ToUpper(w.Symbol),
		CompanyName:       w.CompanyName,
		Sector:            w.Sector,
		Exchange:          w.Exchange,
		Price:             decimal.NewFromFloat(w.Price),
		MarketCap:         decimal.NewFromFloat(w.MarketCap),
		SharesOutstanding: w.SharesOutstanding,
		FloatShares:       w.FloatShares,
		Delisted:          !w.IsActivelyTrading,
	}
	if w.LastTradeDate != "" {
		if d, err := time.Parse(dateLayout, w.LastTradeDate); err == nil {
			profile.LastTradeDate = d
		}
	}
	if profile.Symbol == "" {
		return Profile{}, &ProviderError{Kind: KindInvalidSymbol, Symbol: symbol, Endpoint: "/profile", Err: errors.New("empty symbol in response")}
	}
	return profile, nil
}

// FetchPriceSeries retrieves daily bars between from and to inclusive.
func (c *Client) FetchPriceSeries(ctx context.Context, symbol string, from, to time.Time) ([]PriceBar, error) {
	params := url.Values{}
	params.Set("from", from.Format(dateLayout))
	params.Set("to", to.Format(dateLayout))

	var payload priceSeriesWire
	if err := c.get(ctx, "/historical-price-full/"+url.PathEscape(symbol), symbol, params, &payload); err != nil {
		return nil, err
	}
	if len(payload.Historical) == 0 {
		return nil, &ProviderError{Kind: KindUnavailable, Symbol: symbol, Endpoint: "/historical-price-full"}
	}

	bars := make([]PriceBar, 0, len(payload.Historical))
	for _, raw := range payload.Historical {
		date, err := time.Parse(dateLayout, raw.Date)
		if err != nil {
			return nil, &ProviderError{Kind: KindInvalidSymbol, Symbol: symbol, Endpoint: "/historical-price-full", Err: fmt.Errorf("parse bar date %q: %w", raw.Date, err)}
		}
		bars = append(bars, PriceBar{
			Symbol: strings.ToUpper(symbol),
			Date:   date,
			Open:   decimal.NewFromFloat(raw.Open),
			High:   decimal.NewFromFloat(raw.High),
			Low:    decimal.NewFromFloat(raw.Low),
			Close:  decimal.NewFromFloat(raw.Close),
			Volume: raw.Volume,
		})
	}
	return bars, nil
}

// FetchStatements retrieves the latest combined financial statement.
func (c *Client) FetchStatements(ctx context.Context, symbol, period string) (Statement, error) {
	params := url.Values{}
	params.Set("period", period)
	params.Set("limit", "1")

	var payload []statementWire
	if err := c.get(ctx, "/financial-statements/"+url.PathEscape(symbol), symbol, params, &payload); err != nil {
		return Statement{}, err
	}
	if len(payload) == 0 {
		return Statement{}, &ProviderError{Kind: KindUnavailable, Symbol: symbol, Endpoint: "/financial-statements"}
	}

	w := payload[0]
	periodEnd, err := time.Parse(dateLayout, w.Date)
	if err != nil {
		return Statement{}, &ProviderError{Kind: KindInvalidSymbol, Symbol: symbol, Endpoint: "/financial-statements", Err: fmt.Errorf("parse period end %q: %w", w.Date, err)}
	}

	return Statement{
		Symbol:             strings.ToUpper(symbol),
		PeriodEnd:          periodEnd,
		Period:             period,
		Revenue:            optDecimal(w.Revenue),
		NetIncome:          optDecimal(w.NetIncome),
		EPS:                optDecimal(w.EPS),
		TotalAssets:        optDecimal(w.TotalAssets),
		TotalEquity:        optDecimal(w.TotalEquity),
		TotalDebt:          optDecimal(w.TotalDebt),
		CurrentAssets:      optDecimal(w.CurrentAssets),
		CurrentLiabilities: optDecimal(w.CurrentLiabilities),
		FreeCashFlow:       optDecimal(w.FreeCashFlow),
	}, nil
}

// FetchShortInterest retrieves the latest short-interest report.
func (c *Client) FetchShortInterest(ctx context.Context, symbol string) (ShortInterest, error) {
	var payload []shortInterestWire
	if err := c.get(ctx, "/short-interest/"+url.PathEscape(symbol), symbol, nil, &payload); err != nil {
		return ShortInterest{}, err
	}
	if len(payload) == 0 {
		return ShortInterest{}, &ProviderError{Kind: KindUnavailable, Symbol: symbol, Endpoint: "/short-interest"}
	}

	w := payload[0]
	reportDate, err := time.Parse(dateLayout, w.Date)
	if err != nil {
		return ShortInterest{}, &ProviderError{Kind: KindInvalidSymbol, Symbol: symbol, Endpoint: "/short-interest", Err: fmt.Errorf("parse report date %q: %w", w.Date, err)}
	}

	si := ShortInterest{
		Symbol:         strings.ToUpper(symbol),
		ReportDate:     reportDate,
		ShortShares:    w.ShortInterest,
		AvgDailyVolume: w.AvgDailyVolume,
		FloatShares:    w.FloatShares,
	}
	if w.FloatShares > 0 {
		pct := decimal.NewFromInt(w.ShortInterest).
			Div(decimal.NewFromInt(w.FloatShares)).
			Mul(decimal.NewFromInt(100))
		si.PercentOfFloat = &pct
	}
	if w.AvgDailyVolume > 0 {
		dtc := decimal.NewFromInt(w.ShortInterest).Div(decimal.NewFromInt(w.AvgDailyVolume))
		si.DaysToCover = &dtc
	}
	return si, nil
}

// Ping performs a minimal request to verify provider connectivity. It hits
// an endpoint that does not consume meaningful quota.
func (c *Client) Ping(ctx context.Context) error {
	var payload json.RawMessage
	return c.get(ctx, "/is-the-market-open", "", nil, &payload)
}

func (c *Client) get(ctx context.Context, path, symbol string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	if c.opts.APIKey != "" {
		params.Set("apikey", c.opts.APIKey)
	}

	endpoint := c.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &ProviderError{Kind: KindTransient, Symbol: symbol, Endpoint: path, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "equity-scanner/1.0")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &ProviderError{Kind: KindTransient, Symbol: symbol, Endpoint: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ProviderError{Kind: KindTransient, Symbol: symbol, Endpoint: path, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return classifyHTTP(resp.StatusCode, path, symbol, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &ProviderError{Kind: KindInvalidSymbol, Symbol: symbol, Endpoint: path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func classifyHTTP(status int, path, symbol string, body []byte) *ProviderError {
	kind := KindTransient
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusPaymentRequired:
		kind = KindRateLimited
	case status == http.StatusNotFound:
		kind = KindUnavailable
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		kind = KindInvalidSymbol
	}

	var apiErr struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	detail := ""
	if err := json.Unmarshal(body, &apiErr); err == nil {
		if apiErr.Message != "" {
			detail = apiErr.Message
		} else if apiErr.Error != "" {
			detail = apiErr.Error
		}
	}
	if detail == "" && len(body) > 0 {
		detail = strings.TrimSpace(string(body))
	}

	pe := &ProviderError{Kind: kind, Symbol: symbol, Endpoint: path, Status: status}
	if detail != "" {
		pe.Err = errors.New(detail)
	}
	return pe
}

func optDecimal(v *float64) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := decimal.NewFromFloat(*v)
	return &d
}

type profileWire struct {
	Symbol            string  `json:"symbol"`
	CompanyName       string  `json:"companyName"`
	Sector            string  `json:"sector"`
	Exchange          string  `json:"exchange"`
	Price             float64 `json:"price"`
	MarketCap         float64 `json:"mktCap"`
	SharesOutstanding int64   `json:"sharesOutstanding"`
	FloatShares       int64   `json:"floatShares"`
	IsActivelyTrading bool    `json:"isActivelyTrading"`
	LastTradeDate     string  `json:"lastTradeDate"`
}

type priceSeriesWire struct {
	Symbol     string `json:"symbol"`
	Historical []struct {
		Date   string  `json:"date"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume int64   `json:"volume"`
	} `json:"historical"`
}

type statementWire struct {
	Date               string   `json:"date"`
	Revenue            *float64 `json:"revenue"`
	NetIncome          *float64 `json:"netIncome"`
	EPS                *float64 `json:"eps"`
	TotalAssets        *float64 `json:"totalAssets"`
	TotalEquity        *float64 `json:"totalStockholdersEquity"`
	TotalDebt          *float64 `json:"totalDebt"`
	CurrentAssets      *float64 `json:"totalCurrentAssets"`
	CurrentLiabilities *float64 `json:"totalCurrentLiabilities"`
	FreeCashFlow       *float64 `json:"freeCashFlow"`
}

type shortInterestWire struct {
	Date           string `json:"date"`
	ShortInterest  int64  `json:"shortInterest"`
	AvgDailyVolume int64  `json:"averageDailyVolume"`
	FloatShares    int64  `json:"floatShares"`
}

var _ DataClient = (*Client)(nil)
