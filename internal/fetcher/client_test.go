package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger { return zerolog.Nop() }

func testClient(baseURL string) *Client {
	return NewClient(ClientOptions{
		BaseURL: baseURL,
		APIKey:  "test",
		Timeout: time.Second,
	}, noopLogger())
}

func statusServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestClassifyHTTPStatuses(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusPaymentRequired, KindRateLimited},
		{http.StatusNotFound, KindUnavailable},
		{http.StatusBadRequest, KindInvalidSymbol},
		{http.StatusUnprocessableEntity, KindInvalidSymbol},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadGateway, KindTransient},
	}

	for _, tc := range cases {
		srv := statusServer(t, tc.status, `{"message":"nope"}`)
		c := testClient(srv.URL)
		_, err := c.FetchProfile(context.Background(), "AAPL")
		srv.Close()
		if err == nil {
			t.Fatalf("status %d should error", tc.status)
		}
		if got := KindOf(err); got != tc.want {
			t.Fatalf("status %d: got kind %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestFetchProfileEmptyPayloadIsUnavailable(t *testing.T) {
	srv := statusServer(t, http.StatusOK, `[]`)
	defer srv.Close()

	_, err := testClient(srv.URL).FetchProfile(context.Background(), "GONE")
	if !IsUnavailable(err) {
		t.Fatalf("empty payload should classify unavailable, got %v", err)
	}
}

func TestFetchProfileSuccess(t *testing.T) {
	srv := statusServer(t, http.StatusOK, `[{
		"symbol": "aapl",
		"companyName": "Apple Inc.",
		"sector": "Technology",
		"exchange": "NASDAQ",
		"price": 182.5,
		"mktCap": 2800000000000,
		"sharesOutstanding": 15300000000,
		"floatShares": 15200000000,
		"isActivelyTrading": true
	}]`)
	defer srv.Close()

	profile, err := testClient(srv.URL).FetchProfile(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("fetch profile: %v", err)
	}
	if profile.Symbol != "AAPL" {
		t.Fatalf("symbol should be upper-cased, got %q", profile.Symbol)
	}
	if !profile.Price.Equal(decimal.NewFromFloat(182.5)) {
		t.Fatalf("unexpected price %s", profile.Price)
	}
	if profile.Delisted {
		t.Fatal("actively trading symbol must not be delisted")
	}
}

func TestFetchProfileDelisted(t *testing.T) {
	srv := statusServer(t, http.StatusOK, `[{
		"symbol": "DEAD",
		"isActivelyTrading": false,
		"lastTradeDate": "2025-11-28"
	}]`)
	defer srv.Close()

	profile, err := testClient(srv.URL).FetchProfile(context.Background(), "DEAD")
	if err != nil {
		t.Fatalf("fetch profile: %v", err)
	}
	if !profile.Delisted {
		t.Fatal("inactive symbol should map to delisted")
	}
	if profile.LastTradeDate.Format("2006-01-02") != "2025-11-28" {
		t.Fatalf("unexpected last trade date %s", profile.LastTradeDate)
	}
}

func TestFetchPriceSeries(t *testing.T) {
	srv := statusServer(t, http.StatusOK, `{
		"symbol": "AAPL",
		"historical": [
			{"date": "2026-03-10", "open": 180, "high": 184, "low": 179, "close": 183, "volume": 51000000},
			{"date": "2026-03-09", "open": 178, "high": 181, "low": 177, "close": 180, "volume": 48000000}
		]
	}`)
	defer srv.Close()

	bars, err := testClient(srv.URL).FetchPriceSeries(context.Background(), "aapl",
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("fetch prices: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
	if bars[0].Symbol != "AAPL" {
		t.Fatalf("bar symbol should be upper-cased, got %q", bars[0].Symbol)
	}
	if !bars[0].Close.Equal(decimal.NewFromInt(183)) {
		t.Fatalf("unexpected close %s", bars[0].Close)
	}
}

func TestFetchShortInterestDerivedRatios(t *testing.T) {
	srv := statusServer(t, http.StatusOK, `[{
		"date": "2026-03-06",
		"shortInterest": 25000000,
		"averageDailyVolume": 5000000,
		"floatShares": 100000000
	}]`)
	defer srv.Close()

	si, err := testClient(srv.URL).FetchShortInterest(context.Background(), "GME")
	if err != nil {
		t.Fatalf("fetch short interest: %v", err)
	}
	if si.PercentOfFloat == nil || !si.PercentOfFloat.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("expected 25%% of float, got %v", si.PercentOfFloat)
	}
	if si.DaysToCover == nil || !si.DaysToCover.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected 5 days to cover, got %v", si.DaysToCover)
	}
}

func TestFetchShortInterestZeroFloat(t *testing.T) {
	srv := statusServer(t, http.StatusOK, `[{
		"date": "2026-03-06",
		"shortInterest": 25000000,
		"averageDailyVolume": 0,
		"floatShares": 0
	}]`)
	defer srv.Close()

	si, err := testClient(srv.URL).FetchShortInterest(context.Background(), "ODD")
	if err != nil {
		t.Fatalf("fetch short interest: %v", err)
	}
	if si.PercentOfFloat != nil || si.DaysToCover != nil {
		t.Fatal("zero denominators must leave the derived ratios nil")
	}
}

func TestFetchStatements(t *testing.T) {
	srv := statusServer(t, http.StatusOK, `[{
		"date": "2025-12-31",
		"revenue": 500,
		"netIncome": 100,
		"eps": 1.5,
		"totalStockholdersEquity": 400
	}]`)
	defer srv.Close()

	st, err := testClient(srv.URL).FetchStatements(context.Background(), "acme", "annual")
	if err != nil {
		t.Fatalf("fetch statements: %v", err)
	}
	if st.Symbol != "ACME" || st.Period != "annual" {
		t.Fatalf("unexpected statement identity %q/%q", st.Symbol, st.Period)
	}
	if st.EPS == nil || !st.EPS.Equal(decimal.NewFromFloat(1.5)) {
		t.Fatalf("unexpected EPS %v", st.EPS)
	}
	if st.TotalDebt != nil {
		t.Fatal("unreported fields must stay nil")
	}
}

func TestPing(t *testing.T) {
	srv := statusServer(t, http.StatusOK, `{"isTheStockMarketOpen": true}`)
	defer srv.Close()

	if err := testClient(srv.URL).Ping(context.Background()); err != nil {
		t.Fatalf("ping should succeed: %v", err)
	}

	down := statusServer(t, http.StatusServiceUnavailable, ``)
	defer down.Close()
	if err := testClient(down.URL).Ping(context.Background()); err == nil {
		t.Fatal("ping against a down provider should fail")
	}
}
