package schwabrt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClientAgainst(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	cfg := &RuntimeConfig{
		BaseURL:          srv.URL,
		OAuthRedirectURL: "https://127.0.0.1",
		TokenCachePath:   t.TempDir() + "/tokens.json",
		RESTCallTimeout:  time.Second,
	}
	return New(cfg, Credentials{AppKey: "key", AppSecret: "secret"}, discardLogger())
}

func TestAccountSummaryResolvesAccountNumberToHash(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"securitiesAccount":{}}`))
	}))
	defer srv.Close()

	c := newTestClientAgainst(t, srv)
	c.prefs.set(LinkedAccounts{"123456": "opaque-hash"}, UserPreference{})

	body, err := c.AccountSummary(context.Background(), "123456")
	if err != nil {
		t.Fatalf("AccountSummary: %v", err)
	}
	if string(body) != `{"securitiesAccount":{}}` {
		t.Fatalf("body = %q", body)
	}
	if gotPath != "/trader/v1/accounts/opaque-hash" {
		t.Fatalf("path = %q, want /trader/v1/accounts/opaque-hash", gotPath)
	}
}

func TestAccountSummaryUnknownAccountNumberErrorsWithoutCallingOut(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClientAgainst(t, srv)
	c.prefs.set(LinkedAccounts{"123456": "opaque-hash"}, UserPreference{})

	_, err := c.AccountSummary(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatalf("AccountSummary with an unknown account number returned no error")
	}
	if called {
		t.Fatalf("AccountSummary made an HTTP call for an account number not in LinkedAccounts")
	}
}

func TestPriceHistoryForwardsQueryParams(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClientAgainst(t, srv)
	_, err := c.PriceHistory(context.Background(), "AAPL", map[string]string{"periodType": "day", "period": "1"})
	if err != nil {
		t.Fatalf("PriceHistory: %v", err)
	}

	if gotQuery == "" {
		t.Fatalf("PriceHistory made no query parameters")
	}
	if !containsAll(gotQuery, "symbol=AAPL", "periodType=day", "period=1") {
		t.Fatalf("query = %q, want it to contain symbol/periodType/period", gotQuery)
	}
}

func TestMarketHoursBuildsPathFromMarketType(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClientAgainst(t, srv)
	if _, err := c.MarketHours(context.Background(), "equity"); err != nil {
		t.Fatalf("MarketHours: %v", err)
	}
	if gotPath != "/marketdata/v1/markets/equity" {
		t.Fatalf("path = %q, want /marketdata/v1/markets/equity", gotPath)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
