package schwabrt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// call is the single shared REST helper every market-data/account method
// routes through, mirroring original_source/src/client.h's syncRequest
// rather than duplicating request-building per endpoint. path is joined
// to the configured base URL; query, if non-nil, is appended.
func (c *Client) call(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return c.caller.call(ctx, http.MethodGet, u, nil, nil, c.cfg.RESTCallTimeout)
}

// AccountSummary fetches one linked account's detail by account number,
// resolved to its opaque account-hash via the cached linked-accounts
// map. Schema mapping of the response body is out of scope (spec.md
// §1); callers decode the returned bytes themselves.
func (c *Client) AccountSummary(ctx context.Context, accountNumber string) ([]byte, error) {
	hash, ok := c.LinkedAccounts()[accountNumber]
	if !ok {
		return nil, fmt.Errorf("account number %q not in linked accounts", accountNumber)
	}
	return c.call(ctx, "/trader/v1/accounts/"+hash, nil)
}

// AccountSummaries fetches every linked account's detail in one call.
func (c *Client) AccountSummaries(ctx context.Context) ([]byte, error) {
	return c.call(ctx, "/trader/v1/accounts", nil)
}

// PriceHistory fetches historical price candles for one symbol. params
// is forwarded verbatim as query parameters (periodType, period,
// frequencyType, frequency, startDate, endDate, etc., per the vendor's
// own field names) since the vendor's price-history parameter set is
// schema mapping this core deliberately does not own.
func (c *Client) PriceHistory(ctx context.Context, symbol string, params map[string]string) ([]byte, error) {
	q := url.Values{"symbol": {symbol}}
	for k, v := range params {
		q.Set(k, v)
	}
	return c.call(ctx, "/marketdata/v1/pricehistory", q)
}

// MarketHours fetches market hours for one market type (e.g. "equity",
// "option", "bond", "future", "forex").
func (c *Client) MarketHours(ctx context.Context, marketType string) ([]byte, error) {
	return c.call(ctx, "/marketdata/v1/markets/"+marketType, nil)
}
