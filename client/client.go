// Package schwabrt implements the client runtime for a broker market-data
// and account API: OAuth2 token lifecycle management, authenticated REST
// calls, and a persistent multiplexed WebSocket streaming session.
package schwabrt

import (
	"context"
	"log/slog"

	"github.com/mkrause/schwabrt/client/streaming"
)

// Client is the public facade composing the token lifecycle, token
// store, HTTP caller, and streaming controller described in SPEC_FULL.md
// §2's composition table (H owns E, D, G, and a timer for the checker).
// Grounded on adapter/saxo.go's SaxoBrokerClient/CreateBrokerServices
// (constructor + REST-method shape) and original_source/src/client.h's
// Client public API naming (startStreamer/accountSummary/syncRequest).
type Client struct {
	cfg    *RuntimeConfig
	caller *httpCaller
	tokens *tokenStore
	prefs  *preferenceStore

	lifecycle  *tokenLifecycle
	controller *streaming.Controller

	logger *slog.Logger
}

// New builds a Client wired from cfg and creds but does not yet perform
// any network I/O; call Connect to run the OAuth/cache orchestration.
func New(cfg *RuntimeConfig, creds Credentials, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	tokens := newTokenStore(cfg.TokenCachePath)
	caller := newHTTPCaller(tokens)
	prefs := &preferenceStore{}

	c := &Client{
		cfg:    cfg,
		caller: caller,
		tokens: tokens,
		prefs:  prefs,
		logger: logger,
	}

	c.controller = streaming.NewController(c, logger)
	c.lifecycle = newTokenLifecycle(tokens, caller, prefs, cfg, creds, logger, nil, c.controller)

	return c
}

// Connect drives the full §4.3 orchestration: load the token cache or
// run OAuth, refresh linked accounts/StreamerInfo, and start the
// periodic token checker. Returns whether the client is authenticated
// and ready for REST calls and streaming.
func (c *Client) Connect(ctx context.Context) bool {
	return c.lifecycle.connect(ctx)
}

// SetEventHandler installs the sink for OAuthUrlRequest/OAuthComplete
// events. The built-in terminal/logging handler still runs as a fallback
// whenever an OAuthUrlRequest this handler receives goes unanswered, per
// original_source/src/client.cpp's getAuthorizationCode: a custom
// callback never forfeits the user's last chance to authorize.
func (c *Client) SetEventHandler(fn EventHandler) {
	c.lifecycle.eventHandler = fn
}

// LinkedAccounts returns a snapshot of the account-number → account-hash
// map, refreshed after every successful (re)authentication.
func (c *Client) LinkedAccounts() LinkedAccounts {
	return c.prefs.LinkedAccounts()
}

// UserPreference returns a snapshot of the decoded /userPreference
// response.
func (c *Client) UserPreference() UserPreference {
	return c.prefs.UserPreference()
}

// StartStreamer connects the streaming session and begins delivering
// decoded data frames to dataHandler once login succeeds.
func (c *Client) StartStreamer(ctx context.Context, dataHandler func([]byte)) {
	c.controller.Start(ctx, dataHandler)
}

// StopStreamer tears down the streaming session unconditionally.
func (c *Client) StopStreamer() {
	c.controller.Stop()
}

// PauseStreamer stops the receive loop and parks the sender worker
// without tearing down the connection.
func (c *Client) PauseStreamer() {
	c.controller.Pause()
}

// ResumeStreamer restarts the receive loop and wakes the sender worker.
func (c *Client) ResumeStreamer() {
	c.controller.Resume()
}

// SubscribeLevelOneEquities enqueues an ADD frame for the given tickers
// and field codes; safe to call before StartStreamer, in which case the
// request is held by the pipeline until login completes (spec.md §8
// scenario 6).
func (c *Client) SubscribeLevelOneEquities(tickers []string, fields []int) {
	c.controller.SubscribeLevelOneEquities(tickers, fields)
}

// AccessToken implements streaming.CredentialSource.
func (c *Client) AccessToken() string {
	return c.tokens.Get().AccessToken
}

// StreamerInfo implements streaming.CredentialSource, returning the
// first /userPreference streamerInfo entry (the vendor is not
// documented to ever return more than one).
func (c *Client) StreamerInfo() streaming.StreamerInfo {
	info, _ := c.prefs.UserPreference().PrimaryStreamerInfo()
	return info
}
