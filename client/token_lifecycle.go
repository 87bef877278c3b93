package schwabrt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// Vendor-set token lifetimes and early-refresh thresholds, treated as
// design parameters per spec.md §4.3.
const (
	accessTokenLifetime  = 30 * time.Minute
	refreshTokenLifetime = 7 * 24 * time.Hour
	earlyRefreshAccess   = time.Minute
	earlyRefreshRefresh  = time.Hour
)

// updateStatus mirrors spec.md §4.3's update() return enum.
type updateStatus int

const (
	updateNotRequired updateStatus = iota
	updateSucceeded
	updateFailedExpired
	updateFailedBadData
)

// streamPauser is the narrow interface the token lifecycle needs into
// the streaming controller to pause/resume around a refresh, per
// spec.md §9's back-pointer design note: modelled as an interface, not a
// raw pointer into streaming.Controller.
type streamPauser interface {
	// PauseForTokenRefresh pauses the streamer if and only if it is
	// currently Active, returning whether it did so.
	PauseForTokenRefresh() bool
	// ResumeAfterTokenRefresh resumes the streamer only if wasPaused is
	// true — a no-op otherwise, so pausing via the public API during a
	// refresh is never silently undone (spec.md §8 scenario 4).
	ResumeAfterTokenRefresh(wasPaused bool)
}

// preferenceStore holds the linked-accounts map and user preference
// snapshot shared between the token lifecycle (writer, after every
// successful (re)authentication) and the facade (reader, via
// LinkedAccounts()/UserPreference()).
type preferenceStore struct {
	mu             sync.RWMutex
	linkedAccounts LinkedAccounts
	userPreference UserPreference
}

func (p *preferenceStore) set(accounts LinkedAccounts, pref UserPreference) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linkedAccounts = accounts
	p.userPreference = pref
}

func (p *preferenceStore) LinkedAccounts() LinkedAccounts {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.linkedAccounts
}

func (p *preferenceStore) UserPreference() UserPreference {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.userPreference
}

// tokenLifecycle runs the OAuth flows and drives the token store,
// coordinating with the streaming controller during refresh. Grounded on
// adapter/oauth.go's SaxoAuthClient (ticker-driven refresh, oauth2
// token-source plumbing) and original_source/src/client.h's
// runOAuth/getAuthorizationCode/updateTokens/loadTokens state machine.
type tokenLifecycle struct {
	store  *tokenStore
	prefs  *preferenceStore
	caller *httpCaller

	baseURL     string
	redirectURL string
	creds       Credentials
	oauthCfg    *oauth2.Config

	logger *slog.Logger
	// eventHandler is the caller-installed sink, nil until SetEventHandler
	// is called. defaultHandler is the terminal-prompt/logging fallback
	// and always runs when an OAuthUrlRequest the custom handler saw goes
	// unanswered (original_source/src/client.cpp's getAuthorizationCode
	// checks event.getHandled() regardless of whether a callback is set).
	eventHandler   EventHandler
	defaultHandler EventHandler
	streamer       streamPauser

	checker       Timer
	checkInterval time.Duration
}

func newTokenLifecycle(store *tokenStore, caller *httpCaller, prefs *preferenceStore, cfg *RuntimeConfig, creds Credentials, logger *slog.Logger, handler EventHandler, streamer streamPauser) *tokenLifecycle {
	oauthCfg := &oauth2.Config{
		ClientID:     creds.AppKey,
		ClientSecret: creds.AppSecret,
		RedirectURL:  cfg.OAuthRedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.BaseURL + "/v1/oauth/authorize",
			TokenURL: cfg.BaseURL + "/v1/oauth/token",
		},
	}

	return &tokenLifecycle{
		store:          store,
		caller:         caller,
		prefs:          prefs,
		baseURL:        cfg.BaseURL,
		redirectURL:    cfg.OAuthRedirectURL,
		creds:          creds,
		oauthCfg:       oauthCfg,
		logger:         logger,
		eventHandler:   handler,
		defaultHandler: defaultEventHandler(logger),
		streamer:       streamer,
		checkInterval:  cfg.TokenCheckInterval,
	}
}

// connect runs the full orchestration described in spec.md §4.3: load
// cache, run OAuth if needed, otherwise update(); on success refresh
// linked-accounts/StreamerInfo, start the periodic checker, and emit
// OAuthComplete. Returns whether the client is authenticated and ready.
func (e *tokenLifecycle) connect(ctx context.Context) bool {
	switch e.store.loadFromCache() {
	case cacheMissing, cacheCorrupted:
		if !e.runOAuthOK(InitialSetup, 3) {
			e.emit(&OAuthComplete{Status: OAuthFailed})
			return false
		}
	default: // cacheLoaded
		switch e.update(ctx) {
		case updateFailedExpired:
			if !e.runOAuthOK(RefreshTokenExpired, 3) {
				e.emit(&OAuthComplete{Status: OAuthFailed})
				return false
			}
		case updateFailedBadData:
			e.logger.Warn("token cache loaded but update failed to parse vendor response")
		}
	}

	if err := e.refreshUserPreference(ctx); err != nil {
		e.logger.Warn("refreshing user preference after authentication", "error", err)
	}

	e.checker.Start(e.checkInterval, func() { e.checkTokensAndReauth(context.Background()) }, false)
	e.emit(&OAuthComplete{Status: OAuthSucceeded})
	return true
}

// update implements spec.md §4.3's update() exactly.
func (e *tokenLifecycle) update(ctx context.Context) updateStatus {
	tok := e.store.Get()
	now := time.Now()

	if now.Sub(tok.RefreshTS) > refreshTokenLifetime-earlyRefreshRefresh {
		e.logger.Warn("refresh token lifetime elapsed", "error", &AuthExpiredError{})
		return updateFailedExpired
	}

	if now.Sub(tok.AccessTS) > accessTokenLifetime-earlyRefreshAccess {
		return e.refresh(ctx, tok)
	}

	return updateNotRequired
}

// refresh exchanges the refresh token for a new access token via
// golang.org/x/oauth2's TokenSource, the same library and pattern
// adapter/oauth.go uses (ReuseTokenSourceWithExpiry). Passing an
// already-expired oauth2.Token forces an immediate refresh rather than
// waiting on the source's own expiry bookkeeping.
func (e *tokenLifecycle) refresh(ctx context.Context, tok Token) updateStatus {
	wasPaused := e.streamer != nil && e.streamer.PauseForTokenRefresh()

	src := e.oauthCfg.TokenSource(ctx, &oauth2.Token{
		RefreshToken: tok.RefreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	})
	newOAuthTok, err := src.Token()
	if err != nil {
		if e.streamer != nil {
			e.streamer.ResumeAfterTokenRefresh(wasPaused)
		}
		if rerr, ok := err.(*oauth2.RetrieveError); ok {
			e.logger.Warn("refresh token rejected by vendor", "error", &AuthBadDataError{Err: rerr})
		} else {
			e.logger.Warn("refresh token request failed", "error", &AuthBadDataError{Err: err})
		}
		return updateFailedBadData
	}

	// refresh_ts is preserved from prior state (spec.md §3, §9 open
	// question #2): the vendor issues a new refresh token body but the
	// original issuance clock still drives expiry.
	newTok := Token{
		AccessToken:  newOAuthTok.AccessToken,
		AccessTS:     time.Now(),
		RefreshToken: newOAuthTok.RefreshToken,
		RefreshTS:    tok.RefreshTS,
	}
	if err := e.store.Set(newTok); err != nil {
		e.logger.Error("persisting refreshed token cache", "error", err)
	}

	if e.streamer != nil {
		e.streamer.ResumeAfterTokenRefresh(wasPaused)
	}

	return updateSucceeded
}

// runOAuthOK runs runOAuth and reports success/failure as a bool,
// matching connect()'s consumption of it.
func (e *tokenLifecycle) runOAuthOK(reason AuthRequestReason, chances int) bool {
	return e.runOAuth(reason, chances)
}

// runOAuth implements spec.md §4.3's run_oauth exactly, including the
// recursive retry-with-decremented-chances structure from
// original_source/src/client.h's getAuthorizationCode(reason, chances).
func (e *tokenLifecycle) runOAuth(reason AuthRequestReason, chances int) bool {
	if chances <= 0 {
		return false
	}

	authURL := e.authorizeURL()
	req := &OAuthUrlRequest{URL: authURL, Reason: reason, ChancesLeft: chances}
	e.emit(req)

	if !req.replied {
		e.logger.Warn("oauth url request went unanswered")
		return e.runOAuth(PreviousAuthFailed, chances-1)
	}

	code, ok := extractAuthCode(req.replyURL)
	if !ok {
		e.logger.Warn("could not extract authorization code from redirected URL")
		return e.runOAuth(PreviousAuthFailed, chances-1)
	}

	newOAuthTok, err := e.oauthCfg.Exchange(context.Background(), code)
	if err != nil {
		e.logger.Warn("authorization_code exchange failed", "error", err)
		return e.runOAuth(PreviousAuthFailed, chances-1)
	}

	now := time.Now()
	tok := Token{
		AccessToken:  newOAuthTok.AccessToken,
		AccessTS:     now,
		RefreshToken: newOAuthTok.RefreshToken,
		RefreshTS:    now,
	}
	if err := e.store.Set(tok); err != nil {
		e.logger.Error("persisting token cache after authorization_code grant", "error", err)
	}

	return true
}

// checkTokensAndReauth is the periodic checker's callback.
func (e *tokenLifecycle) checkTokensAndReauth(ctx context.Context) {
	switch e.update(ctx) {
	case updateFailedExpired:
		if e.runOAuthOK(RefreshTokenExpired, 3) {
			if err := e.refreshUserPreference(ctx); err != nil {
				e.logger.Warn("refreshing user preference after reauth", "error", err)
			}
		}
	case updateFailedBadData:
		e.logger.Warn("token check: malformed vendor response, deferring to next tick")
	case updateSucceeded:
		if err := e.refreshUserPreference(ctx); err != nil {
			e.logger.Warn("refreshing user preference after refresh", "error", err)
		}
	case updateNotRequired:
		// nothing to do
	}
}

// authorizeURL builds the literal authorize URL shape from spec.md §6
// (client_id + redirect_uri only), sourcing both values from the single
// oauth2.Config so there is one place that owns them.
func (e *tokenLifecycle) authorizeURL() string {
	v := url.Values{
		"client_id":    {e.oauthCfg.ClientID},
		"redirect_uri": {e.oauthCfg.RedirectURL},
	}
	return fmt.Sprintf("%s?%s", e.oauthCfg.Endpoint.AuthURL, v.Encode())
}

// extractAuthCode extracts the substring strictly between "?code=" and
// "&session=" from the redirected URL, per spec.md §6.
func extractAuthCode(redirected string) (string, bool) {
	const startMarker = "code="
	const endMarker = "&session="

	startIdx := strings.Index(redirected, startMarker)
	if startIdx < 0 {
		return "", false
	}
	start := startIdx + len(startMarker)

	endIdx := strings.Index(redirected[start:], endMarker)
	if endIdx < 0 {
		return "", false
	}

	return redirected[start : start+endIdx], true
}

// refreshUserPreference fetches /trader/v1/userPreference and
// /trader/v1/accounts/accountNumbers, updating the shared preference
// store. Called after every successful (re)authentication per spec.md
// §4.3.
func (e *tokenLifecycle) refreshUserPreference(ctx context.Context) error {
	prefBody, err := e.caller.call(ctx, http.MethodGet, e.baseURL+"/trader/v1/userPreference", nil, nil, 5*time.Second)
	if err != nil {
		return fmt.Errorf("fetching user preference: %w", err)
	}

	var pref UserPreference
	if err := json.Unmarshal(prefBody, &pref); err != nil {
		return fmt.Errorf("decoding user preference: %w", err)
	}

	acctBody, err := e.caller.call(ctx, http.MethodGet, e.baseURL+"/trader/v1/accounts/accountNumbers", nil, nil, 5*time.Second)
	if err != nil {
		return fmt.Errorf("fetching account numbers: %w", err)
	}

	accounts := LinkedAccounts{}
	results := gjson.ParseBytes(acctBody).Array()
	for _, r := range results {
		accountNumber := r.Get("accountNumber").String()
		hash := r.Get("hashValue").String()
		if accountNumber != "" {
			accounts[accountNumber] = hash
		}
	}

	e.prefs.set(accounts, pref)
	return nil
}

// emit delivers ev to the installed handler, falling back to the
// terminal-prompt default whenever an OAuthUrlRequest goes unanswered —
// whether that's because no custom handler was ever installed, or
// because the installed one declined to reply. Mirrors
// original_source/src/client.cpp's getAuthorizationCode, which always
// checks event.getHandled() and runs defaultOAuthUrlRequestCallback
// itself if it's false, independent of whether SetEventHandler was used.
func (e *tokenLifecycle) emit(ev Event) {
	if e.eventHandler != nil {
		e.eventHandler(ev)
	} else {
		e.defaultHandler(ev)
	}

	if req, ok := ev.(*OAuthUrlRequest); ok && !req.replied && e.eventHandler != nil {
		e.defaultHandler(ev)
	}
}
