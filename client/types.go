// Package schwabrt implements the client runtime for a broker market-data
// and account API: OAuth2 token lifecycle management, authenticated REST
// calls, and a persistent multiplexed WebSocket streaming session.
package schwabrt

import (
	"time"

	"github.com/mkrause/schwabrt/client/streaming"
)

// Credentials are the application key/secret pair read once at startup.
// Never mutated afterwards.
type Credentials struct {
	AppKey    string `json:"app_key"`
	AppSecret string `json:"app_secret"`
}

// Token is the in-memory pair of bearer credentials plus the timestamps
// that drive expiry and refresh decisions.
type Token struct {
	AccessToken  string
	AccessTS     time.Time
	RefreshToken string
	RefreshTS    time.Time
}

// tokenCacheFile is the on-disk representation written atomically after
// every successful token update. Timestamps are stored as integer ticks
// (Unix seconds) so the file round-trips exactly through JSON without
// floating point or timezone ambiguity.
type tokenCacheFile struct {
	AccessToken    string `json:"access_token"`
	AccessTokenTS  int64  `json:"access_token_ts"`
	RefreshToken   string `json:"refresh_token"`
	RefreshTokenTS int64  `json:"refresh_token_ts"`
}

func tokenToCacheFile(t Token) tokenCacheFile {
	return tokenCacheFile{
		AccessToken:    t.AccessToken,
		AccessTokenTS:  t.AccessTS.Unix(),
		RefreshToken:   t.RefreshToken,
		RefreshTokenTS: t.RefreshTS.Unix(),
	}
}

func (c tokenCacheFile) toToken() Token {
	return Token{
		AccessToken:  c.AccessToken,
		AccessTS:     time.Unix(c.AccessTokenTS, 0).UTC(),
		RefreshToken: c.RefreshToken,
		RefreshTS:    time.Unix(c.RefreshTokenTS, 0).UTC(),
	}
}

// streamerInfoDTO is the wire shape of one /userPreference "streamerInfo"
// element. It exists only to carry JSON tags through decoding; callers
// never see it directly, they get streaming.StreamerInfo via toStreaming,
// since the controller (package streaming) owns the canonical type and
// the root package must depend on streaming, not the reverse.
type streamerInfoDTO struct {
	SocketURL  string `json:"streamerSocketUrl"`
	CustomerID string `json:"schwabClientCustomerId"`
	CorrelID   string `json:"schwabClientCorrelId"`
	Channel    string `json:"schwabClientChannel"`
	FunctionID string `json:"schwabClientFunctionId"`
}

func (d streamerInfoDTO) toStreaming() streaming.StreamerInfo {
	return streaming.StreamerInfo{
		SocketURL:  d.SocketURL,
		CustomerID: d.CustomerID,
		CorrelID:   d.CorrelID,
		Channel:    d.Channel,
		FunctionID: d.FunctionID,
	}
}

// Account describes one linked brokerage account, as returned by
// /userPreference. Fields supplement spec.md's data model with detail
// present in the original implementation's userPreference schema.
type Account struct {
	AccountNumber      string `json:"accountNumber"`
	PrimaryAccount     bool   `json:"primaryAccount"`
	Type               string `json:"type"`
	Nickname           string `json:"nickName"`
	AccountColor       string `json:"accountColor"`
	DisplayAcctID      string `json:"displayAcctId"`
	AutoPositionEffect bool   `json:"autoPositionEffect"`
}

// Offer describes the market-data/level-2 entitlements attached to the
// authenticated user, as returned by /userPreference.
type Offer struct {
	Level2Permissions bool   `json:"level2Permissions"`
	MktDataPermission string `json:"mktDataPermission"`
}

// UserPreference is the decoded /userPreference response. The core only
// branches on StreamerInfo; Accounts and Offers are decoded and returned
// through Client.UserPreference, and no other code reads them
// (AccountSummary resolves account hashes from LinkedAccounts).
type UserPreference struct {
	Accounts     []Account         `json:"accounts"`
	StreamerInfo []streamerInfoDTO `json:"streamerInfo"`
	Offers       []Offer           `json:"offers"`
}

// PrimaryStreamerInfo returns the streamer metadata the controller should
// authenticate with: the first entry, per spec.md §3 (the vendor is not
// documented to ever return more than one).
func (p UserPreference) PrimaryStreamerInfo() (streaming.StreamerInfo, bool) {
	if len(p.StreamerInfo) == 0 {
		return streaming.StreamerInfo{}, false
	}
	return p.StreamerInfo[0].toStreaming(), true
}

// LinkedAccounts maps an account number to its opaque account-hash, the
// token used in subsequent REST paths.
type LinkedAccounts map[string]string

// The OAuth token endpoint's "success payload | error payload" union
// (spec.md §9 design note) is handled by golang.org/x/oauth2 itself:
// a success response decodes into *oauth2.Token, a non-2xx response
// surfaces as *oauth2.RetrieveError carrying ErrorCode/ErrorDescription —
// the same two-variants-never-overlapping shape
// original_source/src/schema/accessTokenResponse.h's
// AccessTokenResponse{data,error,isError} models, so no separate type is
// declared here.
