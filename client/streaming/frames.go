// Package streaming implements the WebSocket streaming session, the
// outbound request pipeline, and the session-state controller that owns
// both.
package streaming

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/tidwall/gjson"
)

// ServiceType and CommandType enumerate the vendor's service/command
// vocabulary. Grounded on original_source/src/streamer.h's
// RequestServiceType/RequestCommandType enums, which name more values
// than the core itself drives (only ADMIN/LOGIN and LEVELONE_EQUITIES/ADD
// are built by this package today) — kept as typed constants so a caller
// building further request types does not have to respell vendor
// strings.
type ServiceType string

const (
	ServiceAdmin            ServiceType = "ADMIN"
	ServiceLevelOneEquities ServiceType = "LEVELONE_EQUITIES"
	ServiceNYSEBook         ServiceType = "NYSE_BOOK"
)

type CommandType string

const (
	CommandLogin  CommandType = "LOGIN"
	CommandLogout CommandType = "LOGOUT"
	CommandSubs   CommandType = "SUBS"
	CommandAdd    CommandType = "ADD"
)

// Request is a single outbound frame. Field names and casing are the
// vendor's own (SchwabClientCustomerId, not CustomerID) — adapted
// directly from other_examples/jkoelker-schwab-proxy__types.go's Request
// struct, including the reason those fields don't follow normal Go JSON
// casing: the vendor's wire contract dictates it.
type Request struct {
	Service                ServiceType    `json:"service"`
	Command                CommandType    `json:"command"`
	RequestID              uint64         `json:"requestid,string"`
	SchwabClientCustomerID string         `json:"SchwabClientCustomerId"` //nolint:tagliatelle // required by vendor API
	SchwabClientCorrelID   string         `json:"SchwabClientCorrelId"`   //nolint:tagliatelle // required by vendor API
	Parameters             map[string]any `json:"parameters,omitempty"`
}

// RequestBatch wraps multiple frames for a single send, per spec.md §4.4
// batching.
type RequestBatch struct {
	Requests []Request `json:"requests"`
}

// ResponseContent is the login/ack response payload path
// response[0].content.{code,msg}.
type ResponseContent struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// ResponseItem is one element of the inbound "response" array.
type ResponseItem struct {
	Service   ServiceType     `json:"service"`
	RequestID string          `json:"requestid"`
	Command   CommandType     `json:"command"`
	Content   ResponseContent `json:"content"`
}

// requestIDCounter is the monotonically increasing counter embedded in
// every outbound frame, per spec.md §4.4.
type requestIDCounter struct {
	n uint64
}

func (c *requestIDCounter) next() uint64 {
	return atomic.AddUint64(&c.n, 1)
}

// loginRequest builds the ADMIN/LOGIN frame per spec.md §4.4.
func loginRequest(reqID uint64, info StreamerInfo, accessToken string) Request {
	return Request{
		Service:                ServiceAdmin,
		Command:                CommandLogin,
		RequestID:              reqID,
		SchwabClientCustomerID: info.CustomerID,
		SchwabClientCorrelID:   info.CorrelID,
		Parameters: map[string]any{
			"Authorization":          accessToken,
			"SchwabClientChannel":    info.Channel,
			"SchwabClientFunctionId": info.FunctionID,
		},
	}
}

// SymbolField is field 0 of the LEVELONE_EQUITIES service. The other
// field numbers (LastPrice, OpenPrice, ClosePrice and so on) are not
// declared in this package: spec.md §1 treats "static enumerations of
// vendor field numbers" as an external collaborator/out of scope; only
// field 0 (Symbol) is special-cased by the core (§4.4's "Field 0 must be
// present; prepend if absent"). Callers supply the rest as plain ints.
const SymbolField = 0

// SubscribeLevelOneEquities builds the single ADD frame for the
// LEVELONE_EQUITIES service, honoring the vendor quirks spec.md §4.4
// requires: fields sorted ascending, Symbol (field 0) always present.
// Re-subscribing with a different field set for tickers already
// subscribed is a silent vendor-side no-op — the caller is responsible
// for re-subscribing ALL keys to change fields; this function does not
// (and cannot) detect that case.
func SubscribeLevelOneEquities(reqID uint64, info StreamerInfo, tickers []string, fields []int) Request {
	sortedFields := normalizeFields(fields)

	fieldStrs := make([]string, len(sortedFields))
	for i, f := range sortedFields {
		fieldStrs[i] = fmt.Sprintf("%d", f)
	}

	return Request{
		Service:                ServiceLevelOneEquities,
		Command:                CommandAdd,
		RequestID:              reqID,
		SchwabClientCustomerID: info.CustomerID,
		SchwabClientCorrelID:   info.CorrelID,
		Parameters: map[string]any{
			"keys":   strings.Join(tickers, ","),
			"fields": strings.Join(fieldStrs, ","),
		},
	}
}

// normalizeFields sorts fields ascending and prepends SymbolField if
// absent, regardless of input order/content, per spec.md I5.
func normalizeFields(fields []int) []int {
	seen := make(map[int]bool, len(fields)+1)
	out := make([]int, 0, len(fields)+1)

	hasSymbol := false
	for _, f := range fields {
		if f == SymbolField {
			hasSymbol = true
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	if !hasSymbol {
		out = append(out, SymbolField)
	}

	sort.Ints(out)
	return out
}

// marshalFrame serializes a single frame or a batch to the JSON text
// wire format.
func marshalFrame(reqs ...Request) ([]byte, error) {
	if len(reqs) == 1 {
		return json.Marshal(reqs[0])
	}
	return json.Marshal(RequestBatch{Requests: reqs})
}

// parseLoginResponse extracts response[0].content.{code,msg} using
// tidwall/gjson for a narrow ad hoc path read rather than a full struct
// unmarshal, the same usage alexjbarnes-vault-sync and
// zcc135820-web-chuanclix make of gjson elsewhere in the pack.
func parseLoginResponse(raw []byte) (code int, msg string, ok bool) {
	result := gjson.GetBytes(raw, "response.0.content")
	if !result.Exists() {
		return 0, "", false
	}
	return int(result.Get("code").Int()), result.Get("msg").String(), true
}
