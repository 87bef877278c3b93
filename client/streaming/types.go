package streaming

// StreamerInfo is the per-user metadata required to authenticate the
// WebSocket session, cached from /userPreference (spec.md §3). Declared
// here (not in the root package) because the streaming controller is
// this type's primary consumer and the root package composes on top of
// streaming, not the other way around — avoids an import cycle between
// the two packages.
type StreamerInfo struct {
	SocketURL  string
	CustomerID string
	CorrelID   string
	Channel    string
	FunctionID string
}

// SessionState is the controller's Inactive/Active/Paused state per
// spec.md §3/§4.4.
type SessionState int

const (
	Inactive SessionState = iota
	Active
	Paused
)

func (s SessionState) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// CredentialSource is the interface the controller uses to reach back
// into the facade for the current access token and StreamerInfo, per
// spec.md §9's back-pointer design note: an interface the facade
// implements, not a raw pointer into the facade, breaking the ownership
// cycle and keeping the controller testable with a fake.
type CredentialSource interface {
	AccessToken() string
	StreamerInfo() StreamerInfo
}

// pendingRequest is a request-queue entry: a frame plus an optional
// on-sent callback, per spec.md §3.
type pendingRequest struct {
	frame  Request
	onSent func()
}
