package schwabrt

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// AuthRequestReason explains why an OAuthUrlRequest event was raised.
// Values match original_source/src/client.h's AuthRequestReason exactly.
type AuthRequestReason int

const (
	InitialSetup AuthRequestReason = iota
	RefreshTokenExpired
	PreviousAuthFailed
)

func (r AuthRequestReason) String() string {
	switch r {
	case InitialSetup:
		return "InitialSetup"
	case RefreshTokenExpired:
		return "RefreshTokenExpired"
	case PreviousAuthFailed:
		return "PreviousAuthFailed"
	default:
		return "Unknown"
	}
}

// OAuthCompleteStatus is the terminal status of an OAuth attempt.
type OAuthCompleteStatus int

const (
	OAuthNotRequired OAuthCompleteStatus = iota
	OAuthSucceeded
	OAuthFailed
)

// OAuthUrlRequest is emitted when the authorization-code flow needs the
// user to visit a URL and the application to hand back the redirected
// URL. Reply is valid only during the callback invocation; consumers
// must not retain the event past that window.
type OAuthUrlRequest struct {
	URL         string
	Reason      AuthRequestReason
	ChancesLeft int

	replied  bool
	replyURL string
}

// Reply supplies the redirected URL the authorization server sent the
// user's browser to. Calling Reply with an empty string does not count
// as handled.
func (e *OAuthUrlRequest) Reply(url string) {
	if url == "" {
		return
	}
	e.replyURL = url
	e.replied = true
}

// OAuthComplete is emitted once an OAuth attempt reaches a terminal
// state (connect() orchestration, §4.3).
type OAuthComplete struct {
	Status OAuthCompleteStatus
}

// Event is the tagged value delivered to the user's callback.
type Event interface{ isEvent() }

func (OAuthUrlRequest) isEvent() {}
func (OAuthComplete) isEvent()   {}

// EventHandler receives events synchronously, single-threaded relative
// to the emitter.
type EventHandler func(Event)

// defaultEventHandler is installed when no handler is set via
// SetEventHandler. It mirrors original_source/src/client.h's behavior
// when no OAuthCallback is configured: print the authorize URL and block
// on stdin for the redirected URL; OAuthComplete is simply logged.
func defaultEventHandler(logger *slog.Logger) EventHandler {
	return func(ev Event) {
		switch e := ev.(type) {
		case *OAuthUrlRequest:
			fmt.Printf("Visit this URL to authorize (%s, %d chances left):\n%s\n", e.Reason, e.ChancesLeft, e.URL)
			fmt.Print("Paste the redirected URL here: ")
			reader := bufio.NewReader(os.Stdin)
			line, _ := reader.ReadString('\n')
			e.Reply(strings.TrimSpace(line))
		case *OAuthComplete:
			switch e.Status {
			case OAuthSucceeded:
				logger.Info("oauth complete", "status", "succeeded")
			case OAuthFailed:
				logger.Error("oauth complete", "status", "failed")
			case OAuthNotRequired:
				logger.Debug("oauth complete", "status", "not_required")
			}
		}
	}
}
