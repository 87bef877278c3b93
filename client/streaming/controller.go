package streaming

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const loginRetryWait = 5 * time.Second

// Controller owns a Session and a Pipeline, drives the ADMIN/LOGIN
// protocol, tracks the subscription record for reconnect replay, and
// exposes the Inactive/Active/Paused state machine and pause/resume
// facility that the token lifecycle coordinates with during refresh.
//
// Grounded on _teacher_legacy/saxo_websocket.go's top-level
// SubscribeToPrices/reconnection orchestration and
// original_source/src/streamer.h's start/asyncRequest/
// onWebsocketConnected/m_requestId counter.
type Controller struct {
	session  *Session
	pipeline *Pipeline
	creds    CredentialSource
	logger   *slog.Logger

	reqIDs requestIDCounter

	mu    sync.Mutex
	state SessionState

	subsMu sync.Mutex
	subs   []Request

	dataHandler func([]byte)
}

// NewController builds a controller dialing whatever
// creds.StreamerInfo().SocketURL resolves to at connect/reconnect time.
// creds supplies the access token and StreamerInfo at login time; the
// controller never retains a pointer back into the facade, only this
// interface, per spec.md §9's back-pointer design note.
func NewController(creds CredentialSource, logger *slog.Logger) *Controller {
	c := &Controller{
		session: NewSession(func() string { return creds.StreamerInfo().SocketURL }, http.Header{}, logger),
		creds:   creds,
		logger:  logger,
	}
	c.pipeline = NewPipeline(c.session.Send)
	c.session.SetOnReconnect(c.handleReconnect)
	c.session.SetOnReadError(c.handleReadError)
	return c
}

// SetTLSClientConfig overrides the TLS config the underlying session
// dials with; see Session.SetTLSClientConfig.
func (c *Controller) SetTLSClientConfig(cfg *tls.Config) {
	c.session.SetTLSClientConfig(cfg)
}

// State returns the controller's current session state.
func (c *Controller) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(state SessionState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Start connects the session and, once WsHandshaked, runs the login
// protocol. dataHandler receives every decoded data frame once Active.
func (c *Controller) Start(ctx context.Context, dataHandler func([]byte)) {
	c.dataHandler = dataHandler
	c.session.Connect(ctx, func() { c.login(ctx) })
}

// Stop tears down the session and the pipeline worker, returning the
// controller to Inactive.
func (c *Controller) Stop() {
	c.setState(Inactive)
	c.pipeline.Stop()
	c.session.Stop()
}

// Pause stops the receive loop and parks the sender worker (via the
// pipeline's active flag) without tearing down the connection.
func (c *Controller) Pause() {
	c.mu.Lock()
	if c.state != Active {
		c.mu.Unlock()
		return
	}
	c.state = Paused
	c.mu.Unlock()

	c.session.StopReceiveLoop()
	c.pipeline.SetActive(false)
}

// Resume restarts the receive loop and wakes the sender worker.
func (c *Controller) Resume() {
	c.mu.Lock()
	if c.state != Paused {
		c.mu.Unlock()
		return
	}
	c.state = Active
	c.mu.Unlock()

	c.pipeline.SetActive(true)
	c.session.StartReceiveLoop(c.onDataFrame)
}

// PauseForTokenRefresh implements streamPauser for the token lifecycle:
// it pauses only if currently Active, and reports whether it actually
// did so, so a refresh that fires while the caller already paused the
// stream leaves it Paused (spec.md §4.3 scenario 4's no-op requirement).
func (c *Controller) PauseForTokenRefresh() bool {
	c.mu.Lock()
	wasActive := c.state == Active
	c.mu.Unlock()
	if wasActive {
		c.Pause()
	}
	return wasActive
}

// ResumeAfterTokenRefresh resumes only if wasPaused reports that this
// same refresh cycle actually paused the stream.
func (c *Controller) ResumeAfterTokenRefresh(wasPaused bool) {
	if wasPaused {
		c.Resume()
	}
}

// SubscribeLevelOneEquities builds the ADD frame, appends it to the
// subscription record for reconnect replay, and pushes it to the
// request pipeline.
func (c *Controller) SubscribeLevelOneEquities(tickers []string, fields []int) {
	req := SubscribeLevelOneEquities(c.reqIDs.next(), c.creds.StreamerInfo(), tickers, fields)

	c.subsMu.Lock()
	c.subs = append(c.subs, req)
	c.subsMu.Unlock()

	c.pipeline.Push(req, nil)
}

func (c *Controller) login(ctx context.Context) {
	req := loginRequest(c.reqIDs.next(), c.creds.StreamerInfo(), c.creds.AccessToken())

	c.session.ReceiveOnce(func(raw []byte) {
		code, msg, ok := parseLoginResponse(raw)
		if !ok || code != 0 {
			if c.logger != nil {
				c.logger.Warn("streaming login failed, retrying", "code", code, "msg", msg, "parsed", ok)
			}
			time.Sleep(loginRetryWait)
			c.login(ctx)
			return
		}

		c.setState(Active)
		c.pipeline.SetActive(true)
		c.pipeline.Start()
		c.session.StartReceiveLoop(c.onDataFrame)
		if c.logger != nil {
			c.logger.Info("streaming login succeeded")
		}
	})
	c.session.Send(req, nil)
}

func (c *Controller) onDataFrame(raw []byte) {
	if c.dataHandler != nil {
		c.dataHandler(raw)
	}
}

// handleReadError is invoked off the session's receive-loop goroutine
// when a read fails. The controller resets to Inactive, parks the
// pipeline, and lets Session.Reconnect drive the handshake chain again.
func (c *Controller) handleReadError(err error) {
	if c.logger != nil {
		c.logger.Warn("streaming session read error, reconnecting", "error", err)
	}
	c.setState(Inactive)
	c.pipeline.SetActive(false)
	c.session.Reconnect(context.Background())
}

// handleReconnect runs after the session re-establishes WsHandshaked
// following an error. Per spec.md §4.4's "on reconnect" rule: reset to
// Inactive (already done in handleReadError), rerun login, then replay
// every frame in the subscription record in original order before
// resuming acceptance of new user requests — here "new requests" means
// the pipeline only accepts dequeues once the replay frames are queued
// ahead of anything pushed after reconnect, which the append-only,
// FIFO-preserving subscription record guarantees.
func (c *Controller) handleReconnect() {
	req := loginRequest(c.reqIDs.next(), c.creds.StreamerInfo(), c.creds.AccessToken())

	c.session.ReceiveOnce(func(raw []byte) {
		code, msg, ok := parseLoginResponse(raw)
		if !ok || code != 0 {
			if c.logger != nil {
				c.logger.Warn("streaming reconnect login failed, retrying", "code", code, "msg", msg, "parsed", ok)
			}
			time.Sleep(loginRetryWait)
			c.handleReconnect()
			return
		}

		c.setState(Active)
		c.session.StartReceiveLoop(c.onDataFrame)

		c.subsMu.Lock()
		replay := make([]Request, len(c.subs))
		copy(replay, c.subs)
		c.subsMu.Unlock()

		for _, frame := range replay {
			c.session.Send(frame, nil)
		}
		if c.logger != nil {
			c.logger.Info("streaming reconnect login succeeded, replayed subscriptions", "count", len(replay))
		}

		// Replay finishes before the pipeline may drain anything queued
		// while disconnected, so reconnect ordering never gets jumped.
		c.pipeline.SetActive(true)
	})
	c.session.Send(req, nil)
}
