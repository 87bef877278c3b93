// Package streamingtest provides an in-process WebSocket test server that
// speaks this core's plain-JSON-text frame protocol, for exercising the
// streaming session/controller/pipeline without a real vendor endpoint.
package streamingtest

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/websocket"
)

// Server is a test WebSocket endpoint that answers an ADMIN/LOGIN frame
// with a configurable response code/message and otherwise just tracks
// every frame it receives for assertions. Grounded on
// _teacher_legacy/mocktesting/mock_websocket_server.go's
// httptest.NewTLSServer + gorilla upgrader structure, with the wire
// format swapped from Saxo's length-prefixed binary frames to this
// core's plain JSON text frames (spec.md §6), and subscription delivery
// swapped from HTTP POST to inbound WebSocket frames (this spec's model,
// not Saxo's).
type Server struct {
	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	mu        sync.Mutex
	conns     []*websocket.Conn
	received  []json.RawMessage
	loginCode int
	loginMsg  string
}

// NewServer starts a TLS test server that upgrades any request to
// WebSocket and answers every ADMIN/LOGIN frame it sees with
// {loginCode, loginMsg} (defaults to code 0, "" — success).
func NewServer() *Server {
	s := &Server{
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		loginCode: 0,
	}
	s.httpServer = httptest.NewTLSServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the wss:// URL clients should dial.
func (s *Server) URL() string {
	u := s.httpServer.URL
	if len(u) > 5 && u[:5] == "https" {
		return "wss" + u[5:]
	}
	return u
}

// Client returns an *http.Client trusting the server's self-signed
// certificate, for callers that need to reach it over plain HTTPS too.
func (s *Server) Client() *http.Client {
	return s.httpServer.Client()
}

// TLSClientConfig returns a *tls.Config trusting this server's
// self-signed certificate, for callers dialing it directly with
// gorilla/websocket rather than through Client().
func (s *Server) TLSClientConfig() *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(s.httpServer.Certificate())
	return &tls.Config{RootCAs: pool}
}

// SetLoginResponse configures the response every subsequent ADMIN/LOGIN
// frame receives.
func (s *Server) SetLoginResponse(code int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginCode = code
	s.loginMsg = msg
}

// ReceivedFrames returns every frame the server has read so far, for
// assertions on ordering (subscription replay, FIFO enqueue order).
func (s *Server) ReceivedFrames() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]json.RawMessage, len(s.received))
	copy(out, s.received)
	return out
}

// Broadcast sends raw to every connected client, for simulating inbound
// data frames.
func (s *Server) Broadcast(raw []byte) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()

	for _, c := range conns {
		c.WriteMessage(websocket.TextMessage, raw)
	}
}

// CloseConnections forcibly drops every active connection, simulating a
// transport error that should trigger the controller's reconnect path.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, len(s.conns))
	copy(conns, s.conns)
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Close shuts down the underlying test server.
func (s *Server) Close() {
	s.CloseConnections()
	s.httpServer.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.received = append(s.received, append(json.RawMessage(nil), raw...))
		s.mu.Unlock()

		if isLoginFrame(raw) {
			s.mu.Lock()
			code, msg := s.loginCode, s.loginMsg
			s.mu.Unlock()

			resp, _ := json.Marshal(loginResponseEnvelope(code, msg))
			if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
				return
			}
		}
	}
}

func isLoginFrame(raw []byte) bool {
	var probe struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Command == "LOGIN"
}

func loginResponseEnvelope(code int, msg string) map[string]any {
	return map[string]any{
		"response": []map[string]any{
			{
				"service": "ADMIN",
				"command": "LOGIN",
				"content": map[string]any{
					"code": code,
					"msg":  msg,
				},
			},
		},
	}
}
