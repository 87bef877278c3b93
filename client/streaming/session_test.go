package streaming

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mkrause/schwabrt/client/streaming/streamingtest"
)

func newTestSession(srv *streamingtest.Server) *Session {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSession(func() string { return srv.URL() }, nil, logger)
	s.SetTLSClientConfig(srv.TLSClientConfig())
	return s
}

func TestSessionConnectReachesWSHandshaked(t *testing.T) {
	srv := streamingtest.NewServer()
	defer srv.Close()

	s := newTestSession(srv)
	defer s.Stop()

	ready := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Connect(ctx, func() { close(ready) })

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("onReady never fired")
	}

	if got := s.State(); got != WSHandshaked {
		t.Fatalf("State() = %v, want WSHandshaked", got)
	}
}

func TestSessionOnReadyFiresOnceOnReconnectFiresAfterward(t *testing.T) {
	srv := streamingtest.NewServer()
	defer srv.Close()

	s := newTestSession(srv)
	defer s.Stop()

	readyCount := 0
	reconnectCount := 0
	ready := make(chan struct{}, 1)
	reconnected := make(chan struct{}, 1)

	s.SetOnReconnect(func() { reconnectCount++; reconnected <- struct{}{} })
	s.SetOnReadError(func(error) { s.Reconnect(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Connect(ctx, func() { readyCount++; ready <- struct{}{} })

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("initial onReady never fired")
	}

	s.StartReceiveLoop(func([]byte) {})
	srv.CloseConnections()

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("onReconnect never fired after the server dropped the connection")
	}

	if readyCount != 1 {
		t.Fatalf("onReady fired %d times, want exactly 1", readyCount)
	}
	if reconnectCount != 1 {
		t.Fatalf("onReconnect fired %d times, want exactly 1", reconnectCount)
	}
}

func TestSessionSendDeliversFrameToServer(t *testing.T) {
	srv := streamingtest.NewServer()
	defer srv.Close()

	s := newTestSession(srv)
	defer s.Stop()

	ready := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Connect(ctx, func() { close(ready) })
	<-ready

	s.Send(Request{Service: ServiceLevelOneEquities, Command: CommandAdd, RequestID: 42}, nil)

	deadline := time.After(2 * time.Second)
	for {
		frames := srv.ReceivedFrames()
		if len(frames) > 0 {
			var got Request
			if err := json.Unmarshal(frames[0], &got); err != nil {
				t.Fatalf("decoding received frame: %v", err)
			}
			if got.RequestID != 42 {
				t.Fatalf("RequestID = %d, want 42", got.RequestID)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the server to receive the sent frame")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
