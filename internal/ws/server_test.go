package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"palaver/internal/models"
)

type fakeVerifier struct {
	valid map[string]models.Identity
}

func (f *fakeVerifier) Verify(token string) (models.Identity, error) {
	identity, ok := f.valid[token]
	if !ok {
		return models.Identity{}, models.ErrAuthenticationRequired
	}
	return identity, nil
}

func newTestServer(t *testing.T, coord dispatcher) *httptest.Server {
	t.Helper()
	verifier := &fakeVerifier{valid: map[string]models.Identity{
		"good-token": {UserID: "alice", Role: models.RoleMember},
	}}
	srv := NewServer(coord, verifier, zap.NewNop().Sugar())
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleConnections))
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestServer_RejectsBadHeaderToken(t *testing.T) {
	ts := newTestServer(t, newMockDispatcher())

	header := http.Header{}
	header.Set("token", "bogus")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err == nil {
		_ = conn.Close()
		t.Fatal("dial with a bad token should fail before the upgrade")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %+v", resp)
	}
}

func TestServer_SessionOverRealSocket(t *testing.T) {
	coord := newMockDispatcher()
	ts := newTestServer(t, coord)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.WriteJSON(models.ClientEvent{Type: models.ClientAuthenticate, Token: "good-token"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitUntil(t, func() bool {
		coord.mu.Lock()
		defer coord.mu.Unlock()
		return len(coord.authenticated) == 1
	})

	// Fan-out from the coordinator arrives over the wire.
	coord.serverCh <- models.ServerEvent{Type: models.ServerWelcome, UserID: "alice"}
	var ev models.ServerEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if ev.Type != models.ServerWelcome || ev.UserID != "alice" {
		t.Errorf("received %+v", ev)
	}

	// Inbound events pass through to the coordinator.
	if err := conn.WriteJSON(models.ClientEvent{Type: models.ClientTypingStart, RoomID: "general"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	waitUntil(t, func() bool { return len(coord.dispatchedEvents()) == 1 })

	// Closing the client socket tears the session down.
	_ = conn.Close()
	waitUntil(t, func() bool {
		coord.mu.Lock()
		defer coord.mu.Unlock()
		return len(coord.disconnected) == 1
	})
}

func TestServer_RejectsNonAuthenticateFirstEvent(t *testing.T) {
	ts := newTestServer(t, newMockDispatcher())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.WriteJSON(models.ClientEvent{Type: models.ClientMessageSend, Body: "hi"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	var ev models.ServerEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if ev.Type != models.ErrorEventType(models.ClientMessageSend) || ev.Code != models.CodeAuthenticationRequired {
		t.Errorf("rejection = %+v", ev)
	}
}
