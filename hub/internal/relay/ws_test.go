package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/amurg-ai/relay/pkg/protocol"
	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, srv *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.DefaultDialer.Dial(url, header)
}

func wsSend(t *testing.T, c *websocket.Conn, msg protocol.Message) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, protocol.MustEncode(msg)); err != nil {
		t.Fatal(err)
	}
}

// wsExpect reads until a frame of type T arrives, skipping presence and ping.
func wsExpect[T protocol.Message](t *testing.T, c *websocket.Conn) T {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(waitTimeout))
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		switch msg.(type) {
		case *protocol.Presence, *protocol.Ping:
			continue
		}
		got, ok := msg.(T)
		if !ok {
			t.Fatalf("expected %T, got %s", *new(T), data)
		}
		return got
	}
}

func TestWebSocketRelay(t *testing.T) {
	env := newTestEnv(t, testOptions())
	srv := httptest.NewServer(http.HandlerFunc(env.sup.HandleWS))
	defer srv.Close()

	agent, _, err := dialWS(t, srv, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer agent.Close()
	wsSend(t, agent, protocol.Auth{Token: "alice", AgentID: "main"})
	wsExpect[*protocol.AuthOK](t, agent)

	browser, _, err := dialWS(t, srv, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer browser.Close()
	wsSend(t, browser, protocol.Auth{Token: "alice"})
	ok := wsExpect[*protocol.AuthOK](t, browser)
	if ok.UserID != "user-alice" {
		t.Errorf("UserID = %q", ok.UserID)
	}

	wsSend(t, browser, userMessage("m1", "over the wire", ""))
	if got := wsExpect[*protocol.Chat](t, agent); got.Text != "over the wire" {
		t.Errorf("agent got %+v", got)
	}
	if ack := wsExpect[*protocol.Ack](t, browser); ack.Status != protocol.AckDelivered {
		t.Errorf("ack = %+v", ack)
	}
}

func TestWebSocketAuthFailCloseCode(t *testing.T) {
	env := newTestEnv(t, testOptions())
	srv := httptest.NewServer(http.HandlerFunc(env.sup.HandleWS))
	defer srv.Close()

	c, _, err := dialWS(t, srv, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	wsSend(t, c, protocol.Auth{Token: "bad"})
	wsExpect[*protocol.AuthFail](t, c)

	_, _, err = c.ReadMessage()
	if !websocket.IsCloseError(err, protocol.CloseAuthFailed) {
		t.Errorf("expected close %d, got %v", protocol.CloseAuthFailed, err)
	}
}

func TestWebSocketOriginCheck(t *testing.T) {
	opts := testOptions()
	opts.AllowedOrigins = []string{"https://app.example.com"}
	env := newTestEnv(t, opts)
	srv := httptest.NewServer(http.HandlerFunc(env.sup.HandleWS))
	defer srv.Close()

	_, resp, err := dialWS(t, srv, http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil {
		t.Fatal("expected handshake to fail for a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("unexpected response: %v", resp)
	}

	c, _, err := dialWS(t, srv, http.Header{"Origin": {"https://app.example.com"}})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	c.Close()

	// Agents connect without an Origin header.
	c, _, err = dialWS(t, srv, nil)
	if err != nil {
		t.Fatalf("origin-less client rejected: %v", err)
	}
	c.Close()
}
