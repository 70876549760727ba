package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/graygate/internal/apierr"
	"github.com/nerrad567/graygate/internal/infrastructure/config"
	"github.com/nerrad567/graygate/internal/limiter"
)

// dialWS opens a graphql-transport-ws connection to the harness server.
func (h *harness) dialWS(header http.Header) *websocket.Conn {
	h.t.Helper()
	ts := httptest.NewServer(h.srv.Handler())
	h.t.Cleanup(ts.Close)

	dialer := websocket.Dialer{Subprotocols: []string{WSSubprotocol}, HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/graphql", header)
	if err != nil {
		h.t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close() //nolint:errcheck // upgrade response has no body
	h.t.Cleanup(func() { conn.Close() }) //nolint:errcheck // test cleanup
	return conn
}

func writeWS(t *testing.T, conn *websocket.Conn, msg wsMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func readWS(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck // test deadline
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

// readClose reads until the server closes the connection and returns the
// close code.
func readClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck // test deadline
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		t.Fatalf("ReadMessage() error = %v, want close frame", err)
	}
}

func initWS(t *testing.T, conn *websocket.Conn, headers map[string]string) {
	t.Helper()
	payload, _ := json.Marshal(initPayload{Headers: headers}) //nolint:errcheck // static input
	writeWS(t, conn, wsMessage{Type: wsConnectionInit, Payload: payload})
	if got := readWS(t, conn); got.Type != wsConnectionAck {
		t.Fatalf("reply to connection_init = %+v, want connection_ack", got)
	}
}

func TestWebSocket_QueryRoundTrip(t *testing.T) {
	h := newHarness(t)
	conn := h.dialWS(nil)
	initWS(t, conn, map[string]string{"X-Hasura-Role": "editor"})

	writeWS(t, conn, wsMessage{ID: "1", Type: wsSubscribe, Payload: json.RawMessage(`{"query":"query Me { me { id } }"}`)})

	next := readWS(t, conn)
	if next.Type != wsNext || next.ID != "1" {
		t.Fatalf("first message = %+v, want next for id 1", next)
	}
	if string(next.Payload) != `{"data":{"ok":true}}` {
		t.Errorf("next payload = %s", next.Payload)
	}
	if done := readWS(t, conn); done.Type != wsComplete || done.ID != "1" {
		t.Errorf("second message = %+v, want complete for id 1", done)
	}

	calls := h.upstream.recorded()
	if len(calls) != 1 || calls[0].Header.Get("X-Hasura-Role") != "editor" {
		t.Errorf("upstream calls = %+v, want one as editor", calls)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(h.records(LogTypeWebSocket)) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if recs := h.records(LogTypeWebSocket); len(recs) != 1 || recs[0]["operation_id"] != "1" {
		t.Errorf("websocket-log records = %v", recs)
	}
}

func TestWebSocket_PingPong(t *testing.T) {
	h := newHarness(t)
	conn := h.dialWS(nil)
	initWS(t, conn, nil)

	writeWS(t, conn, wsMessage{Type: wsPing})
	if got := readWS(t, conn); got.Type != wsPong {
		t.Errorf("reply to ping = %+v, want pong", got)
	}
}

func TestWebSocket_SubscriptionsRejected(t *testing.T) {
	h := newHarness(t)
	conn := h.dialWS(nil)
	initWS(t, conn, nil)

	writeWS(t, conn, wsMessage{ID: "s1", Type: wsSubscribe, Payload: json.RawMessage(`{"query":"subscription { ticks }"}`)})
	msg := readWS(t, conn)
	if msg.Type != wsError || msg.ID != "s1" {
		t.Fatalf("message = %+v, want error for s1", msg)
	}
	var errs []graphQLError
	if err := json.Unmarshal(msg.Payload, &errs); err != nil || len(errs) != 1 {
		t.Fatalf("error payload = %s", msg.Payload)
	}
	if errs[0].Extensions["code"] != string(apierr.CodeNotSupported) {
		t.Errorf("code = %v, want not-supported", errs[0].Extensions["code"])
	}
	if len(h.upstream.recorded()) != 0 {
		t.Error("subscription reached the upstream")
	}
}

func TestWebSocket_Close(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, h *harness, conn *websocket.Conn)
		want int
	}{
		{
			name: "subscribe before init",
			run: func(t *testing.T, _ *harness, conn *websocket.Conn) {
				writeWS(t, conn, wsMessage{ID: "1", Type: wsSubscribe, Payload: json.RawMessage(`{"query":"{ a }"}`)})
			},
			want: closeUnauthorized,
		},
		{
			name: "authentication failure",
			run: func(t *testing.T, h *harness, conn *websocket.Conn) {
				h.auth.mu.Lock()
				h.auth.err = apierr.Auth(apierr.CodeInvalidJWT, http.StatusBadRequest, "bad token")
				h.auth.mu.Unlock()
				writeWS(t, conn, wsMessage{Type: wsConnectionInit})
			},
			want: closeForbidden,
		},
		{
			name: "second init",
			run: func(t *testing.T, _ *harness, conn *websocket.Conn) {
				initWS(t, conn, nil)
				writeWS(t, conn, wsMessage{Type: wsConnectionInit})
			},
			want: closeTooManyInit,
		},
		{
			name: "duplicate operation id",
			run: func(t *testing.T, h *harness, conn *websocket.Conn) {
				block := make(chan struct{})
				t.Cleanup(func() { close(block) })
				h.upstream.mu.Lock()
				h.upstream.respond = func(w http.ResponseWriter, r *http.Request) {
					select {
					case <-block:
					case <-r.Context().Done():
					}
				}
				h.upstream.mu.Unlock()

				initWS(t, conn, nil)
				writeWS(t, conn, wsMessage{ID: "dup", Type: wsSubscribe, Payload: json.RawMessage(`{"query":"{ a }"}`)})
				writeWS(t, conn, wsMessage{ID: "dup", Type: wsSubscribe, Payload: json.RawMessage(`{"query":"{ a }"}`)})
			},
			want: closeSubscriberExists,
		},
		{
			name: "invalid frame",
			run: func(t *testing.T, _ *harness, conn *websocket.Conn) {
				if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
					t.Fatalf("WriteMessage() error = %v", err)
				}
			},
			want: closeBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			conn := h.dialWS(nil)
			tt.run(t, h, conn)
			if got := readClose(t, conn); got != tt.want {
				t.Errorf("close code = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWebSocket_PanicDuringInitClosesConnection(t *testing.T) {
	h := newHarness(t)
	h.auth.mu.Lock()
	h.auth.panic = "provider bug"
	h.auth.mu.Unlock()

	conn := h.dialWS(nil)
	writeWS(t, conn, wsMessage{Type: wsConnectionInit})
	if got := readClose(t, conn); got != closeInternalError {
		t.Errorf("close code = %d, want %d", got, closeInternalError)
	}

	recs := h.records(LogTypeWebSocket)
	if len(recs) != 1 || recs[0]["error"] != "provider bug" || recs[0]["stack"] == nil {
		t.Errorf("websocket-log records = %v, want one panic record with stack", recs)
	}

	h.auth.mu.Lock()
	h.auth.panic = ""
	h.auth.mu.Unlock()
	initWS(t, h.dialWS(nil), nil)
}

func TestWebSocket_PanicDuringOperationSendsError(t *testing.T) {
	h := newHarness(t)
	h.srv.limiter = limiter.New(func() limiter.Policy { panic("policy bug") })

	conn := h.dialWS(nil)
	initWS(t, conn, nil)
	writeWS(t, conn, wsMessage{ID: "p1", Type: wsSubscribe, Payload: json.RawMessage(`{"query":"{ a }"}`)})

	msg := readWS(t, conn)
	if msg.Type != wsError || msg.ID != "p1" {
		t.Fatalf("message = %+v, want error for p1", msg)
	}
	var errs []graphQLError
	if err := json.Unmarshal(msg.Payload, &errs); err != nil || len(errs) != 1 {
		t.Fatalf("error payload = %s", msg.Payload)
	}
	if errs[0].Extensions["code"] != string(apierr.CodeUnexpected) {
		t.Errorf("code = %v, want unexpected", errs[0].Extensions["code"])
	}

	// The connection stays usable.
	writeWS(t, conn, wsMessage{Type: wsPing})
	if got := readWS(t, conn); got.Type != wsPong {
		t.Errorf("reply to ping = %+v, want pong", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(h.records(LogTypeWebSocket)) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	recs := h.records(LogTypeWebSocket)
	if len(recs) != 1 || recs[0]["operation_id"] != "p1" || recs[0]["error"] == nil {
		t.Errorf("websocket-log records = %v, want one failed operation p1", recs)
	}
	if len(h.upstream.recorded()) != 0 {
		t.Error("operation reached the upstream after the panic")
	}
}

func TestWebSocket_InitTimeout(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.WebSocket.InitTimeout = 1 })
	conn := h.dialWS(nil)
	if got := readClose(t, conn); got != closeInitTimeout {
		t.Errorf("close code = %d, want %d", got, closeInitTimeout)
	}
}

func TestWebSocket_UpgradeRequired(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/v1/graphql", "", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("plain GET status = %d, want 405", w.Code)
	}

	w = h.do(http.MethodGet, "/v1/graphql", "", http.Header{
		"Connection":             {"Upgrade"},
		"Upgrade":                {"websocket"},
		"Sec-Websocket-Version":  {"13"},
		"Sec-Websocket-Key":      {"dGhlIHNhbXBsZSBub25jZQ=="},
		"Sec-Websocket-Protocol": {"graphql-ws"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("wrong subprotocol status = %d, want 400", w.Code)
	}
}
