// Package testhelpers provides WebSocket and HTTP utilities shared by the
// BeeChat server tests.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// DefaultOrigin is allowed by the default configuration.
const DefaultOrigin = "http://localhost:8080"

// Event is one decoded envelope received from the server.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// WebSocketURL turns an httptest server URL into its /ws endpoint.
func WebSocketURL(serverURL, user string) string {
	u := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	if user != "" {
		u += "?user=" + user
	}
	return u
}

// ConnectWebSocket dials url with the given Origin header. An empty origin
// sends no header at all.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect dials with the default origin and fails the test on error.
// The connection is closed on cleanup.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(url, DefaultOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendEvent writes one {"event","data"} envelope.
func SendEvent(conn *websocket.Conn, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.WriteJSON(Event{Event: event, Data: raw})
}

// ReadEvents reads one frame and splits it into envelopes. The server may
// pack several queued envelopes in one frame, one per line.
func ReadEvents(conn *websocket.Conn, timeout time.Duration) ([]Event, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, line := range bytes.Split(frame, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// WaitForEvent reads until an envelope named event arrives and decodes its
// data into out. Other events are skipped.
func WaitForEvent(t *testing.T, conn *websocket.Conn, event string, out any, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		events, err := ReadEvents(conn, time.Until(deadline))
		require.NoError(t, err, "waiting for %q", event)
		for _, ev := range events {
			if ev.Event == event {
				if out != nil {
					require.NoError(t, json.Unmarshal(ev.Data, out))
				}
				return
			}
		}
	}
	t.Fatalf("timed out waiting for %q", event)
}

// CountEvents counts envelopes named event until the connection stays quiet
// for idle. A read timeout is permanent in gorilla/websocket, so conn cannot
// be read afterwards.
func CountEvents(conn *websocket.Conn, event string, idle time.Duration) int {
	count := 0
	for {
		events, err := ReadEvents(conn, idle)
		if err != nil {
			return count
		}
		for _, ev := range events {
			if ev.Event == event {
				count++
			}
		}
	}
}

// ExpectNoEvent fails if an envelope named event arrives within timeout. Like
// CountEvents it leaves conn unreadable.
func ExpectNoEvent(t *testing.T, conn *websocket.Conn, event string, timeout time.Duration) {
	t.Helper()
	require.Zero(t, CountEvents(conn, event, timeout), "unexpected %q", event)
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// MakeRequest executes an HTTP request with a 5-second timeout.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}
