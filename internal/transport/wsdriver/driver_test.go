// ABOUTME: Tests for the websocket transport driver
// ABOUTME: Covers envelope decoding, malformed frames, and logged-out close codes

package wsdriver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/transport"
)

var upgrader = websocket.Upgrader{}

// startServer runs a websocket endpoint that hands each accepted connection
// to serve and returns a ws:// URL for it.
func startServer(t *testing.T, serve func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDriver_DecodesEnvelopes(t *testing.T) {
	frames := make(chan string, 1)
	frames <- `{
		"id": "m-1",
		"seq": 7,
		"sender": "user-1",
		"conversation_id": "conv-1",
		"group_id": "g-1",
		"body": "hello",
		"media": ["ref-1"],
		"timestamp_ms": 1700000000000,
		"control": true
	}`

	url := startServer(t, func(conn *websocket.Conn) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(<-frames)))
		time.Sleep(200 * time.Millisecond)
	})

	d, err := New(Options{URL: url}, nil)
	require.NoError(t, err)

	received := make(chan transport.RawMessage, 1)
	sess, err := d.Open(context.Background(), func(msg transport.RawMessage) {
		received <- msg
	})
	require.NoError(t, err)
	defer sess.Close()

	select {
	case msg := <-received:
		assert.Equal(t, "m-1", msg.ID)
		assert.Equal(t, int64(7), msg.Seq)
		assert.Equal(t, "user-1", msg.Sender)
		assert.Equal(t, "conv-1", msg.ConversationID)
		assert.Equal(t, "g-1", msg.GroupID)
		assert.Equal(t, "hello", msg.Body)
		assert.Equal(t, []string{"ref-1"}, msg.MediaRefs)
		assert.Equal(t, time.UnixMilli(1700000000000), msg.Timestamp)
		assert.True(t, msg.ControlCommand)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestDriver_SkipsMalformedFrames(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"id":"m-2","conversation_id":"conv-1","body":"still alive"}`)))
		time.Sleep(200 * time.Millisecond)
	})

	d, err := New(Options{URL: url}, nil)
	require.NoError(t, err)

	received := make(chan transport.RawMessage, 2)
	sess, err := d.Open(context.Background(), func(msg transport.RawMessage) {
		received <- msg
	})
	require.NoError(t, err)
	defer sess.Close()

	select {
	case msg := <-received:
		assert.Equal(t, "still alive", msg.Body, "a malformed frame must not kill the session")
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestDriver_LoggedOutCloseCode(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(CloseLoggedOut, "credentials revoked")
		require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
		time.Sleep(100 * time.Millisecond)
	})

	d, err := New(Options{URL: url}, nil)
	require.NoError(t, err)

	sess, err := d.Open(context.Background(), func(transport.RawMessage) {})
	require.NoError(t, err)

	select {
	case info := <-sess.Done():
		assert.True(t, info.LoggedOut)
		assert.Equal(t, CloseLoggedOut, info.StatusCode)
	case <-time.After(2 * time.Second):
		t.Fatal("session never reported close")
	}
}

func TestDriver_NormalCloseIsNotLoggedOut(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "restarting")
		require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
		time.Sleep(100 * time.Millisecond)
	})

	d, err := New(Options{URL: url}, nil)
	require.NoError(t, err)

	sess, err := d.Open(context.Background(), func(transport.RawMessage) {})
	require.NoError(t, err)

	select {
	case info := <-sess.Done():
		assert.False(t, info.LoggedOut)
		assert.Equal(t, websocket.CloseGoingAway, info.StatusCode)
	case <-time.After(2 * time.Second):
		t.Fatal("session never reported close")
	}
}

func TestDriver_RequiresURL(t *testing.T) {
	_, err := New(Options{}, nil)
	require.Error(t, err)
}
