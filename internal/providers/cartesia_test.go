package providers

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var cartesiaTestUpgrader = websocket.Upgrader{}

// newCartesiaHarness runs a fake synthesis endpoint; handler owns the
// server side of the socket and speaks the context-id protocol.
func newCartesiaHarness(t *testing.T, handler func(conn *websocket.Conn)) *cartesiaSession {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := cartesiaTestUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	s := &cartesiaSession{
		conn:   conn,
		cfg:    Config{Model: "sonic-3", Voice: "v1"},
		logger: zap.NewNop(),
		active: make(map[string]*cartesiaStream),
	}
	t.Cleanup(func() { s.Close() })
	go s.readLoop()
	return s
}

func readChunk(t *testing.T, out <-chan AudioChunk) (AudioChunk, bool) {
	t.Helper()
	select {
	case c, ok := <-out:
		return c, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting on audio stream")
		return AudioChunk{}, false
	}
}

func TestCartesiaEmptySynthesisSurfacesNoAudioFrames(t *testing.T) {
	s := newCartesiaHarness(t, func(conn *websocket.Conn) {
		var req cartesiaRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		conn.WriteJSON(cartesiaMessage{Type: "done", ContextID: req.ContextID})
		conn.ReadMessage() // hold the socket open
	})

	out, err := s.Synthesize(context.Background(), "hello")
	require.NoError(t, err)

	chunk, ok := readChunk(t, out)
	require.True(t, ok, "expected an error frame before the stream closes")
	assert.ErrorIs(t, chunk.Err, ErrNoAudioFrames)

	_, ok = readChunk(t, out)
	assert.False(t, ok, "stream closes after the empty completion")
}

// An interrupted reply abandons its channel without draining it; frames
// for that context must not stall delivery to later contexts on the
// shared connection.
func TestCartesiaAbandonedStreamDoesNotWedgeConnection(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte("pcm"))
	s := newCartesiaHarness(t, func(conn *websocket.Conn) {
		var first cartesiaRequest
		if err := conn.ReadJSON(&first); err != nil {
			return
		}
		// Far more frames than the per-context channel buffers.
		for i := 0; i < 100; i++ {
			if err := conn.WriteJSON(cartesiaMessage{Type: "chunk", ContextID: first.ContextID, Data: audio}); err != nil {
				return
			}
		}
		var second cartesiaRequest
		if err := conn.ReadJSON(&second); err != nil {
			return
		}
		conn.WriteJSON(cartesiaMessage{Type: "chunk", ContextID: second.ContextID, Data: audio})
		conn.WriteJSON(cartesiaMessage{Type: "done", ContextID: second.ContextID})
		conn.ReadMessage()
	})

	// The caller walks away from the first reply without draining it.
	_, err := s.Synthesize(context.Background(), "a very long interrupted reply")
	require.NoError(t, err)

	out, err := s.Synthesize(context.Background(), "next utterance")
	require.NoError(t, err)

	chunk, ok := readChunk(t, out)
	require.True(t, ok, "later synthesis must still receive audio")
	require.NoError(t, chunk.Err)
	assert.Equal(t, []byte("pcm"), chunk.Data)

	_, ok = readChunk(t, out)
	assert.False(t, ok, "stream closes on done")
}
