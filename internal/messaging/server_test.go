package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/auth"
	"github.com/unpod-ai/voicecore/internal/broadcaster"
)

type stubAuth struct{}

func (stubAuth) Validate(_ context.Context, header string, query url.Values) (*auth.UserIdentity, *auth.AuthError) {
	if header != "" {
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "bad" {
			return nil, &auth.AuthError{Code: auth.CodeUnknownUser, Reason: "Invalid Token / User"}
		}
		return &auth.UserIdentity{ID: token, Email: token + "@b.co", Active: true}, nil
	}
	if su := query.Get("session_user"); su != "" {
		return &auth.UserIdentity{ID: su, Anonymous: true, FullName: "Anonymous User", Active: true}, nil
	}
	return nil, &auth.AuthError{Code: auth.CodeMissingCredential, Reason: "no credential supplied"}
}

type openAccess struct{}

func (openAccess) CheckAccess(context.Context, string, *auth.UserIdentity) error { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	bcast := broadcaster.New(client, zap.NewNop())
	srv := NewServer(stubAuth{}, openAccess{}, bcast, zap.NewNop())

	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, path string, header http.Header) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]interface{}
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestAnonymousConnectAccepted(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts, "/ws/v1/messaging/thr_1?session_user=guest42", nil)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": "ping"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame["event"])
}

func TestInvalidUserGetsErrorFrameAndPolicyClose(t *testing.T) {
	ts := newTestServer(t)
	header := http.Header{"Authorization": []string{"Bearer bad"}}
	conn := dial(t, ts, "/ws/v1/messaging/thr_1", header)

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["event"])
	assert.Equal(t, "Invalid Token / User", frame["message"])

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close frame, got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestPingIsAnsweredInlineNotBroadcast(t *testing.T) {
	ts := newTestServer(t)
	a := dial(t, ts, "/ws/v1/messaging/thr_1", http.Header{"Authorization": []string{"Bearer A"}})
	b := dial(t, ts, "/ws/v1/messaging/thr_1", http.Header{"Authorization": []string{"Bearer B"}})

	require.NoError(t, a.WriteJSON(map[string]interface{}{"event": "ping"}))
	frame := readFrame(t, a)
	assert.Equal(t, "pong", frame["event"])

	b.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var leaked map[string]interface{}
	err := b.ReadJSON(&leaked)
	assert.Error(t, err, "ping must not be broadcast, got %v", leaked)
}

func TestChatWithIncludeSelfReachesBothParticipants(t *testing.T) {
	ts := newTestServer(t)
	a := dial(t, ts, "/ws/v1/messaging/thr_1", http.Header{"Authorization": []string{"Bearer A"}})
	b := dial(t, ts, "/ws/v1/messaging/thr_1", http.Header{"Authorization": []string{"Bearer B"}})

	// Give B's subscription a beat to establish.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, a.WriteJSON(map[string]interface{}{"event": "chat", "message": "hi"}))

	for name, conn := range map[string]*websocket.Conn{"A": a, "B": b} {
		frame := readFrame(t, conn)
		assert.Equal(t, "chat", frame["event"], "recipient %s", name)
		assert.Equal(t, "hi", frame["message"], "recipient %s", name)
		// Visibility fields are stripped before delivery.
		assert.NotContains(t, frame, "from_user")
		assert.NotContains(t, frame, "include_self")
	}
}

func TestInvalidPayloadGetsFieldErrorsAndCloses(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts, "/ws/v1/messaging/thr_1", http.Header{"Authorization": []string{"Bearer A"}})

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": "chat"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["event"])
	assert.NotEmpty(t, frame["errors"])

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, websocket.CloseUnsupportedData, closeErr.Code)
}

// Losing the broker must tear the socket down: the client gets a close
// frame and the registry releases the connection.
func TestBrokerLossClosesSocketAndReleasesRegistry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	bcast := broadcaster.New(client, zap.NewNop())
	srv := NewServer(stubAuth{}, openAccess{}, bcast, zap.NewNop())
	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	conn := dial(t, ts, "/ws/v1/messaging/thr_1", http.Header{"Authorization": []string{"Bearer A"}})
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.sockets["thr_1"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mr.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close frame, got %v", err)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.sockets) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestValidateFrame(t *testing.T) {
	assert.Empty(t, validateFrame(map[string]interface{}{"event": "ping"}))
	assert.Empty(t, validateFrame(map[string]interface{}{"event": "chat", "message": "hi"}))
	assert.Empty(t, validateFrame(map[string]interface{}{
		"event": "block",
		"data":  map[string]interface{}{"block": "b", "block_type": "text", "data": "x"},
	}))

	assert.NotEmpty(t, validateFrame(map[string]interface{}{"event": "chat"}))
	assert.NotEmpty(t, validateFrame(map[string]interface{}{"event": "unknown"}))
	assert.NotEmpty(t, validateFrame(map[string]interface{}{"message": "no event"}))
	assert.NotEmpty(t, validateFrame(map[string]interface{}{"event": "block", "data": "not an object"}))
}

func TestVisibilityRules(t *testing.T) {
	ev := func(fields map[string]interface{}) broadcaster.Event {
		return broadcaster.Event{Payload: fields}
	}

	// self_only: only the named user sees it.
	assert.True(t, visibleTo(ev(map[string]interface{}{"self_only": "A"}), "A"))
	assert.False(t, visibleTo(ev(map[string]interface{}{"self_only": "A"}), "B"))

	// include_self: the sender sees its own event.
	own := map[string]interface{}{"from_user": "A", "include_self": true}
	assert.True(t, visibleTo(ev(own), "A"))
	assert.True(t, visibleTo(ev(own), "B"))

	// Without include_self the sender's copy is suppressed.
	quiet := map[string]interface{}{"from_user": "A"}
	assert.False(t, visibleTo(ev(quiet), "A"))
	assert.True(t, visibleTo(ev(quiet), "B"))
}
