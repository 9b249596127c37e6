package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unpod-ai/voicecore/internal/auth"
	"github.com/unpod-ai/voicecore/internal/broadcaster"
	"github.com/unpod-ai/voicecore/internal/metrics"
)

// Authenticator validates the upgrade request's credentials.
type Authenticator interface {
	Validate(ctx context.Context, authHeader string, query url.Values) (*auth.UserIdentity, *auth.AuthError)
}

// AccessChecker gates thread membership.
type AccessChecker interface {
	CheckAccess(ctx context.Context, threadID string, user *auth.UserIdentity) error
}

var errSubscriptionLost = errors.New("broadcast subscription lost")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // origin is enforced at the proxy
}

// Server multiplexes thread events between websockets and the broadcaster.
type Server struct {
	auth   Authenticator
	access AccessChecker
	bcast  *broadcaster.Broadcaster
	logger *zap.Logger

	mu      sync.Mutex
	sockets map[string]map[*threadSocket]struct{} // thread id -> open sockets
}

// NewServer creates the fan-out server.
func NewServer(authn Authenticator, access AccessChecker, bcast *broadcaster.Broadcaster, logger *zap.Logger) *Server {
	return &Server{
		auth:    authn,
		access:  access,
		bcast:   bcast,
		logger:  logger,
		sockets: make(map[string]map[*threadSocket]struct{}),
	}
}

// Register mounts the websocket endpoint on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws/v1/messaging/", s.handleWS)
}

// threadSocket is the per-connection state; the socket exclusively owns its
// connection and serializes writes.
type threadSocket struct {
	conn    *websocket.Conn
	user    *auth.UserIdentity
	thread  string
	writeMu sync.Mutex
}

func (ts *threadSocket) writeJSON(v interface{}) error {
	ts.writeMu.Lock()
	defer ts.writeMu.Unlock()
	ts.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ts.conn.WriteJSON(v)
}

func (ts *threadSocket) closeWith(code int, reason string) {
	ts.writeMu.Lock()
	defer ts.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ts.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = ts.conn.Close()
}

type errorFrame struct {
	Event      string   `json:"event"`
	Message    string   `json:"message"`
	Errors     []string `json:"errors,omitempty"`
	StatusCode int      `json:"status_code,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	threadID := strings.TrimPrefix(r.URL.Path, "/ws/v1/messaging/")
	threadID = strings.TrimSuffix(threadID, "/")
	if threadID == "" {
		http.Error(w, "thread id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ts := &threadSocket{conn: conn, thread: threadID}

	// Authenticate before accepting any frames.
	user, authErr := s.auth.Validate(r.Context(), r.Header.Get("Authorization"), r.URL.Query())
	if authErr != nil {
		_ = ts.writeJSON(errorFrame{Event: "error", Message: authErr.Reason, StatusCode: http.StatusForbidden})
		ts.closeWith(websocket.ClosePolicyViolation, authErr.Code)
		return
	}
	ts.user = user

	if err := s.access.CheckAccess(r.Context(), threadID, user); err != nil {
		_ = ts.writeJSON(errorFrame{Event: "error", Message: err.Error(), StatusCode: http.StatusForbidden})
		ts.closeWith(websocket.ClosePolicyViolation, "access denied")
		return
	}

	s.register(ts)
	metrics.WebsocketConnections.Inc()
	defer func() {
		s.unregister(ts)
		metrics.WebsocketConnections.Dec()
	}()

	s.logger.Info("Websocket joined thread",
		zap.String("thread_id", threadID),
		zap.String("user_id", user.ID),
		zap.Bool("anonymous", user.Anonymous),
	)

	// Receiver and sender run until either fails; the group context
	// cancels the survivor. ReadMessage has no context, so a watchdog
	// closes the connection on cancellation to unblock the receiver.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receiver(gctx, ts) })
	g.Go(func() error { return s.sender(gctx, ts) })
	g.Go(func() error {
		<-gctx.Done()
		ts.closeWith(websocket.CloseGoingAway, "stream closed")
		return gctx.Err()
	})
	_ = g.Wait()

	_ = conn.Close()
}

func (s *Server) register(ts *threadSocket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sockets[ts.thread]
	if set == nil {
		set = make(map[*threadSocket]struct{})
		s.sockets[ts.thread] = set
	}
	set[ts] = struct{}{}
}

func (s *Server) unregister(ts *threadSocket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.sockets[ts.thread]; ok {
		delete(set, ts)
		if len(set) == 0 {
			delete(s.sockets, ts.thread)
		}
	}
}

// receiver reads frames, validates them, and routes them to the broadcaster.
func (s *Server) receiver(ctx context.Context, ts *threadSocket) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := ts.conn.ReadMessage()
		if err != nil {
			return err
		}

		var payload map[string]interface{}
		if err := json.Unmarshal(raw, &payload); err != nil {
			_ = ts.writeJSON(errorFrame{Event: "error", Message: "invalid JSON frame"})
			ts.closeWith(websocket.CloseUnsupportedData, "invalid json")
			return err
		}

		if errs := validateFrame(payload); len(errs) > 0 {
			_ = ts.writeJSON(errorFrame{Event: "error", Message: "invalid event payload", Errors: errs})
			ts.closeWith(websocket.CloseUnsupportedData, "invalid payload")
			return errInvalidFrame
		}

		event, _ := payload["event"].(string)
		metrics.WebsocketEventsReceived.WithLabelValues(event).Inc()

		switch event {
		case "ping":
			// Answered inline, never broadcast.
			if err := ts.writeJSON(map[string]interface{}{"event": "pong"}); err != nil {
				return err
			}
			continue
		case "block":
			payload[broadcaster.FieldFromUser] = ts.user.ID
		default:
			payload[broadcaster.FieldFromUser] = ts.user.ID
			payload[broadcaster.FieldIncludeSelf] = true
		}

		if err := s.bcast.Publish(ctx, ts.thread, payload); err != nil {
			s.logger.Error("Broadcast publish failed",
				zap.String("thread_id", ts.thread),
				zap.Error(err),
			)
			_ = ts.writeJSON(errorFrame{Event: "error", Message: "event could not be delivered", StatusCode: http.StatusBadGateway})
			ts.closeWith(websocket.ClosePolicyViolation, "publish failed")
			return err
		}
	}
}

// sender subscribes to the thread channel and forwards visible events.
func (s *Server) sender(ctx context.Context, ts *threadSocket) error {
	sub, err := s.bcast.Subscribe(ctx, ts.thread)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				// The broadcaster closes the stream on subscription
				// loss; surfacing an error tears the socket down too.
				return errSubscriptionLost
			}
			if !visibleTo(ev, ts.user.ID) {
				continue
			}
			if err := ts.writeJSON(ev.StripVisibility()); err != nil {
				// Socket is gone; the receiver will observe and terminate.
				return err
			}
			metrics.BroadcastsDelivered.Inc()
		}
	}
}

// visibleTo applies the per-sender visibility rules.
func visibleTo(ev broadcaster.Event, userID string) bool {
	selfOnly := ev.SelfOnly()
	fromUser := ev.FromUser()
	switch {
	case selfOnly != "":
		return selfOnly == userID
	case fromUser == userID:
		return ev.IncludeSelf()
	default:
		return true
	}
}
