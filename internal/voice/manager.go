package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/agentconfig"
	"github.com/unpod-ai/voicecore/internal/broadcaster"
	"github.com/unpod-ai/voicecore/internal/tasks"
)

// Event names exchanged on a call's thread channel. Caller media and
// control arrive as broadcast events; synthesized audio and lifecycle
// notices go back out on the same channel.
const (
	EventAudio     = "audio"
	EventMessage   = "message"
	EventInterrupt = "interrupt"
	EventHangup    = "hangup"

	EventAgentAudio = "agent_audio"
	EventCallEnded  = "call_ended"
)

// Manager owns the live sessions of this process. Each call is bound to
// its thread channel: the manager subscribes for inbound events and
// installs a sink that publishes agent audio back to the same channel,
// so telephony bridges and websocket clients speak one protocol.
type Manager struct {
	bcast   *broadcaster.Broadcaster
	opts    Options // template; Sink is set per call
	maxCall time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	active map[string]*liveCall
}

type liveCall struct {
	session *Session
	sub     *broadcaster.Subscription
}

const defaultMaxCall = 15 * time.Minute

// NewManager builds a manager from a session options template. maxCall
// bounds wall-clock call length; zero applies the default.
func NewManager(bcast *broadcaster.Broadcaster, opts Options, maxCall time.Duration, logger *zap.Logger) *Manager {
	if maxCall <= 0 {
		maxCall = defaultMaxCall
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		bcast:   bcast,
		opts:    opts,
		maxCall: maxCall,
		logger:  logger,
		active:  make(map[string]*liveCall),
	}
}

// threadSink publishes synthesized audio to the call's thread channel.
type threadSink struct {
	bcast  *broadcaster.Broadcaster
	thread string
	callID string
}

func (s *threadSink) WriteAudio(ctx context.Context, frame []byte) error {
	return s.bcast.Publish(ctx, s.thread, map[string]interface{}{
		"event":                   EventAgentAudio,
		"call_id":                 s.callID,
		"audio":                   base64.StdEncoding.EncodeToString(frame),
		broadcaster.FieldFromUser: "agent:" + s.callID,
	})
}

// StartCall opens a session for meta and binds it to the thread channel.
// Missing call and session ids are generated. The returned session is
// live; the manager routes its events until it seals.
func (m *Manager) StartCall(ctx context.Context, meta agentconfig.SessionMetadata) (*Session, error) {
	if meta.ThreadID == "" {
		return nil, fmt.Errorf("start call: thread id is required")
	}
	if meta.CallID == "" {
		meta.CallID = uuid.NewString()
	}
	if meta.SessionID == "" {
		meta.SessionID = uuid.NewString()
	}

	opts := m.opts
	opts.Sink = &threadSink{bcast: m.bcast, thread: meta.ThreadID, callID: meta.CallID}

	session := NewSession(opts, meta)
	if err := session.Start(ctx); err != nil {
		return nil, err
	}

	sub, err := m.bcast.Subscribe(ctx, meta.ThreadID)
	if err != nil {
		session.End("thread subscription failed")
		session.Wait()
		return nil, err
	}

	call := &liveCall{session: session, sub: sub}
	m.mu.Lock()
	m.active[meta.CallID] = call
	m.mu.Unlock()

	go m.pump(session, sub)
	go m.reap(meta, session, sub)
	return session, nil
}

// pump routes thread events into the session until the stream closes.
func (m *Manager) pump(session *Session, sub *broadcaster.Subscription) {
	for ev := range sub.Events() {
		name, _ := ev.Payload["event"].(string)
		switch name {
		case EventAudio:
			encoded, _ := ev.Payload["audio"].(string)
			frame, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				m.logger.Warn("Dropping undecodable audio frame", zap.Error(err))
				continue
			}
			if err := session.HandleAudio(context.Background(), frame); err != nil {
				return
			}
		case EventMessage:
			text, _ := ev.Payload["text"].(string)
			if text == "" {
				text, _ = ev.Payload["message"].(string)
			}
			if text != "" {
				session.HandleText(context.Background(), text)
			}
		case EventInterrupt:
			session.HandleInterrupt()
		case EventHangup:
			reason, _ := ev.Payload["reason"].(string)
			if reason == "" {
				reason = "caller hung up"
			}
			session.End(reason)
			return
		}
	}
}

// reap waits for the session to seal, enforces the call length cap,
// then releases the subscription and announces the end of the call.
func (m *Manager) reap(meta agentconfig.SessionMetadata, session *Session, sub *broadcaster.Subscription) {
	sealed := make(chan struct{})
	go func() {
		session.Wait()
		close(sealed)
	}()

	timer := time.NewTimer(m.maxCall)
	defer timer.Stop()
	select {
	case <-sealed:
	case <-timer.C:
		session.End("max call duration reached")
		<-sealed
	}

	sub.Close()
	m.mu.Lock()
	delete(m.active, meta.CallID)
	m.mu.Unlock()

	result := session.Result()
	if result == nil {
		return
	}
	payload := map[string]interface{}{
		"event":       EventCallEnded,
		"call_id":     result.CallID,
		"status":      string(result.Status),
		"reason":      result.Reason,
		"duration_ms": result.Duration().Milliseconds(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.bcast.Publish(ctx, meta.ThreadID, payload); err != nil {
		m.logger.Warn("Failed to announce call end",
			zap.String("call_id", result.CallID), zap.Error(err))
	}
}

// outboundInput is the task payload for a dial-out call.
type outboundInput struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// RunOutbound executes one dispatched call task end to end and returns
// the sealed result. It blocks until the call ends, the length cap
// fires, or ctx is cancelled.
func (m *Manager) RunOutbound(ctx context.Context, task tasks.Task) (*CallResult, error) {
	var input outboundInput
	if len(task.Input) > 0 {
		if err := json.Unmarshal(task.Input, &input); err != nil {
			return nil, fmt.Errorf("task %s: decode input: %w", task.ID, err)
		}
	}
	if input.Phone == "" {
		return nil, fmt.Errorf("task %s: input has no phone", task.ID)
	}

	threadID := task.ThreadID
	if threadID == "" {
		threadID = "call-" + task.ID
	}
	meta := agentconfig.SessionMetadata{
		SpaceToken:   task.SpaceID,
		ThreadID:     threadID,
		CallID:       uuid.NewString(),
		CallType:     task.CallType,
		ContactName:  input.Name,
		ContactPhone: input.Phone,
	}
	if meta.CallType == "" {
		meta.CallType = "outbound"
	}

	session, err := m.StartCall(ctx, meta)
	if err != nil {
		return nil, err
	}

	sealed := make(chan struct{})
	go func() {
		session.Wait()
		close(sealed)
	}()
	select {
	case <-sealed:
	case <-ctx.Done():
		session.End("dispatcher shutdown")
		<-sealed
	}

	result := session.Result()
	if result == nil {
		return nil, fmt.Errorf("task %s: call produced no result", task.ID)
	}
	return result, nil
}

// Active returns the number of live calls owned by this manager.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown ends every live call with the given reason and waits for
// the sessions to seal.
func (m *Manager) Shutdown(reason string) {
	m.mu.Lock()
	calls := make([]*liveCall, 0, len(m.active))
	for _, c := range m.active {
		calls = append(calls, c)
	}
	m.mu.Unlock()

	for _, c := range calls {
		c.session.End(reason)
	}
	for _, c := range calls {
		c.session.Wait()
	}
}
