package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	cartesiaWSURL   = "wss://api.cartesia.ai/tts/websocket"
	cartesiaVersion = "2025-04-16"
)

// CartesiaTTS synthesizes speech over Cartesia's websocket API. One
// websocket serves the whole call; each Synthesize is a context id on
// that connection.
type CartesiaTTS struct {
	apiKey string
	logger *zap.Logger
}

func NewCartesiaTTS(apiKey string, logger *zap.Logger) *CartesiaTTS {
	return &CartesiaTTS{apiKey: apiKey, logger: logger}
}

type cartesiaSession struct {
	conn   *websocket.Conn
	cfg    Config
	logger *zap.Logger

	writeMu sync.Mutex
	nextCtx atomic.Int64

	mu     sync.Mutex
	active map[string]*cartesiaStream
	closed bool
}

// cartesiaStream is one context id's audio channel; chunks counts the
// frames delivered so an empty synthesis can be told apart from a
// normal completion.
type cartesiaStream struct {
	out    chan AudioChunk
	chunks int
}

// push never blocks: an interrupted reply abandons its channel, and a
// blocked send here would wedge the read loop for every other context
// on the shared connection.
func (st *cartesiaStream) push(c AudioChunk) {
	select {
	case st.out <- c:
	default:
	}
}

type cartesiaRequest struct {
	ModelID    string `json:"model_id"`
	Transcript string `json:"transcript"`
	ContextID  string `json:"context_id"`
	Voice      struct {
		Mode string `json:"mode"`
		ID   string `json:"id"`
	} `json:"voice"`
	OutputFormat struct {
		Container  string `json:"container"`
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sample_rate"`
	} `json:"output_format"`
	Language string `json:"language,omitempty"`
}

type cartesiaMessage struct {
	Type      string `json:"type"`
	ContextID string `json:"context_id"`
	Data      string `json:"data"`
	Error     string `json:"error"`
}

func (c *CartesiaTTS) Open(ctx context.Context, cfg Config) (TTSSession, error) {
	q := url.Values{}
	q.Set("api_key", c.apiKey)
	q.Set("cartesia_version", cartesiaVersion)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cartesiaWSURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("cartesia dial: %w", err)
	}
	s := &cartesiaSession{
		conn:   conn,
		cfg:    cfg,
		logger: c.logger,
		active: make(map[string]*cartesiaStream),
	}
	go s.readLoop()
	return s, nil
}

func (s *cartesiaSession) Synthesize(ctx context.Context, text string) (<-chan AudioChunk, error) {
	ctxID := fmt.Sprintf("utt-%d", s.nextCtx.Add(1))

	req := cartesiaRequest{ModelID: s.cfg.Model, Transcript: text, ContextID: ctxID}
	req.Voice.Mode = "id"
	req.Voice.ID = s.cfg.Voice
	req.OutputFormat.Container = "raw"
	req.OutputFormat.Encoding = "pcm_s16le"
	req.OutputFormat.SampleRate = sampleRateOrDefault(s.cfg.SampleRate)
	if s.cfg.Language != "" && s.cfg.Language != "multi" {
		req.Language = s.cfg.Language
	}

	out := make(chan AudioChunk, 32)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("cartesia session closed")
	}
	s.active[ctxID] = &cartesiaStream{out: out}
	s.mu.Unlock()

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err := s.conn.WriteJSON(req)
	s.writeMu.Unlock()
	if err != nil {
		s.detach(ctxID)
		return nil, fmt.Errorf("cartesia write: %w", err)
	}
	return out, nil
}

func (s *cartesiaSession) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.failAll(fmt.Errorf("cartesia read: %w", err))
			return
		}
		var msg cartesiaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("cartesia: unparseable frame", zap.Error(err))
			continue
		}
		s.mu.Lock()
		st, ok := s.active[msg.ContextID]
		s.mu.Unlock()
		if !ok {
			continue
		}
		switch msg.Type {
		case "chunk":
			audio, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				st.push(AudioChunk{Err: fmt.Errorf("cartesia chunk decode: %w", err)})
				s.detach(msg.ContextID)
				continue
			}
			st.chunks++
			st.push(AudioChunk{Data: audio})
		case "done":
			if st.chunks == 0 {
				st.push(AudioChunk{Err: ErrNoAudioFrames})
			}
			s.detach(msg.ContextID)
		case "error":
			st.push(AudioChunk{Err: fmt.Errorf("cartesia: %s", msg.Error)})
			s.detach(msg.ContextID)
		}
	}
}

func (s *cartesiaSession) detach(ctxID string) {
	s.mu.Lock()
	if st, ok := s.active[ctxID]; ok {
		delete(s.active, ctxID)
		close(st.out)
	}
	s.mu.Unlock()
}

func (s *cartesiaSession) failAll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, st := range s.active {
		st.push(AudioChunk{Err: err})
		close(st.out)
		delete(s.active, id)
	}
}

func (s *cartesiaSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, st := range s.active {
		close(st.out)
		delete(s.active, id)
	}
	s.mu.Unlock()
	return s.conn.Close()
}
