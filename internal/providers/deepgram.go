package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const deepgramListenURL = "wss://api.deepgram.com/v1/listen"

// DeepgramSTT streams PCM audio over Deepgram's listen websocket and
// surfaces finalized utterances.
type DeepgramSTT struct {
	apiKey string
	logger *zap.Logger
}

func NewDeepgramSTT(apiKey string, logger *zap.Logger) *DeepgramSTT {
	return &DeepgramSTT{apiKey: apiKey, logger: logger}
}

type deepgramSession struct {
	conn    *websocket.Conn
	results chan Transcript
	logger  *zap.Logger

	writeMu sync.Mutex
	once    sync.Once
}

// deepgramResult is the subset of the listen response we consume.
type deepgramResult struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (d *DeepgramSTT) Open(ctx context.Context, cfg Config) (STTSession, error) {
	q := url.Values{}
	q.Set("model", cfg.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRateOrDefault(cfg.SampleRate)))
	q.Set("interim_results", "true")
	q.Set("endpointing", strconv.Itoa(int(silenceOrDefault(cfg.SilenceTimeout).Milliseconds())))
	if cfg.Language != "" {
		// "multi" enables code-switching transcription.
		q.Set("language", cfg.Language)
	}

	header := http.Header{"Authorization": {"Token " + d.apiKey}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, deepgramListenURL+"?"+q.Encode(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("deepgram dial: %w", err)
	}

	s := &deepgramSession{conn: conn, results: make(chan Transcript, 8), logger: d.logger}
	go s.readLoop()
	return s, nil
}

func (s *deepgramSession) SendAudio(_ context.Context, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("deepgram write: %w", err)
	}
	return nil
}

func (s *deepgramSession) readLoop() {
	defer close(s.results)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			s.results <- Transcript{Err: fmt.Errorf("deepgram read: %w", err)}
			return
		}
		var res deepgramResult
		if err := json.Unmarshal(data, &res); err != nil {
			s.logger.Debug("deepgram: unparseable frame", zap.Error(err))
			continue
		}
		if res.Type != "Results" || len(res.Channel.Alternatives) == 0 {
			continue
		}
		text := res.Channel.Alternatives[0].Transcript
		if text == "" {
			continue
		}
		s.results <- Transcript{Text: text, Final: res.IsFinal && res.SpeechFinal}
	}
}

func (s *deepgramSession) Results() <-chan Transcript { return s.results }

func (s *deepgramSession) Close() error {
	var err error
	s.once.Do(func() {
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func sampleRateOrDefault(rate int) int {
	if rate <= 0 {
		return 16000
	}
	return rate
}

func silenceOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}
