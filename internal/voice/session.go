package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/agentconfig"
	"github.com/unpod-ai/voicecore/internal/metrics"
	"github.com/unpod-ai/voicecore/internal/prompt"
	"github.com/unpod-ai/voicecore/internal/providers"
)

// AudioSink receives synthesized audio frames for playback.
type AudioSink interface {
	WriteAudio(ctx context.Context, frame []byte) error
}

// ConfigResolver is satisfied by *agentconfig.Resolver.
type ConfigResolver interface {
	Resolve(ctx context.Context, meta agentconfig.SessionMetadata) (*agentconfig.AgentConfig, error)
}

// KnowledgeSource supplies reference snippets for the prompt. Optional;
// a nil source skips retrieval.
type KnowledgeSource interface {
	Prewarm(ctx context.Context, tokens []string)
	GetDocs(ctx context.Context, query string) []string
}

// Timeouts bounds each provider call.
type Timeouts struct {
	STTSilence time.Duration // finalize an utterance after this silence
	LLM        time.Duration // whole generation
	TTSChunk   time.Duration // per audio chunk
}

func (t *Timeouts) applyDefaults() {
	if t.STTSilence <= 0 {
		t.STTSilence = 5 * time.Second
	}
	if t.LLM <= 0 {
		t.LLM = 30 * time.Second
	}
	if t.TTSChunk <= 0 {
		t.TTSChunk = 10 * time.Second
	}
}

// Options wires a session's collaborators.
type Options struct {
	Resolver   ConfigResolver
	Registry   *providers.Registry
	Knowledge  KnowledgeSource
	Sink       AudioSink
	Logger     *zap.Logger
	Timeouts   Timeouts
	RetryDelay time.Duration
	SampleRate int
}

// phase is the internal lifecycle position; CallStatus is the external
// view on the call record.
type phase int

const (
	phaseInit phase = iota
	phaseResolving
	phaseComposing
	phasePipelining
	phaseActive
	phaseWaitingForInput
	phaseClosing
	phaseDone
	phaseFailed
)

// Session drives one call end to end. All exported methods are safe
// for concurrent use.
type Session struct {
	opts   Options
	meta   agentconfig.SessionMetadata
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	phase        phase
	status       CallStatus
	agent        *agentconfig.AgentConfig
	systemPrompt string
	transcript   []TranscriptEntry
	usage        map[string]ProviderUsage
	pipeline     PipelineMetrics
	startedAt    time.Time
	turnStart    time.Time // first audio frame of the pending utterance
	result       *CallResult
	turnCancel   context.CancelFunc

	stt providers.STTSession
	llm providers.LLMSession
	tts providers.TTSSession

	turnMu sync.Mutex // serializes turns so responses keep order
	wg     sync.WaitGroup
}

func NewSession(opts Options, meta agentconfig.SessionMetadata) *Session {
	opts.Timeouts.applyDefaults()
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opts:   opts,
		meta:   meta,
		logger: opts.Logger.With(zap.String("call_id", meta.CallID), zap.String("session_id", meta.SessionID)),
		ctx:    ctx,
		cancel: cancel,
		status: StatusIdle,
		usage:  make(map[string]ProviderUsage),
	}
}

// Start resolves the agent, composes the prompt, and opens the
// STT/LLM/TTS pipeline. An unresolvable agent seals the session as
// failed; no pipeline is opened.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != phaseInit {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.phase = phaseResolving
	s.startedAt = time.Now()
	s.setStatusLocked(StatusInitiating)
	s.mu.Unlock()

	agent, err := s.opts.Resolver.Resolve(ctx, s.meta)
	if err != nil {
		s.fail("agent resolution failed", err)
		return err
	}

	s.mu.Lock()
	s.agent = agent
	s.phase = phaseComposing
	now := time.Now()
	s.systemPrompt = prompt.Compose(prompt.FromAgentConfig(agent, &now))
	s.phase = phasePipelining
	s.setStatusLocked(StatusConnecting)
	s.mu.Unlock()

	if err := s.openPipeline(ctx, agent); err != nil {
		s.fail("pipeline open failed", err)
		return err
	}

	if s.opts.Knowledge != nil && len(agent.KnowledgeTokens) > 0 {
		tokens := agent.KnowledgeTokens
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.opts.Knowledge.Prewarm(s.ctx, tokens)
		}()
	}

	s.wg.Add(1)
	go s.sttLoop()

	s.mu.Lock()
	s.phase = phaseWaitingForInput
	s.setStatusLocked(StatusActive)
	s.mu.Unlock()

	metrics.CallsStarted.WithLabelValues(providerOf(agent.LLMProvider)).Inc()
	s.logger.Info("call session started",
		zap.String("agent", agent.Handle),
		zap.String("llm", agent.LLMProvider))
	return nil
}

func (s *Session) openPipeline(ctx context.Context, agent *agentconfig.AgentConfig) error {
	sttFactory, err := s.opts.Registry.STT(agent.STTProvider)
	if err != nil {
		return err
	}
	llmFactory, err := s.opts.Registry.LLM(agent.LLMProvider)
	if err != nil {
		return err
	}
	ttsFactory, err := s.opts.Registry.TTS(agent.TTSProvider)
	if err != nil {
		return err
	}

	stt, err := sttFactory.Open(ctx, s.providerConfig(agent.STTProvider, ""))
	if err != nil {
		return fmt.Errorf("open stt: %w", err)
	}
	llm, err := llmFactory.Open(ctx, s.providerConfig(agent.LLMProvider, ""))
	if err != nil {
		stt.Close()
		return fmt.Errorf("open llm: %w", err)
	}
	tts, err := ttsFactory.Open(ctx, s.providerConfig(agent.TTSProvider, agent.Voice))
	if err != nil {
		stt.Close()
		llm.Close()
		return fmt.Errorf("open tts: %w", err)
	}

	s.mu.Lock()
	s.stt, s.llm, s.tts = stt, llm, tts
	s.mu.Unlock()
	return nil
}

func (s *Session) providerConfig(id, voice string) providers.Config {
	provider, model := providers.Split(id)
	lang := ""
	if s.agent != nil {
		lang = s.agent.Language
	}
	return providers.Config{
		Provider:       provider,
		Model:          model,
		Voice:          voice,
		Language:       lang,
		SampleRate:     s.opts.SampleRate,
		SilenceTimeout: s.opts.Timeouts.STTSilence,
		ChunkTimeout:   s.opts.Timeouts.TTSChunk,
		TotalTimeout:   s.opts.Timeouts.LLM,
	}
}

// HandleAudio forwards a caller audio frame to STT and stamps the turn
// start on the first frame of a new utterance.
func (s *Session) HandleAudio(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	if s.phase != phaseActive && s.phase != phaseWaitingForInput {
		s.mu.Unlock()
		return fmt.Errorf("session not active")
	}
	if s.turnStart.IsZero() {
		s.turnStart = time.Now()
	}
	stt := s.stt
	s.mu.Unlock()
	return stt.SendAudio(ctx, frame)
}

// HandleText treats message as a finalized transcript, bypassing STT.
func (s *Session) HandleText(_ context.Context, message string) {
	s.onFinalTranscript(message, 0)
}

// HandleInterrupt cancels any in-flight generation and synthesis and
// discards queued audio. The session stays active.
func (s *Session) HandleInterrupt() {
	s.mu.Lock()
	cancel := s.turnCancel
	s.turnCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.logger.Debug("turn interrupted")
	}
}

// sttLoop consumes recognition results. A broken stream is reopened
// once; a second failure seals the session as failed.
func (s *Session) sttLoop() {
	defer s.wg.Done()
	retried := false
	for {
		s.mu.Lock()
		stt := s.stt
		s.mu.Unlock()
		if stt == nil {
			return
		}
		streamErr := false
		for t := range stt.Results() {
			if t.Err != nil {
				metrics.ProviderErrors.WithLabelValues("stt", providerOf(s.agentSTT())).Inc()
				if retried || s.ctx.Err() != nil {
					s.fail("stt stream failed", t.Err)
					return
				}
				retried = true
				streamErr = true
				s.logger.Warn("stt stream error, reopening", zap.Error(t.Err))
				break
			}
			if !t.Final {
				continue
			}
			s.mu.Lock()
			var sttDur time.Duration
			if !s.turnStart.IsZero() {
				sttDur = time.Since(s.turnStart)
				s.turnStart = time.Time{}
			}
			s.mu.Unlock()
			s.onFinalTranscript(t.Text, sttDur)
		}
		if s.ctx.Err() != nil {
			return
		}
		if !streamErr {
			// Results closed without an error: orderly shutdown.
			return
		}
		time.Sleep(s.opts.RetryDelay)
		stt.Close()
		agent := s.agentSnapshot()
		if agent == nil {
			return
		}
		factory, err := s.opts.Registry.STT(agent.STTProvider)
		if err != nil {
			s.fail("stt reopen failed", err)
			return
		}
		next, err := factory.Open(s.ctx, s.providerConfig(agent.STTProvider, ""))
		if err != nil {
			s.fail("stt reopen failed", err)
			return
		}
		s.mu.Lock()
		s.stt = next
		s.mu.Unlock()
	}
}

// onFinalTranscript runs one conversational turn. Turns are serialized
// so assistant responses are emitted in the order their inputs arrived.
func (s *Session) onFinalTranscript(userText string, sttDur time.Duration) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.turnMu.Lock()
		defer s.turnMu.Unlock()
		s.runTurn(userText, sttDur)
	}()
}

func (s *Session) runTurn(userText string, sttDur time.Duration) {
	s.mu.Lock()
	if s.phase != phaseActive && s.phase != phaseWaitingForInput {
		s.mu.Unlock()
		return
	}
	s.phase = phaseActive
	turnCtx, cancel := context.WithCancel(s.ctx)
	s.turnCancel = cancel
	s.appendTranscriptLocked("user", userText)
	agent := s.agent
	s.mu.Unlock()
	defer cancel()

	turnBegan := time.Now()
	llmProvider := providerOf(agent.LLMProvider)

	reply, ttft, tokens, err := s.generate(turnCtx, userText)
	if err != nil {
		if turnCtx.Err() != nil {
			// Interrupt or hang-up, not a provider failure.
			s.backToWaiting()
			return
		}
		s.fail("llm generation failed", err)
		return
	}
	s.recordLLMUsage(llmProvider, tokens)
	metrics.LLMTimeToFirstToken.WithLabelValues(llmProvider).Observe(float64(ttft.Milliseconds()))

	reply = strings.TrimSpace(CleanToolArtifacts(reply))
	if reply == "" {
		s.backToWaiting()
		return
	}

	s.mu.Lock()
	s.appendTranscriptLocked("assistant", reply)
	s.mu.Unlock()

	ttsProvider := providerOf(agent.TTSProvider)
	ttfb, err := s.speak(turnCtx, reply)
	if err != nil {
		if turnCtx.Err() != nil {
			s.backToWaiting()
			return
		}
		s.fail("tts synthesis failed", err)
		return
	}
	metrics.TTSTimeToFirstByte.WithLabelValues(ttsProvider).Observe(float64(ttfb.Milliseconds()))
	s.recordTTSUsage(ttsProvider, len(reply))

	turn := TurnMetrics{
		STTDuration:      sttDur,
		LLMTimeToFirst:   ttft,
		CompletionTokens: tokens,
		TTSTimeToFirst:   ttfb,
		TTSChars:         len(reply),
		TurnLatency:      time.Since(turnBegan),
	}
	metrics.TurnLatency.WithLabelValues(llmProvider).Observe(float64(turn.TurnLatency.Milliseconds()))

	s.mu.Lock()
	s.pipeline.Observe(turn)
	s.turnCancel = nil
	s.mu.Unlock()
	s.backToWaiting()
}

// generate streams one completion, stripping command tags chunk by
// chunk. A provider error is retried once in place.
func (s *Session) generate(ctx context.Context, userText string) (string, time.Duration, int, error) {
	msgs := s.buildMessages(ctx, userText)
	llmProvider := providerOf(s.agentSnapshot().LLMProvider)

	attempt := func() (string, time.Duration, int, error) {
		genCtx, cancel := context.WithTimeout(ctx, s.opts.Timeouts.LLM)
		defer cancel()

		s.mu.Lock()
		llm := s.llm
		s.mu.Unlock()
		stream, err := llm.Generate(genCtx, msgs)
		if err != nil {
			return "", 0, 0, err
		}

		var (
			b        strings.Builder
			stripper = NewTagStripper()
			started  = time.Now()
			ttft     time.Duration
			tokens   int
		)
		for chunk := range stream {
			if chunk.Err != nil {
				return "", 0, 0, chunk.Err
			}
			if chunk.Done {
				tokens = chunk.Tokens
				break
			}
			if ttft == 0 {
				ttft = time.Since(started)
			}
			b.WriteString(stripper.Feed(chunk.Text))
		}
		b.WriteString(stripper.Flush())
		if genCtx.Err() != nil {
			return "", 0, 0, genCtx.Err()
		}
		return b.String(), ttft, tokens, nil
	}

	text, ttft, tokens, err := attempt()
	if err == nil || ctx.Err() != nil {
		return text, ttft, tokens, err
	}
	metrics.ProviderErrors.WithLabelValues("llm", llmProvider).Inc()
	s.logger.Warn("llm error, retrying once", zap.Error(err))
	if !sleepCtx(ctx, s.opts.RetryDelay) {
		return "", 0, 0, ctx.Err()
	}
	return attempt()
}

// speak synthesizes reply and forwards audio to the sink. A synthesis
// that produced no audio is retried once with transliterated text;
// other provider errors get one plain retry.
func (s *Session) speak(ctx context.Context, reply string) (time.Duration, error) {
	ttsProvider := providerOf(s.agentSnapshot().TTSProvider)

	attempt := func(text string) (time.Duration, error) {
		s.mu.Lock()
		tts := s.tts
		s.mu.Unlock()
		stream, err := tts.Synthesize(ctx, text)
		if err != nil {
			return 0, err
		}
		started := time.Now()
		var ttfb time.Duration
		for {
			select {
			case chunk, ok := <-stream:
				if !ok {
					return ttfb, nil
				}
				if chunk.Err != nil {
					return 0, chunk.Err
				}
				if ttfb == 0 {
					ttfb = time.Since(started)
				}
				if s.opts.Sink != nil {
					if err := s.opts.Sink.WriteAudio(ctx, chunk.Data); err != nil {
						return 0, err
					}
				}
			case <-time.After(s.opts.Timeouts.TTSChunk):
				return 0, fmt.Errorf("tts chunk timeout after %s", s.opts.Timeouts.TTSChunk)
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}

	ttfb, err := attempt(reply)
	if err == nil || ctx.Err() != nil {
		return ttfb, err
	}
	metrics.ProviderErrors.WithLabelValues("tts", ttsProvider).Inc()
	retryText := reply
	if errors.Is(err, providers.ErrNoAudioFrames) {
		retryText = Transliterate(reply)
		s.logger.Warn("tts produced no audio, retrying transliterated")
	} else {
		s.logger.Warn("tts error, retrying once", zap.Error(err))
	}
	if !sleepCtx(ctx, s.opts.RetryDelay) {
		return 0, ctx.Err()
	}
	return attempt(retryText)
}

// buildMessages assembles system prompt, optional reference snippets,
// and the running transcript.
func (s *Session) buildMessages(ctx context.Context, userText string) []providers.Message {
	s.mu.Lock()
	msgs := []providers.Message{{Role: "system", Content: s.systemPrompt}}
	history := make([]TranscriptEntry, len(s.transcript))
	copy(history, s.transcript)
	s.mu.Unlock()

	if s.opts.Knowledge != nil {
		if docs := s.opts.Knowledge.GetDocs(ctx, userText); len(docs) > 0 {
			msgs = append(msgs, providers.Message{
				Role:    "system",
				Content: "Reference material for this query:\n- " + strings.Join(docs, "\n- "),
			})
		}
	}
	for _, e := range history {
		msgs = append(msgs, providers.Message{Role: e.Role, Content: e.Content})
	}
	return msgs
}

// End seals the session with the given reason. Safe to call more than
// once; later calls return the sealed result.
func (s *Session) End(reason string) *CallResult {
	return s.seal(StatusEnded, reason, nil)
}

func (s *Session) fail(reason string, err error) {
	s.seal(StatusFailed, reason, err)
}

func (s *Session) seal(status CallStatus, reason string, cause error) *CallResult {
	s.mu.Lock()
	if s.result != nil {
		r := s.result
		s.mu.Unlock()
		return r
	}
	s.phase = phaseClosing
	s.setStatusLocked(status)
	if status == StatusFailed {
		s.phase = phaseFailed
	} else {
		s.phase = phaseDone
	}

	r := &CallResult{
		CallID:       s.meta.CallID,
		ThreadID:     s.meta.ThreadID,
		SessionID:    s.meta.SessionID,
		SpaceToken:   s.meta.SpaceToken,
		CallType:     s.meta.CallType,
		ContactName:  s.meta.ContactName,
		ContactPhone: s.meta.ContactPhone,
		Status:       status,
		Reason:       reason,
		StartedAt:    s.startedAt,
		EndedAt:      time.Now(),
		Transcript:   append([]TranscriptEntry(nil), s.transcript...),
		Usage:        s.usage,
		Metrics:      s.pipeline,
	}
	if s.agent != nil {
		r.AgentID = s.agent.AgentID
		if r.SpaceToken == "" {
			r.SpaceToken = s.agent.SpaceToken
		}
	}
	if cause != nil {
		r.Error = cause.Error()
	}
	s.result = r
	stt, llm, tts := s.stt, s.llm, s.tts
	s.mu.Unlock()

	s.cancel()
	if stt != nil {
		stt.Close()
	}
	if llm != nil {
		llm.Close()
	}
	if tts != nil {
		tts.Close()
	}

	metrics.CallsEnded.WithLabelValues(string(status), reason).Inc()
	metrics.CallDuration.Observe(r.Duration().Seconds())
	metrics.CallCostUSD.Observe(r.RawCost())

	if cause != nil {
		s.logger.Error("call session failed", zap.String("reason", reason), zap.Error(cause))
	} else {
		s.logger.Info("call session ended", zap.String("reason", reason),
			zap.Duration("duration", r.Duration()), zap.Int("turns", r.Metrics.Turns))
	}
	return r
}

// Wait blocks until background work has drained; call after End.
func (s *Session) Wait() { s.wg.Wait() }

// Result returns the sealed CallResult, or nil while the call is live.
func (s *Session) Result() *CallResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Status returns the external call status.
func (s *Session) Status() CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) backToWaiting() {
	s.mu.Lock()
	if s.phase == phaseActive {
		s.phase = phaseWaitingForInput
	}
	s.mu.Unlock()
}

func (s *Session) setStatusLocked(to CallStatus) {
	if s.status == to {
		return
	}
	if !CanTransition(s.status, to) {
		s.logger.Warn("rejected call status transition",
			zap.String("from", string(s.status)), zap.String("to", string(to)))
		return
	}
	s.status = to
}

func (s *Session) appendTranscriptLocked(role, content string) {
	s.transcript = append(s.transcript, TranscriptEntry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
}

func (s *Session) agentSnapshot() *agentconfig.AgentConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

func (s *Session) agentSTT() string {
	if a := s.agentSnapshot(); a != nil {
		return a.STTProvider
	}
	return ""
}

func (s *Session) recordLLMUsage(provider string, tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.usage[provider]
	u.Tokens += tokens
	u.CostUSD += float64(tokens) / 1000 * llmRatePer1K(provider)
	s.usage[provider] = u
}

func (s *Session) recordTTSUsage(provider string, chars int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.usage[provider]
	u.Chars += chars
	u.CostUSD += float64(chars) / 1000 * ttsRatePer1KChars(provider)
	s.usage[provider] = u
}

// providerOf returns the provider half of a "provider:model" id.
func providerOf(id string) string {
	p, _ := providers.Split(id)
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
