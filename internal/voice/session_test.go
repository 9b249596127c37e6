package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/agentconfig"
	"github.com/unpod-ai/voicecore/internal/providers"
)

type fakeResolver struct {
	agent *agentconfig.AgentConfig
	err   error
}

func (f *fakeResolver) Resolve(context.Context, agentconfig.SessionMetadata) (*agentconfig.AgentConfig, error) {
	return f.agent, f.err
}

type fakeSTTSession struct {
	results chan providers.Transcript
	once    sync.Once

	mu     sync.Mutex
	frames int
}

func (s *fakeSTTSession) SendAudio(_ context.Context, _ []byte) error {
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
	return nil
}
func (s *fakeSTTSession) Results() <-chan providers.Transcript { return s.results }
func (s *fakeSTTSession) Close() error {
	s.once.Do(func() { close(s.results) })
	return nil
}

type fakeSTTFactory struct{ sess *fakeSTTSession }

func (f fakeSTTFactory) Open(context.Context, providers.Config) (providers.STTSession, error) {
	return f.sess, nil
}

type fakeLLMSession struct {
	mu               sync.Mutex
	calls            int
	failures         int // calls that error before the script plays
	chunks           []providers.TextChunk
	blockUntilCancel bool
	lastMsgs         []providers.Message
}

func (s *fakeLLMSession) Generate(ctx context.Context, msgs []providers.Message) (<-chan providers.TextChunk, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.lastMsgs = msgs
	s.mu.Unlock()

	out := make(chan providers.TextChunk, 16)
	go func() {
		defer close(out)
		if s.blockUntilCancel {
			<-ctx.Done()
			out <- providers.TextChunk{Err: ctx.Err()}
			return
		}
		if call <= s.failures {
			out <- providers.TextChunk{Err: errors.New("quota exhausted")}
			return
		}
		for _, c := range s.chunks {
			out <- c
		}
	}()
	return out, nil
}

func (s *fakeLLMSession) Close() error { return nil }

func (s *fakeLLMSession) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeLLMFactory struct{ sess *fakeLLMSession }

func (f fakeLLMFactory) Open(context.Context, providers.Config) (providers.LLMSession, error) {
	return f.sess, nil
}

type fakeTTSSession struct {
	mu           sync.Mutex
	inputs       []string
	noAudioFirst bool
	failures     int
}

func (s *fakeTTSSession) Synthesize(_ context.Context, text string) (<-chan providers.AudioChunk, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, text)
	n := len(s.inputs)
	s.mu.Unlock()

	out := make(chan providers.AudioChunk, 4)
	go func() {
		defer close(out)
		if s.noAudioFirst && n == 1 {
			out <- providers.AudioChunk{Err: providers.ErrNoAudioFrames}
			return
		}
		if n <= s.failures {
			out <- providers.AudioChunk{Err: errors.New("synthesis backend down")}
			return
		}
		out <- providers.AudioChunk{Data: []byte{1, 2, 3}}
	}()
	return out, nil
}

func (s *fakeTTSSession) Close() error { return nil }

func (s *fakeTTSSession) synthesized() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.inputs...)
}

type fakeTTSFactory struct{ sess *fakeTTSSession }

func (f fakeTTSFactory) Open(context.Context, providers.Config) (providers.TTSSession, error) {
	return f.sess, nil
}

type collectSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *collectSink) WriteAudio(_ context.Context, frame []byte) error {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
	return nil
}

func (c *collectSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func testAgent() *agentconfig.AgentConfig {
	return &agentconfig.AgentConfig{
		AgentID:     "agent-1",
		Handle:      "asha",
		Name:        "Asha",
		CompanyName: "Greenleaf Nursery",
		SpaceToken:  "space-1",
		STTProvider: "fake:stt",
		LLMProvider: "fake:llm",
		TTSProvider: "fake:tts",
		Voice:       "warm",
		Language:    "en",
		Tone:        "professional",
	}
}

type harness struct {
	session *Session
	stt     *fakeSTTSession
	llm     *fakeLLMSession
	tts     *fakeTTSSession
	sink    *collectSink
}

func newHarness(t *testing.T, llm *fakeLLMSession, tts *fakeTTSSession) *harness {
	t.Helper()
	stt := &fakeSTTSession{results: make(chan providers.Transcript, 8)}
	sink := &collectSink{}

	reg := providers.NewRegistry()
	reg.RegisterSTT("fake:stt", fakeSTTFactory{stt})
	reg.RegisterLLM("fake:llm", fakeLLMFactory{llm})
	reg.RegisterTTS("fake:tts", fakeTTSFactory{tts})

	s := NewSession(Options{
		Resolver:   &fakeResolver{agent: testAgent()},
		Registry:   reg,
		Sink:       sink,
		Logger:     zap.NewNop(),
		RetryDelay: time.Millisecond,
	}, agentconfig.SessionMetadata{
		SessionID: "sess-1",
		ThreadID:  "thread-1",
		CallID:    "call-1",
		CallType:  "inbound",
	})
	return &harness{session: s, stt: stt, llm: llm, tts: tts, sink: sink}
}

func TestStartFailsWhenAgentUnresolvable(t *testing.T) {
	s := NewSession(Options{
		Resolver: &fakeResolver{err: agentconfig.ErrNotFound},
		Registry: providers.NewRegistry(),
		Logger:   zap.NewNop(),
	}, agentconfig.SessionMetadata{CallID: "call-1"})

	err := s.Start(context.Background())
	require.Error(t, err)

	r := s.Result()
	require.NotNil(t, r)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, "agent resolution failed", r.Reason)
	assert.NotEmpty(t, r.Error)
}

func TestFullTurnThroughPipeline(t *testing.T) {
	llm := &fakeLLMSession{chunks: []providers.TextChunk{
		{Text: "Sure, I can help "},
		{Text: "<Transfer the call here>"},
		{Text: "with that."},
		{Done: true, Tokens: 12},
	}}
	tts := &fakeTTSSession{}
	h := newHarness(t, llm, tts)

	require.NoError(t, h.session.Start(context.Background()))
	assert.Equal(t, StatusActive, h.session.Status())

	h.session.HandleText(context.Background(), "can you help me")

	require.Eventually(t, func() bool { return h.sink.count() > 0 }, 2*time.Second, 5*time.Millisecond)

	r := h.session.End("caller_hung_up")
	assert.Equal(t, StatusEnded, r.Status)

	require.Len(t, r.Transcript, 2)
	assert.Equal(t, "user", r.Transcript[0].Role)
	assert.Equal(t, "can you help me", r.Transcript[0].Content)
	assert.Equal(t, "assistant", r.Transcript[1].Role)
	assert.Equal(t, "Sure, I can help with that.", r.Transcript[1].Content)

	synth := tts.synthesized()
	require.Len(t, synth, 1)
	assert.NotContains(t, synth[0], "<")

	assert.Equal(t, 1, r.Metrics.Turns)
	assert.Equal(t, 12, r.Metrics.CompletionTokens)
	assert.Equal(t, 12, r.Usage["fake"].Tokens)
	assert.Greater(t, r.RawCost(), 0.0)
}

func TestSystemPromptAndHistoryReachLLM(t *testing.T) {
	llm := &fakeLLMSession{chunks: []providers.TextChunk{
		{Text: "Hello!"}, {Done: true},
	}}
	h := newHarness(t, llm, &fakeTTSSession{})

	require.NoError(t, h.session.Start(context.Background()))
	h.session.HandleText(context.Background(), "hi")
	require.Eventually(t, func() bool { return h.sink.count() > 0 }, 2*time.Second, 5*time.Millisecond)

	llm.mu.Lock()
	msgs := llm.lastMsgs
	llm.mu.Unlock()
	require.NotEmpty(t, msgs)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "You are Asha")
	assert.Equal(t, "hi", msgs[len(msgs)-1].Content)

	h.session.End("done")
}

func TestLLMErrorRetriedOnceInPlace(t *testing.T) {
	llm := &fakeLLMSession{
		failures: 1,
		chunks:   []providers.TextChunk{{Text: "Recovered."}, {Done: true, Tokens: 2}},
	}
	h := newHarness(t, llm, &fakeTTSSession{})

	require.NoError(t, h.session.Start(context.Background()))
	h.session.HandleText(context.Background(), "hello")

	require.Eventually(t, func() bool { return h.sink.count() > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, llm.callCount())
	assert.Nil(t, h.session.Result(), "one failure must not seal the session")

	r := h.session.End("done")
	assert.Equal(t, StatusEnded, r.Status)
	assert.Equal(t, "Recovered.", r.Transcript[1].Content)
}

func TestSecondLLMFailureSealsAsFailed(t *testing.T) {
	llm := &fakeLLMSession{failures: 2}
	h := newHarness(t, llm, &fakeTTSSession{})

	require.NoError(t, h.session.Start(context.Background()))
	h.session.HandleText(context.Background(), "hello")

	require.Eventually(t, func() bool { return h.session.Result() != nil }, 2*time.Second, 5*time.Millisecond)
	r := h.session.Result()
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, "llm generation failed", r.Reason)
	assert.Contains(t, r.Error, "quota exhausted")
}

func TestTTSNoAudioRetriesTransliterated(t *testing.T) {
	llm := &fakeLLMSession{chunks: []providers.TextChunk{
		{Text: "café & crème for ₹500"},
		{Done: true, Tokens: 5},
	}}
	tts := &fakeTTSSession{noAudioFirst: true}
	h := newHarness(t, llm, tts)

	require.NoError(t, h.session.Start(context.Background()))
	h.session.HandleText(context.Background(), "order status")

	require.Eventually(t, func() bool { return h.sink.count() > 0 }, 2*time.Second, 5*time.Millisecond)

	synth := tts.synthesized()
	require.Len(t, synth, 2)
	assert.Equal(t, "café & crème for ₹500", synth[0])
	assert.Equal(t, Transliterate(synth[0]), synth[1])
	assert.Nil(t, h.session.Result())

	h.session.End("done")
}

func TestInterruptCancelsTurnWithoutFailing(t *testing.T) {
	llm := &fakeLLMSession{blockUntilCancel: true}
	h := newHarness(t, llm, &fakeTTSSession{})

	require.NoError(t, h.session.Start(context.Background()))
	h.session.HandleText(context.Background(), "tell me everything")

	require.Eventually(t, func() bool { return llm.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	h.session.HandleInterrupt()

	// Cancellation is not a failure: the session stays live.
	assert.Never(t, func() bool { return h.session.Result() != nil }, 200*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, StatusActive, h.session.Status())

	r := h.session.End("caller_hung_up")
	assert.Equal(t, StatusEnded, r.Status)
	assert.Equal(t, "caller_hung_up", r.Reason)
}

func TestFinalTranscriptFromSTTRunsTurn(t *testing.T) {
	llm := &fakeLLMSession{chunks: []providers.TextChunk{{Text: "Hi there."}, {Done: true}}}
	h := newHarness(t, llm, &fakeTTSSession{})

	require.NoError(t, h.session.Start(context.Background()))
	require.NoError(t, h.session.HandleAudio(context.Background(), []byte{0, 1}))

	h.stt.results <- providers.Transcript{Text: "hello", Final: false}
	h.stt.results <- providers.Transcript{Text: "hello there", Final: true}

	require.Eventually(t, func() bool { return h.sink.count() > 0 }, 2*time.Second, 5*time.Millisecond)

	r := h.session.End("done")
	require.Len(t, r.Transcript, 2)
	assert.Equal(t, "hello there", r.Transcript[0].Content)
	assert.Positive(t, r.Metrics.STTDurationSum)
}

func TestEndIsIdempotent(t *testing.T) {
	h := newHarness(t, &fakeLLMSession{}, &fakeTTSSession{})
	require.NoError(t, h.session.Start(context.Background()))

	first := h.session.End("done")
	second := h.session.End("done_again")
	assert.Same(t, first, second)
	assert.Equal(t, "done", second.Reason)
}

func TestCallStatusTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatusIdle, StatusInitiating))
	assert.True(t, CanTransition(StatusInitiating, StatusActive))
	assert.True(t, CanTransition(StatusRinging, StatusFailed))
	assert.False(t, CanTransition(StatusActive, StatusRinging), "forward only")
	assert.False(t, CanTransition(StatusEnded, StatusActive), "terminal")
	assert.False(t, CanTransition(StatusFailed, StatusActive), "terminal")
}
