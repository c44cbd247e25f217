package dialog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicebridge-ai/voicebridge/pkg/asr"
	"github.com/voicebridge-ai/voicebridge/pkg/llm"
	"github.com/voicebridge-ai/voicebridge/pkg/protocol"
	"github.com/voicebridge-ai/voicebridge/pkg/tts"
	"github.com/voicebridge-ai/voicebridge/pkg/vad"
)

// fakeTransport records outbound traffic as ordered event labels.
type fakeTransport struct {
	mu        sync.Mutex
	events    []string
	sttTexts  []string
	sentences []string
	closed    bool
}

func (t *fakeTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch m := v.(type) {
	case protocol.STTMessage:
		t.events = append(t.events, "stt")
		t.sttTexts = append(t.sttTexts, m.Text)
	case protocol.TTSMessage:
		t.events = append(t.events, "tts:"+m.State)
		if m.State == protocol.TTSStateSentenceStart {
			t.sentences = append(t.sentences, m.Text)
		}
	case protocol.ErrorMessage:
		t.events = append(t.events, "error")
	default:
		t.events = append(t.events, "json")
	}
	return nil
}

func (t *fakeTransport) WriteBinary(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, "audio")
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.events))
	copy(out, t.events)
	return out
}

func (t *fakeTransport) has(label string) bool {
	for _, e := range t.snapshot() {
		if e == label {
			return true
		}
	}
	return false
}

// fakeASRStream replays a scripted result set when Finish is called.
type fakeASRStream struct {
	mu       sync.Mutex
	frames   [][]byte
	results  chan asr.Result
	script   []asr.Result
	finished bool
	closed   bool
}

func (s *fakeASRStream) SendFrame(encoded []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := make([]byte, len(encoded))
	copy(frame, encoded)
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeASRStream) Finish() error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	s.finished = true
	s.mu.Unlock()

	go func() {
		for _, r := range s.script {
			s.results <- r
		}
		close(s.results)
	}()
	return nil
}

func (s *fakeASRStream) Results() <-chan asr.Result { return s.results }

func (s *fakeASRStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.finished {
		s.finished = true
		close(s.results)
	}
	return nil
}

func (s *fakeASRStream) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type fakeASRProvider struct {
	mu      sync.Mutex
	script  []asr.Result
	streams []*fakeASRStream
}

func (p *fakeASRProvider) Name() string { return "fake_asr" }

func (p *fakeASRProvider) Open(ctx context.Context) (asr.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeASRStream{results: make(chan asr.Result, 10), script: p.script}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeASRProvider) streamCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

// fakeLLM streams scripted tokens and records what it was asked.
type fakeLLM struct {
	mu      sync.Mutex
	tokens  []string
	lastMsg string
	lastLen int
}

func (p *fakeLLM) Name() string { return "fake_llm" }

func (p *fakeLLM) ChatStream(ctx context.Context, text string, history []llm.Message) (<-chan string, <-chan error) {
	p.mu.Lock()
	p.lastMsg = text
	p.lastLen = len(history)
	toks := p.tokens
	p.mu.Unlock()

	out := make(chan string, len(toks))
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for _, tok := range toks {
			select {
			case out <- tok:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errs
}

// fakeTTS emits two chunks per sentence; with hold set it parks on the
// context after the first chunk so barge-in can interrupt it.
type fakeTTS struct {
	hold    bool
	started chan string
}

func (p *fakeTTS) Name() string { return "fake_tts" }

func (p *fakeTTS) SynthesizeStream(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	audio := make(chan []byte, 2)
	errs := make(chan error, 1)
	go func() {
		defer close(audio)
		defer close(errs)
		if p.started != nil {
			p.started <- text
		}
		audio <- []byte("chunk")
		if p.hold {
			<-ctx.Done()
			return
		}
		audio <- []byte("chunk")
	}()
	return audio, errs
}

type fakeProviders struct {
	asr *fakeASRProvider
	llm *fakeLLM
	tts *fakeTTS
}

func (p *fakeProviders) ASR() (asr.Provider, error) { return p.asr, nil }
func (p *fakeProviders) LLM() (llm.Provider, error) { return p.llm, nil }
func (p *fakeProviders) TTS() (tts.Provider, error) { return p.tts, nil }

// passthroughDecoder hands encoded bytes straight to the gate; tests feed
// window-sized frames.
type passthroughDecoder struct{}

func (passthroughDecoder) Decode(frame []byte) ([]byte, error) { return frame, nil }

type testClock struct {
	mu sync.Mutex
	ms int64
}

func (c *testClock) now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms
}

func (c *testClock) advance(d int64) {
	c.mu.Lock()
	c.ms += d
	c.mu.Unlock()
}

func newTestConnection(t *testing.T, probs []float32, clock *testClock, providers *fakeProviders) (*Connection, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}

	var gate *vad.Gate
	var decoder FrameDecoder
	if probs != nil {
		gate = vad.NewGate(vad.NewMockDetectorWithSequence(probs), vad.GateConfig{
			Now: clock.now,
		})
		decoder = passthroughDecoder{}
	}

	conn := NewConnection(ConnectionConfig{
		Transport: transport,
		Providers: providers,
		SessionID: "sess-test",
		ClientID:  "client-test",
		DeviceID:  "device-test",
		Gate:      gate,
		Decoder:   decoder,
	})
	t.Cleanup(conn.Close)
	return conn, transport
}

// window is one VAD window worth of fake audio.
func window() []byte { return make([]byte, 1024) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond)
}

func TestAutoModeHappyPath(t *testing.T) {
	providers := &fakeProviders{
		asr: &fakeASRProvider{script: []asr.Result{
			{Kind: asr.KindFinal, Text: "今天天气怎么样"},
		}},
		llm: &fakeLLM{tokens: []string{"今天天气", "不错。"}},
		tts: &fakeTTS{},
	}
	clock := &testClock{}
	probs := make([]float32, 0, 40)
	for i := 0; i < 20; i++ {
		probs = append(probs, 0.9)
	}
	for i := 0; i < 20; i++ {
		probs = append(probs, 0.05)
	}
	conn, transport := newTestConnection(t, probs, clock, providers)

	// 20 voiced frames start and sustain the segment.
	for i := 0; i < 20; i++ {
		clock.advance(60)
		conn.HandleBinary(window())
	}
	waitFor(t, func() bool { return conn.State() == StateListening })

	// Silence with large clock steps trips the stop edge.
	for i := 0; i < 6; i++ {
		clock.advance(600)
		conn.HandleBinary(window())
	}

	waitFor(t, func() bool { return conn.State() == StateIdle && transport.has("tts:stop") })

	assert.Equal(t, []string{
		"stt",
		"tts:start",
		"tts:sentence_start",
		"audio",
		"audio",
		"tts:sentence_end",
		"tts:stop",
	}, transport.snapshot())
	assert.Equal(t, []string{"今天天气怎么样"}, transport.sttTexts)
	assert.Equal(t, []string{"今天天气不错。"}, transport.sentences)

	require.Equal(t, 1, providers.asr.streamCount())
	assert.GreaterOrEqual(t, providers.asr.streams[0].frameCount(), minDispatchFrames)

	history := conn.History()
	require.Len(t, history, 2)
	assert.Equal(t, llm.RoleUser, history[0].Role)
	assert.Equal(t, "今天天气怎么样", history[0].Content)
	assert.Equal(t, llm.RoleAssistant, history[1].Role)
	assert.Equal(t, "今天天气不错。", history[1].Content)
}

func TestAutoModeShortSegmentDropped(t *testing.T) {
	providers := &fakeProviders{
		asr: &fakeASRProvider{script: []asr.Result{{Kind: asr.KindFinal, Text: "嗯"}}},
		llm: &fakeLLM{tokens: []string{"不应出现。"}},
		tts: &fakeTTS{},
	}
	clock := &testClock{}
	probs := []float32{0.9, 0.9, 0.9, 0.9, 0.9, 0.05, 0.05, 0.05, 0.05, 0.05}
	conn, transport := newTestConnection(t, probs, clock, providers)

	for i := 0; i < 5; i++ {
		clock.advance(60)
		conn.HandleBinary(window())
	}
	waitFor(t, func() bool { return conn.State() == StateListening })
	for i := 0; i < 5; i++ {
		clock.advance(600)
		conn.HandleBinary(window())
	}

	waitFor(t, func() bool { return conn.State() == StateIdle })
	assert.False(t, transport.has("stt"), "short segment must not dispatch")
	require.Equal(t, 1, providers.asr.streamCount())
	assert.True(t, providers.asr.streams[0].closed)
}

func TestAutoModeEmptyFinalResets(t *testing.T) {
	providers := &fakeProviders{
		asr: &fakeASRProvider{script: []asr.Result{{Kind: asr.KindEmptySpeech}}},
		llm: &fakeLLM{tokens: []string{"不应出现。"}},
		tts: &fakeTTS{},
	}
	clock := &testClock{}
	probs := make([]float32, 0, 40)
	for i := 0; i < 20; i++ {
		probs = append(probs, 0.9)
	}
	for i := 0; i < 20; i++ {
		probs = append(probs, 0.05)
	}
	conn, transport := newTestConnection(t, probs, clock, providers)

	for i := 0; i < 20; i++ {
		clock.advance(60)
		conn.HandleBinary(window())
	}
	for i := 0; i < 6; i++ {
		clock.advance(600)
		conn.HandleBinary(window())
	}

	waitFor(t, func() bool { return conn.State() == StateIdle && providers.asr.streamCount() == 1 })
	assert.False(t, transport.has("stt"))
	assert.False(t, transport.has("tts:start"))
}

func TestManualModeAccumulatesFinals(t *testing.T) {
	providers := &fakeProviders{
		asr: &fakeASRProvider{script: []asr.Result{
			{Kind: asr.KindFinal, Text: "你好"},
			{Kind: asr.KindFinal, Text: "世界"},
		}},
		llm: &fakeLLM{tokens: []string{"你好！"}},
		tts: &fakeTTS{},
	}
	conn, transport := newTestConnection(t, nil, nil, providers)

	conn.HandleControl(protocol.CommandListenStart)
	waitFor(t, func() bool { return conn.State() == StateListening })

	for i := 0; i < 3; i++ {
		conn.HandleBinary([]byte{0x01})
	}
	conn.HandleControl(protocol.CommandListenStop)

	waitFor(t, func() bool { return conn.State() == StateIdle && transport.has("tts:stop") })
	// Manual mode appends finals; dispatch carries the concatenation.
	assert.Equal(t, []string{"你好世界"}, transport.sttTexts)
	assert.Equal(t, 3, providers.asr.streams[0].frameCount())
}

func TestTextTurnSkipsASR(t *testing.T) {
	providers := &fakeProviders{
		asr: &fakeASRProvider{},
		llm: &fakeLLM{tokens: []string{"好的。"}},
		tts: &fakeTTS{},
	}
	conn, transport := newTestConnection(t, nil, nil, providers)

	conn.HandleText("讲个笑话")

	waitFor(t, func() bool { return conn.State() == StateIdle && transport.has("tts:stop") })
	assert.Zero(t, providers.asr.streamCount())
	assert.Equal(t, []string{"讲个笑话"}, transport.sttTexts)
	assert.Equal(t, "讲个笑话", providers.llm.lastMsg)
	// History passed to the driver excludes the current user turn.
	assert.Zero(t, providers.llm.lastLen)
}

func TestTrailingFragmentSpoken(t *testing.T) {
	providers := &fakeProviders{
		asr: &fakeASRProvider{},
		llm: &fakeLLM{tokens: []string{"这句回复没有终结符"}},
		tts: &fakeTTS{},
	}
	conn, transport := newTestConnection(t, nil, nil, providers)

	conn.HandleText("你好")

	waitFor(t, func() bool { return conn.State() == StateIdle && transport.has("tts:stop") })
	assert.Equal(t, []string{"这句回复没有终结符"}, transport.sentences)
}

func TestBargeInCancelsTurnAndReopensASR(t *testing.T) {
	started := make(chan string, 1)
	providers := &fakeProviders{
		asr: &fakeASRProvider{script: []asr.Result{{Kind: asr.KindFinal, Text: "新问题"}}},
		llm: &fakeLLM{tokens: []string{"很长的回答。这里还有很多。"}},
		tts: &fakeTTS{hold: true, started: started},
	}
	clock := &testClock{}
	conn, transport := newTestConnection(t, []float32{0.9}, clock, providers)

	conn.HandleText("第一个问题")

	// Wait until the reply is audibly in flight.
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("synthesis never started")
	}
	waitFor(t, func() bool { return conn.State() == StateSpeaking })

	// Voice during SPEAKING: the turn is cancelled and listening restarts
	// with a fresh recognizer.
	for i := 0; i < 3; i++ {
		clock.advance(60)
		conn.HandleBinary(window())
	}

	waitFor(t, func() bool { return conn.State() == StateListening })
	assert.Equal(t, 1, providers.asr.streamCount())
	assert.False(t, transport.has("tts:stop"), "cancelled turn must not emit tts stop")
}

func TestHistoryNeverExceedsCap(t *testing.T) {
	providers := &fakeProviders{
		asr: &fakeASRProvider{},
		llm: &fakeLLM{tokens: []string{"回答。"}},
		tts: &fakeTTS{},
	}
	conn, transport := newTestConnection(t, nil, nil, providers)

	for i := 0; i < 15; i++ {
		conn.HandleText(fmt.Sprintf("问题 %d", i))
		want := i + 1
		waitFor(t, func() bool {
			transport.mu.Lock()
			defer transport.mu.Unlock()
			stops := 0
			for _, e := range transport.events {
				if e == "tts:stop" {
					stops++
				}
			}
			return stops == want && conn.State() == StateIdle
		})
	}

	history := conn.History()
	assert.LessOrEqual(t, len(history), maxHistoryMessages)
	// The newest exchange is always retained.
	assert.Equal(t, "回答。", history[len(history)-1].Content)
}

func TestCloseFromAnyState(t *testing.T) {
	providers := &fakeProviders{
		asr: &fakeASRProvider{},
		llm: &fakeLLM{tokens: []string{"回答。"}},
		tts: &fakeTTS{hold: true, started: make(chan string, 1)},
	}
	conn, transport := newTestConnection(t, nil, nil, providers)

	conn.HandleText("你好")
	<-providers.tts.started

	conn.Close()
	assert.Equal(t, StateClosed, conn.State())
	assert.True(t, transport.closed)

	// Post-close traffic is ignored.
	conn.HandleBinary([]byte{0x01})
	conn.HandleText("再见")
	assert.Equal(t, StateClosed, conn.State())
}
