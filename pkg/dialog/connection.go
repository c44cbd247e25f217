package dialog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/voicebridge-ai/voicebridge/pkg/asr"
	"github.com/voicebridge-ai/voicebridge/pkg/audio"
	"github.com/voicebridge-ai/voicebridge/pkg/llm"
	"github.com/voicebridge-ai/voicebridge/pkg/protocol"
	"github.com/voicebridge-ai/voicebridge/pkg/trace"
	"github.com/voicebridge-ai/voicebridge/pkg/tts"
	"github.com/voicebridge-ai/voicebridge/pkg/vad"
)

// State is the connection's dialog phase.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateTranscribed
	StateSpeaking
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTranscribed:
		return "transcribed"
	case StateSpeaking:
		return "speaking"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Listen modes. Auto segments speech with VAD; manual follows the client's
// listen_start/listen_stop commands.
const (
	ListenModeAuto   = "auto"
	ListenModeManual = "manual"
)

// minDispatchFrames gates accidental blips: auto-mode segments shorter
// than this never reach the recognizer commit.
const minDispatchFrames = 15

// maxHistoryMessages caps the chat history (user+assistant counted
// separately).
const maxHistoryMessages = 20

// Transport is the outbound half of the client socket. Implementations
// must serialize concurrent writes.
type Transport interface {
	WriteJSON(v any) error
	WriteBinary(data []byte) error
	Close() error
}

// ProviderSource resolves providers lazily; first use pays the
// construction cost and failures surface per turn instead of at accept.
type ProviderSource interface {
	ASR() (asr.Provider, error)
	LLM() (llm.Provider, error)
	TTS() (tts.Provider, error)
}

// FrameDecoder decodes one encoded client frame to PCM for VAD.
type FrameDecoder interface {
	Decode(frame []byte) ([]byte, error)
}

// ConnectionConfig wires one client connection.
type ConnectionConfig struct {
	Transport Transport
	Logger    *zap.Logger
	Providers ProviderSource

	SessionID string
	ClientID  string
	DeviceID  string

	// Gate and Decoder may be nil; binary audio then only works in
	// manual listen mode.
	Gate    *vad.Gate
	Decoder FrameDecoder

	ListenMode string
}

// Connection runs the per-client dialog state machine. All Handle* methods
// are called from the single socket read goroutine; the ASR receiver and
// turn goroutines coordinate through the mutex.
type Connection struct {
	transport Transport
	log       *zap.Logger
	providers ProviderSource

	sessionID string
	clientID  string
	deviceID  string

	gate    *vad.Gate
	decoder FrameDecoder
	ring    *audio.FrameRing

	state atomic.Int32

	mu            sync.Mutex
	listenMode    string
	segmentFrames int
	asrStream     asr.Stream
	asrFinishing  bool
	asrFinal      string
	asrFinals     []string
	history       []llm.Message
	turnCancel    context.CancelFunc

	turnWg sync.WaitGroup
	asrWg  sync.WaitGroup

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection builds a connection in IDLE.
func NewConnection(cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mode := cfg.ListenMode
	if mode == "" {
		mode = ListenModeAuto
	}

	c := &Connection{
		transport:  cfg.Transport,
		log:        logger.With(zap.String("session", cfg.SessionID), zap.String("device", cfg.DeviceID)),
		providers:  cfg.Providers,
		sessionID:  cfg.SessionID,
		clientID:   cfg.ClientID,
		deviceID:   cfg.DeviceID,
		gate:       cfg.Gate,
		decoder:    cfg.Decoder,
		ring:       audio.NewFrameRing(audio.RecentFrameCount),
		listenMode: mode,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

func (c *Connection) SessionID() string { return c.sessionID }
func (c *Connection) ClientID() string  { return c.clientID }
func (c *Connection) DeviceID() string  { return c.deviceID }

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.log.Debug("状态切换", zap.String("from", old.String()), zap.String("to", s.String()))
	}
}

// HandleBinary is the audio receive path: ring, live ASR forward, then VAD.
func (c *Connection) HandleBinary(frame []byte) {
	if c.State() == StateClosed {
		return
	}

	c.ring.Push(frame)

	c.mu.Lock()
	if c.State() == StateListening && c.asrStream != nil && !c.asrFinishing {
		c.segmentFrames++
		stream := c.asrStream
		c.mu.Unlock()
		if err := stream.SendFrame(frame); err != nil {
			c.log.Warn("转发音频帧失败", zap.Error(err))
		}
	} else {
		c.mu.Unlock()
	}

	if c.gate == nil || c.decoder == nil {
		return
	}
	c.mu.Lock()
	manual := c.listenMode == ListenModeManual
	c.mu.Unlock()
	if manual {
		return
	}

	pcm, err := c.decoder.Decode(frame)
	if err != nil {
		var decodeErr *audio.DecodeError
		if errors.As(err, &decodeErr) {
			c.log.Debug("丢弃无法解码的帧", zap.Error(err))
			return
		}
		c.log.Warn("解码失败", zap.Error(err))
		return
	}

	verdict, err := c.gate.Feed(pcm)
	if err != nil {
		c.log.Warn("VAD 推理失败", zap.Error(err))
		return
	}

	switch verdict.Edge {
	case vad.EdgeStart:
		c.onVoiceStart()
	case vad.EdgeStop:
		c.onVoiceStop()
	}
}

// onVoiceStart moves into LISTENING, cancelling any reply in flight.
func (c *Connection) onVoiceStart() {
	switch c.State() {
	case StateSpeaking, StateTranscribed:
		// 用户插话: 取消当前回复, 重新进入聆听
		c.log.Info("检测到插话, 取消当前回复")
		c.stopTurn()
	case StateIdle:
	default:
		return
	}
	c.startListening()
}

func (c *Connection) startListening() {
	if err := c.openASR(); err != nil {
		c.log.Error("打开识别流失败", zap.Error(err))
		c.sendError("语音识别暂不可用")
		if c.gate != nil {
			c.gate.Reset()
		}
		c.setState(StateIdle)
		return
	}
	c.setState(StateListening)
}

// openASR dials a fresh stream and replays the recent ring into it so the
// utterance keeps its lead-in.
func (c *Connection) openASR() error {
	provider, err := c.providers.ASR()
	if err != nil {
		return err
	}
	stream, err := provider.Open(c.ctx)
	if err != nil {
		return err
	}

	replay := c.ring.Snapshot()
	for _, frame := range replay {
		if err := stream.SendFrame(frame); err != nil {
			stream.Close()
			return err
		}
	}

	c.mu.Lock()
	c.asrStream = stream
	c.asrFinishing = false
	c.asrFinal = ""
	c.asrFinals = nil
	c.segmentFrames = len(replay)
	c.mu.Unlock()

	c.asrWg.Add(1)
	go c.asrReceiver(stream)
	return nil
}

// asrReceiver drains one stream's results. Bound to its stream so a
// superseded receiver cannot touch the next utterance's state.
func (c *Connection) asrReceiver(stream asr.Stream) {
	defer c.asrWg.Done()

	var empty bool
	var failed error
	for r := range stream.Results() {
		switch r.Kind {
		case asr.KindPartial:
			c.log.Debug("识别中", zap.String("text", r.Text))
		case asr.KindFinal:
			c.mu.Lock()
			if c.listenMode == ListenModeManual {
				if r.Text != "" {
					c.asrFinals = append(c.asrFinals, r.Text)
				}
			} else {
				c.asrFinal = r.Text
			}
			c.mu.Unlock()
		case asr.KindEmptySpeech:
			empty = true
		case asr.KindError:
			failed = r.Err
		}
	}

	c.onASRDone(stream, empty, failed)
}

// onASRDone runs when a stream's result channel closes.
func (c *Connection) onASRDone(stream asr.Stream, empty bool, failed error) {
	c.mu.Lock()
	if c.asrStream != stream {
		c.mu.Unlock()
		return
	}
	finishing := c.asrFinishing
	var text string
	if c.listenMode == ListenModeManual {
		text = strings.Join(c.asrFinals, "")
	} else {
		text = c.asrFinal
	}
	c.asrStream = nil
	c.asrFinishing = false
	c.asrFinal = ""
	c.asrFinals = nil
	c.mu.Unlock()

	stream.Close()

	if c.State() == StateClosed {
		return
	}

	if failed != nil {
		c.log.Error("识别流出错", zap.Error(failed))
		c.sendError("语音识别失败")
		c.resetToIdle()
		return
	}
	if !finishing {
		// Stream died or was superseded before commit; nothing to dispatch.
		return
	}
	if empty || text == "" {
		c.log.Info("识别结果为空, 丢弃本段")
		c.resetToIdle()
		return
	}
	c.dispatch(text, trace.TurnSourceVoice)
}

// onVoiceStop commits or discards the segment in auto mode.
func (c *Connection) onVoiceStop() {
	if c.State() != StateListening {
		return
	}

	c.mu.Lock()
	stream := c.asrStream
	frames := c.segmentFrames
	if stream == nil {
		c.mu.Unlock()
		c.resetToIdle()
		return
	}
	if frames < minDispatchFrames {
		c.asrStream = nil
		c.mu.Unlock()
		c.log.Info("语音段过短, 丢弃", zap.Int("frames", frames))
		stream.Close()
		c.resetToIdle()
		return
	}
	c.asrFinishing = true
	c.mu.Unlock()

	if err := stream.Finish(); err != nil {
		c.log.Warn("提交识别流失败", zap.Error(err))
		stream.Close()
		c.resetToIdle()
	}
}

// resetToIdle restores IDLE between utterances.
func (c *Connection) resetToIdle() {
	if c.gate != nil {
		c.gate.Reset()
	}
	c.mu.Lock()
	c.segmentFrames = 0
	c.mu.Unlock()
	if c.State() != StateClosed {
		c.setState(StateIdle)
	}
}

// HandleText runs a typed turn: no ASR, straight to the LLM.
func (c *Connection) HandleText(text string) {
	if text == "" || c.State() == StateClosed {
		return
	}
	c.stopTurn()
	c.dispatch(text, trace.TurnSourceText)
}

// HandleControl processes listen-mode commands. ping/pong lives in the
// server layer.
func (c *Connection) HandleControl(command string) {
	switch command {
	case protocol.CommandListenStart:
		c.mu.Lock()
		c.listenMode = ListenModeManual
		c.mu.Unlock()
		c.stopTurn()
		if c.State() == StateListening {
			return
		}
		c.startListening()
	case protocol.CommandListenStop:
		c.mu.Lock()
		stream := c.asrStream
		if stream == nil {
			c.mu.Unlock()
			return
		}
		c.asrFinishing = true
		c.mu.Unlock()
		if err := stream.Finish(); err != nil {
			c.log.Warn("提交识别流失败", zap.Error(err))
			stream.Close()
			c.resetToIdle()
		}
	}
}

// dispatch starts one LLM+TTS turn for committed user text.
func (c *Connection) dispatch(text, source string) {
	if c.State() == StateClosed {
		return
	}
	c.setState(StateTranscribed)

	if err := c.transport.WriteJSON(protocol.NewSTT(text, c.sessionID)); err != nil {
		c.log.Warn("下发识别文本失败", zap.Error(err))
	}

	c.mu.Lock()
	historySnapshot := make([]llm.Message, len(c.history))
	copy(historySnapshot, c.history)
	c.history = append(c.history, llm.Message{Role: llm.RoleUser, Content: text})
	c.trimHistoryLocked()

	turnCtx, cancel := context.WithCancel(c.ctx)
	c.turnCancel = cancel
	c.mu.Unlock()

	c.turnWg.Add(1)
	go c.runTurn(turnCtx, text, source, historySnapshot)
}

// stopTurn cancels the in-flight reply and waits for the turn goroutine to
// drain.
func (c *Connection) stopTurn() {
	c.mu.Lock()
	cancel := c.turnCancel
	c.turnCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.turnWg.Wait()
}

func (c *Connection) appendAssistant(reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, llm.Message{Role: llm.RoleAssistant, Content: reply})
	c.trimHistoryLocked()
}

func (c *Connection) trimHistoryLocked() {
	if len(c.history) > maxHistoryMessages {
		c.history = c.history[len(c.history)-maxHistoryMessages:]
	}
}

// History returns a copy of the conversation history.
func (c *Connection) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Message, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Connection) sendError(message string) {
	if err := c.transport.WriteJSON(protocol.NewError(message)); err != nil {
		c.log.Debug("下发错误消息失败", zap.Error(err))
	}
}

// Close tears the connection down: cancel the turn, close the recognizer,
// close the socket.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		c.cancel()
		c.stopTurn()

		c.mu.Lock()
		stream := c.asrStream
		c.asrStream = nil
		c.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		c.asrWg.Wait()

		c.transport.Close()
		c.log.Info("连接已关闭")
	})
}
