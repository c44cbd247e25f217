package dialog

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/voicebridge-ai/voicebridge/pkg/llm"
	"github.com/voicebridge-ai/voicebridge/pkg/protocol"
	"github.com/voicebridge-ai/voicebridge/pkg/trace"
	"github.com/voicebridge-ai/voicebridge/pkg/tts"
)

// runTurn streams one LLM reply and speaks it sentence by sentence. It owns
// the SPEAKING state; sentences are strictly sequential, and tts.stop is
// the last message of a successful turn.
func (c *Connection) runTurn(ctx context.Context, text, source string, history []llm.Message) {
	defer c.turnWg.Done()

	ctx, span := trace.StartSpan(ctx, "dialog.turn")
	defer span.End()
	trace.SetAttributes(span, trace.SessionAttrs(c.sessionID, c.clientID, c.deviceID)...)
	trace.SetAttributes(span, trace.TurnAttrs(source, len([]rune(text)))...)

	llmProvider, err := c.providers.LLM()
	if err != nil {
		trace.RecordError(span, err)
		c.failTurn("对话模型不可用", err)
		return
	}
	ttsProvider, err := c.providers.TTS()
	if err != nil {
		trace.RecordError(span, err)
		c.failTurn("语音合成不可用", err)
		return
	}
	trace.SetAttributes(span, trace.ProviderAttrs(llmProvider.Name(), ttsProvider.Name())...)

	tokens, errs := llmProvider.ChatStream(ctx, text, history)

	var splitter Splitter
	var reply strings.Builder
	started := false
	sentenceIndex := 0

	for token := range tokens {
		reply.WriteString(token)

		if !started {
			started = true
			c.setState(StateSpeaking)
			if err := c.transport.WriteJSON(protocol.NewTTSState(protocol.TTSStateStart, c.sessionID)); err != nil {
				c.log.Warn("下发 tts start 失败", zap.Error(err))
			}
		}

		for _, sentence := range splitter.Feed(token) {
			if err := c.speak(ctx, ttsProvider, sentence, sentenceIndex); err != nil {
				if ctx.Err() == nil {
					trace.RecordError(span, err)
					c.failTurn("语音合成失败", err)
				}
				return
			}
			sentenceIndex++
		}
	}

	if err, ok := <-errs; ok && err != nil {
		if ctx.Err() == nil {
			trace.RecordError(span, err)
			c.failTurn("对话请求失败", err)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	if tail := splitter.Flush(); tail != "" {
		if !started {
			started = true
			c.setState(StateSpeaking)
			if err := c.transport.WriteJSON(protocol.NewTTSState(protocol.TTSStateStart, c.sessionID)); err != nil {
				c.log.Warn("下发 tts start 失败", zap.Error(err))
			}
		}
		if err := c.speak(ctx, ttsProvider, tail, sentenceIndex); err != nil {
			if ctx.Err() == nil {
				trace.RecordError(span, err)
				c.failTurn("语音合成失败", err)
			}
			return
		}
	}

	if reply.Len() > 0 {
		c.appendAssistant(reply.String())
	}
	if started {
		if err := c.transport.WriteJSON(protocol.NewTTSState(protocol.TTSStateStop, c.sessionID)); err != nil {
			c.log.Warn("下发 tts stop 失败", zap.Error(err))
		}
	}

	c.resetToIdle()
}

// speak synthesizes one sentence and forwards its audio. The next sentence
// does not start until this one's sentence_end is out.
func (c *Connection) speak(ctx context.Context, provider tts.Provider, sentence string, index int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := trace.StartSpan(ctx, "dialog.sentence")
	defer span.End()
	trace.SetAttributes(span, trace.SentenceAttrs(index, len([]rune(sentence)))...)

	if err := c.transport.WriteJSON(protocol.NewSentenceStart(sentence, c.sessionID)); err != nil {
		c.log.Warn("下发 sentence_start 失败", zap.Error(err))
	}

	audioChan, errChan := provider.SynthesizeStream(ctx, sentence)
	for chunk := range audioChan {
		if err := c.transport.WriteBinary(chunk); err != nil {
			c.log.Warn("下发音频失败", zap.Error(err))
		}
	}
	if err, ok := <-errChan; ok && err != nil {
		trace.RecordError(span, err)
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.transport.WriteJSON(protocol.NewTTSState(protocol.TTSStateSentenceEnd, c.sessionID)); err != nil {
		c.log.Warn("下发 sentence_end 失败", zap.Error(err))
	}
	return nil
}

// failTurn logs, notifies the client and recovers to IDLE. The connection
// survives per-turn failures.
func (c *Connection) failTurn(message string, err error) {
	c.log.Error(message, zap.Error(err))
	c.sendError(message)
	c.resetToIdle()
}
