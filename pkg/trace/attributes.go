package trace

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for dialog spans.
const (
	AttrSessionID = "session.id"
	AttrClientID  = "client.id"
	AttrDeviceID  = "device.id"

	AttrTurnSource    = "turn.source"
	AttrTurnTextChars = "turn.text_chars"

	AttrLLMProvider = "llm.provider"
	AttrTTSProvider = "tts.provider"

	AttrSentenceIndex = "sentence.index"
	AttrSentenceChars = "sentence.chars"
)

// Turn sources.
const (
	TurnSourceVoice = "voice"
	TurnSourceText  = "text"
)

// SessionAttrs identifies the connection a span belongs to.
func SessionAttrs(sessionID, clientID, deviceID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrClientID, clientID),
		attribute.String(AttrDeviceID, deviceID),
	}
}

// TurnAttrs describes one LLM+TTS turn.
func TurnAttrs(source string, textChars int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTurnSource, source),
		attribute.Int(AttrTurnTextChars, textChars),
	}
}

// SentenceAttrs describes one synthesized sentence within a turn.
func SentenceAttrs(index, chars int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrSentenceIndex, index),
		attribute.Int(AttrSentenceChars, chars),
	}
}

// ProviderAttrs names the drivers serving a turn.
func ProviderAttrs(llmName, ttsName string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrLLMProvider, llmName),
		attribute.String(AttrTTSProvider, ttsName),
	}
}
