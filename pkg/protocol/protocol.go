// Package protocol defines the websocket wire shapes: typed structs for
// everything the gateway sends, and a loose gjson-based reader for what
// clients send, since device firmwares disagree on field placement.
package protocol

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// TTS lifecycle states inside a spoken reply.
const (
	TTSStateStart         = "start"
	TTSStateStop          = "stop"
	TTSStateSentenceStart = "sentence_start"
	TTSStateSentenceEnd   = "sentence_end"
)

// HelloMessage greets a freshly accepted client.
type HelloMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

func NewHello(sessionID string) HelloMessage {
	return HelloMessage{
		Type:      "hello",
		SessionID: sessionID,
		Status:    "connected",
		Message:   "连接成功",
	}
}

// ErrorMessage reports a handler failure without dropping the connection.
type ErrorMessage struct {
	Type string    `json:"type"`
	Data ErrorData `json:"data"`
}

type ErrorData struct {
	Error string `json:"error"`
}

func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: "error", Data: ErrorData{Error: message}}
}

// STTMessage carries the committed transcript back to the client.
type STTMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

func NewSTT(text, sessionID string) STTMessage {
	return STTMessage{Type: "stt", Text: text, SessionID: sessionID}
}

// TTSMessage marks reply playback boundaries. Text is set only for
// sentence_start.
type TTSMessage struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id"`
}

func NewTTSState(state, sessionID string) TTSMessage {
	return TTSMessage{Type: "tts", State: state, SessionID: sessionID}
}

func NewSentenceStart(text, sessionID string) TTSMessage {
	return TTSMessage{Type: "tts", State: TTSStateSentenceStart, Text: text, SessionID: sessionID}
}

// ControlMessage answers client control commands.
type ControlMessage struct {
	Type string      `json:"type"`
	Data ControlData `json:"data"`
}

type ControlData struct {
	Command string `json:"command"`
}

func NewPong() ControlMessage {
	return ControlMessage{Type: "control", Data: ControlData{Command: "pong"}}
}

// Client control commands.
const (
	CommandPing        = "ping"
	CommandListenStart = "listen_start"
	CommandListenStop  = "listen_stop"
)

// ClientMessage is one parsed inbound JSON frame.
type ClientMessage struct {
	Type    string
	Text    string
	Command string

	// From config messages.
	MACAddress  string
	DeviceModel string
}

// ParseClient reads an inbound text frame. Unknown types come back as-is
// for the caller to log; only structurally broken JSON is an error.
func ParseClient(data []byte) (ClientMessage, error) {
	if !gjson.ValidBytes(data) {
		return ClientMessage{}, fmt.Errorf("protocol: invalid JSON frame")
	}

	root := gjson.ParseBytes(data)
	msg := ClientMessage{Type: root.Get("type").String()}
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("protocol: frame missing type")
	}

	switch msg.Type {
	case "text":
		// 两种形态: {"type":"text","text":...} 或 {"type":"text","data":{"text":...}}
		msg.Text = root.Get("text").String()
		if msg.Text == "" {
			msg.Text = root.Get("data.text").String()
		}
	case "control":
		msg.Command = root.Get("data.command").String()
		if msg.Command == "" {
			msg.Command = root.Get("command").String()
		}
	case "config":
		msg.MACAddress = root.Get("deviceInfo.macAddress").String()
		msg.DeviceModel = root.Get("deviceInfo.deviceModel").String()
	}
	return msg, nil
}
