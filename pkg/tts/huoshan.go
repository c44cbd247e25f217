package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicebridge-ai/voicebridge/pkg/config"
)

const (
	huoshanDefaultURL     = "wss://openspeech.bytedance.com/api/v1/tts/ws_binary"
	huoshanConnectTimeout = 10 * time.Second
)

// HuoshanProvider drives the Volcano streaming TTS endpoint. Each sentence
// opens its own websocket: one JSON request goes up, then binary audio
// frames come down interleaved with JSON status frames until the server
// reports operation "finish".
type HuoshanProvider struct {
	name        string
	appID       string
	accessToken string
	cluster     string
	resourceID  string
	voice       string
	encoding    string
	speedRatio  float64
	volumeRatio float64
	pitchRatio  float64
	rate        int
	uid         string

	// url is swapped out in tests.
	url string
}

// NewHuoshanProvider builds a provider from one TTS provider config block.
func NewHuoshanProvider(name string, pc config.ProviderConfig) (*HuoshanProvider, error) {
	appID := pc.Str("appid", "")
	token := pc.Str("access_token", "")
	if appID == "" || token == "" {
		return nil, &config.Error{
			Key:     "TTS." + name,
			Message: "huoshan tts requires appid and access_token",
		}
	}
	return &HuoshanProvider{
		name:        name,
		appID:       appID,
		accessToken: token,
		cluster:     pc.Str("cluster", "volcano_tts"),
		resourceID:  pc.Str("resource_id", ""),
		voice:       pc.Str("voice", "zh_female_wanwanxiaohe_moon_bigtts"),
		encoding:    pc.Str("format", "pcm"),
		speedRatio:  pc.Float("speed_ratio", 1.0),
		volumeRatio: pc.Float("volume_ratio", 1.0),
		pitchRatio:  pc.Float("pitch_ratio", 1.0),
		rate:        pc.Int("sample_rate", 16000),
		uid:         pc.Str("uid", "voicebridge"),
		url:         pc.Str("url", huoshanDefaultURL),
	}, nil
}

func (p *HuoshanProvider) Name() string {
	return p.name
}

// huoshanRequest is the single uplink message.
type huoshanRequest struct {
	App struct {
		AppID   string `json:"appid"`
		Token   string `json:"token"`
		Cluster string `json:"cluster"`
	} `json:"app"`
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	Audio struct {
		VoiceType   string  `json:"voice_type"`
		Encoding    string  `json:"encoding"`
		SpeedRatio  float64 `json:"speed_ratio"`
		VolumeRatio float64 `json:"volume_ratio"`
		PitchRatio  float64 `json:"pitch_ratio"`
		Rate        int     `json:"rate"`
	} `json:"audio"`
	Request struct {
		ReqID     string `json:"reqid"`
		Text      string `json:"text"`
		TextType  string `json:"text_type"`
		Operation string `json:"operation"`
	} `json:"request"`
	ResourceID string `json:"resource_id,omitempty"`
}

// huoshanStatus is a downlink JSON status frame.
type huoshanStatus struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Operation string `json:"operation"`
}

// SynthesizeStream dials, submits the sentence and forwards audio frames
// until the finish status.
func (p *HuoshanProvider) SynthesizeStream(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	audioChan := make(chan []byte, 16)
	errChan := make(chan error, 1)

	go func() {
		defer close(audioChan)
		defer close(errChan)

		headers := http.Header{}
		headers.Set("Authorization", "Bearer;"+p.accessToken)

		dialer := websocket.Dialer{HandshakeTimeout: huoshanConnectTimeout}
		conn, _, err := dialer.DialContext(ctx, p.url, headers)
		if err != nil {
			errChan <- fmt.Errorf("huoshan tts dial: %w", err)
			return
		}
		defer conn.Close()

		var req huoshanRequest
		req.App.AppID = p.appID
		req.App.Token = p.accessToken
		req.App.Cluster = p.cluster
		req.User.UID = p.uid
		req.Audio.VoiceType = p.voice
		req.Audio.Encoding = p.encoding
		req.Audio.SpeedRatio = p.speedRatio
		req.Audio.VolumeRatio = p.volumeRatio
		req.Audio.PitchRatio = p.pitchRatio
		req.Audio.Rate = p.rate
		req.Request.ReqID = uuid.NewString()
		req.Request.Text = text
		req.Request.TextType = "plain"
		req.Request.Operation = "submit"
		req.ResourceID = p.resourceID

		data, err := json.Marshal(req)
		if err != nil {
			errChan <- fmt.Errorf("huoshan tts marshal request: %w", err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			errChan <- fmt.Errorf("huoshan tts write request: %w", err)
			return
		}

		// Unblock reads when the caller cancels mid-synthesis.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errChan <- fmt.Errorf("huoshan tts read: %w", err)
				return
			}

			switch msgType {
			case websocket.BinaryMessage:
				select {
				case audioChan <- payload:
				case <-ctx.Done():
					return
				}
			case websocket.TextMessage:
				var status huoshanStatus
				if err := json.Unmarshal(payload, &status); err != nil {
					errChan <- fmt.Errorf("huoshan tts parse status: %w", err)
					return
				}
				if status.Code != 0 {
					errChan <- fmt.Errorf("huoshan tts: code %d: %s", status.Code, status.Message)
					return
				}
				if status.Operation == "finish" {
					return
				}
			}
		}
	}()

	return audioChan, errChan
}

var _ Provider = (*HuoshanProvider)(nil)
