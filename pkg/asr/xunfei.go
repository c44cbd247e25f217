package asr

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voicebridge-ai/voicebridge/pkg/config"
)

const (
	xunfeiDefaultURL     = "wss://rtasr.xfyun.cn/v1/ws"
	xunfeiConnectTimeout = 10 * time.Second
)

// XunfeiProvider dials the iFlytek realtime transcription endpoint. Audio
// goes up base64-encoded inside JSON frames; result segments accumulate
// and the concatenation becomes the final transcript.
type XunfeiProvider struct {
	name      string
	appID     string
	apiSecret string
	baseURL   string
	language  string
	log       *zap.Logger
}

// NewXunfeiProvider builds a provider from one ASR provider config block.
func NewXunfeiProvider(name string, pc config.ProviderConfig, logger *zap.Logger) (*XunfeiProvider, error) {
	appID := pc.Str("appid", "")
	secret := pc.Str("api_secret", "")
	if appID == "" || secret == "" {
		return nil, &Error{
			Code:    ErrCodeInvalidConfig,
			Message: "xunfei asr requires appid and api_secret",
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &XunfeiProvider{
		name:      name,
		appID:     appID,
		apiSecret: secret,
		baseURL:   pc.Str("url", xunfeiDefaultURL),
		language:  pc.Str("language", "zh_cn"),
		log:       logger.Named("asr"),
	}, nil
}

func (p *XunfeiProvider) Name() string {
	return p.name
}

// xunfeiSigna computes base64(HMAC-SHA1(secret, appid+ts)).
func xunfeiSigna(appID, secret string, ts int64) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(appID + strconv.FormatInt(ts, 10)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Open dials with the signed query string and sends the config frame.
func (p *XunfeiProvider) Open(ctx context.Context) (Stream, error) {
	ts := time.Now().Unix()
	params := url.Values{}
	params.Set("appid", p.appID)
	params.Set("ts", strconv.FormatInt(ts, 10))
	params.Set("signa", xunfeiSigna(p.appID, p.apiSecret, ts))

	sep := "?"
	if strings.Contains(p.baseURL, "?") {
		sep = "&"
	}
	dialer := websocket.Dialer{HandshakeTimeout: xunfeiConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, p.baseURL+sep+params.Encode(), nil)
	if err != nil {
		return nil, &Error{Code: ErrCodeNetworkError, Message: "xunfei asr dial", Err: err}
	}

	s := &xunfeiStream{
		conn:    conn,
		log:     p.log,
		results: make(chan Result, 10),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	cfg := xunfeiFrame{Type: "config", Language: p.language}
	if err := s.writeJSON(cfg); err != nil {
		conn.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.receiveLoop()
	return s, nil
}

// xunfeiFrame is both the uplink and downlink JSON shape.
type xunfeiFrame struct {
	Type     string `json:"type"`
	Language string `json:"language,omitempty"`
	Audio    string `json:"audio,omitempty"`
	Text     string `json:"text,omitempty"`
	Message  string `json:"message,omitempty"`
}

type xunfeiStream struct {
	conn    *websocket.Conn
	log     *zap.Logger
	results chan Result

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	writeMu sync.Mutex
	closed  atomic.Bool
}

// SendFrame ships the encoded frame upstream base64'd; the endpoint does
// its own decoding.
func (s *xunfeiStream) SendFrame(encoded []byte) error {
	if s.closed.Load() {
		return &Error{Code: ErrCodeProviderError, Message: "stream is closed"}
	}
	return s.writeJSON(xunfeiFrame{
		Type:  "audio",
		Audio: base64.StdEncoding.EncodeToString(encoded),
	})
}

func (s *xunfeiStream) Finish() error {
	if s.closed.Load() {
		return &Error{Code: ErrCodeProviderError, Message: "stream is closed"}
	}
	return s.writeJSON(xunfeiFrame{Type: "end"})
}

func (s *xunfeiStream) writeJSON(frame xunfeiFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return &Error{Code: ErrCodeProviderError, Message: "marshal frame", Err: err}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &Error{Code: ErrCodeNetworkError, Message: "write frame", Err: err}
	}
	return nil
}

func (s *xunfeiStream) Results() <-chan Result {
	return s.results
}

// receiveLoop accumulates result segments; the end frame commits their
// concatenation as the final transcript.
func (s *xunfeiStream) receiveLoop() {
	defer s.wg.Done()
	defer close(s.results)

	var segments []string
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.emit(Result{Kind: KindError, Err: &Error{Code: ErrCodeNetworkError, Message: "read frame", Err: err}})
			}
			return
		}

		var frame xunfeiFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Warn("忽略无法解析的帧", zap.Error(err))
			continue
		}

		switch frame.Type {
		case "result":
			if frame.Text != "" {
				segments = append(segments, frame.Text)
				s.emit(Result{Kind: KindPartial, Text: strings.Join(segments, "")})
			}
		case "error":
			s.emit(Result{Kind: KindError, Err: &Error{
				Code:    ErrCodeProviderError,
				Message: fmt.Sprintf("xunfei asr: %s", frame.Message),
			}})
			return
		case "end":
			s.emit(Result{Kind: KindFinal, Text: strings.Join(segments, "")})
			return
		}
	}
}

func (s *xunfeiStream) emit(r Result) {
	select {
	case s.results <- r:
	case <-s.ctx.Done():
	}
}

func (s *xunfeiStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	s.conn.Close()
	s.wg.Wait()
	return nil
}

var _ Provider = (*XunfeiProvider)(nil)
var _ Stream = (*xunfeiStream)(nil)
