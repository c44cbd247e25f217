package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
	"github.com/voicebridge-ai/voicebridge/pkg/config"
)

const (
	doubaoBaseURL = "wss://openspeech.bytedance.com/api/v3/sauc/"

	doubaoDefaultResourceID = "volc.bigasr.sauc.duration"
	doubaoConnectTimeout    = 10 * time.Second

	// Segments longer than this with no transcript at all count as empty
	// speech rather than a silent success.
	doubaoEmptySpeechMs = 2000
)

// doubaoModes maps friendly config names onto upstream endpoint paths.
var doubaoModes = map[string]string{
	"stream":   "bigmodel",
	"async":    "bigmodel_async",
	"nostream": "bigmodel_nostream",
}

// DoubaoProvider dials the Volcano bigmodel recognition endpoint. One
// Stream per voice segment.
type DoubaoProvider struct {
	name        string
	appID       string
	accessToken string
	resourceID  string
	cluster     string
	mode        string
	uid         string
	language    string
	resultType  string
	boostTable  string
	correctTbl  string
	endWindow   int
	log         *zap.Logger

	// url and newDecoder are swapped out in tests; the default decoder
	// needs CGO.
	url        string
	newDecoder func() (FrameDecoder, error)
}

// NewDoubaoProvider builds a provider from one ASR provider config block.
func NewDoubaoProvider(name string, pc config.ProviderConfig, logger *zap.Logger) (*DoubaoProvider, error) {
	appID := pc.Str("appid", "")
	token := pc.Str("access_token", "")
	if appID == "" || token == "" {
		return nil, &Error{
			Code:    ErrCodeInvalidConfig,
			Message: "doubao asr requires appid and access_token",
		}
	}

	mode := pc.Str("mode", "async")
	if mapped, ok := doubaoModes[mode]; ok {
		mode = mapped
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DoubaoProvider{
		name:        name,
		appID:       appID,
		accessToken: token,
		resourceID:  pc.Str("resource_id", doubaoDefaultResourceID),
		cluster:     pc.Str("cluster", ""),
		mode:        mode,
		uid:         pc.Str("uid", "voicebridge"),
		language:    pc.Str("language", "zh-CN"),
		resultType:  pc.Str("result_type", "single"),
		boostTable:  pc.Str("boosting_table_name", ""),
		correctTbl:  pc.Str("correct_table_name", ""),
		endWindow:   pc.Int("end_window_size", 0),
		log:         logger.Named("asr"),
		url:         doubaoBaseURL + mode,
		newDecoder: func() (FrameDecoder, error) {
			return audio.NewDecoder()
		},
	}, nil
}

func (p *DoubaoProvider) Name() string {
	return p.name
}

// Open dials the upstream, sends the full client request and waits for the
// init acknowledgement before handing the stream over.
func (p *DoubaoProvider) Open(ctx context.Context) (Stream, error) {
	dec, err := p.newDecoder()
	if err != nil {
		return nil, &Error{Code: ErrCodeProviderError, Message: "create decoder", Err: err}
	}

	headers := http.Header{}
	headers.Set("X-Api-App-Key", p.appID)
	headers.Set("X-Api-Access-Key", p.accessToken)
	headers.Set("X-Api-Resource-Id", p.resourceID)
	headers.Set("X-Api-Connect-Id", uuid.NewString())

	dialer := websocket.Dialer{HandshakeTimeout: doubaoConnectTimeout}
	conn, resp, err := dialer.DialContext(ctx, p.url, headers)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			p.logAuthHints()
			return nil, &Error{Code: ErrCodeAuthenticationFailed, Message: "doubao asr: 403 forbidden", Err: err}
		}
		return nil, &Error{Code: ErrCodeNetworkError, Message: "doubao asr dial", Err: err}
	}

	s := &doubaoStream{
		conn:    conn,
		dec:     dec,
		log:     p.log,
		results: make(chan Result, 10),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.sendInit(p); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.awaitInitAck(); err != nil {
		conn.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.receiveLoop()
	return s, nil
}

// logAuthHints enumerates the usual causes of a 403 so a misconfigured
// deployment is debuggable from the log alone.
func (p *DoubaoProvider) logAuthHints() {
	p.log.Error("豆包 403 鉴权失败, 请检查 appid/access_token/resource_id 与服务状态",
		zap.String("appid", p.appID),
		zap.String("resource_id", p.resourceID),
		zap.String("console", "https://console.volcengine.com/speech/app"))
}

type doubaoRequest struct {
	App struct {
		AppID   string `json:"appid"`
		Cluster string `json:"cluster,omitempty"`
		Token   string `json:"token"`
	} `json:"app"`
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	Request struct {
		ReqID             string `json:"reqid"`
		Workflow          string `json:"workflow"`
		ShowUtterances    bool   `json:"show_utterances"`
		ResultType        string `json:"result_type"`
		Sequence          int    `json:"sequence"`
		BoostingTableName string `json:"boosting_table_name,omitempty"`
		CorrectTableName  string `json:"correct_table_name,omitempty"`
		EndWindowSize     int    `json:"end_window_size,omitempty"`
	} `json:"request"`
	Audio struct {
		Format     string `json:"format"`
		Codec      string `json:"codec"`
		Rate       int    `json:"rate"`
		Language   string `json:"language"`
		Bits       int    `json:"bits"`
		Channel    int    `json:"channel"`
		SampleRate int    `json:"sample_rate"`
	} `json:"audio"`
}

// doubaoResponse is the payload of a full server frame.
type doubaoResponse struct {
	AudioInfo struct {
		Duration int `json:"duration"`
	} `json:"audio_info"`
	Result struct {
		Text       string `json:"text"`
		Utterances []struct {
			Text     string `json:"text"`
			Definite bool   `json:"definite"`
		} `json:"utterances"`
	} `json:"result"`
}

// doubaoStream implements Stream over one Volcano websocket.
type doubaoStream struct {
	conn    *websocket.Conn
	dec     FrameDecoder
	log     *zap.Logger
	results chan Result

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	writeMu sync.Mutex
	closed  atomic.Bool
}

func (s *doubaoStream) sendInit(p *DoubaoProvider) error {
	var req doubaoRequest
	req.App.AppID = p.appID
	req.App.Cluster = p.cluster
	req.App.Token = p.accessToken
	req.User.UID = p.uid
	req.Request.ReqID = uuid.NewString()
	req.Request.Workflow = "audio_in,resample,partition,vad,fe,decode"
	req.Request.ShowUtterances = true
	req.Request.ResultType = p.resultType
	req.Request.Sequence = 1
	req.Request.BoostingTableName = p.boostTable
	req.Request.CorrectTableName = p.correctTbl
	req.Request.EndWindowSize = p.endWindow
	req.Audio.Format = "pcm"
	req.Audio.Codec = "raw"
	req.Audio.Rate = audio.SampleRate
	req.Audio.Language = p.language
	req.Audio.Bits = 16
	req.Audio.Channel = 1
	req.Audio.SampleRate = audio.SampleRate

	payload, err := json.Marshal(req)
	if err != nil {
		return &Error{Code: ErrCodeProviderError, Message: "marshal init request", Err: err}
	}

	frame, err := marshalVolcano(volcanoMessage{
		MsgType:       volcanoMsgFullClient,
		Flags:         volcanoFlagSequence,
		Serialization: volcanoSerializationJSON,
		Compression:   volcanoCompressionGzip,
		Sequence:      1,
		Payload:       payload,
	})
	if err != nil {
		return &Error{Code: ErrCodeProviderError, Message: "marshal init frame", Err: err}
	}
	return s.write(frame)
}

// awaitInitAck reads the first server frame. Init fails iff it is an error
// frame whose code is not the success code.
func (s *doubaoStream) awaitInitAck() error {
	s.conn.SetReadDeadline(time.Now().Add(doubaoConnectTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return &Error{Code: ErrCodeNetworkError, Message: "read init ack", Err: err}
	}
	msg, err := unmarshalVolcano(data)
	if err != nil {
		return &Error{Code: ErrCodeProviderError, Message: "parse init ack", Err: err}
	}
	if msg.MsgType == volcanoMsgError && msg.ErrorCode != volcanoCodeSuccess {
		return &Error{
			Code:    ErrCodeProviderError,
			Message: fmt.Sprintf("doubao asr init failed: code %d: %s", msg.ErrorCode, msg.Payload),
		}
	}
	return nil
}

// SendFrame decodes one client frame and ships the PCM upstream gzipped.
// Undecodable frames are dropped without killing the stream.
func (s *doubaoStream) SendFrame(encoded []byte) error {
	if s.closed.Load() {
		return &Error{Code: ErrCodeProviderError, Message: "stream is closed"}
	}

	pcm, err := s.dec.Decode(encoded)
	if err != nil {
		s.log.Warn("丢弃无法解码的帧", zap.Error(err))
		return nil
	}

	frame, err := marshalVolcano(volcanoMessage{
		MsgType:     volcanoMsgAudioOnly,
		Compression: volcanoCompressionGzip,
		Payload:     pcm,
	})
	if err != nil {
		return &Error{Code: ErrCodeProviderError, Message: "marshal audio frame", Err: err}
	}
	return s.write(frame)
}

// Finish sends the empty last-audio frame.
func (s *doubaoStream) Finish() error {
	if s.closed.Load() {
		return &Error{Code: ErrCodeProviderError, Message: "stream is closed"}
	}
	frame, err := marshalVolcano(volcanoMessage{
		MsgType:     volcanoMsgAudioOnly,
		Flags:       volcanoFlagLastAudio,
		Compression: volcanoCompressionGzip,
	})
	if err != nil {
		return &Error{Code: ErrCodeProviderError, Message: "marshal finish frame", Err: err}
	}
	return s.write(frame)
}

func (s *doubaoStream) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return &Error{Code: ErrCodeNetworkError, Message: "write frame", Err: err}
	}
	return nil
}

func (s *doubaoStream) Results() <-chan Result {
	return s.results
}

// receiveLoop turns server frames into Results until the last package or a
// fatal error. Code 1013 frames carry no result and are skipped.
func (s *doubaoStream) receiveLoop() {
	defer s.wg.Done()
	defer close(s.results)

	var (
		finalsEmitted int
		sawText       bool
		lastDuration  int
	)

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

		msg, err := unmarshalVolcano(data)
		if err != nil {
			s.emit(Result{Kind: KindError, Err: &Error{Code: ErrCodeProviderError, Message: "parse frame", Err: err}})
			return
		}

		if msg.MsgType == volcanoMsgError {
			if msg.ErrorCode == volcanoCodeNoResult {
				continue
			}
			s.emit(Result{Kind: KindError, Err: &Error{
				Code:    ErrCodeProviderError,
				Message: fmt.Sprintf("doubao asr: code %d: %s", msg.ErrorCode, msg.Payload),
			}})
			return
		}
		if msg.MsgType != volcanoMsgFullServer {
			continue
		}

		var resp doubaoResponse
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			s.emit(Result{Kind: KindError, Err: &Error{Code: ErrCodeProviderError, Message: "parse response payload", Err: err}})
			return
		}

		if resp.AudioInfo.Duration > 0 {
			lastDuration = resp.AudioInfo.Duration
		}
		if resp.Result.Text != "" {
			sawText = true
		}

		definite := 0
		for _, u := range resp.Result.Utterances {
			if u.Text != "" {
				sawText = true
			}
			if !u.Definite {
				s.emit(Result{Kind: KindPartial, Text: u.Text})
				continue
			}
			definite++
			// Utterances accumulate across frames; only new definite
			// entries become finals.
			if definite > finalsEmitted {
				finalsEmitted++
				s.emit(Result{Kind: KindFinal, Text: u.Text})
			}
		}

		if msg.isLast() {
			if finalsEmitted == 0 && !sawText && lastDuration > doubaoEmptySpeechMs {
				s.emit(Result{Kind: KindEmptySpeech})
			}
			return
		}
	}
}

func (s *doubaoStream) emit(r Result) {
	select {
	case s.results <- r:
	case <-s.ctx.Done():
	}
}

func (s *doubaoStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	s.conn.Close()
	s.wg.Wait()
	return nil
}

var _ Provider = (*DoubaoProvider)(nil)
var _ Stream = (*doubaoStream)(nil)
