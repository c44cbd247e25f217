// Package server hosts the two gateway listeners: the device WebSocket
// endpoint and the management HTTP API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
	"github.com/voicebridge-ai/voicebridge/pkg/config"
	"github.com/voicebridge-ai/voicebridge/pkg/dialog"
	"github.com/voicebridge-ai/voicebridge/pkg/protocol"
	"github.com/voicebridge-ai/voicebridge/pkg/vad"
)

// closeMissingDeviceID is the policy close code for clients that omit the
// device-id header.
const closeMissingDeviceID = websocket.ClosePolicyViolation

// wsTransport adapts one client socket to the dialog transport. gorilla
// allows one concurrent writer, so writes are serialized here.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *wsTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) WriteBinary(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func (t *wsTransport) writeClose(code int, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

var _ dialog.Transport = (*wsTransport)(nil)

// WSServer accepts device connections on server.port and runs one dialog
// state machine per socket.
type WSServer struct {
	cfg       *config.Config
	log       *zap.Logger
	registry  *dialog.Registry
	providers dialog.ProviderSource

	upgrader   websocket.Upgrader
	httpServer *http.Server

	vadOnce sync.Once
}

func NewWSServer(cfg *config.Config, logger *zap.Logger, registry *dialog.Registry, providers dialog.ProviderSource) *WSServer {
	return &WSServer{
		cfg:       cfg,
		log:       logger.Named("ws"),
		registry:  registry,
		providers: providers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving in the background.
func (s *WSServer) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HandleWebSocket)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.IP, s.cfg.Server.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	go func() {
		s.log.Info("WebSocket 服务启动", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("WebSocket 服务退出", zap.Error(err))
		}
	}()
}

// Stop shuts the listener down; live connections are closed through the
// registry by the caller.
func (s *WSServer) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// HandleWebSocket upgrades one client. The device-id gate happens after the
// upgrade so the client gets a readable error payload before the 1008 close.
func (s *WSServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("升级 WebSocket 失败", zap.Error(err))
		return
	}
	transport := &wsTransport{conn: conn}

	deviceID := headerOrQuery(r, "device-id")
	if deviceID == "" {
		s.log.Warn("客户端缺少 device-id", zap.String("remote", r.RemoteAddr))
		if err := transport.WriteJSON(protocol.NewError("缺少 device-id 参数")); err != nil {
			s.log.Debug("下发错误消息失败", zap.Error(err))
		}
		transport.writeClose(closeMissingDeviceID, "Missing device-id")
		conn.Close()
		return
	}

	clientID := headerOrQuery(r, "client-id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	sessionID := uuid.NewString()

	gate, decoder := s.buildVAD()
	c := dialog.NewConnection(dialog.ConnectionConfig{
		Transport: transport,
		Logger:    s.log,
		Providers: s.providers,
		SessionID: sessionID,
		ClientID:  clientID,
		DeviceID:  deviceID,
		Gate:      gate,
		Decoder:   decoder,
	})

	s.registry.Register(clientID, c)
	defer func() {
		s.registry.Deregister(clientID)
		c.Close()
	}()

	s.log.Info("客户端接入",
		zap.String("device", deviceID),
		zap.String("client", clientID),
		zap.String("session", sessionID))

	if err := transport.WriteJSON(protocol.NewHello(sessionID)); err != nil {
		s.log.Warn("下发 hello 失败", zap.Error(err))
		return
	}

	s.readLoop(conn, transport, c, clientID)
}

// readLoop is the single reader for one socket.
func (s *WSServer) readLoop(conn *websocket.Conn, transport *wsTransport, c *dialog.Connection, clientID string) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Info("客户端异常断开", zap.Error(err))
			}
			return
		}
		s.registry.Touch(clientID)

		switch messageType {
		case websocket.BinaryMessage:
			c.HandleBinary(data)
		case websocket.TextMessage:
			msg, err := protocol.ParseClient(data)
			if err != nil {
				// 非 JSON 文本帧说明客户端实现有问题
				s.log.Warn("无法解析的客户端消息", zap.Error(err))
				transport.writeClose(websocket.CloseUnsupportedData, "Malformed message")
				return
			}
			s.handleClientMessage(transport, c, clientID, msg)
		}
	}
}

func (s *WSServer) handleClientMessage(transport *wsTransport, c *dialog.Connection, clientID string, msg protocol.ClientMessage) {
	switch msg.Type {
	case "hello", "audio":
		s.log.Debug("客户端消息", zap.String("type", msg.Type))
	case "config":
		s.registry.UpsertDevice(clientID, msg.MACAddress, msg.DeviceModel)
	case "text":
		c.HandleText(msg.Text)
	case "control":
		if msg.Command == protocol.CommandPing {
			if err := transport.WriteJSON(protocol.NewPong()); err != nil {
				s.log.Debug("下发 pong 失败", zap.Error(err))
			}
			return
		}
		c.HandleControl(msg.Command)
	default:
		s.log.Debug("忽略未知消息类型", zap.String("type", msg.Type))
	}
}

// buildVAD assembles one connection's gate and opus decoder. When the VAD
// model is unavailable (untagged build or bad model path) connections fall
// back to manual listen mode.
func (s *WSServer) buildVAD() (*vad.Gate, dialog.FrameDecoder) {
	name, pc, err := s.cfg.ActiveProvider("VAD")
	if err != nil {
		s.logVADDisabled(err)
		return nil, nil
	}

	det, err := vad.NewDetector(vad.DetectorConfig{
		ModelPath:  pc.Str("model_path", "models/silero_vad.onnx"),
		SampleRate: audio.SampleRate,
	})
	if err != nil {
		s.logVADDisabled(fmt.Errorf("provider %s: %w", name, err))
		return nil, nil
	}

	decoder, err := audio.NewDecoder()
	if err != nil {
		s.logVADDisabled(err)
		return nil, nil
	}

	gate := vad.NewGate(det, gateConfig(pc))
	return gate, decoder
}

// gateConfig maps one VAD provider config block onto gate tuning.
func gateConfig(pc config.ProviderConfig) vad.GateConfig {
	return vad.GateConfig{
		Threshold:    float32(pc.Float("threshold", 0.5)),
		ThresholdLow: float32(pc.Float("threshold_low", 0.2)),
		SilenceMs:    int64(pc.Int("min_silence_duration_ms", 1000)),
	}
}

func (s *WSServer) logVADDisabled(err error) {
	s.vadOnce.Do(func() {
		s.log.Warn("VAD 不可用, 仅支持手动聆听模式", zap.Error(err))
	})
}

func headerOrQuery(r *http.Request, key string) string {
	if v := r.Header.Get(key); v != "" {
		return v
	}
	return r.URL.Query().Get(key)
}
