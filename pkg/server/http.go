package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/voicebridge-ai/voicebridge/pkg/config"
	"github.com/voicebridge-ai/voicebridge/pkg/dialog"
	"github.com/voicebridge-ai/voicebridge/pkg/vllm"
)

// otaVersion is what the OTA endpoints advertise.
const otaVersion = "2.0.0"

// firmwareDir is where the download endpoint serves files from.
var firmwareDir = filepath.Join("data", "bin")

// VisionSource resolves the active vision provider on first use.
type VisionSource interface {
	VLLM() (vllm.Provider, error)
}

// HTTPServer is the management API on server.http_port: health, OTA,
// vision, device list, sanitized config and firmware download.
type HTTPServer struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *dialog.Registry
	vision   VisionSource

	startedAt  time.Time
	httpServer *http.Server
}

func NewHTTPServer(cfg *config.Config, logger *zap.Logger, registry *dialog.Registry, vision VisionSource) *HTTPServer {
	return &HTTPServer{
		cfg:       cfg,
		log:       logger.Named("http"),
		registry:  registry,
		vision:    vision,
		startedAt: time.Now(),
	}
}

// Router builds the route table; exposed for tests.
func (s *HTTPServer) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/xiaozhi/ota/", s.handleOTAInfo).Methods(http.MethodGet)
	r.HandleFunc("/xiaozhi/ota/", s.handleOTACheck).Methods(http.MethodPost)
	r.HandleFunc("/xiaozhi/vision/", s.handleVision).Methods(http.MethodPost)
	r.HandleFunc("/api/devices", s.handleDevices).Methods(http.MethodGet)
	r.HandleFunc("/api/config", s.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/download/{file}", s.handleDownload).Methods(http.MethodGet)
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// Start begins serving in the background.
func (s *HTTPServer) Start() {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.IP, s.cfg.Server.HTTPPort)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Router()}

	go func() {
		s.log.Info("HTTP 服务启动", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP 服务退出", zap.Error(err))
		}
	}()
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"timestamp":      time.Now().Format(time.RFC3339),
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *HTTPServer) handleOTAInfo(w http.ResponseWriter, r *http.Request) {
	ip := outboundIP()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      otaVersion,
		"websocketUrl": fmt.Sprintf("ws://%s:%d", ip, s.cfg.Server.Port),
		"httpUrl":      fmt.Sprintf("http://%s:%d", ip, s.cfg.Server.HTTPPort),
		"firmwareUrl":  s.firmwareURL(ip),
		"description":  "语音对话网关 OTA 接口",
	})
}

func (s *HTTPServer) handleOTACheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"deviceId"`
		Version  string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"update": false, "message": "invalid request body"})
		return
	}

	info, err := os.Stat(filepath.Join(firmwareDir, "firmware.bin"))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"update": false, "message": "No firmware available"})
		return
	}

	s.log.Info("OTA 检查", zap.String("device", req.DeviceID), zap.String("version", req.Version))
	writeJSON(w, http.StatusOK, map[string]any{
		"update":  true,
		"version": otaVersion,
		"url":     s.firmwareURL(outboundIP()),
		// 原始固件流程不生成校验和
		"md5":  "",
		"size": info.Size(),
	})
}

func (s *HTTPServer) handleVision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ImageURL string `json:"image_url"`
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ImageURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "image_url is required"})
		return
	}

	provider, err := s.vision.VLLM()
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
		return
	}

	question := req.Question
	if question == "" {
		question = s.cfg.Server.VisionExplain
	}
	answer, err := provider.AnalyzeImage(r.Context(), req.ImageURL, question)
	if err != nil {
		s.log.Error("视觉解析失败", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "answer": answer})
}

func (s *HTTPServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	snapshot := s.registry.DeviceSnapshot()
	devices := make([]map[string]any, 0, len(snapshot))
	for clientID, info := range snapshot {
		devices = append(devices, map[string]any{
			"clientId":     clientID,
			"macAddress":   info.MACAddress,
			"deviceModel":  info.DeviceModel,
			"connectedAt":  info.ConnectedAt,
			"lastActivity": info.LastActivity,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(devices), "devices": devices})
}

// handleConfig exposes the running topology without any credentials.
func (s *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"ip":        s.cfg.Server.IP,
			"port":      s.cfg.Server.Port,
			"http_port": s.cfg.Server.HTTPPort,
		},
		"modules": map[string]any{
			"ASR":  s.cfg.SelectedModule.ASR,
			"LLM":  s.cfg.SelectedModule.LLM,
			"TTS":  s.cfg.SelectedModule.TTS,
			"VAD":  s.cfg.SelectedModule.VAD,
			"VLLM": s.cfg.SelectedModule.VLLM,
		},
		"mcp_endpoint": s.cfg.MCPEndpoint,
	})
}

func (s *HTTPServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(mux.Vars(r)["file"])
	path := filepath.Join(firmwareDir, name)
	if _, err := os.Stat(path); err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *HTTPServer) firmwareURL(ip string) string {
	return fmt.Sprintf("http://%s:%d/download/firmware.bin", ip, s.cfg.Server.HTTPPort)
}

// outboundIP finds the address of the default route interface without
// sending any packets.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, device-id, client-id")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
