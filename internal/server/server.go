// Package server exposes a DuetCapture session over HTTP: a JSON
// status endpoint, a websocket event stream, request handlers driving
// the Monitor/Start/Stop lifecycle, and a Prometheus metrics endpoint.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/audiolibrelab/duetcapture/internal/config"
	"github.com/audiolibrelab/duetcapture/internal/events"
	"github.com/audiolibrelab/duetcapture/internal/session"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes a single session.Controller over HTTP for remote
// control from a phone or another machine on the LAN.
type Server struct {
	ctrl *session.Controller
	cfg  *config.Config
	port string

	mu          sync.Mutex
	sessionName string

	upgrader websocket.Upgrader

	registry         *prometheus.Registry
	metricsRecording prometheus.Gauge
	metricsStarts    prometheus.Counter
}

// New builds a Server bound to a fresh session.Controller, configured
// from cfg. The controller is not started; monitor and record
// requests arrive over HTTP. Each Server gets its own metrics
// registry rather than the global default, so building more than one
// (as tests do) never collides on a duplicate metric name.
func New(cfg *config.Config, port string) *Server {
	ctrl := session.NewController(slog.Default())
	ctrl.SetLoopbackGain(cfg.Gains.Loopback)
	ctrl.SetMicGain(cfg.Gains.Mic)

	s := &Server{
		ctrl: ctrl,
		cfg:  cfg,
		port: port,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		registry: prometheus.NewRegistry(),
		metricsRecording: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "duetcapture_recording",
			Help: "1 while a session is actively recording to disk, 0 otherwise.",
		}),
		metricsStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duetcapture_recordings_started_total",
			Help: "Number of recordings started since the server launched.",
		}),
	}

	s.registry.MustRegister(s.metricsRecording, s.metricsStarts)
	s.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "duetcapture_ring_underruns_total",
			Help: "Loopback ring buffer underrun count for the active session.",
		}, func() float64 { return float64(s.ctrl.Diagnostics().Underruns) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "duetcapture_ring_peak_backlog_samples",
			Help: "Peak ring buffer backlog, in samples, observed by the loopback handler.",
		}, func() float64 { return float64(s.ctrl.Diagnostics().PeakRingBacklog) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "duetcapture_writer_queue_depth",
			Help: "Current disk-writer job queue depth.",
		}, func() float64 { return float64(s.ctrl.Diagnostics().QueueLen) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "duetcapture_writer_dropped_blocks_total",
			Help: "Blocks dropped by the disk writer due to a full or closed queue.",
		}, func() float64 { return float64(s.ctrl.Diagnostics().Dropped) }),
	)

	return s
}

// Controller returns the server's session controller, mainly for tests.
func (s *Server) Controller() *session.Controller { return s.ctrl }

// StatusResponse is the JSON body served at /status.
type StatusResponse struct {
	State       string `json:"state"`
	Recording   bool   `json:"recording"`
	SessionName string `json:"session_name,omitempty"`
}

type startRequest struct {
	SessionName string `json:"session_name"`
}

// Start registers the HTTP handlers and blocks serving on s.port.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/monitor/start", s.handleMonitorStart)
	mux.HandleFunc("/monitor/stop", s.handleMonitorStop)
	mux.HandleFunc("/record/start", s.handleRecordStart)
	mux.HandleFunc("/record/stop", s.handleRecordStop)
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	localIP := getLocalIP()
	slog.Info("duetcapture server starting",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	return http.ListenAndServe(":"+s.port, mux)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.mu.Lock()
	name := s.sessionName
	s.mu.Unlock()

	resp := StatusResponse{
		State:       s.ctrl.State(),
		Recording:   s.ctrl.IsRecording(),
		SessionName: name,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.ctrl.Monitor(r.Context(), s.cfg.Devices.Loopback, s.cfg.Devices.Mic); err != nil {
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.ctrl.StopMonitor(); err != nil {
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionName == "" {
		s.sendError(w, http.StatusBadRequest, "session_name is required")
		return
	}

	if err := os.MkdirAll(s.cfg.Output.Directory, 0o755); err != nil {
		s.sendError(w, http.StatusInternalServerError, fmt.Sprintf("create output directory: %v", err))
		return
	}
	basePath := sessionBasePath(s.cfg.Output.Directory, req.SessionName)
	if err := s.ctrl.Start(r.Context(), s.cfg.Devices.Loopback, s.cfg.Devices.Mic, basePath, s.cfg.Output.Mp3BitrateKbps); err != nil {
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}
	s.mu.Lock()
	s.sessionName = req.SessionName
	s.mu.Unlock()
	s.metricsStarts.Inc()
	s.metricsRecording.Set(1)
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	err := s.ctrl.Stop(r.Context())
	s.metricsRecording.Set(0)
	if err != nil {
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleWebsocket upgrades the connection and relays every LevelChanged/
// Status/EncodingProgress event as a JSON frame until the client
// disconnects or the session bus closes.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.ctrl.Events().Subscribe()
	defer sub.Unsubscribe()

	for ev := range sub.C() {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(wireEvent(ev)); err != nil {
			return
		}
	}
}

func wireEvent(ev events.Event) map[string]interface{} {
	switch {
	case ev.Level != nil:
		return map[string]interface{}{
			"type":    "level",
			"source":  ev.Level.Source.String(),
			"rms":     ev.Level.RMS,
			"peak":    ev.Level.Peak,
			"clipped": ev.Level.Clipped,
		}
	case ev.Status != nil:
		return map[string]interface{}{
			"type":         "status",
			"kind":         ev.Status.Kind.String(),
			"message":      ev.Status.Message,
			"output_paths": ev.Status.OutputPaths,
		}
	case ev.Encoding != nil:
		return map[string]interface{}{
			"type":    "encoding",
			"percent": ev.Encoding.Percent,
		}
	default:
		return map[string]interface{}{"type": "unknown"}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, status int, msg string) {
	slog.Error("server: sending error response", "status", status, "error", msg)
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func sessionBasePath(outputDir, sessionName string) string {
	return filepath.Join(outputDir, sessionName)
}

func getLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
