package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/afterburner/internal/device"
	"github.com/shaunagostinho/afterburner/internal/link"
	"github.com/shaunagostinho/afterburner/internal/logger"
	"github.com/shaunagostinho/afterburner/internal/telemetry"
)

// Device is the part of device.Controller the server drives.
type Device interface {
	Connect(ctx context.Context, path string) error
	Disconnect() error
	Send(cmd link.Command) error
	SetTemperatureAndEnable(ctx context.Context, temperature float64) error
	State() *telemetry.State
}

// Server serves the presentation page, the HTTP API and the websocket feed.
type Server struct {
	cfg       *Config
	dev       Device
	webFS     fs.FS
	recorder  *logger.Logger
	log       logrus.FieldLogger
	gatherer  prometheus.Gatherer
	listPorts func() ([]device.PortInfo, error)

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Type   string              `json:"type"` // "state", "config" or "notice"
	State  *telemetry.Snapshot `json:"state,omitempty"`
	Config *Settings           `json:"config,omitempty"`
	Notice *Notice             `json:"notice,omitempty"`
	Stamp  int64               `json:"stamp"` // Unix ms
}

// Notice is a user-facing notification.
type Notice struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer exposes the given registry on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithPortLister replaces device.ListPorts for /api/ports.
func WithPortLister(fn func() ([]device.PortInfo, error)) Option {
	return func(s *Server) { s.listPorts = fn }
}

// WithLogger sets the parent logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.log = l.WithField("component", "server") }
}

// New creates a new Server.
func New(cfg *Config, dev Device, webFS fs.FS, opts ...Option) *Server {
	cur := cfg.Current()
	s := &Server{
		cfg:   cfg,
		dev:   dev,
		webFS: webFS,
		recorder: logger.New(logger.Config{
			Enabled:    cur.Logging.Enabled,
			Path:       cur.Logging.Path,
			IntervalMs: cur.Logging.Interval,
		}),
		log:       logrus.WithField("component", "server"),
		listPorts: device.ListPorts,
		clients:   make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/ports", s.handlePorts)
	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/command", s.handleCommand)
	mux.HandleFunc("POST /api/setpoint", s.handleSetpoint)
	mux.HandleFunc("/api/config", s.handleConfig)

	if s.gatherer != nil && s.cfg.Current().Server.Metrics {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Run starts the HTTP server and the broadcast loop. It returns when ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Current().Server.ListenAddr
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.broadcastLoop(ctx)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.closeClients()
	}()

	s.log.WithField("addr", addr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Notify pushes a notice to every connected browser.
func (s *Server) Notify(title, body string) {
	if !s.cfg.Current().Notify.Websocket {
		return
	}
	s.broadcast(Frame{Type: "notice", Notice: &Notice{Title: title, Body: body}, Stamp: time.Now().UnixMilli()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Initial config + state
	cur := s.cfg.Current()
	snap := s.dev.State().Snapshot()
	now := time.Now().UnixMilli()
	for _, f := range []Frame{
		{Type: "config", Config: &cur, Stamp: now},
		{Type: "state", State: &snap, Stamp: now},
	} {
		if data, err := json.Marshal(f); err == nil {
			client.send <- data
		}
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.WithField("clients", n).Info("websocket client connected")

	// Writer
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader: commands from the page, until the socket closes
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.WithField("clients", n).Info("websocket client disconnected")
		}()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.handleWSMessage(msg)
		}
	}()
}

func (s *Server) handleWSMessage(msg []byte) {
	var req commandRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		s.log.WithError(err).Debug("ignoring websocket message")
		return
	}
	cmd, err := link.ParseCommand(req.Type, req.Value)
	if err == nil {
		err = s.dev.Send(cmd)
	}
	if err != nil {
		s.log.WithError(err).WithField("type", req.Type).Warn("websocket command failed")
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dev.State().Snapshot())
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.listPorts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

type connectRequest struct {
	Port string `json:"port"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Port == "" {
		req.Port = s.cfg.Current().Device.PortPath
	}
	if err := s.dev.Connect(r.Context(), req.Port); err != nil {
		writeDeviceError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.dev.Disconnect(); err != nil {
		// Teardown completed; report the close error without failing.
		s.log.WithError(err).Warn("disconnect reported an error")
	}
	writeOK(w)
}

type commandRequest struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cmd, err := link.ParseCommand(req.Type, req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.dev.Send(cmd); err != nil {
		writeDeviceError(w, err)
		return
	}
	writeOK(w)
}

type setpointRequest struct {
	Temperature *float64 `json:"temperature"`
}

func (s *Server) handleSetpoint(w http.ResponseWriter, r *http.Request) {
	var req setpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Temperature == nil {
		writeError(w, http.StatusBadRequest, errors.New("temperature is required"))
		return
	}
	if err := s.dev.SetTemperatureAndEnable(r.Context(), *req.Temperature); err != nil {
		writeDeviceError(w, err)
		return
	}
	writeOK(w)
}

// handleConfig serves the config as JSON and accepts partial updates, which
// are merged and saved. Only logging.enabled and notify.websocket apply to the
// running process. Device, server and mqtt settings (and notify.title) are
// read at startup, so a POST that changes them saves the file and lists them
// under "restartRequired" in the response.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.WithError(err).Warn("config save failed")
		}

		cur := s.cfg.Current()
		s.recorder.SetEnabled(cur.Logging.Enabled)
		s.broadcast(Frame{Type: "config", Config: &cur, Stamp: time.Now().UnixMilli()})

		if keys := RestartKeys(body); len(keys) > 0 {
			s.log.WithField("keys", keys).Info("config saved, restart to apply")
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "restartRequired": keys})
			return
		}
		writeOK(w)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// broadcastLoop sends the state to clients whenever it changed since the
// last tick, and records it to CSV.
func (s *Server) broadcastLoop(ctx context.Context) {
	hz := s.cfg.Current().Server.BroadcastHz
	if hz <= 0 {
		hz = 20
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			s.recorder.Close()
			return
		case <-ticker.C:
			last = s.publishState(last)
		}
	}
}

func (s *Server) publishState(last uint64) uint64 {
	snap := s.dev.State().Snapshot()
	if snap.Version == last {
		return last
	}
	s.broadcast(Frame{Type: "state", State: &snap, Stamp: time.Now().UnixMilli()})
	s.recorder.Record(snap)
	return snap.Version
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.WithError(err).Error("marshal frame")
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func (s *Server) closeClients() {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		client.conn.Close()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeDeviceError maps controller errors to HTTP status codes.
func writeDeviceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, device.ErrNotConnected),
		errors.Is(err, device.ErrAlreadyConnected),
		errors.Is(err, device.ErrConnectAborted):
		status = http.StatusConflict
	case errors.Is(err, device.ErrOpenFailed),
		errors.Is(err, device.ErrWriteFailed):
		status = http.StatusBadGateway
	case errors.Is(err, link.ErrInvalidCommand):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err)
}
