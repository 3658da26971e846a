package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/mmackelprang/RotaryPhone/internal/bridge"
	"github.com/mmackelprang/RotaryPhone/internal/gateway"
	"github.com/mmackelprang/RotaryPhone/internal/history"
)

// Gateway provides the lines and history shown by the API.
// Implemented by gateway.Manager.
type Gateway interface {
	Lines() []*gateway.Line
	Line(id string) (*gateway.Line, bool)
	History() history.Store
}

// LogSource provides recent log records. Implemented by logger.Recent.
type LogSource interface {
	Lines() []string
}

// Options are optional handlers mounted next to the API.
type Options struct {
	Metrics http.Handler
	Logs    LogSource
}

// Server provides the HTTP status and control API
type Server struct {
	addr       string
	httpServer *http.Server
	listener   net.Listener
	gw         Gateway
	logs       LogSource
	startTime  time.Time
}

// NewServer creates the API server. Nothing listens until Start.
func NewServer(addr string, gw Gateway, opts Options) *Server {
	s := &Server{
		addr:      addr,
		gw:        gw,
		logs:      opts.Logs,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	// Health and status
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/lines/{id}", s.handleLine)

	// Line control
	mux.HandleFunc("POST /api/v1/lines/{id}/hook", s.lineAction(s.hook))
	mux.HandleFunc("POST /api/v1/lines/{id}/digits", s.lineAction(s.digits))
	mux.HandleFunc("POST /api/v1/lines/{id}/incoming", s.lineAction(s.incoming))
	mux.HandleFunc("POST /api/v1/lines/{id}/answer", s.lineAction(s.answer))
	mux.HandleFunc("POST /api/v1/lines/{id}/hangup", s.lineAction(s.hangup))
	mux.HandleFunc("POST /api/v1/lines/{id}/call", s.lineAction(s.call))
	mux.HandleFunc("POST /api/v1/lines/{id}/route", s.lineAction(s.route))
	mux.HandleFunc("POST /api/v1/lines/{id}/bluetooth", s.lineAction(s.bluetooth))

	// History
	mux.HandleFunc("GET /api/v1/history", s.handleHistory)
	mux.HandleFunc("DELETE /api/v1/history", s.handleClearHistory)

	mux.HandleFunc("GET /api/v1/logs", s.handleLogs)

	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	slog.Info("[API] Starting HTTP API server", "addr", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[API] Server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- Health & Status ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	lines := s.gw.Lines()
	statuses := make([]gateway.LineStatus, 0, len(lines))
	for _, l := range lines {
		statuses = append(statuses, l.Status())
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"platform": runtime.GOOS + "/" + runtime.GOARCH,
		"uptime":   int64(time.Since(s.startTime).Seconds()),
		"lines":    statuses,
	})
}

func (s *Server) handleLine(w http.ResponseWriter, r *http.Request) {
	l, ok := s.gw.Line(r.PathValue("id"))
	if !ok {
		http.Error(w, "Line not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, l.Status())
}

// --- Line control ---

// actionFunc applies a control request to an active line. A non-empty
// message is a client error.
type actionFunc func(l *gateway.Line, r *http.Request) (status int, message string)

func (s *Server) lineAction(fn actionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		l, ok := s.gw.Line(id)
		if !ok {
			http.Error(w, "Line not found", http.StatusNotFound)
			return
		}
		if !l.Active() {
			http.Error(w, "Line not active", http.StatusConflict)
			return
		}

		status, message := fn(l, r)
		if status >= 400 {
			http.Error(w, message, status)
			return
		}

		slog.Debug("[API] Control request", "line", id, "path", r.URL.Path)
		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"message": "Accepted",
			"line":    id,
			"state":   l.Manager().CurrentState().String(),
		})
	}
}

func (s *Server) hook(l *gateway.Line, r *http.Request) (int, string) {
	switch strings.ToLower(r.URL.Query().Get("state")) {
	case "off", "offhook", "off-hook":
		l.Manager().HandleHookChange(true)
	case "on", "onhook", "on-hook":
		l.Manager().HandleHookChange(false)
	default:
		return http.StatusBadRequest, "Invalid state. Use 'off' or 'on'"
	}
	return http.StatusAccepted, ""
}

func (s *Server) digits(l *gateway.Line, r *http.Request) (int, string) {
	number := strings.TrimSpace(r.URL.Query().Get("number"))
	if number == "" {
		return http.StatusBadRequest, "number required"
	}
	l.Manager().HandleDigitsReceived(number)
	return http.StatusAccepted, ""
}

func (s *Server) incoming(l *gateway.Line, r *http.Request) (int, string) {
	if caller := strings.TrimSpace(r.URL.Query().Get("caller")); caller != "" {
		l.Manager().IncomingCall(caller)
	} else {
		l.Manager().SimulateIncomingCall()
	}
	return http.StatusAccepted, ""
}

func (s *Server) answer(l *gateway.Line, _ *http.Request) (int, string) {
	l.Manager().AnswerCall()
	return http.StatusAccepted, ""
}

func (s *Server) hangup(l *gateway.Line, _ *http.Request) (int, string) {
	l.Manager().HangUp()
	return http.StatusAccepted, ""
}

func (s *Server) call(l *gateway.Line, r *http.Request) (int, string) {
	number := strings.TrimSpace(r.URL.Query().Get("number"))
	if number == "" {
		return http.StatusBadRequest, "number required"
	}
	l.Manager().StartCall(number)
	return http.StatusAccepted, ""
}

func (s *Server) route(l *gateway.Line, r *http.Request) (int, string) {
	route, err := bridge.ParseRoute(r.URL.Query().Get("to"))
	if err != nil {
		return http.StatusBadRequest, err.Error()
	}
	l.Manager().SetAudioRoute(route)
	return http.StatusAccepted, ""
}

func (s *Server) bluetooth(l *gateway.Line, r *http.Request) (int, string) {
	atLine := r.URL.Query().Get("line")
	if atLine == "" {
		return http.StatusBadRequest, "line required"
	}
	if err := l.Inject(atLine); err != nil {
		if errors.Is(err, gateway.ErrNotMock) {
			return http.StatusNotFound, err.Error()
		}
		return http.StatusConflict, err.Error()
	}
	return http.StatusAccepted, ""
}

// --- History ---

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	store := s.gw.History()
	if store == nil {
		http.Error(w, "History disabled", http.StatusNotFound)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries := store.List(limit)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"entries": entries,
	})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	store := s.gw.History()
	if store == nil {
		http.Error(w, "History disabled", http.StatusNotFound)
		return
	}
	store.Clear()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "History cleared",
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := []string{}
	if s.logs != nil {
		lines = s.logs.Lines()
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"lines": lines,
	})
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
