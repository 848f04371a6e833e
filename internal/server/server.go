package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dtpsim/voicestage/internal/casedata"
	apperrors "github.com/dtpsim/voicestage/internal/errors"
	"github.com/dtpsim/voicestage/internal/orchestrator"
	"github.com/dtpsim/voicestage/internal/session"
	"github.com/dtpsim/voicestage/internal/trace"
	"github.com/dtpsim/voicestage/internal/transcript"
)

// Message is the envelope of every client control message.
type Message struct {
	Type string `json:"type"`
}

// ControlMessage drives a session from the socket: text, stop_capture,
// finalize or retry_finalize.
type ControlMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// SnapshotMessage is the first frame sent on a new stream.
type SnapshotMessage struct {
	Type      string             `json:"type"`
	SessionID string             `json:"sessionId"`
	State     session.State      `json:"state"`
	Lines     []transcript.Entry `json:"lines"`
}

// ErrorMessage reports a rejected control message or request.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CaseView is a case as served to the client, with image references resolved.
type CaseView struct {
	casedata.Case
	Radiograph string `json:"radiograph"`
}

// SessionView describes one session.
type SessionView struct {
	ID         string        `json:"id"`
	ScenarioID string        `json:"scenarioId"`
	State      session.State `json:"state"`
}

type startRequest struct {
	ScenarioID string `json:"scenarioId"`
}

type textRequest struct {
	Text string `json:"text"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}
	r.timestamps = append(r.timestamps, now)
	return true
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	mgr *orchestrator.Manager
}

// New creates a new server.
func New(mgr *orchestrator.Manager) *Server {
	return &Server{mgr: mgr}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /api/cases", s.handleCases)
	mux.HandleFunc("GET /api/cases/{id}", s.handleCase)

	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("POST /api/sessions", s.handleStart)
	mux.HandleFunc("GET /api/sessions/{id}", s.withSession(s.handleSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleRemove)
	mux.HandleFunc("GET /api/sessions/{id}/transcript", s.withSession(s.handleTranscript))
	mux.HandleFunc("POST /api/sessions/{id}/stop-capture", s.withSession(s.handleStopCapture))
	mux.HandleFunc("POST /api/sessions/{id}/finalize", s.withSession(s.handleFinalize))
	mux.HandleFunc("POST /api/sessions/{id}/retry-finalize", s.withSession(s.handleRetryFinalize))
	mux.HandleFunc("POST /api/sessions/{id}/text", s.withSession(s.handleText))

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, c *session.Controller)

func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := s.mgr.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		h(w, r.WithContext(trace.WithSession(r.Context(), c.ID())), c)
	}
}

func (s *Server) handleCases(w http.ResponseWriter, r *http.Request) {
	cases := s.mgr.Cases()
	out := make([]CaseView, 0, cases.Len())
	for _, c := range cases.List() {
		out = append(out, viewCase(cases, c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCase(w http.ResponseWriter, r *http.Request) {
	cases := s.mgr.Cases()
	c, err := cases.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewCase(cases, c))
}

func viewCase(cases *casedata.Catalog, c casedata.Case) CaseView {
	c.ExtraoralPhoto = cases.Resolve(c.ExtraoralPhoto)
	c.IntraoralPhoto = cases.Resolve(c.IntraoralPhoto)
	return CaseView{Case: c, Radiograph: cases.Resolve(c.Radiograph())}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.List())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ScenarioID == "" {
		writeError(w, r, apperrors.New(apperrors.ErrCodeInvalidArgument, "scenarioId is required"))
		return
	}

	c, err := s.mgr.Start(r.Context(), req.ScenarioID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewSession(c))
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request, c *session.Controller) {
	writeJSON(w, http.StatusOK, viewSession(c))
}

func viewSession(c *session.Controller) SessionView {
	return SessionView{ID: c.ID(), ScenarioID: c.ScenarioID(), State: c.State()}
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Remove(r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request, c *session.Controller) {
	lines := c.Transcript()
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, apperrors.Newf(apperrors.ErrCodeInvalidArgument, "bad since %q", v))
			return
		}
		lines = after(lines, since)
	}
	writeJSON(w, http.StatusOK, lines)
}

func after(lines []transcript.Entry, seq int) []transcript.Entry {
	for i, l := range lines {
		if l.Seq > seq {
			return lines[i:]
		}
	}
	return []transcript.Entry{}
}

func (s *Server) handleStopCapture(w http.ResponseWriter, _ *http.Request, c *session.Controller) {
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": c.ForceStopCapture()})
}

func (s *Server) handleFinalize(w http.ResponseWriter, _ *http.Request, c *session.Controller) {
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": c.Finalize()})
}

func (s *Server) handleRetryFinalize(w http.ResponseWriter, r *http.Request, c *session.Controller) {
	if err := c.RetryFinalize(); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": true})
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request, c *session.Controller) {
	var req textRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := c.SendText(req.Text); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"sent": true})
}

// handleWebSocket streams one session's events. The first frame is a
// snapshot; the stream closes after the completion event.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	c, err := s.mgr.Get(r.URL.Query().Get("session"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		trace.Logger(r.Context()).Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	ctx, cancel := context.WithCancel(trace.WithSession(r.Context(), c.ID()))
	defer cancel()
	log := trace.Logger(ctx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	// Subscribe before the snapshot so no event falls between the two.
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	if err := write(ctx, conn, SnapshotMessage{
		Type:      "snapshot",
		SessionID: c.ID(),
		State:     c.State(),
		Lines:     c.Transcript(),
	}); err != nil {
		return
	}

	go func() {
		defer cancel()
		s.readControl(ctx, conn, c)
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
			if err := write(ctx, conn, ev); err != nil {
				log.Debug("websocket write error", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) readControl(ctx context.Context, conn *websocket.Conn, c *session.Controller) {
	log := trace.Logger(ctx)
	rl := &rateLimiter{}

	for {
		var msg json.RawMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !rl.allow() {
			log.Warn("rate limit exceeded")
			_ = write(ctx, conn, ErrorMessage{Type: "error", Code: apperrors.ErrCodeRateLimited.String(), Message: "rate limit exceeded"})
			continue
		}

		var ctl ControlMessage
		if err := json.Unmarshal(msg, &ctl); err != nil {
			_ = write(ctx, conn, ErrorMessage{Type: "error", Code: apperrors.ErrCodeInvalidArgument.String(), Message: "malformed message"})
			continue
		}

		mctx := ctx
		if ctl.TraceID != "" {
			mctx = trace.WithContext(ctx, trace.NewChild(trace.Context{TraceID: ctl.TraceID, SessionID: c.ID()}))
		}
		if err := s.control(mctx, c, ctl); err != nil {
			_ = write(ctx, conn, errorMessage(err))
		}
	}
}

func (s *Server) control(ctx context.Context, c *session.Controller, msg ControlMessage) error {
	trace.Logger(ctx).Debug("control message", "type", msg.Type)
	switch msg.Type {
	case "text":
		return c.SendText(msg.Text)
	case "stop_capture":
		c.ForceStopCapture()
	case "finalize":
		c.Finalize()
	case "retry_finalize":
		return c.RetryFinalize()
	default:
		return apperrors.Newf(apperrors.ErrCodeInvalidArgument, "unknown message type %q", msg.Type)
	}
	return nil
}

func write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidArgument, "malformed request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorMessage(err error) ErrorMessage {
	code := apperrors.ErrCodeInternal
	if ae, ok := apperrors.As(err); ok {
		code = ae.Code
	}
	return ErrorMessage{Type: "error", Code: code.String(), Message: err.Error()}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		trace.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorMessage(err))
}

func httpStatus(err error) int {
	ae, ok := apperrors.As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ae.Code {
	case apperrors.ErrCodeInvalidArgument, apperrors.ErrCodeConfigInvalid:
		return http.StatusBadRequest
	case apperrors.ErrCodeNotFound, apperrors.ErrCodeCaseNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeSessionActive, apperrors.ErrCodeSessionEnded:
		return http.StatusConflict
	case apperrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeUnavailable, apperrors.ErrCodeDeviceUnavailable, apperrors.ErrCodeVADInitFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
