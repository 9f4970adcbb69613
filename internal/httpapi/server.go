// Package httpapi implements the Coordinator-facing HTTP surface: the
// node agent's create/modify/signal/delete entry points, status and
// health reporting, node tag management, and the unmapped-GET ban list.
// Grounded on the teacher's internal/server.Server shape (one struct
// holding every dependency a handler needs, one method per RPC)
// generalized from gRPC handlers to net/http.ServeMux routes, since no
// repository in the retrieval pack brings a third-party HTTP router and
// Go 1.22's ServeMux already does path-wildcard dispatch natively.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/compute-node-agent/internal/agenterr"
	"github.com/ChuLiYu/compute-node-agent/internal/metrics"
	"github.com/ChuLiYu/compute-node-agent/internal/session"
	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

// apiVersion is reported on the status endpoint; it tracks the wire
// protocol's own version triple since both describe this build.
const apiVersion = "4.0.0"

// ControlHandler reacts to a registration/status control action
// ("shutdown", "close", "unregistered") delivered by the Coordinator.
// The caller (cmd/agentd) wires this to the process's own shutdown path;
// the HTTP surface itself has no opinion on what the actions mean.
type ControlHandler func(action string)

// Server is the Coordinator-facing HTTP surface.
type Server struct {
	manager *session.Manager
	metrics *metrics.Collector
	log     *slog.Logger

	control ControlHandler
	bans    *banList

	tagsMu sync.Mutex
	tags   map[string]string

	mux     *http.ServeMux
	handler http.Handler
}

// New builds a Server. control may be nil if no action is wired yet.
func New(manager *session.Manager, collector *metrics.Collector, control ControlHandler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		manager: manager,
		metrics: collector,
		log:     log,
		control: control,
		bans:    newBanList(),
		tags:    make(map[string]string),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /node/1/health", s.health)
	mux.HandleFunc("GET /node/1/status", s.status)
	mux.HandleFunc("GET /node/1/sessions", s.listSessions)
	mux.HandleFunc("GET /node/1/sessions/{id}/status", s.sessionStatus)
	mux.HandleFunc("GET /node/1/sessions/{id}/performance", s.sessionPerformance)

	mux.HandleFunc("POST /node/1/sessions", s.createSession)
	mux.HandleFunc("PUT /node/1/sessions/modify", s.modifySession)
	mux.HandleFunc("PUT /node/1/sessions/{id}/status", s.signalSession)
	mux.HandleFunc("DELETE /node/1/sessions/{id}", s.deleteSession)

	mux.HandleFunc("PUT /registration", s.controlAction)
	mux.HandleFunc("PUT /status", s.controlAction)

	mux.HandleFunc("PUT /node/tags", s.setTags)
	mux.HandleFunc("DELETE /node/tag/{tag}", s.deleteTag)
	mux.HandleFunc("DELETE /node/tags", s.clearTags)

	mux.HandleFunc("/", s.notFound)

	s.mux = mux
	return s.banMiddleware(s.metricsMiddleware(mux))
}

// statusRecorder captures the status code a handler wrote, for metrics;
// net/http's ResponseWriter has no getter of its own.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// metricsMiddleware records request latency and outcome by route
// pattern, skipping entirely when no collector was wired.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if _, pattern := s.mux.Handler(r); pattern != "" {
			route = pattern
		}
		s.metrics.ObserveHTTPRequest(route, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

// banMiddleware turns away a GET from a currently-banned source before
// it ever reaches the mux; every other method passes straight through,
// since the ban list is GET-only per the request-flood contract.
func (s *Server) banMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			source := sourceOf(r)
			if s.bans.isBanned(source) {
				if s.metrics != nil {
					s.metrics.RequestBanned()
				}
				writeError(w, http.StatusTooManyRequests, "source is temporarily banned for excessive unmapped requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func sourceOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// notFound is the catch-all route. Only a GET that lands here counts
// against the source's ban-list tally — an unmapped route, not a
// business-logic 404 from a matched handler.
func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		s.bans.recordMiss(sourceOf(r))
	}
	writeError(w, http.StatusNotFound, "no such route")
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ids := s.manager.SessionIDs()
	idle := make(map[string]float64, len(ids))
	now := time.Now()
	for _, id := range ids {
		snap, ok := s.manager.Snapshot(id)
		if !ok {
			continue
		}
		idle[id.String()] = now.Sub(snap.LastActivity).Seconds()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "UP",
		"apiVersion": apiVersion,
		"idleSeconds": idle,
		"banSummary": s.bans.summarize(),
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	ids := s.manager.SessionIDs()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	writeJSON(w, http.StatusOK, out)
}

// sessionStatusBody is the wire shape of a per-session status response.
type sessionStatusBody struct {
	ID           string                    `json:"id"`
	State        string                    `json:"state"`
	LastActivity time.Time                 `json:"lastActivity"`
	DeleteReason string                    `json:"deleteReason"`
	Computations map[string]compStatusBody `json:"computations"`
}

type compStatusBody struct {
	State         string `json:"state"`
	StoppedReason string `json:"stoppedReason,omitempty"`
	ExitType      string `json:"exitType"`
	ExitCode      int    `json:"exitCode,omitempty"`
	Signal        string `json:"signal,omitempty"`
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, ok := s.manager.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	body := sessionStatusBody{
		ID:           snap.ID.String(),
		State:        snap.State.String(),
		LastActivity: snap.LastActivity,
		DeleteReason: snap.DeleteReason,
		Computations: make(map[string]compStatusBody, len(snap.Computations)),
	}
	for compID, st := range snap.Computations {
		body.Computations[compID.String()] = compStatusBody{
			State:         st.State.String(),
			StoppedReason: st.StoppedReason,
			ExitType:      st.ExitType.String(),
			ExitCode:      st.ExitCode,
			Signal:        st.Signal,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) sessionPerformance(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	perf, ok := s.manager.Performance(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	out := make(map[string]model.PerformanceStats, len(perf))
	for compID, p := range perf {
		out[compID.String()] = p
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var cfg model.SessionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed session definition: "+err.Error())
		return
	}
	placements, err := s.manager.Create(cfg)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SessionCreated()
	}
	writeJSON(w, http.StatusOK, placements)
}

func (s *Server) modifySession(w http.ResponseWriter, r *http.Request) {
	var cfg model.SessionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed session definition: "+err.Error())
		return
	}
	placements, err := s.manager.Modify(cfg)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, placements)
}

func (s *Server) signalSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "malformed signal body: "+err.Error())
		return
	}
	if err := s.manager.Signal(id, data); err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"success": "true"})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reason := r.Header.Get("X-Session-Delete-Reason")
	if err := s.manager.Delete(id, reason); err != nil {
		writeAgentError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SessionDeleted()
	}
	writeJSON(w, http.StatusOK, map[string]string{"success": "true"})
}

func (s *Server) controlAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed control body: "+err.Error())
		return
	}
	switch body.Status {
	case "shutdown", "close", "unregistered":
		s.log.Info("control action received", "action", body.Status)
		if s.control != nil {
			go s.control(body.Status)
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown control status: "+body.Status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"success": "true"})
}

func (s *Server) setTags(w http.ResponseWriter, r *http.Request) {
	var tags map[string]string
	if err := json.NewDecoder(r.Body).Decode(&tags); err != nil {
		writeError(w, http.StatusBadRequest, "malformed tag map: "+err.Error())
		return
	}
	s.tagsMu.Lock()
	for k, v := range tags {
		s.tags[k] = v
	}
	snapshot := make(map[string]string, len(s.tags))
	for k, v := range s.tags {
		snapshot[k] = v
	}
	s.tagsMu.Unlock()
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) deleteTag(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	s.tagsMu.Lock()
	delete(s.tags, tag)
	s.tagsMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"success": "true"})
}

func (s *Server) clearTags(w http.ResponseWriter, r *http.Request) {
	s.tagsMu.Lock()
	s.tags = make(map[string]string)
	s.tagsMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"success": "true"})
}

func parseSessionID(r *http.Request) (model.SessionID, error) {
	return model.ParseID(r.PathValue("id"))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAgentError maps a returned error to its HTTP status via
// agenterr.Error when possible, defaulting to 500 for anything else.
func writeAgentError(w http.ResponseWriter, err error) {
	if agentErr, ok := err.(*agenterr.Error); ok {
		writeError(w, agentErr.StatusCode(), agentErr.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
