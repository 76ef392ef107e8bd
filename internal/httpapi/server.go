// Package httpapi exposes the node's registry over HTTP: queries and
// fan-out on the read/write side, daemon-hosted member registration,
// and WebSocket streams for lifecycle events and member inboxes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"herd"
	"herd/internal/check"
	"herd/internal/logging"
	"herd/internal/mailbox"
	"herd/internal/scopes"
	"herd/internal/signal/ntp"
	"herd/internal/watch"
)

const (
	// readHeaderTimeout is 5s: plenty for a LAN client, bounds slowloris.
	readHeaderTimeout = 5 * time.Second
	// defaultCallTimeoutMS bounds a multi-call when the client omits one.
	defaultCallTimeoutMS = 5000
	// maxCallTimeoutMS keeps one HTTP request from pinning a worker set
	// for minutes.
	maxCallTimeoutMS = 60000
)

// Server serves the node API.
type Server struct {
	node    string
	manager *scopes.Manager
	tasks   *mailbox.Registry
	broker  *watch.Broker
	clockOK *ntp.Checker // optional
	log     *slog.Logger
}

func NewServer(node string, manager *scopes.Manager, tasks *mailbox.Registry, broker *watch.Broker, checker *ntp.Checker) *Server {
	check.Assert(manager != nil, "httpapi.NewServer: manager must not be nil")
	check.Assert(tasks != nil, "httpapi.NewServer: tasks must not be nil")
	check.Assert(broker != nil, "httpapi.NewServer: broker must not be nil")
	return &Server{
		node:    node,
		manager: manager,
		tasks:   tasks,
		broker:  broker,
		clockOK: checker,
		log:     logging.Component("httpapi", "node", node),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/scopes", s.handleScopes).Methods(http.MethodGet)
	r.HandleFunc("/v1/scopes/{scope}/groups", s.handleGroups).Methods(http.MethodGet)
	r.HandleFunc("/v1/scopes/{scope}/groups/{group}/members", s.handleMembers).Methods(http.MethodGet)
	r.HandleFunc("/v1/scopes/{scope}/groups/{group}/members", s.handleJoin).Methods(http.MethodPost)
	r.HandleFunc("/v1/scopes/{scope}/groups/{group}/members/{member}", s.handleLeave).Methods(http.MethodDelete)
	r.HandleFunc("/v1/scopes/{scope}/groups/{group}/publish", s.handlePublish).Methods(http.MethodPost)
	r.HandleFunc("/v1/scopes/{scope}/groups/{group}/call", s.handleCall).Methods(http.MethodPost)
	r.HandleFunc("/v1/scopes/{scope}/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/v1/members/{member}/inbox", s.handleInbox).Methods(http.MethodGet)
	r.HandleFunc("/v1/members/{member}", s.handleKill).Methods(http.MethodDelete)
	return r
}

// ListenAndServe serves the API until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), readHeaderTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("http api listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- status and queries ---

type statusResponse struct {
	Node   string        `json:"node"`
	Scopes []scopeStatus `json:"scopes"`
	Clock  *clockStatus  `json:"clock,omitempty"`
}

type scopeStatus struct {
	Name   string   `json:"name"`
	Groups int      `json:"groups"`
	Peers  []string `json:"peers"`
}

type clockStatus struct {
	Phase    string `json:"phase"`
	OffsetMS int64  `json:"offset_ms"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Node: s.node}
	for _, name := range s.manager.ScopeNames() {
		sc, err := s.manager.Scope(name)
		if err != nil {
			continue
		}
		resp.Scopes = append(resp.Scopes, scopeStatus{
			Name:   name,
			Groups: sc.Count(""),
			Peers:  sc.Peers(),
		})
	}
	if s.clockOK != nil {
		st := s.clockOK.Status()
		resp.Clock = &clockStatus{Phase: st.Phase.String(), OffsetMS: st.Offset.Milliseconds()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleScopes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scopes": s.manager.ScopeNames()})
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	sc, err := s.manager.Scope(mux.Vars(r)["scope"])
	if err != nil {
		writeError(w, err)
		return
	}
	node := r.URL.Query().Get("node")
	writeJSON(w, http.StatusOK, map[string]any{
		"groups": sc.GroupNames(node),
		"count":  sc.Count(node),
	})
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sc, err := s.manager.Scope(vars["scope"])
	if err != nil {
		writeError(w, err)
		return
	}
	var members []herd.MemberInfo
	if r.URL.Query().Get("local") == "true" {
		members = sc.LocalMembers(vars["group"])
	} else {
		members = sc.Members(vars["group"])
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

// --- membership ---

type joinRequest struct {
	// Member optionally names an existing handle ("node:id"); when
	// empty a new daemon-hosted task is spawned and joined.
	Member string `json:"member,omitempty"`
	Meta   []byte `json:"meta,omitempty"`
}

type joinResponse struct {
	Member string `json:"member"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sc, err := s.manager.Scope(vars["scope"])
	if err != nil {
		writeError(w, err)
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &herd.ValidationError{Field: "body", Message: err.Error()})
		return
	}

	var member herd.Member
	if req.Member == "" {
		member = s.tasks.Spawn().Member()
	} else {
		member, err = herd.ParseMember(req.Member)
		if err != nil {
			writeError(w, &herd.ValidationError{Field: "member", Message: err.Error()})
			return
		}
	}

	if err := sc.Join(r.Context(), vars["group"], member, req.Meta); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, joinResponse{Member: member.String()})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sc, err := s.manager.Scope(vars["scope"])
	if err != nil {
		writeError(w, err)
		return
	}
	member, err := herd.ParseMember(vars["member"])
	if err != nil {
		writeError(w, &herd.ValidationError{Field: "member", Message: err.Error()})
		return
	}
	if err := sc.Leave(r.Context(), vars["group"], member); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	member, err := herd.ParseMember(mux.Vars(r)["member"])
	if err != nil {
		writeError(w, &herd.ValidationError{Field: "member", Message: err.Error()})
		return
	}
	box, ok := s.tasks.Lookup(member)
	if !ok {
		writeError(w, herd.ErrNotAlive)
		return
	}
	box.Close(mailbox.ExitNormal)
	w.WriteHeader(http.StatusNoContent)
}

// --- fan-out ---

type publishRequest struct {
	Payload []byte `json:"payload,omitempty"`
	Local   bool   `json:"local,omitempty"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sc, err := s.manager.Scope(vars["scope"])
	if err != nil {
		writeError(w, err)
		return
	}
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &herd.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	var n int
	if req.Local {
		n, err = sc.LocalPublish(vars["group"], req.Payload)
	} else {
		n, err = sc.Publish(vars["group"], req.Payload)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

type callRequest struct {
	Payload   []byte `json:"payload,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

type callResponse struct {
	Replies []herd.CallReply  `json:"replies"`
	Bad     []herd.MemberInfo `json:"bad_replies"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sc, err := s.manager.Scope(vars["scope"])
	if err != nil {
		writeError(w, err)
		return
	}
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &herd.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	if req.TimeoutMS <= 0 {
		req.TimeoutMS = defaultCallTimeoutMS
	}
	if req.TimeoutMS > maxCallTimeoutMS {
		req.TimeoutMS = maxCallTimeoutMS
	}
	replies, bad, err := sc.MultiCall(r.Context(), vars["group"], req.Payload, time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callResponse{Replies: replies, Bad: bad})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var valErr *herd.ValidationError
	switch {
	case errors.As(err, &valErr):
		status = http.StatusBadRequest
	case errors.Is(err, herd.ErrInvalidScope):
		status = http.StatusNotFound
	case errors.Is(err, herd.ErrNotInGroup):
		status = http.StatusNotFound
	case errors.Is(err, herd.ErrNotAlive):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
