package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"herd"
)

const (
	// wsWriteTimeout is 10s: a client that cannot drain an event within
	// this is dropped rather than buffered forever.
	wsWriteTimeout = 10 * time.Second
	// inboxPollInterval paces the inbox pump's liveness re-check when
	// the mailbox is quiet.
	inboxPollInterval = 1 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is same-trust-domain (bound to the daemon's listen addr);
	// origin checks belong on a fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams a scope's lifecycle events. Recent events replay
// first, then live ones follow until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	scope := mux.Vars(r)["scope"]
	if _, err := s.manager.Scope(scope); err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	events := s.broker.Subscribe(r.Context())
	for ev := range events {
		if ev.Scope != scope {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			s.log.Debug("event stream client gone", "err", err)
			return
		}
	}
}

// inboxReply is the client-to-server frame answering a group call.
type inboxReply struct {
	Scope   string          `json:"scope"`
	ReplyTo *herd.ReplyAddr `json:"reply_to"`
	Payload []byte          `json:"payload,omitempty"`
}

// handleInbox streams a daemon-hosted member's inbox over a WebSocket.
// Frames go out as herd.Message; the client answers group calls by
// sending inboxReply frames back. Closing the socket does not kill the
// member; DELETE /v1/members/{member} does.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
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

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Reader: forward call replies into the registry.
	go func() {
		for {
			var reply inboxReply
			if err := conn.ReadJSON(&reply); err != nil {
				return
			}
			if reply.ReplyTo == nil {
				continue
			}
			sc, err := s.manager.Scope(reply.Scope)
			if err != nil {
				s.log.Debug("inbox reply for unknown scope", "scope", reply.Scope)
				continue
			}
			if err := sc.Reply(*reply.ReplyTo, reply.Payload); err != nil {
				s.log.Debug("inbox reply failed", "err", err)
			}
		}
	}()

	// Writer: pump the mailbox until the member dies or the client
	// disconnects.
	ticker := time.NewTicker(inboxPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-box.C():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug("inbox client gone", "member", member.String(), "err", err)
				return
			}
		case <-ticker.C:
			if !s.tasks.Alive(member) {
				return
			}
		}
	}
}
