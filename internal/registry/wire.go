package registry

import (
	"encoding/json"
	"errors"
	"fmt"

	"herd"
)

// ProtocolVersion tags every envelope; nodes reject mismatches rather
// than guess at semantics.
const ProtocolVersion = "1"

// MessageKind discriminates envelope bodies.
type MessageKind string

const (
	KindJoinOnNode  MessageKind = "join_on_node"
	KindLeaveOnNode MessageKind = "leave_on_node"
	KindSyncJoin    MessageKind = "sync_join"
	KindSyncLeave   MessageKind = "sync_leave"
	KindSnapshot    MessageKind = "snapshot_exchange"
	KindDeliver     MessageKind = "deliver"
	KindMemberCall  MessageKind = "member_call"
	KindMemberReply MessageKind = "member_reply"

	KindReply MessageKind = "reply"
	KindError MessageKind = "error"
)

// Envelope is the versioned wire unit carried by the transport.
type Envelope struct {
	V     string          `json:"v"`
	Scope string          `json:"scope"`
	From  string          `json:"from"`
	Kind  MessageKind     `json:"kind"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// NewEnvelope marshals body into a versioned envelope.
func NewEnvelope(scope, from string, kind MessageKind, body any) (Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s body: %w", kind, err)
	}
	return Envelope{V: ProtocolVersion, Scope: scope, From: from, Kind: kind, Body: raw}, nil
}

// DecodeBody unmarshals the envelope body into out.
func (e Envelope) DecodeBody(out any) error {
	if err := json.Unmarshal(e.Body, out); err != nil {
		return fmt.Errorf("decode %s body: %w", e.Kind, err)
	}
	return nil
}

// JoinOutcome is the owner's verdict on a join request.
type JoinOutcome string

const (
	OutcomeJoined  JoinOutcome = "joined"
	OutcomeUpdated JoinOutcome = "updated"
	OutcomeNoop    JoinOutcome = "noop"
)

type JoinRequest struct {
	Requester string      `json:"requester"`
	Group     string      `json:"group"`
	Member    herd.Member `json:"member"`
	Meta      []byte      `json:"meta,omitempty"`
}

// JoinReply carries the assigned timestamp so the requester can apply
// the mutation to its own indexes before the broadcast arrives.
type JoinReply struct {
	Outcome JoinOutcome `json:"outcome"`
	At      int64       `json:"at,omitempty"`
}

type LeaveRequest struct {
	Requester string      `json:"requester"`
	Group     string      `json:"group"`
	Member    herd.Member `json:"member"`
}

// LeaveReply carries the observed meta for the requester's eager local
// removal.
type LeaveReply struct {
	Meta []byte `json:"meta,omitempty"`
}

type SyncJoin struct {
	Group  string      `json:"group"`
	Member herd.Member `json:"member"`
	Meta   []byte      `json:"meta,omitempty"`
	At     int64       `json:"at"`
	Reason herd.Reason `json:"reason"`
}

type SyncLeave struct {
	Group  string      `json:"group"`
	Member herd.Member `json:"member"`
	Meta   []byte      `json:"meta,omitempty"`
	Reason herd.Reason `json:"reason"`
}

// WireEntry is one row of a peer-up anti-entropy snapshot.
type WireEntry struct {
	Group  string      `json:"group"`
	Member herd.Member `json:"member"`
	Meta   []byte      `json:"meta,omitempty"`
	At     int64       `json:"at"`
}

// SnapshotExchange carries the sender's full local (owner = sender)
// state. The reply is a SnapshotReply with the receiver's local state.
type SnapshotExchange struct {
	Entries []WireEntry `json:"entries"`
}

type SnapshotReply struct {
	Entries []WireEntry `json:"entries"`
}

// DeliverBatch fans a published payload out to members hosted on the
// receiving node.
type DeliverBatch struct {
	Members []herd.Member `json:"members"`
	Message herd.Message  `json:"message"`
}

// MemberCall asks the receiving node to put a synchronous call into one
// local member's inbox.
type MemberCall struct {
	Member  herd.Member  `json:"member"`
	Message herd.Message `json:"message"`
}

// MemberReply routes a call answer back to the collector node.
type MemberReply struct {
	Token   string `json:"token"`
	Payload []byte `json:"payload,omitempty"`
}

// ErrorReply encodes the §7 error taxonomy across the wire.
type ErrorReply struct {
	Code string `json:"code"`
}

const (
	wireErrNotAlive     = "not_alive"
	wireErrNotInGroup   = "not_in_group"
	wireErrInvalidScope = "invalid_scope"
	wireErrBadVersion   = "bad_version"
	wireErrUnknownKind  = "unknown_kind"
)

func errorEnvelope(scope, from, code string) Envelope {
	env, _ := NewEnvelope(scope, from, KindError, ErrorReply{Code: code})
	return env
}

// ErrorEnvelope encodes err as a wire error reply. Used by dispatch
// layers that reject an envelope before any scope sees it.
func ErrorEnvelope(scope, from string, err error) Envelope {
	return errorEnvelope(scope, from, errorCode(err))
}

// wireError maps an ErrorReply back onto the domain sentinels.
func wireError(code string) error {
	switch code {
	case wireErrNotAlive:
		return herd.ErrNotAlive
	case wireErrNotInGroup:
		return herd.ErrNotInGroup
	case wireErrInvalidScope:
		return herd.ErrInvalidScope
	default:
		return fmt.Errorf("peer error: %s", code)
	}
}

func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, herd.ErrNotAlive):
		return wireErrNotAlive
	case errors.Is(err, herd.ErrNotInGroup):
		return wireErrNotInGroup
	case errors.Is(err, herd.ErrInvalidScope):
		return wireErrInvalidScope
	default:
		return "internal"
	}
}
