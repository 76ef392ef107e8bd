package registry

import (
	"context"
	"fmt"

	"herd"
)

// Join adds m to group with meta, callable on any node. The request is
// routed to the scope task on m's owning node; on a successful remote
// reply the mutation is also applied eagerly to the local indexes so a
// subsequent local read sees it before the broadcast lands.
func (s *Scope) Join(ctx context.Context, group string, m herd.Member, meta []byte) error {
	if err := validateTarget(group, m); err != nil {
		return err
	}

	if m.Node == s.self {
		var opErr error
		if err := s.do(ctx, func() {
			_, opErr = s.localJoin(group, m, meta, s.self)
		}); err != nil {
			return err
		}
		return opErr
	}

	req := JoinRequest{Requester: s.self, Group: group, Member: m, Meta: meta}
	env, err := NewEnvelope(s.name, s.self, KindJoinOnNode, req)
	if err != nil {
		return err
	}
	reply, err := s.callOwner(ctx, m.Node, env)
	if err != nil {
		return err
	}

	var body JoinReply
	if err := reply.DecodeBody(&body); err != nil {
		return err
	}
	if body.Outcome == OutcomeNoop {
		return nil
	}
	// Eager local apply, LWW-guarded so the racing broadcast (which
	// excludes us) cannot double-fire callbacks.
	return s.do(ctx, func() {
		s.applySyncEntry(group, m, meta, body.At, herd.Normal())
	})
}

// Leave removes m from group, callable on any node.
func (s *Scope) Leave(ctx context.Context, group string, m herd.Member) error {
	if err := validateTarget(group, m); err != nil {
		return err
	}

	if m.Node == s.self {
		var opErr error
		if err := s.do(ctx, func() {
			_, opErr = s.localLeave(group, m, s.self)
		}); err != nil {
			return err
		}
		return opErr
	}

	req := LeaveRequest{Requester: s.self, Group: group, Member: m}
	env, err := NewEnvelope(s.name, s.self, KindLeaveOnNode, req)
	if err != nil {
		return err
	}
	reply, err := s.callOwner(ctx, m.Node, env)
	if err != nil {
		return err
	}

	var body LeaveReply
	if err := reply.DecodeBody(&body); err != nil {
		return err
	}
	// Eager local removal. A racing sync_leave may have won; that is a
	// clean noop with no second callback.
	return s.do(ctx, func() {
		s.applySyncLeave(group, m, herd.Normal())
	})
}

func (s *Scope) callOwner(ctx context.Context, owner string, env Envelope) (Envelope, error) {
	callCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.deps.CallTimeout)
		defer cancel()
	}
	reply, err := s.deps.Transport.Call(callCtx, owner, env)
	if err != nil {
		return Envelope{}, fmt.Errorf("route to owner %s: %w", owner, err)
	}
	if reply.Kind == KindError {
		var er ErrorReply
		if err := reply.DecodeBody(&er); err != nil {
			return Envelope{}, err
		}
		return Envelope{}, wireError(er.Code)
	}
	return reply, nil
}

func validateTarget(group string, m herd.Member) error {
	if group == "" {
		return &herd.ValidationError{Field: "group", Message: "must not be empty"}
	}
	if m.IsZero() {
		return &herd.ValidationError{Field: "member", Message: "must not be zero"}
	}
	return nil
}

// HandleMessage is the transport's entry point for incoming peer
// envelopes. RPC kinds reply synchronously; sync kinds reply with an
// empty ack once applied. Unknown kinds and version mismatches log a
// warning and leave state untouched.
func (s *Scope) HandleMessage(ctx context.Context, env Envelope) (Envelope, error) {
	if env.V != ProtocolVersion {
		s.log.Warn("dropping envelope with unknown protocol version", "version", env.V, "from", env.From)
		return errorEnvelope(s.name, s.self, wireErrBadVersion), nil
	}

	switch env.Kind {
	case KindJoinOnNode:
		var req JoinRequest
		if err := env.DecodeBody(&req); err != nil {
			return Envelope{}, err
		}
		var reply JoinReply
		var opErr error
		if err := s.do(ctx, func() {
			reply, opErr = s.localJoin(req.Group, req.Member, req.Meta, req.Requester)
		}); err != nil {
			return Envelope{}, err
		}
		if opErr != nil {
			return errorEnvelope(s.name, s.self, errorCode(opErr)), nil
		}
		return NewEnvelope(s.name, s.self, KindReply, reply)

	case KindLeaveOnNode:
		var req LeaveRequest
		if err := env.DecodeBody(&req); err != nil {
			return Envelope{}, err
		}
		var reply LeaveReply
		var opErr error
		if err := s.do(ctx, func() {
			reply, opErr = s.localLeave(req.Group, req.Member, req.Requester)
		}); err != nil {
			return Envelope{}, err
		}
		if opErr != nil {
			return errorEnvelope(s.name, s.self, errorCode(opErr)), nil
		}
		return NewEnvelope(s.name, s.self, KindReply, reply)

	case KindSyncJoin:
		var sj SyncJoin
		if err := env.DecodeBody(&sj); err != nil {
			return Envelope{}, err
		}
		err := s.do(ctx, func() {
			s.applySyncEntry(sj.Group, sj.Member, sj.Meta, sj.At, sj.Reason)
		})
		ack, ackErr := NewEnvelope(s.name, s.self, KindReply, struct{}{})
		if ackErr != nil {
			return Envelope{}, ackErr
		}
		return ack, err

	case KindSyncLeave:
		var sl SyncLeave
		if err := env.DecodeBody(&sl); err != nil {
			return Envelope{}, err
		}
		err := s.do(ctx, func() {
			s.applySyncLeave(sl.Group, sl.Member, sl.Reason)
		})
		ack, ackErr := NewEnvelope(s.name, s.self, KindReply, struct{}{})
		if ackErr != nil {
			return Envelope{}, ackErr
		}
		return ack, err

	case KindSnapshot:
		var body SnapshotExchange
		if err := env.DecodeBody(&body); err != nil {
			return Envelope{}, err
		}
		var reply SnapshotReply
		if err := s.do(ctx, func() {
			reply = s.handleSnapshotExchange(env.From, body)
		}); err != nil {
			return Envelope{}, err
		}
		return NewEnvelope(s.name, s.self, KindReply, reply)

	case KindDeliver:
		var batch DeliverBatch
		if err := env.DecodeBody(&batch); err != nil {
			return Envelope{}, err
		}
		s.deliverLocal(batch)
		return NewEnvelope(s.name, s.self, KindReply, struct{}{})

	case KindMemberCall:
		var mc MemberCall
		if err := env.DecodeBody(&mc); err != nil {
			return Envelope{}, err
		}
		if err := s.deps.Delivery.Deliver(mc.Member, mc.Message); err != nil {
			s.log.Debug("member call delivery failed", "member", mc.Member.String(), "err", err)
		}
		return NewEnvelope(s.name, s.self, KindReply, struct{}{})

	case KindMemberReply:
		var mr MemberReply
		if err := env.DecodeBody(&mr); err != nil {
			return Envelope{}, err
		}
		s.pending.resolve(mr.Token, mr.Payload)
		return NewEnvelope(s.name, s.self, KindReply, struct{}{})

	default:
		s.log.Warn("unknown message kind", "kind", env.Kind, "from", env.From)
		return errorEnvelope(s.name, s.self, wireErrUnknownKind), nil
	}
}
