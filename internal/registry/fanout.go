package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"herd"
)

// Publish delivers payload to every member of group, fire-and-forget,
// and returns the snapshot size. Delivery order across members is
// unspecified; per-member delivery is best-effort.
func (s *Scope) Publish(group string, payload []byte) (int, error) {
	return s.publish(s.store.MembersOf(group), group, payload)
}

// LocalPublish is Publish restricted to members owned by this node.
func (s *Scope) LocalPublish(group string, payload []byte) (int, error) {
	return s.publish(s.store.LocalMembersOf(group, s.self), group, payload)
}

func (s *Scope) publish(snapshot []herd.MemberInfo, group string, payload []byte) (int, error) {
	msg := herd.Message{Scope: s.name, Group: group, Payload: payload}

	byNode := make(map[string][]herd.Member)
	for _, mi := range snapshot {
		byNode[mi.Member.Node] = append(byNode[mi.Member.Node], mi.Member)
	}
	for node, members := range byNode {
		if node == s.self {
			for _, m := range members {
				if err := s.deps.Delivery.Deliver(m, msg); err != nil {
					s.log.Debug("publish delivery failed", "member", m.String(), "err", err)
				}
			}
			continue
		}
		env, err := NewEnvelope(s.name, s.self, KindDeliver, DeliverBatch{Members: members, Message: msg})
		if err != nil {
			return 0, err
		}
		if err := s.deps.Transport.Send(node, env); err != nil {
			s.log.Debug("publish send failed", "node", node, "err", err)
		}
	}
	return len(snapshot), nil
}

// MultiCall scatters payload to every member of group and gathers
// replies for at most timeout. Each target gets its own worker so one
// slow or dead member cannot block the rest; total wall time is bounded
// by timeout regardless of group size.
func (s *Scope) MultiCall(ctx context.Context, group string, payload []byte, timeout time.Duration) ([]herd.CallReply, []herd.MemberInfo, error) {
	snapshot := s.store.MembersOf(group)
	if len(snapshot) == 0 {
		return nil, nil, nil
	}

	type outcome struct {
		info  herd.MemberInfo
		reply []byte
		ok    bool
	}
	results := make(chan outcome, len(snapshot))

	var wg sync.WaitGroup
	for _, mi := range snapshot {
		wg.Add(1)
		go func(mi herd.MemberInfo) {
			defer wg.Done()
			reply, ok := s.callMember(ctx, group, mi.Member, payload, timeout)
			results <- outcome{info: mi, reply: reply, ok: ok}
		}(mi)
	}
	wg.Wait()
	close(results)

	var replies []herd.CallReply
	var bad []herd.MemberInfo
	for out := range results {
		if out.ok {
			replies = append(replies, herd.CallReply{Member: out.info.Member, Meta: out.info.Meta, Reply: out.reply})
		} else {
			bad = append(bad, out.info)
		}
	}
	return replies, bad, nil
}

// callMember runs one scatter/gather worker: deliver the call, then
// wait for the correlated reply, the target's death, or the timeout.
// Death subscription is node-local; remote targets fall back to the
// timeout.
func (s *Scope) callMember(ctx context.Context, group string, m herd.Member, payload []byte, timeout time.Duration) ([]byte, bool) {
	token := uuid.NewString()
	replyCh := s.pending.register(token)
	defer s.pending.drop(token)

	msg := herd.Message{
		Scope:   s.name,
		Group:   group,
		Payload: payload,
		ReplyTo: &herd.ReplyAddr{Node: s.self, Token: token},
	}

	var deathCh chan Death
	if m.Node == s.self {
		deathCh = make(chan Death, 1)
		ref, err := s.deps.Liveness.Monitor(m, deathCh)
		if err != nil {
			return nil, false
		}
		defer s.deps.Liveness.Demonitor(ref)
		if err := s.deps.Delivery.Deliver(m, msg); err != nil {
			return nil, false
		}
	} else {
		env, err := NewEnvelope(s.name, s.self, KindMemberCall, MemberCall{Member: m, Message: msg})
		if err != nil {
			return nil, false
		}
		if err := s.deps.Transport.Send(m.Node, env); err != nil {
			return nil, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case answer := <-replyCh:
		return answer, true
	case <-deathCh:
		return nil, false
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Reply answers a synchronous group call. Member tasks call this with
// the ReplyTo address carried in their inbox message.
func (s *Scope) Reply(to herd.ReplyAddr, payload []byte) error {
	if to.Node == s.self {
		s.pending.resolve(to.Token, payload)
		return nil
	}
	env, err := NewEnvelope(s.name, s.self, KindMemberReply, MemberReply{Token: to.Token, Payload: payload})
	if err != nil {
		return err
	}
	return s.deps.Transport.Send(to.Node, env)
}

// deliverLocal fans a replicated publish batch into local inboxes.
func (s *Scope) deliverLocal(batch DeliverBatch) {
	for _, m := range batch.Members {
		if err := s.deps.Delivery.Deliver(m, batch.Message); err != nil {
			s.log.Debug("deliver failed", "member", m.String(), "err", err)
		}
	}
}

// replyTable correlates in-flight call tokens with waiting workers.
type replyTable struct {
	mu   sync.Mutex
	wait map[string]chan []byte
}

func newReplyTable() *replyTable {
	return &replyTable{wait: make(map[string]chan []byte)}
}

func (t *replyTable) register(token string) <-chan []byte {
	ch := make(chan []byte, 1)
	t.mu.Lock()
	t.wait[token] = ch
	t.mu.Unlock()
	return ch
}

func (t *replyTable) drop(token string) {
	t.mu.Lock()
	delete(t.wait, token)
	t.mu.Unlock()
}

// resolve hands the payload to the waiting worker. Late or duplicate
// replies are dropped.
func (t *replyTable) resolve(token string, payload []byte) {
	t.mu.Lock()
	ch, ok := t.wait[token]
	if ok {
		delete(t.wait, token)
	}
	t.mu.Unlock()
	if ok {
		ch <- payload
	}
}
