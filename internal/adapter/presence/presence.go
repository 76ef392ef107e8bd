// Package presence turns memberlist's cluster membership into the
// registry's peer signal: a snapshot plus up/down events per node, and
// an address book mapping node IDs to their peer-transport endpoints.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/hashicorp/memberlist"

	"herd/internal/adapter/sqlite"
	"herd/internal/check"
	"herd/internal/logging"
	"herd/internal/registry"
)

// subscriberCapacity is 64: peer transitions are rare relative to how
// fast the scopes manager drains them.
const subscriberCapacity = 64

// Config shapes the gossip layer of one node.
type Config struct {
	Node     string   // cluster-unique node ID (memberlist name)
	BindAddr string   // gossip bind address
	BindPort int      // gossip bind port
	PeerPort int      // advertised peer-transport (gRPC) port
	Seeds    []string // gossip addresses of known members

	// Cache optionally remembers peer contacts across restarts so a
	// rejoining node has seeds beyond its static config.
	Cache *sqlite.PeerCache
}

// nodeMeta is gossiped in each member's metadata blob.
type nodeMeta struct {
	PeerPort int `json:"peer_port"`
}

// Tracker is the production Presence and AddressBook.
type Tracker struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	ml      *memberlist.Memberlist
	addrs   map[string]string // node → peer-transport address
	subs    map[uint64]chan registry.PeerEvent
	nextSub uint64
}

func New(cfg Config) *Tracker {
	check.Assert(cfg.Node != "", "presence.New: node must not be empty")
	return &Tracker{
		cfg:   cfg,
		log:   logging.Component("presence", "node", cfg.Node),
		addrs: make(map[string]string),
		subs:  make(map[uint64]chan registry.PeerEvent),
	}
}

// Start creates the memberlist and joins the seed set plus any cached
// contacts. Failing to reach any seed is not an error: a lone node
// forms a cluster of one and peers join later.
func (t *Tracker) Start() error {
	mcfg := memberlist.DefaultLANConfig()
	mcfg.Name = t.cfg.Node
	if t.cfg.BindAddr != "" {
		mcfg.BindAddr = t.cfg.BindAddr
	}
	if t.cfg.BindPort != 0 {
		mcfg.BindPort = t.cfg.BindPort
		mcfg.AdvertisePort = t.cfg.BindPort
	}
	mcfg.Delegate = &metaDelegate{meta: nodeMeta{PeerPort: t.cfg.PeerPort}}
	mcfg.Events = &eventDelegate{tracker: t}
	mcfg.LogOutput = slogWriter{log: t.log}

	ml, err := memberlist.Create(mcfg)
	if err != nil {
		return fmt.Errorf("create memberlist: %w", err)
	}
	t.mu.Lock()
	t.ml = ml
	t.mu.Unlock()

	seeds := append([]string(nil), t.cfg.Seeds...)
	if t.cfg.Cache != nil {
		cached, err := t.cfg.Cache.Contacts()
		if err != nil {
			t.log.Warn("peer cache unreadable", "err", err)
		} else {
			for _, c := range cached {
				seeds = append(seeds, c.Gossip)
			}
		}
	}
	if len(seeds) > 0 {
		n, err := ml.Join(seeds)
		if err != nil && n == 0 {
			t.log.Warn("no seeds reachable, starting alone", "seeds", len(seeds), "err", err)
		} else {
			t.log.Info("joined cluster", "contacted", n)
		}
	}
	return nil
}

// Stop leaves the cluster gracefully.
func (t *Tracker) Stop() error {
	t.mu.Lock()
	ml := t.ml
	t.mu.Unlock()
	if ml == nil {
		return nil
	}
	if err := ml.Leave(memberlistLeaveTimeout); err != nil {
		t.log.Warn("gossip leave failed", "err", err)
	}
	return ml.Shutdown()
}

// Subscribe implements scopes.Presence.
func (t *Tracker) Subscribe(ctx context.Context) ([]string, <-chan registry.PeerEvent, error) {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	ch := make(chan registry.PeerEvent, subscriberCapacity)
	t.subs[id] = ch
	snapshot := make([]string, 0, len(t.addrs))
	for node := range t.addrs {
		snapshot = append(snapshot, node)
	}
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
		close(ch)
	}()
	return snapshot, ch, nil
}

// Peers implements grpcpeer.AddressBook.
func (t *Tracker) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.addrs))
	for node := range t.addrs {
		out = append(out, node)
	}
	return out
}

// AddrOf implements grpcpeer.AddressBook.
func (t *Tracker) AddrOf(node string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr, ok := t.addrs[node]
	return addr, ok
}

func (t *Tracker) notify(node *memberlist.Node, up bool) {
	if node.Name == t.cfg.Node {
		return
	}

	t.mu.Lock()
	if up {
		addr := peerAddr(node)
		t.addrs[node.Name] = addr
	} else {
		delete(t.addrs, node.Name)
	}
	subs := make([]chan registry.PeerEvent, 0, len(t.subs))
	for _, ch := range t.subs {
		subs = append(subs, ch)
	}
	t.mu.Unlock()

	if up && t.cfg.Cache != nil {
		gossip := net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port)))
		if err := t.cfg.Cache.Remember(node.Name, gossip); err != nil {
			t.log.Debug("peer cache write failed", "peer", node.Name, "err", err)
		}
	}

	ev := registry.PeerEvent{Node: node.Name, Up: up}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			t.log.Warn("presence subscriber lagging, event dropped", "peer", node.Name)
		}
	}
}

// peerAddr derives the peer-transport endpoint from the gossiped
// address and the advertised port in the node's metadata.
func peerAddr(node *memberlist.Node) string {
	port := 0
	var meta nodeMeta
	if len(node.Meta) > 0 && json.Unmarshal(node.Meta, &meta) == nil {
		port = meta.PeerPort
	}
	if port == 0 {
		port = int(node.Port)
	}
	return net.JoinHostPort(node.Addr.String(), strconv.Itoa(port))
}

// eventDelegate feeds memberlist transitions into the tracker.
type eventDelegate struct {
	tracker *Tracker
}

func (d *eventDelegate) NotifyJoin(node *memberlist.Node)   { d.tracker.notify(node, true) }
func (d *eventDelegate) NotifyLeave(node *memberlist.Node)  { d.tracker.notify(node, false) }
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) { d.tracker.notify(node, true) }

// metaDelegate advertises the peer-transport port; the remaining
// delegate hooks are unused (state replication is the registry's job,
// not the gossip layer's).
type metaDelegate struct {
	meta nodeMeta
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	data, err := json.Marshal(d.meta)
	if err != nil || len(data) > limit {
		return nil
	}
	return data
}

func (d *metaDelegate) NotifyMsg([]byte)                {}
func (d *metaDelegate) GetBroadcasts(int, int) [][]byte { return nil }
func (d *metaDelegate) LocalState(bool) []byte          { return nil }
func (d *metaDelegate) MergeRemoteState([]byte, bool)   {}
