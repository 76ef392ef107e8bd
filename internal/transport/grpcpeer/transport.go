// Package grpcpeer carries registry envelopes between nodes over gRPC.
// The service surface is two unary methods, Call and Send, registered
// by hand with a JSON codec: peer payloads are versioned JSON
// envelopes, not protobuf.
package grpcpeer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"herd/internal/check"
	"herd/internal/logging"
	"herd/internal/registry"
)

const (
	// sendTimeout bounds a fire-and-forget delivery attempt. Short: a
	// peer that cannot accept within this is treated as partitioned and
	// the message is dropped, per the best-effort contract.
	sendTimeout = 3 * time.Second
	serviceName = "herd.v1.Peer"
	callMethod  = "/herd.v1.Peer/Call"
	sendMethod  = "/herd.v1.Peer/Send"
)

// AddressBook resolves node IDs to dialable addresses and reports which
// peers are currently up.
// Production: adapter/presence.Tracker
type AddressBook interface {
	Peers() []string
	AddrOf(node string) (string, bool)
}

// Handler processes one inbound envelope and produces the reply.
type Handler func(ctx context.Context, env registry.Envelope) (registry.Envelope, error)

// Transport implements the registry transport port (plus inbound
// dispatch) over gRPC.
type Transport struct {
	self  string
	book  AddressBook
	log   *slog.Logger
	srv   *grpc.Server
	sends sync.WaitGroup

	mu      sync.Mutex
	handler Handler
	conns   map[string]*grpc.ClientConn
}

var _ registry.Transport = (*Transport)(nil)

// New builds a transport for the local node.
func New(self string, book AddressBook) *Transport {
	check.Assert(self != "", "grpcpeer.New: self must not be empty")
	check.Assert(book != nil, "grpcpeer.New: address book must not be nil")
	return &Transport{
		self:  self,
		book:  book,
		log:   logging.Component("grpcpeer", "node", self),
		conns: make(map[string]*grpc.ClientConn),
	}
}

// Handle registers the inbound dispatch function. Must be called before
// ListenAndServe.
func (t *Transport) Handle(fn func(ctx context.Context, env registry.Envelope) (registry.Envelope, error)) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

// ListenAndServe serves the peer service on addr until ctx is
// cancelled.
func (t *Transport) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	srv.RegisterService(&peerServiceDesc, t)
	t.srv = srv

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	t.log.Info("peer transport listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil {
		return fmt.Errorf("serve peers: %w", err)
	}
	t.sends.Wait()
	t.closeConns()
	return nil
}

// Call implements registry.Transport.
func (t *Transport) Call(ctx context.Context, node string, env registry.Envelope) (registry.Envelope, error) {
	conn, err := t.connTo(node)
	if err != nil {
		return registry.Envelope{}, err
	}
	var reply registry.Envelope
	if err := conn.Invoke(ctx, callMethod, &env, &reply, grpc.ForceCodec(jsonCodec{})); err != nil {
		return registry.Envelope{}, fmt.Errorf("call %s: %w", node, err)
	}
	return reply, nil
}

// Send implements registry.Transport: fire-and-forget, no ack. The
// attempt runs off the caller's goroutine so the scope task never
// blocks on a slow peer.
func (t *Transport) Send(node string, env registry.Envelope) error {
	conn, err := t.connTo(node)
	if err != nil {
		return err
	}
	t.sends.Add(1)
	go func() {
		defer t.sends.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		var reply registry.Envelope
		if err := conn.Invoke(ctx, sendMethod, &env, &reply, grpc.ForceCodec(jsonCodec{})); err != nil {
			t.log.Debug("send dropped", "node", node, "kind", env.Kind, "err", err)
		}
	}()
	return nil
}

// Broadcast implements registry.Transport: best-effort fan-out to every
// up peer minus except.
func (t *Transport) Broadcast(env registry.Envelope, except ...string) error {
	skip := make(map[string]bool, len(except)+1)
	skip[t.self] = true
	for _, e := range except {
		skip[e] = true
	}
	for _, node := range t.book.Peers() {
		if skip[node] {
			continue
		}
		if err := t.Send(node, env); err != nil {
			t.log.Debug("broadcast send failed", "node", node, "err", err)
		}
	}
	return nil
}

// Peers implements registry.Transport.
func (t *Transport) Peers() []string {
	return t.book.Peers()
}

func (t *Transport) connTo(node string) (*grpc.ClientConn, error) {
	addr, ok := t.book.AddrOf(node)
	if !ok {
		return nil, fmt.Errorf("node %s: no known address", node)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[node]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s (%s): %w", node, addr, err)
	}
	t.conns[node] = conn
	return conn, nil
}

func (t *Transport) closeConns() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for node, conn := range t.conns {
		_ = conn.Close()
		delete(t.conns, node)
	}
}

// DropConn discards the cached client connection of a departed peer.
func (t *Transport) DropConn(node string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[node]; ok {
		_ = conn.Close()
		delete(t.conns, node)
	}
}

func (t *Transport) dispatch(ctx context.Context, env *registry.Envelope) (*registry.Envelope, error) {
	t.mu.Lock()
	fn := t.handler
	t.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("no inbound handler registered")
	}
	reply, err := fn(ctx, *env)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// peerServiceDesc is the hand-registered service descriptor; there is
// no proto file behind the peer surface.
var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*peerService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: peerCallHandler},
		{MethodName: "Send", Handler: peerSendHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "herd/internal/transport/grpcpeer",
}

type peerService interface {
	dispatch(ctx context.Context, env *registry.Envelope) (*registry.Envelope, error)
}

func peerCallHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(registry.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerService).dispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(peerService).dispatch(ctx, req.(*registry.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

func peerSendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return peerCallHandler(srv, ctx, dec, interceptor)
}
