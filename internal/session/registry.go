package session

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"go.uber.org/zap"
)

// Registry is the acceptor plus peer demultiplexer described in spec
// §4.7: one net.Listen on the configured port, matching every inbound
// connection to a configured peer's FSM by remote address and handing it
// off; unmatched connections are closed immediately.
type Registry struct {
	logger *zap.Logger
	port   uint16

	mu    sync.RWMutex
	peers map[netip.Addr]*FSM

	listener net.Listener
}

// NewRegistry creates an empty registry listening on port (default 1179).
func NewRegistry(port uint16, logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.Named("registry"),
		port:   port,
		peers:  make(map[netip.Addr]*FSM),
	}
}

// Add registers a peer's FSM under its configured remote address.
func (r *Registry) Add(f *FSM) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[f.cfg.RemoteAddr] = f
}

// Peers returns a stable snapshot of the registered FSMs, used by
// EstablishedCount and by cmd/bgpd to stop every peer on shutdown.
func (r *Registry) Peers() []*FSM {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*FSM, 0, len(r.peers))
	for _, f := range r.peers {
		out = append(out, f)
	}
	return out
}

// EstablishedCount returns how many registered peers are currently in the
// Established state, used by the HTTP readiness endpoint.
func (r *Registry) EstablishedCount() int {
	n := 0
	for _, f := range r.Peers() {
		if f.State() == Established {
			n++
		}
	}
	return n
}

// ListenAndServe opens the listening socket and runs the accept loop until
// the listener is closed.
func (r *Registry) ListenAndServe() error {
	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", r.port))
	if err != nil {
		return fmt.Errorf("session: listen on port %d: %w", r.port, err)
	}
	r.listener = ln
	r.logger.Info("accepting connections", zap.Uint16("port", r.port))

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		r.handleAccept(conn)
	}
}

func (r *Registry) handleAccept(conn net.Conn) {
	remote, ok := remoteAddrOf(conn)
	if !ok {
		r.logger.Warn("rejecting connection with unparseable remote address", zap.String("remote", conn.RemoteAddr().String()))
		_ = conn.Close()
		return
	}

	r.mu.RLock()
	f, found := r.peers[remote]
	r.mu.RUnlock()

	if !found {
		r.logger.Warn("rejecting connection from unconfigured peer", zap.Stringer("remote", remote))
		_ = conn.Close()
		return
	}
	r.logger.Info("accepted connection", zap.Stringer("remote", remote))
	f.Accept(conn)
}

// Close stops accepting new connections.
func (r *Registry) Close() error {
	if r.listener == nil {
		return nil
	}
	return r.listener.Close()
}

func remoteAddrOf(conn net.Conn) (netip.Addr, bool) {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
