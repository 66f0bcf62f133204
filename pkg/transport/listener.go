package transport

import (
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/appnet-org/rudp/pkg/logging"
)

// Listener owns a UDP socket and demultiplexes inbound datagrams onto
// per-peer connections. It exclusively owns the connection mapping: a
// connection is installed on the first datagram from an unknown remote and
// removed only when it reaches the terminal state.
type Listener struct {
	cfg    *Config
	conn   *net.UDPConn
	timers *TimerManager

	mu      sync.Mutex
	conns   map[string]*Connection
	newConn NewConnectionHandler
	closed  bool

	group errgroup.Group
}

// Listen binds a UDP socket on address ("host:port", ":0" for ephemeral).
// The listener does not read until Start is called.
func Listen(address string, cfg *Config) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Listener{
		cfg:    cfg.withDefaults(),
		conn:   conn,
		timers: NewTimerManager(),
		conns:  make(map[string]*Connection),
	}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// OnNewConnection installs the handshake handler consulted for the first
// Hello of every server-side connection. Set it before Start.
func (l *Listener) OnNewConnection(h NewConnectionHandler) {
	l.mu.Lock()
	l.newConn = h
	l.mu.Unlock()
}

// Start launches the socket read loop.
func (l *Listener) Start() {
	l.group.Go(l.readLoop)
	logging.Info("listener started", zap.String("addr", l.Addr().String()))
}

// readLoop reads datagrams and feeds each connection's inbound pipeline.
func (l *Listener) readLoop() error {
	buf := make([]byte, l.cfg.MaxPacketSize)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if l.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logging.Warn("socket read failed", zap.Error(err))
			continue
		}
		if n == 0 {
			continue
		}

		c, err := l.connectionFor(addr)
		if err != nil {
			continue
		}

		// The connection's pipeline owns the segment; it returns the
		// buffer to the pool after dispatch.
		seg := l.cfg.Pool.GetSize(n)
		copy(seg, buf[:n])
		if !c.deliver(seg) {
			l.cfg.Pool.Put(seg)
		}
	}
}

// connectionFor returns the connection for addr, creating a server-side
// one in Connecting state on first contact.
func (l *Listener) connectionFor(addr *net.UDPAddr) (*Connection, error) {
	key := addr.String()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := l.conns[key]; ok {
		l.mu.Unlock()
		return c, nil
	}

	c := newConnection(l, addr, l.cfg, l.timers, true)
	c.state = StateConnecting
	c.newConn = l.newConn
	l.conns[key] = c
	l.mu.Unlock()

	logging.Debug("new inbound peer",
		zap.String("conn", c.id.String()),
		zap.String("remote", key))
	c.start()
	return c, nil
}

// Connections returns a snapshot of the live connections.
func (l *Listener) Connections() []*Connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Connection, 0, len(l.conns))
	for _, c := range l.conns {
		out = append(out, c)
	}
	return out
}

// sendTo writes one datagram to a peer. Part of the connectionOwner seam.
func (l *Listener) sendTo(addr *net.UDPAddr, b []byte) error {
	if l.isClosed() {
		return ErrClosed
	}
	_, err := l.conn.WriteToUDP(b, addr)
	return err
}

// removeConnection drops a terminal connection from the mapping. Part of
// the connectionOwner seam; only connections in teardown call it.
func (l *Listener) removeConnection(addr *net.UDPAddr) {
	l.mu.Lock()
	delete(l.conns, addr.String())
	l.mu.Unlock()
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Stop closes the socket, tears down every connection, and joins the read
// loop. Calls after the first are no-ops that return nil.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := make([]*Connection, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	addr := l.conn.LocalAddr().String()
	err := l.conn.Close()
	for _, c := range conns {
		c.Stop()
	}
	if werr := l.group.Wait(); werr != nil && err == nil {
		err = werr
	}
	l.timers.Stop()
	logging.Info("listener stopped", zap.String("addr", addr))
	return err
}
