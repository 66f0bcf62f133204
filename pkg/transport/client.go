package transport

import (
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/appnet-org/rudp/pkg/logging"
)

// Client is the degenerate single-connection endpoint: its own ephemeral
// UDP socket, one outbound connection, and a read loop that accepts
// datagrams only from the dialed remote.
type Client struct {
	cfg    *Config
	conn   *net.UDPConn
	remote *net.UDPAddr
	timers *TimerManager

	c *Connection

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Dial binds an ephemeral local socket pointed at remote ("host:port").
// The returned client is not connected until Connect succeeds.
func Dial(remote string, cfg *Config) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, err
	}

	cl := &Client{
		cfg:    cfg.withDefaults(),
		conn:   conn,
		remote: raddr,
		timers: NewTimerManager(),
	}
	cl.c = newConnection(cl, raddr, cl.cfg, cl.timers, false)

	cl.wg.Add(1)
	go cl.readLoop()
	return cl, nil
}

// Connection returns the client's single connection for handler
// registration and sending.
func (cl *Client) Connection() *Connection { return cl.c }

// Connect performs the handshake with the dialed remote, blocking until
// Connected or failure.
func (cl *Client) Connect(payload []byte) error {
	return cl.c.Connect(payload)
}

// readLoop feeds the connection's pipeline with datagrams from the dialed
// remote; anything from another source is dropped.
func (cl *Client) readLoop() {
	defer cl.wg.Done()

	buf := make([]byte, cl.cfg.MaxPacketSize)
	for {
		n, addr, err := cl.conn.ReadFromUDP(buf)
		if err != nil {
			if cl.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Warn("socket read failed", zap.Error(err))
			continue
		}
		if n == 0 || !addr.IP.Equal(cl.remote.IP) || addr.Port != cl.remote.Port {
			continue
		}

		seg := cl.cfg.Pool.GetSize(n)
		copy(seg, buf[:n])
		if !cl.c.deliver(seg) {
			cl.cfg.Pool.Put(seg)
		}
	}
}

// sendTo writes one datagram to the dialed remote. Part of the
// connectionOwner seam.
func (cl *Client) sendTo(addr *net.UDPAddr, b []byte) error {
	if cl.isClosed() {
		return ErrClosed
	}
	_, err := cl.conn.WriteToUDP(b, addr)
	return err
}

// removeConnection is the connection's terminal-state callback; for a
// client there is no mapping to clean, only the socket to release.
func (cl *Client) removeConnection(*net.UDPAddr) {}

func (cl *Client) isClosed() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.closed
}

// Close disconnects (best effort) and releases the socket and timers.
func (cl *Client) Close() error {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return nil
	}
	cl.mu.Unlock()

	// Send the best-effort Disconnect before the socket goes away.
	if cl.c.State() == StateConnected {
		_ = cl.c.Disconnect(nil)
	} else {
		cl.c.Stop()
	}

	cl.mu.Lock()
	cl.closed = true
	cl.mu.Unlock()

	err := cl.conn.Close()
	cl.wg.Wait()
	cl.timers.Stop()
	return err
}
