package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/appnet-org/rudp/pkg/logging"
	"github.com/appnet-org/rudp/pkg/message"
	"github.com/appnet-org/rudp/pkg/stats"
)

// State is the connection lifecycle state. NotConnected is terminal once
// a connection has left it: there are no reconnects on the same instance.
type State int32

const (
	StateNotConnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateNotConnected:
		return "NotConnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// DataHandler receives application payloads. The payload slice is only
// valid for the duration of the call; handlers must not block.
type DataHandler func(payload []byte, option message.SendOption)

// DisconnectHandler receives the terminal teardown reason. It is invoked
// exactly once for a connection that left NotConnected, and never for one
// that did not.
type DisconnectHandler func(reason []byte)

// NewConnectionHandler decides whether to accept a handshake. It receives
// the Hello payload and the new connection; returning false rejects it.
type NewConnectionHandler func(payload []byte, c *Connection) bool

// connectionOwner is the non-owning handle a connection keeps to its
// listener or client endpoint: enough to write to the socket and request
// self-removal, nothing more.
type connectionOwner interface {
	sendTo(addr *net.UDPAddr, b []byte) error
	removeConnection(addr *net.UDPAddr)
}

// Connection is one logical peer multiplexed over the owning endpoint's
// UDP socket. All inbound processing happens on the connection's own
// goroutine, fed by the listener through the inbound pipe; handlers run on
// that goroutine, except the disconnect handler for timer-driven teardowns
// (on a timer goroutine) and for teardowns started by Disconnect, Stop or a
// failed send (on the calling goroutine).
type Connection struct {
	id     uuid.UUID
	remote *net.UDPAddr
	owner  connectionOwner
	cfg    *Config
	sink   stats.Sink
	timers timerScheduler
	now    func() time.Time
	server bool

	reliable *reliableChannel

	mu                sync.Mutex
	state             State
	lastSend          time.Time
	lastReceive       time.Time
	keepAliveInterval time.Duration
	helloSeen         bool
	closeReason       string
	connectCh         chan struct{}

	onData       DataHandler
	onDisconnect DisconnectHandler
	newConn      NewConnectionHandler

	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once
	runOnce   sync.Once
}

func newConnection(owner connectionOwner, remote *net.UDPAddr, cfg *Config, timers timerScheduler, server bool) *Connection {
	c := &Connection{
		id:                uuid.New(),
		remote:            remote,
		owner:             owner,
		cfg:               cfg,
		sink:              cfg.Stats,
		timers:            timers,
		now:               time.Now,
		server:            server,
		state:             StateNotConnected,
		keepAliveInterval: cfg.KeepAliveInterval,
		inbound:           make(chan []byte, cfg.InboundQueueLength),
		done:              make(chan struct{}),
	}
	c.reliable = newReliableChannel(cfg, c.transmit, c.fail, c.observeRTT)
	return c
}

// ID returns the connection's trace id.
func (c *Connection) ID() uuid.UUID { return c.id }

// RemoteAddr returns the peer endpoint.
func (c *Connection) RemoteAddr() *net.UDPAddr { return c.remote }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RTT returns the smoothed round-trip estimate, zero before any sample.
func (c *Connection) RTT() time.Duration { return c.reliable.rtt() }

// OnData installs the application payload handler.
func (c *Connection) OnData(h DataHandler) {
	c.mu.Lock()
	c.onData = h
	c.mu.Unlock()
}

// OnDisconnect installs the terminal teardown handler.
func (c *Connection) OnDisconnect(h DisconnectHandler) {
	c.mu.Lock()
	c.onDisconnect = h
	c.mu.Unlock()
}

func (c *Connection) resendTimerKey() TimerKey {
	return TimerKey(c.id.String() + "/resend")
}

func (c *Connection) keepAliveTimerKey() TimerKey {
	return TimerKey(c.id.String() + "/keepalive")
}

// start launches the inbound processing goroutine and the resend sweep.
// Idempotent; called by the listener on first contact and by Connect on
// the client side.
func (c *Connection) start() {
	c.runOnce.Do(func() {
		c.timers.SchedulePeriodic(c.resendTimerKey(), c.cfg.resendSweepInterval(), c.reliable.sweep)
		go c.run()
	})
}

// run drains the inbound pipe until teardown. Each datagram is processed
// to completion before the next, which is what serializes all state
// mutation and gives the in-receive-order ack and delivery guarantees.
func (c *Connection) run() {
	for {
		select {
		case seg := <-c.inbound:
			c.handleDatagram(seg)
		case <-c.done:
			return
		}
	}
}

// deliver hands one whole datagram to the connection's pipeline. Called
// only by the owning endpoint's read loop. Returns false when the datagram
// was dropped (pipe full or connection torn down).
func (c *Connection) deliver(seg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.inbound <- seg:
		return true
	default:
		c.sink.Count(stats.InboundDropped, 1)
		return false
	}
}

// Connect performs the client side of the handshake: it sends Hello with
// the given payload through the reliable channel and blocks until the
// peer acknowledges or the retry limit kills the attempt.
func (c *Connection) Connect(payload []byte) error {
	c.mu.Lock()
	if c.state != StateNotConnected || c.connectCh != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: connect on %s connection", ErrConnectFailed, c.state)
	}
	c.state = StateConnecting
	connected := make(chan struct{})
	c.connectCh = connected
	c.mu.Unlock()

	c.start()

	_, err := c.reliable.send(message.SendHello, payload, func() {
		c.markConnected()
		close(connected)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	select {
	case <-connected:
		return nil
	case <-c.done:
		c.mu.Lock()
		reason := c.closeReason
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConnectFailed, reason)
	}
}

// markConnected moves Connecting -> Connected and arms the keep-alive.
func (c *Connection) markConnected() {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	interval := c.keepAliveInterval
	c.mu.Unlock()

	c.sink.Count(stats.ConnectionsOpened, 1)
	c.timers.SchedulePeriodic(c.keepAliveTimerKey(), interval, c.keepAliveTick)
	logging.Info("connection established",
		zap.String("conn", c.id.String()),
		zap.String("remote", c.remote.String()))
}

// Send transmits a framed message built with a message.Writer. Reliable
// options are registered with the reliable channel, which assigns the
// message id; SendNone goes straight to the socket.
func (c *Connection) Send(w *message.Writer) error {
	return c.SendBytes(w.Payload(), w.Option())
}

// SendBytes wraps payload in a minimal frame and transmits it. Only
// SendNone and SendReliable are application send options; control options
// belong to the transport.
func (c *Connection) SendBytes(payload []byte, option message.SendOption) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	switch option {
	case message.SendNone:
		buf := c.cfg.Pool.GetSize(1 + len(payload))
		buf[0] = byte(message.SendNone)
		copy(buf[1:], payload)
		err := c.transmit(buf)
		c.cfg.Pool.Put(buf)
		return err
	case message.SendReliable:
		_, err := c.reliable.send(option, payload, nil)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrInvalidOption, option)
	}
}

// SendReliable transmits payload with at-least-once delivery and invokes
// ackFn once when the peer acknowledges it.
func (c *Connection) SendReliable(payload []byte, ackFn func()) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	_, err := c.reliable.send(message.SendReliable, payload, ackFn)
	return err
}

// Disconnect sends a best-effort Disconnect datagram with the given
// reason and tears the connection down locally.
func (c *Connection) Disconnect(reason []byte) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		if c.State() == StateNotConnected {
			return nil
		}
		return ErrNotConnected
	}
	c.state = StateDisconnecting
	c.mu.Unlock()

	buf := c.cfg.Pool.GetSize(1 + len(reason))
	buf[0] = byte(message.SendDisconnect)
	copy(buf[1:], reason)
	// Best effort: the peer may already be gone.
	_ = c.owner.sendTo(c.remote, buf)
	c.cfg.Pool.Put(buf)

	c.teardown(string(reason))
	return nil
}

// Stop tears the connection down without notifying the peer. A Stop on an
// already-stopped connection is a no-op.
func (c *Connection) Stop() {
	c.teardown(reasonStopped)
}

// handleDatagram classifies one inbound datagram by its send-option byte
// and dispatches it: ack generation, duplicate suppression, application
// delivery, and control handling.
func (c *Connection) handleDatagram(data []byte) {
	defer c.cfg.Pool.Put(data)

	if len(data) == 0 {
		return
	}
	c.mu.Lock()
	c.lastReceive = c.now()
	c.mu.Unlock()
	c.sink.Count(stats.DatagramsReceived, 1)
	c.sink.Count(stats.BytesReceived, uint64(len(data)))

	option := message.SendOption(data[0])
	switch option {
	case message.SendNone, message.SendFragment:
		// Fragment is reserved and handled as None until implemented.
		c.deliverData(data[1:], message.SendNone)

	case message.SendReliable:
		id, ok := reliableID(data)
		if !ok {
			return
		}
		c.sendAck(id)
		if !c.reliable.noteReceived(id) {
			c.deliverData(data[3:], option)
		}

	case message.SendHello:
		id, ok := reliableID(data)
		if !ok {
			return
		}
		c.sendAck(id)
		if !c.reliable.noteReceived(id) {
			c.handleHello(data[3:])
		}

	case message.SendPing:
		id, ok := reliableID(data)
		if !ok {
			return
		}
		c.sendAck(id)
		c.reliable.noteReceived(id)

	case message.SendAck:
		id, ok := reliableID(data)
		if !ok {
			return
		}
		c.reliable.processAck(id)

	case message.SendDisconnect:
		c.teardown(string(data[1:]))

	default:
		logging.Debug("dropping datagram with unknown send option",
			zap.String("conn", c.id.String()),
			zap.Uint8("option", byte(option)))
	}
}

// reliableID extracts the big-endian message id that follows the send
// option on reliable-class datagrams.
func reliableID(data []byte) (uint16, bool) {
	if len(data) < 3 {
		return 0, false
	}
	return binary.BigEndian.Uint16(data[1:3]), true
}

// handleHello runs the server side of the handshake for the first
// non-duplicate Hello on this connection.
func (c *Connection) handleHello(payload []byte) {
	c.mu.Lock()
	if !c.server || c.helloSeen || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.helloSeen = true
	handler := c.newConn
	c.mu.Unlock()

	accept := true
	if handler != nil {
		accept = handler(payload, c)
	}
	if !accept {
		buf := c.cfg.Pool.GetSize(1)
		buf[0] = byte(message.SendDisconnect)
		_ = c.owner.sendTo(c.remote, buf)
		c.cfg.Pool.Put(buf)
		c.teardown(reasonRejected)
		return
	}

	c.mu.Lock()
	c.state = StateConnected
	interval := c.keepAliveInterval
	c.mu.Unlock()

	c.sink.Count(stats.ConnectionsOpened, 1)
	c.timers.SchedulePeriodic(c.keepAliveTimerKey(), interval, c.keepAliveTick)
	logging.Info("connection accepted",
		zap.String("conn", c.id.String()),
		zap.String("remote", c.remote.String()))
}

// deliverData hands an application payload to the data handler when the
// connection is in a deliverable state.
func (c *Connection) deliverData(payload []byte, option message.SendOption) {
	c.mu.Lock()
	handler := c.onData
	deliverable := c.state == StateConnected
	c.mu.Unlock()
	if !deliverable || handler == nil {
		return
	}
	handler(payload, option)
}

// sendAck acknowledges one reliable message id immediately. Acks go out in
// the order reliable datagrams are processed.
func (c *Connection) sendAck(id uint16) {
	buf := c.cfg.Pool.GetSize(3)
	buf[0] = byte(message.SendAck)
	binary.BigEndian.PutUint16(buf[1:3], id)
	err := c.transmit(buf)
	c.cfg.Pool.Put(buf)
	if err == nil {
		c.sink.Count(stats.AcksSent, 1)
	}
}

// transmit writes one datagram to the peer through the owning endpoint. A
// socket failure is terminal for the connection.
func (c *Connection) transmit(b []byte) error {
	err := c.owner.sendTo(c.remote, b)
	if err != nil {
		logging.Error("socket write failed",
			zap.String("conn", c.id.String()),
			zap.String("remote", c.remote.String()),
			zap.Error(err))
		c.fail(reasonTransport)
		return err
	}
	c.mu.Lock()
	c.lastSend = c.now()
	c.mu.Unlock()
	c.sink.Count(stats.DatagramsSent, 1)
	c.sink.Count(stats.BytesSent, uint64(len(b)))
	return nil
}

// keepAliveTick emits a reliable Ping when the link has been idle for a
// full keep-alive interval. A Ping that exhausts its retries kills the
// connection through the reliable channel's failure path.
func (c *Connection) keepAliveTick() {
	c.mu.Lock()
	idle := c.now().Sub(c.lastSend)
	interval := c.keepAliveInterval
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || idle < interval {
		return
	}
	c.sink.Count(stats.PingsSent, 1)
	_, _ = c.reliable.send(message.SendPing, nil, nil)
}

// observeRTT adapts the keep-alive cadence to the measured path:
// 3 times the smoothed estimate, clamped to the configured range.
func (c *Connection) observeRTT(rtt time.Duration) {
	interval := 3 * rtt
	if interval < c.cfg.KeepAliveIntervalMin {
		interval = c.cfg.KeepAliveIntervalMin
	}
	if interval > c.cfg.KeepAliveIntervalMax {
		interval = c.cfg.KeepAliveIntervalMax
	}

	c.mu.Lock()
	if interval == c.keepAliveInterval || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.keepAliveInterval = interval
	c.mu.Unlock()

	c.timers.SchedulePeriodic(c.keepAliveTimerKey(), interval, c.keepAliveTick)
}

// fail tears the connection down with the given reason. Used by the
// reliable channel on retry exhaustion and by transmit on socket errors.
func (c *Connection) fail(reason string) {
	c.teardown(reason)
}

// teardown is the single path into the terminal state. It fires the
// Disconnected handler exactly once, releases the reliable tables, stops
// the connection's timers, and asks the owner to drop the mapping.
func (c *Connection) teardown(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		prev := c.state
		c.state = StateNotConnected
		c.closeReason = reason
		handler := c.onDisconnect
		c.mu.Unlock()

		close(c.done)
		c.timers.StopTimer(c.resendTimerKey())
		c.timers.StopTimer(c.keepAliveTimerKey())
		c.reliable.teardown()
		c.owner.removeConnection(c.remote)
		c.sink.Count(stats.ConnectionsClosed, 1)

		logging.Info("connection closed",
			zap.String("conn", c.id.String()),
			zap.String("remote", c.remote.String()),
			zap.String("from", prev.String()),
			zap.String("reason", reason))

		// A connection that never left NotConnected made no transition, so
		// there is no Disconnected event to emit.
		if handler != nil && prev != StateNotConnected {
			handler([]byte(reason))
		}
	})
}
