package transport

import (
	"net"
	"sync"
	"time"

	"github.com/appnet-org/rudp/pkg/message"
)

// ==================== Mock Clock ====================

// mockClock allows controlling time in tests.
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ==================== Mock Timer Scheduler ====================

// mockTimers simulates the timer scheduler without real delays. Timers
// fire when TriggerTimers observes the mock clock has passed their
// deadline.
type mockTimers struct {
	mu     sync.Mutex
	clock  *mockClock
	timers map[TimerKey]*mockTimer
}

type mockTimer struct {
	callback TimerCallback
	interval time.Duration
	periodic bool
	nextFire time.Time
}

func newMockTimers(clock *mockClock) *mockTimers {
	return &mockTimers{clock: clock, timers: make(map[TimerKey]*mockTimer)}
}

func (m *mockTimers) Schedule(id TimerKey, d time.Duration, cb TimerCallback) {
	m.mu.Lock()
	m.timers[id] = &mockTimer{callback: cb, interval: d, nextFire: m.clock.Now().Add(d)}
	m.mu.Unlock()
}

func (m *mockTimers) SchedulePeriodic(id TimerKey, interval time.Duration, cb TimerCallback) {
	m.mu.Lock()
	m.timers[id] = &mockTimer{callback: cb, interval: interval, periodic: true, nextFire: m.clock.Now().Add(interval)}
	m.mu.Unlock()
}

func (m *mockTimers) StopTimer(id TimerKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.timers[id]
	delete(m.timers, id)
	return exists
}

// TriggerTimers fires every timer whose deadline has passed.
func (m *mockTimers) TriggerTimers() {
	now := m.clock.Now()

	m.mu.Lock()
	var fire []*mockTimer
	for id, t := range m.timers {
		if !now.Before(t.nextFire) {
			fire = append(fire, t)
			if t.periodic {
				t.nextFire = now.Add(t.interval)
			} else {
				delete(m.timers, id)
			}
		}
	}
	m.mu.Unlock()

	for _, t := range fire {
		t.callback()
	}
}

// ==================== Mock Owner ====================

// mockOwner captures every datagram a connection writes and records
// removal requests, standing in for a listener.
type mockOwner struct {
	mu      sync.Mutex
	sent    [][]byte
	removed []string
	sendErr error
}

func newMockOwner() *mockOwner {
	return &mockOwner{}
}

func (o *mockOwner) sendTo(addr *net.UDPAddr, b []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sendErr != nil {
		return o.sendErr
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	o.sent = append(o.sent, cp)
	return nil
}

func (o *mockOwner) removeConnection(addr *net.UDPAddr) {
	o.mu.Lock()
	o.removed = append(o.removed, addr.String())
	o.mu.Unlock()
}

func (o *mockOwner) FailSends(err error) {
	o.mu.Lock()
	o.sendErr = err
	o.mu.Unlock()
}

func (o *mockOwner) SentCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent)
}

func (o *mockOwner) Sent(i int) []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sent[i]
}

func (o *mockOwner) LastSent() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.sent) == 0 {
		return nil
	}
	return o.sent[len(o.sent)-1]
}

// SentWithOption returns all captured datagrams carrying the given option.
func (o *mockOwner) SentWithOption(option message.SendOption) [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out [][]byte
	for _, b := range o.sent {
		if len(b) > 0 && message.SendOption(b[0]) == option {
			out = append(out, b)
		}
	}
	return out
}

func (o *mockOwner) Clear() {
	o.mu.Lock()
	o.sent = nil
	o.mu.Unlock()
}

func (o *mockOwner) RemovedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.removed)
}

// ==================== Connection Harness ====================

// connHarness wires a Connection to the mocks. Datagrams are injected
// synchronously through handleDatagram, bypassing the pipeline goroutine,
// which keeps the tests deterministic.
type connHarness struct {
	c      *Connection
	owner  *mockOwner
	clock  *mockClock
	timers *mockTimers
	cfg    *Config
}

func newConnHarness(cfg *Config, server bool) *connHarness {
	cfg = cfg.withDefaults()
	clock := newMockClock()
	timers := newMockTimers(clock)
	owner := newMockOwner()

	c := newConnection(owner, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}, cfg, timers, server)
	c.now = clock.Now
	c.reliable.now = clock.Now
	if server {
		c.state = StateConnecting
	}
	// Arm the resend sweep the way start() would, without the pipeline
	// goroutine.
	timers.SchedulePeriodic(c.resendTimerKey(), cfg.resendSweepInterval(), c.reliable.sweep)

	return &connHarness{c: c, owner: owner, clock: clock, timers: timers, cfg: cfg}
}

// forceConnected puts the connection straight into Connected state with
// the keep-alive armed, as if a handshake had completed.
func (h *connHarness) forceConnected() {
	h.c.mu.Lock()
	h.c.state = StateConnected
	h.c.lastSend = h.clock.Now()
	h.c.mu.Unlock()
	h.timers.SchedulePeriodic(h.c.keepAliveTimerKey(), h.cfg.KeepAliveInterval, h.c.keepAliveTick)
}

// inject feeds one datagram through the connection's dispatch path.
func (h *connHarness) inject(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	h.c.handleDatagram(cp)
}

// injectAck acknowledges the given message id.
func (h *connHarness) injectAck(id uint16) {
	h.inject([]byte{byte(message.SendAck), byte(id >> 8), byte(id)})
}

// Advance moves the clock and fires any due timers.
func (h *connHarness) Advance(d time.Duration) {
	h.clock.Advance(d)
	h.timers.TriggerTimers()
}
