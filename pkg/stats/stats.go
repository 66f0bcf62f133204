// Package stats defines the counter sink the transport reports into. The
// transport never interprets the numbers; it only increments them, so any
// metrics backend can sit behind the Sink interface.
package stats

import "sync"

// Metric names a single counter.
type Metric string

// Counters maintained by the transport.
const (
	DatagramsSent     Metric = "datagrams_sent"
	DatagramsReceived Metric = "datagrams_received"
	BytesSent         Metric = "bytes_sent"
	BytesReceived     Metric = "bytes_received"
	ReliableSent      Metric = "reliable_sent"
	Retransmissions   Metric = "retransmissions"
	AcksSent          Metric = "acks_sent"
	AcksReceived      Metric = "acks_received"
	DuplicatesDropped Metric = "duplicates_dropped"
	PingsSent         Metric = "pings_sent"
	InboundDropped    Metric = "inbound_dropped"
	ConnectionsOpened Metric = "connections_opened"
	ConnectionsClosed Metric = "connections_closed"
)

// Sink receives counter increments.
type Sink interface {
	Count(m Metric, delta uint64)
}

// Nop discards every increment.
type Nop struct{}

// Count implements Sink.
func (Nop) Count(Metric, uint64) {}

// Counters is a Sink that accumulates counts in memory.
type Counters struct {
	mu     sync.RWMutex
	counts map[Metric]uint64
}

// NewCounters creates an empty Counters sink.
func NewCounters() *Counters {
	return &Counters{counts: make(map[Metric]uint64)}
}

// Count implements Sink.
func (c *Counters) Count(m Metric, delta uint64) {
	c.mu.Lock()
	c.counts[m] += delta
	c.mu.Unlock()
}

// Value returns the current count for m.
func (c *Counters) Value(m Metric) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts[m]
}

// Snapshot returns a copy of all counters.
func (c *Counters) Snapshot() map[Metric]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Metric]uint64, len(c.counts))
	for m, v := range c.counts {
		out[m] = v
	}
	return out
}
