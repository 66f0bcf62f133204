package transport

import (
	"time"

	"github.com/appnet-org/rudp/pkg/common"
	"github.com/appnet-org/rudp/pkg/stats"
)

// Config carries the tunables of the transport. Zero values are replaced
// with the defaults below, so callers may fill in only what they care
// about. One Config may be shared by a listener and all its connections.
type Config struct {
	// ResendTimeoutInitial is the floor for the first retransmission of an
	// unacknowledged reliable datagram. The effective timeout is
	// max(ResendTimeoutInitial, rtt + 4*rttVar) and doubles per attempt.
	ResendTimeoutInitial time.Duration

	// ResendTimeoutMax caps the per-attempt retransmission timeout.
	ResendTimeoutMax time.Duration

	// ResendRetryLimit is the number of transmissions (first send included)
	// a reliable datagram gets before the connection is declared dead.
	ResendRetryLimit int

	// KeepAliveInterval is the idle time after which a Ping is emitted.
	// It adapts to 3*rtt, clamped to [KeepAliveIntervalMin, KeepAliveIntervalMax].
	KeepAliveInterval    time.Duration
	KeepAliveIntervalMin time.Duration
	KeepAliveIntervalMax time.Duration

	// DuplicateWindow bounds the set of recently seen inbound reliable ids
	// kept for duplicate suppression.
	DuplicateWindow int

	// MaxPacketSize is the largest datagram the transport reads or frames.
	MaxPacketSize int

	// InboundQueueLength is the per-connection inbound pipe depth. When the
	// pipe is full further datagrams are dropped, as UDP would.
	InboundQueueLength int

	// Stats receives counter increments. Defaults to stats.Nop.
	Stats stats.Sink

	// Pool supplies datagram buffers. Defaults to a private pool.
	Pool *common.BufferPool
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	return (&Config{}).withDefaults()
}

// withDefaults returns a copy of c with zero fields filled in.
func (c *Config) withDefaults() *Config {
	out := &Config{}
	if c != nil {
		*out = *c
	}
	if out.ResendTimeoutInitial <= 0 {
		out.ResendTimeoutInitial = 100 * time.Millisecond
	}
	if out.ResendTimeoutMax <= 0 {
		out.ResendTimeoutMax = 1000 * time.Millisecond
	}
	if out.ResendRetryLimit <= 0 {
		out.ResendRetryLimit = 8
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = 1500 * time.Millisecond
	}
	if out.KeepAliveIntervalMin <= 0 {
		out.KeepAliveIntervalMin = 100 * time.Millisecond
	}
	if out.KeepAliveIntervalMax <= 0 {
		out.KeepAliveIntervalMax = 15000 * time.Millisecond
	}
	if out.DuplicateWindow <= 0 {
		out.DuplicateWindow = 1024
	}
	if out.MaxPacketSize <= 0 || out.MaxPacketSize > common.MaxBufferSize {
		out.MaxPacketSize = common.MaxBufferSize
	}
	if out.InboundQueueLength <= 0 {
		out.InboundQueueLength = 64
	}
	if out.Stats == nil {
		out.Stats = stats.Nop{}
	}
	if out.Pool == nil {
		out.Pool = common.NewBufferPool()
	}
	return out
}

// resendSweepInterval is how often a connection scans its pending table
// for due retransmissions.
func (c *Config) resendSweepInterval() time.Duration {
	interval := c.ResendTimeoutInitial / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}
