package transport

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appnet-org/rudp/pkg/logging"
	"github.com/appnet-org/rudp/pkg/message"
	"github.com/appnet-org/rudp/pkg/stats"
)

// halfSpace splits the 16-bit id circle: ids further than this behind the
// newest observed id are aged out of the duplicate window.
const halfSpace = 1 << 15

// resendEntry tracks one unacknowledged reliable datagram. An entry exists
// in the pending table iff the message is unacknowledged; removal (ack,
// retry exhaustion, or teardown) is the only destruction path.
type resendEntry struct {
	id          uint16
	buffer      []byte
	sendCount   int
	firstSentAt time.Time
	lastSentAt  time.Time
	timeout     time.Duration
	ackFn       func()
}

// reliableChannel implements the per-connection reliable sub-protocol:
// message-id assignment, the pending table, retransmission, acknowledgement
// processing with RTT estimation, and inbound duplicate suppression.
//
// The channel never transmits or runs callbacks while holding its lock.
type reliableChannel struct {
	cfg  *Config
	sink stats.Sink
	now  func() time.Time

	// transmit sends one datagram to the peer. onFailure reports retry
	// exhaustion; onRTT reports the smoothed estimate after each accepted
	// sample.
	transmit  func(b []byte) error
	onFailure func(reason string)
	onRTT     func(rtt time.Duration)

	mu      sync.Mutex
	lastID  uint16
	pending map[uint16]*resendEntry

	seen       map[uint16]struct{}
	newestSeen uint16
	seenAny    bool

	rttEstimate float64 // milliseconds
	rttVariance float64
	hasRTT      bool
}

func newReliableChannel(cfg *Config, transmit func([]byte) error, onFailure func(string), onRTT func(time.Duration)) *reliableChannel {
	return &reliableChannel{
		cfg:       cfg,
		sink:      cfg.Stats,
		now:       time.Now,
		transmit:  transmit,
		onFailure: onFailure,
		onRTT:     onRTT,
		pending:   make(map[uint16]*resendEntry),
		seen:      make(map[uint16]struct{}),
	}
}

// send frames [option][id BE][payload] into an owned buffer, registers the
// resend entry, and transmits. The assigned id is returned.
func (rc *reliableChannel) send(option message.SendOption, payload []byte, ackFn func()) (uint16, error) {
	buf := make([]byte, 3+len(payload))
	buf[0] = byte(option)
	copy(buf[3:], payload)

	rc.mu.Lock()
	rc.lastID++
	id := rc.lastID
	binary.BigEndian.PutUint16(buf[1:3], id)
	now := rc.now()
	rc.pending[id] = &resendEntry{
		id:          id,
		buffer:      buf,
		sendCount:   1,
		firstSentAt: now,
		lastSentAt:  now,
		timeout:     rc.resendTimeoutLocked(),
		ackFn:       ackFn,
	}
	rc.mu.Unlock()

	rc.sink.Count(stats.ReliableSent, 1)
	if err := rc.transmit(buf); err != nil {
		return id, err
	}
	return id, nil
}

// resendTimeoutLocked computes the first-attempt retransmission timeout
// from the current RTT state.
func (rc *reliableChannel) resendTimeoutLocked() time.Duration {
	timeout := rc.cfg.ResendTimeoutInitial
	if rc.hasRTT {
		estimated := time.Duration((rc.rttEstimate + 4*rc.rttVariance) * float64(time.Millisecond))
		if estimated > timeout {
			timeout = estimated
		}
	}
	if timeout > rc.cfg.ResendTimeoutMax {
		timeout = rc.cfg.ResendTimeoutMax
	}
	return timeout
}

// sweep retransmits every due entry, oldest message id first (wrap-aware),
// and reports failure once if any entry has exhausted its transmissions.
// Called from the connection's periodic resend timer.
func (rc *reliableChannel) sweep() {
	now := rc.now()

	rc.mu.Lock()
	var due []*resendEntry
	for _, entry := range rc.pending {
		if now.Sub(entry.lastSentAt) >= entry.timeout {
			due = append(due, entry)
		}
	}
	if len(due) == 0 {
		rc.mu.Unlock()
		return
	}

	// Wrap-aware ascending order rooted one past the newest assigned id,
	// which puts the oldest unacknowledged id first.
	root := rc.lastID + 1
	sort.Slice(due, func(i, j int) bool {
		return due[i].id-root < due[j].id-root
	})

	var toSend [][]byte
	failed := false
	for _, entry := range due {
		if entry.sendCount >= rc.cfg.ResendRetryLimit {
			failed = true
			delete(rc.pending, entry.id)
			logging.Warn("reliable retry limit exceeded",
				zap.Uint16("messageId", entry.id),
				zap.Int("sendCount", entry.sendCount))
			continue
		}
		entry.sendCount++
		entry.lastSentAt = now
		entry.timeout *= 2
		if entry.timeout > rc.cfg.ResendTimeoutMax {
			entry.timeout = rc.cfg.ResendTimeoutMax
		}
		toSend = append(toSend, entry.buffer)
	}
	rc.mu.Unlock()

	for _, buf := range toSend {
		rc.sink.Count(stats.Retransmissions, 1)
		if err := rc.transmit(buf); err != nil {
			return
		}
	}
	if failed {
		rc.onFailure(reasonTimeout)
	}
}

// processAck removes the pending entry for id, samples RTT when the entry
// was never retransmitted (Karn's rule), and runs the entry's ack callback
// exactly once.
func (rc *reliableChannel) processAck(id uint16) {
	rc.sink.Count(stats.AcksReceived, 1)

	rc.mu.Lock()
	entry, ok := rc.pending[id]
	if !ok {
		rc.mu.Unlock()
		return
	}
	delete(rc.pending, id)

	var smoothed time.Duration
	haveSample := false
	if entry.sendCount == 1 {
		rc.updateRTTLocked(rc.now().Sub(entry.firstSentAt))
		smoothed = time.Duration(rc.rttEstimate * float64(time.Millisecond))
		haveSample = true
	}
	ackFn := entry.ackFn
	rc.mu.Unlock()

	if ackFn != nil {
		ackFn()
	}
	if haveSample && rc.onRTT != nil {
		rc.onRTT(smoothed)
	}
}

// updateRTTLocked folds one sample into the smoothed estimate:
//
//	rttEstimate <- 0.875*rttEstimate + 0.125*sample
//	rttVariance <- 0.75*rttVariance + 0.25*|sample - rttEstimate|
//
// The first sample initializes the estimator.
func (rc *reliableChannel) updateRTTLocked(sample time.Duration) {
	ms := float64(sample) / float64(time.Millisecond)
	if !rc.hasRTT {
		rc.rttEstimate = ms
		rc.rttVariance = ms / 2
		rc.hasRTT = true
		return
	}
	rc.rttEstimate = 0.875*rc.rttEstimate + 0.125*ms
	rc.rttVariance = 0.75*rc.rttVariance + 0.25*math.Abs(ms-rc.rttEstimate)
}

// rtt returns the smoothed estimate, zero before the first sample.
func (rc *reliableChannel) rtt() time.Duration {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return time.Duration(rc.rttEstimate * float64(time.Millisecond))
}

// noteReceived records an inbound reliable id and reports whether it was
// already seen. The caller acks unconditionally; delivery is skipped for
// duplicates. Ids further than half the 16-bit circle behind the newest
// observed id age out, and the set is trimmed to the configured window.
func (rc *reliableChannel) noteReceived(id uint16) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if _, dup := rc.seen[id]; dup {
		rc.sink.Count(stats.DuplicatesDropped, 1)
		return true
	}

	rc.seen[id] = struct{}{}
	if !rc.seenAny {
		rc.newestSeen = id
		rc.seenAny = true
	} else if id != rc.newestSeen && id-rc.newestSeen < halfSpace {
		rc.newestSeen = id
	}

	for old := range rc.seen {
		if rc.newestSeen-old > halfSpace {
			delete(rc.seen, old)
		}
	}

	if excess := len(rc.seen) - rc.cfg.DuplicateWindow; excess > 0 {
		ids := make([]uint16, 0, len(rc.seen))
		for old := range rc.seen {
			ids = append(ids, old)
		}
		// Furthest behind the newest id go first.
		sort.Slice(ids, func(i, j int) bool {
			return rc.newestSeen-ids[i] > rc.newestSeen-ids[j]
		})
		for _, old := range ids[:excess] {
			delete(rc.seen, old)
		}
	}
	return false
}

// pendingCount returns the number of unacknowledged messages.
func (rc *reliableChannel) pendingCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.pending)
}

// hasPending reports whether id is still unacknowledged.
func (rc *reliableChannel) hasPending(id uint16) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	_, ok := rc.pending[id]
	return ok
}

// teardown drops all pending entries without running their callbacks and
// clears the duplicate window.
func (rc *reliableChannel) teardown() {
	rc.mu.Lock()
	rc.pending = make(map[uint16]*resendEntry)
	rc.seen = make(map[uint16]struct{})
	rc.seenAny = false
	rc.mu.Unlock()
}
