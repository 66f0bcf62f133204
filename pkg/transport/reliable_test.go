package transport

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/appnet-org/rudp/pkg/message"
)

// reliableHarness exercises the reliable channel directly against a mock
// clock and a captured transmit function.
type reliableHarness struct {
	rc       *reliableChannel
	clock    *mockClock
	mu       sync.Mutex
	sent     [][]byte
	failures []string
	rtts     []time.Duration
}

func newReliableHarness(cfg *Config) *reliableHarness {
	h := &reliableHarness{clock: newMockClock()}
	h.rc = newReliableChannel(cfg.withDefaults(),
		func(b []byte) error {
			cp := make([]byte, len(b))
			copy(cp, b)
			h.mu.Lock()
			h.sent = append(h.sent, cp)
			h.mu.Unlock()
			return nil
		},
		func(reason string) {
			h.mu.Lock()
			h.failures = append(h.failures, reason)
			h.mu.Unlock()
		},
		func(rtt time.Duration) {
			h.mu.Lock()
			h.rtts = append(h.rtts, rtt)
			h.mu.Unlock()
		})
	h.rc.now = h.clock.Now
	return h
}

func (h *reliableHarness) sentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

func (h *reliableHarness) sentAt(i int) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent[i]
}

// ==================== Send Path Tests ====================

func TestReliableChannel_SendAssignsSequentialIDs(t *testing.T) {
	h := newReliableHarness(nil)

	id1, err := h.rc.send(message.SendReliable, []byte("a"), nil)
	require.NoError(t, err)
	id2, err := h.rc.send(message.SendReliable, []byte("b"), nil)
	require.NoError(t, err)

	require.Equal(t, uint16(1), id1)
	require.Equal(t, uint16(2), id2)
	require.Equal(t, 2, h.rc.pendingCount())

	// Wire format: [option][id BE][payload].
	first := h.sentAt(0)
	require.Equal(t, byte(message.SendReliable), first[0])
	require.Equal(t, id1, binary.BigEndian.Uint16(first[1:3]))
	require.Equal(t, []byte("a"), first[3:])
}

func TestReliableChannel_IDWraparound(t *testing.T) {
	h := newReliableHarness(nil)
	h.rc.lastID = 65534

	id1, _ := h.rc.send(message.SendReliable, nil, nil)
	id2, _ := h.rc.send(message.SendReliable, nil, nil)
	id3, _ := h.rc.send(message.SendReliable, nil, nil)

	require.Equal(t, uint16(65535), id1)
	require.Equal(t, uint16(0), id2)
	require.Equal(t, uint16(1), id3)
}

// ==================== Acknowledgement Tests ====================

func TestReliableChannel_AckRemovesEntryAndFiresCallback(t *testing.T) {
	h := newReliableHarness(nil)

	acked := 0
	id, err := h.rc.send(message.SendReliable, []byte("x"), func() { acked++ })
	require.NoError(t, err)
	require.True(t, h.rc.hasPending(id))

	h.rc.processAck(id)
	require.False(t, h.rc.hasPending(id))
	require.Equal(t, 1, acked)

	// A duplicate ack is a no-op.
	h.rc.processAck(id)
	require.Equal(t, 1, acked, "ack callback fires exactly once")
}

func TestReliableChannel_AckForUnknownIDIgnored(t *testing.T) {
	h := newReliableHarness(nil)
	h.rc.processAck(42)
	require.Equal(t, 0, h.rc.pendingCount())
}

// ==================== RTT Estimator Tests ====================

func TestReliableChannel_FirstAckInitializesRTT(t *testing.T) {
	h := newReliableHarness(nil)

	id, _ := h.rc.send(message.SendReliable, nil, nil)
	h.clock.Advance(40 * time.Millisecond)
	h.rc.processAck(id)

	require.InDelta(t, 40.0, h.rc.rttEstimate, 0.01)
	require.InDelta(t, 20.0, h.rc.rttVariance, 0.01)
	require.Len(t, h.rtts, 1)
	require.Equal(t, 40*time.Millisecond, h.rtts[0])
}

// TestReliableChannel_RTTConvergesOnStableChannel drives the estimator
// with a constant delay and checks it converges there.
func TestReliableChannel_RTTConvergesOnStableChannel(t *testing.T) {
	h := newReliableHarness(nil)

	const delay = 30 * time.Millisecond
	for i := 0; i < 32; i++ {
		id, _ := h.rc.send(message.SendReliable, nil, nil)
		h.clock.Advance(delay)
		h.rc.processAck(id)
	}

	require.InDelta(t, 30.0, h.rc.rttEstimate, 0.5)
	require.Less(t, h.rc.rttVariance, 1.0)
}

// TestReliableChannel_KarnSkipsRetransmittedSamples verifies that acks
// for retransmitted messages never contribute an RTT sample.
func TestReliableChannel_KarnSkipsRetransmittedSamples(t *testing.T) {
	h := newReliableHarness(nil)

	id, _ := h.rc.send(message.SendReliable, nil, nil)
	h.clock.Advance(150 * time.Millisecond)
	h.rc.sweep() // first retransmission
	require.Equal(t, 2, h.sentCount())

	h.clock.Advance(20 * time.Millisecond)
	h.rc.processAck(id)

	require.False(t, h.rc.hasPending(id))
	require.False(t, h.rc.hasRTT, "Karn's rule: no sample from a retransmitted message")
	require.Empty(t, h.rtts)
}

// ==================== Retransmission Tests ====================

func TestReliableChannel_RetransmitsAfterTimeout(t *testing.T) {
	h := newReliableHarness(nil)

	id, _ := h.rc.send(message.SendReliable, []byte("p"), nil)
	require.Equal(t, 1, h.sentCount())

	// Not yet due.
	h.clock.Advance(50 * time.Millisecond)
	h.rc.sweep()
	require.Equal(t, 1, h.sentCount())

	// Past the initial timeout: retransmit, identical bytes.
	h.clock.Advance(60 * time.Millisecond)
	h.rc.sweep()
	require.Equal(t, 2, h.sentCount())
	require.Equal(t, h.sentAt(0), h.sentAt(1))

	h.rc.mu.Lock()
	entry := h.rc.pending[id]
	require.Equal(t, 2, entry.sendCount)
	require.Equal(t, 200*time.Millisecond, entry.timeout, "timeout doubles per attempt")
	h.rc.mu.Unlock()
}

func TestReliableChannel_TimeoutDoublingIsCapped(t *testing.T) {
	h := newReliableHarness(nil)

	id, _ := h.rc.send(message.SendReliable, nil, nil)
	for i := 0; i < 5; i++ {
		h.clock.Advance(1100 * time.Millisecond)
		h.rc.sweep()
	}

	h.rc.mu.Lock()
	entry := h.rc.pending[id]
	require.NotNil(t, entry)
	require.Equal(t, 1000*time.Millisecond, entry.timeout)
	h.rc.mu.Unlock()
}

// TestReliableChannel_RetryLimitKillsChannel: no acks ever arrive; after
// the configured number of transmissions the failure callback reports
// "timeout" exactly once.
func TestReliableChannel_RetryLimitKillsChannel(t *testing.T) {
	h := newReliableHarness(nil)

	id, _ := h.rc.send(message.SendReliable, nil, nil)

	// 7 retransmissions bring the total transmissions to the limit of 8.
	for i := 0; i < 7; i++ {
		h.clock.Advance(1100 * time.Millisecond)
		h.rc.sweep()
	}
	require.Equal(t, 8, h.sentCount())
	require.Empty(t, h.failures)

	// The 9th attempt is refused and reported as a timeout.
	h.clock.Advance(1100 * time.Millisecond)
	h.rc.sweep()
	require.Equal(t, 8, h.sentCount())
	require.Equal(t, []string{"timeout"}, h.failures)
	require.False(t, h.rc.hasPending(id))
}

// TestReliableChannel_RetransmitOrderIsWrapAware verifies the tie-break:
// entries due in the same sweep retransmit in ascending id order rooted
// at the oldest unacknowledged id, across the 16-bit wrap.
func TestReliableChannel_RetransmitOrderIsWrapAware(t *testing.T) {
	h := newReliableHarness(nil)
	h.rc.lastID = 65533

	idA, _ := h.rc.send(message.SendReliable, []byte("A"), nil) // 65534
	idB, _ := h.rc.send(message.SendReliable, []byte("B"), nil) // 65535
	idC, _ := h.rc.send(message.SendReliable, []byte("C"), nil) // 0
	require.Equal(t, uint16(65534), idA)
	require.Equal(t, uint16(65535), idB)
	require.Equal(t, uint16(0), idC)

	h.mu.Lock()
	h.sent = nil
	h.mu.Unlock()

	h.clock.Advance(150 * time.Millisecond)
	h.rc.sweep()

	require.Equal(t, 3, h.sentCount())
	require.Equal(t, idA, binary.BigEndian.Uint16(h.sentAt(0)[1:3]))
	require.Equal(t, idB, binary.BigEndian.Uint16(h.sentAt(1)[1:3]))
	require.Equal(t, idC, binary.BigEndian.Uint16(h.sentAt(2)[1:3]))
}

// ==================== Duplicate Suppression Tests ====================

func TestReliableChannel_DuplicateDetection(t *testing.T) {
	h := newReliableHarness(nil)

	require.False(t, h.rc.noteReceived(5), "first sighting is not a duplicate")
	require.True(t, h.rc.noteReceived(5), "second sighting is")
	require.False(t, h.rc.noteReceived(6))
}

func TestReliableChannel_DuplicateWindowAgesOldIDs(t *testing.T) {
	h := newReliableHarness(nil)

	require.False(t, h.rc.noteReceived(1))
	// Move the newest observed id forward until id 1 falls more than half
	// the circle behind and ages out.
	require.False(t, h.rc.noteReceived(20000))
	require.False(t, h.rc.noteReceived(40000))
	require.False(t, h.rc.noteReceived(1), "aged-out id is seen as new again")
}

func TestReliableChannel_DuplicateWindowHandlesWrap(t *testing.T) {
	h := newReliableHarness(nil)

	require.False(t, h.rc.noteReceived(65000))
	// 10 is ahead of 65000 on the 16-bit circle; newest moves across 0.
	require.False(t, h.rc.noteReceived(10))
	require.True(t, h.rc.noteReceived(65000), "recent pre-wrap id is still remembered")
	require.True(t, h.rc.noteReceived(10))
}

func TestReliableChannel_DuplicateWindowIsBounded(t *testing.T) {
	cfg := &Config{DuplicateWindow: 64}
	h := newReliableHarness(cfg)

	for id := 0; id < 500; id++ {
		h.rc.noteReceived(uint16(id))
	}

	h.rc.mu.Lock()
	size := len(h.rc.seen)
	h.rc.mu.Unlock()
	require.LessOrEqual(t, size, 64)

	// The newest ids are retained, the oldest trimmed.
	require.True(t, h.rc.noteReceived(499))
	require.False(t, h.rc.noteReceived(0))
}

// ==================== Teardown Tests ====================

func TestReliableChannel_TeardownDropsPendingWithoutCallbacks(t *testing.T) {
	h := newReliableHarness(nil)

	acked := 0
	id, _ := h.rc.send(message.SendReliable, nil, func() { acked++ })
	h.rc.teardown()

	require.Equal(t, 0, h.rc.pendingCount())
	require.Equal(t, 0, acked)

	// Acks arriving after teardown are ignored.
	h.rc.processAck(id)
	require.Equal(t, 0, acked)
}
