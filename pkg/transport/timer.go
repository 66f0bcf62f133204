// Package transport implements a reliable-datagram transport multiplexing
// many logical peers over a single UDP socket: per-connection
// acknowledgement and retransmission, duplicate suppression, keep-alive
// with RTT estimation, and a listener that demultiplexes datagrams to
// connection instances.
package transport

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appnet-org/rudp/pkg/logging"
)

// TimerCallback is invoked when a timer fires. Callbacks run without any
// manager locks held and are panic-guarded.
type TimerCallback func()

// TimerKey identifies a timer within a manager.
type TimerKey string

// timerScheduler is the seam connections schedule through; satisfied by
// TimerManager and by the mock scheduler in tests.
type timerScheduler interface {
	Schedule(id TimerKey, duration time.Duration, callback TimerCallback)
	SchedulePeriodic(id TimerKey, interval time.Duration, callback TimerCallback)
	StopTimer(id TimerKey) bool
}

type timer struct {
	id       TimerKey
	duration time.Duration
	callback TimerCallback
	stop     chan struct{}
}

// TimerManager runs one-shot and periodic timers for the connections of a
// listener or client endpoint.
type TimerManager struct {
	mu       sync.RWMutex
	timers   map[TimerKey]*timer
	periodic map[TimerKey]*timer
	stopAll  chan struct{}
	wg       sync.WaitGroup
}

// NewTimerManager creates an empty manager.
func NewTimerManager() *TimerManager {
	return &TimerManager{
		timers:   make(map[TimerKey]*timer),
		periodic: make(map[TimerKey]*timer),
		stopAll:  make(chan struct{}),
	}
}

// Schedule arms a one-shot timer. An existing timer with the same id is
// replaced.
func (tm *TimerManager) Schedule(id TimerKey, duration time.Duration, callback TimerCallback) {
	tm.mu.Lock()
	// Replace safely: delete-before-close so StopTimer can't double-close.
	if existing, exists := tm.timers[id]; exists {
		delete(tm.timers, id)
		close(existing.stop)
	}
	t := &timer{id: id, duration: duration, callback: callback, stop: make(chan struct{})}
	tm.timers[id] = t
	tm.mu.Unlock()

	tm.wg.Add(1)
	go func(t *timer) {
		defer tm.wg.Done()

		tt := time.NewTimer(t.duration)
		defer tt.Stop()

		select {
		case <-tt.C:
			tm.fire(t.id, false)
		case <-t.stop:
			if !tt.Stop() {
				<-tt.C
			}
		case <-tm.stopAll:
			if !tt.Stop() {
				<-tt.C
			}
		}

		// A fired one-shot timer removes its own entry here; StopTimer and
		// replacement remove theirs before closing the stop channel.
		tm.mu.Lock()
		if tm.timers[t.id] == t {
			delete(tm.timers, t.id)
		}
		tm.mu.Unlock()
	}(t)
}

// SchedulePeriodic arms a repeating timer. An existing periodic timer with
// the same id is replaced, which is also how intervals are changed.
func (tm *TimerManager) SchedulePeriodic(id TimerKey, interval time.Duration, callback TimerCallback) {
	tm.mu.Lock()
	if existing, exists := tm.periodic[id]; exists {
		delete(tm.periodic, id)
		close(existing.stop)
	}
	t := &timer{id: id, duration: interval, callback: callback, stop: make(chan struct{})}
	tm.periodic[id] = t
	tm.mu.Unlock()

	tm.wg.Add(1)
	go func(t *timer) {
		defer tm.wg.Done()

		ticker := time.NewTicker(t.duration)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				tm.fire(t.id, true)
			case <-t.stop:
				return
			case <-tm.stopAll:
				tm.mu.Lock()
				if tm.periodic[t.id] == t {
					delete(tm.periodic, t.id)
				}
				tm.mu.Unlock()
				return
			}
		}
	}(t)
}

// StopTimer cancels the timer with the given id, one-shot or periodic.
func (tm *TimerManager) StopTimer(id TimerKey) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if t, exists := tm.timers[id]; exists {
		close(t.stop)
		delete(tm.timers, id)
		return true
	}
	if t, exists := tm.periodic[id]; exists {
		close(t.stop)
		delete(tm.periodic, id)
		return true
	}
	return false
}

// HasTimer reports whether a timer with the given id is armed.
func (tm *TimerManager) HasTimer(id TimerKey) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	_, oneShot := tm.timers[id]
	_, periodic := tm.periodic[id]
	return oneShot || periodic
}

// fire executes a timer callback with no manager locks held.
func (tm *TimerManager) fire(id TimerKey, isPeriodic bool) {
	tm.mu.RLock()
	var cb TimerCallback
	if isPeriodic {
		if t := tm.periodic[id]; t != nil {
			cb = t.callback
		}
	} else {
		if t := tm.timers[id]; t != nil {
			cb = t.callback
		}
	}
	tm.mu.RUnlock()

	if cb == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Error("timer callback panicked",
				zap.String("timer", string(id)),
				zap.Any("panic", r))
		}
	}()
	cb()
}

// Stop cancels every timer and waits for their goroutines to exit.
func (tm *TimerManager) Stop() {
	close(tm.stopAll)
	tm.wg.Wait()
}
