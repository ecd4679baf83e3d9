package state

import (
	"log/slog"
	"sync"
	"time"
)

// reconnector drives local transport re-establishment: a fixed-delay retry
// loop with a consecutive-failure cap. Wake forces an immediate attempt so a
// process resuming from suspension does not wait out a timer that slept
// through the suspension with it.
type reconnector struct {
	log         *slog.Logger
	delay       time.Duration
	maxFailures int
	attempt     func() error
	exhausted   func()

	mu       sync.Mutex
	armed    bool
	failures int
	stopped  bool

	kick   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

func newReconnector(log *slog.Logger, delay time.Duration, maxFailures int, attempt func() error, exhausted func()) *reconnector {
	r := &reconnector{
		log:         log,
		delay:       delay,
		maxFailures: maxFailures,
		attempt:     attempt,
		exhausted:   exhausted,
		kick:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	go r.loop()

	return r
}

// arm starts a retry episode. The first attempt runs immediately. Arming an
// episode that is already running is a no-op, so failure counts are
// consecutive within one episode.
func (r *reconnector) arm() {
	r.mu.Lock()
	if r.stopped || r.armed {
		r.mu.Unlock()
		return
	}
	r.armed = true
	r.failures = 0
	r.mu.Unlock()

	r.wake()
}

// disarm ends the current episode without an attempt.
func (r *reconnector) disarm() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.armed = false
	r.failures = 0
}

// wake shortcuts whatever delay the loop is sleeping on. Harmless when no
// episode is running.
func (r *reconnector) wake() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *reconnector) stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.stopped = true
	r.armed = false
	r.mu.Unlock()

	close(r.stopCh)
	<-r.done
}

func (r *reconnector) isArmed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.armed
}

// recordFailure counts one failed attempt and reports whether the episode
// just hit its cap.
func (r *reconnector) recordFailure() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.armed {
		return false
	}
	r.failures++
	if r.failures >= r.maxFailures {
		r.armed = false
		return true
	}

	return false
}

func (r *reconnector) loop() {
	defer close(r.done)

	for {
		// Parked until an episode starts.
		select {
		case <-r.stopCh:
			return
		case <-r.kick:
		}

		for r.isArmed() {
			err := r.attempt()
			if err == nil {
				r.disarm()
				break
			}
			r.log.Debug("reconnect attempt failed", "error", err)
			if r.recordFailure() {
				r.exhausted()
				break
			}

			select {
			case <-r.stopCh:
				return
			case <-r.kick:
			case <-time.After(r.delay):
			}
		}
	}
}
