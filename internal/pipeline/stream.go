package pipeline

import (
	"strings"
	"sync"
	"time"

	"github.com/zianansar/proposal-writer-sub006/internal/events"
)

// emitter batches generation fragments and publishes one BatchedTokens event
// per flush interval. Every fragment is also accumulated into the draft, so
// text emitted before a cancellation is never lost.
type emitter struct {
	runID    string
	bus      *events.Bus
	interval time.Duration
	now      func() time.Time

	frags  chan string
	resets chan chan struct{}
	stop   chan struct{}
	done   chan struct{}

	stopOnce sync.Once

	draft   strings.Builder
	pending strings.Builder
	seq     int
}

func newEmitter(runID string, bus *events.Bus, interval time.Duration, buffer int, now func() time.Time) *emitter {
	e := &emitter{
		runID:    runID,
		bus:      bus,
		interval: interval,
		now:      now,
		frags:    make(chan string, buffer),
		resets:   make(chan chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go e.loop()
	return e
}

// add enqueues a fragment. Blocks when the buffer is full, applying
// backpressure to the generator. Safe to call after finish; late fragments
// are dropped.
func (e *emitter) add(frag string) {
	if frag == "" {
		return
	}
	select {
	case e.frags <- frag:
	case <-e.stop:
	}
}

func (e *emitter) loop() {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case frag := <-e.frags:
			e.pending.WriteString(frag)
			e.draft.WriteString(frag)
		case ack := <-e.resets:
			e.drain()
			e.pending.Reset()
			e.draft.Reset()
			close(ack)
		case <-ticker.C:
			e.flush()
		case <-e.stop:
			e.drain()
			e.flush()
			return
		}
	}
}

func (e *emitter) drain() {
	for {
		select {
		case frag := <-e.frags:
			e.pending.WriteString(frag)
			e.draft.WriteString(frag)
		default:
			return
		}
	}
}

func (e *emitter) flush() {
	if e.pending.Len() == 0 {
		return
	}
	e.seq++
	e.bus.Publish(events.BatchedTokens{
		RunID:      e.runID,
		Seq:        e.seq,
		Text:       e.pending.String(),
		OccurredAt: e.now(),
	})
	e.pending.Reset()
}

// reset discards everything accumulated so far: queued fragments, unflushed
// pending text and the draft. The publish sequence keeps counting. Used when
// a generation attempt is abandoned and a fresh one starts.
func (e *emitter) reset() {
	ack := make(chan struct{})
	select {
	case e.resets <- ack:
		<-ack
	case <-e.stop:
	}
}

// finish stops the loop after a final flush and waits for it to exit.
func (e *emitter) finish() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
}

// text returns the accumulated draft. Only valid after finish.
func (e *emitter) text() string {
	return e.draft.String()
}
