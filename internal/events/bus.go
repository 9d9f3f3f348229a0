package events

import (
	"sync"
	"time"
)

// Event is a one-way notification leaving the pipeline. No publisher blocks
// waiting for a subscriber to finish processing.
type Event interface {
	EventType() string
	Run() string
}

// StageProgress reports a stage settling within a run.
type StageProgress struct {
	RunID      string        `json:"run_id"`
	Stage      string        `json:"stage"`
	Outcome    string        `json:"outcome"`
	Retries    int           `json:"retries"`
	Elapsed    time.Duration `json:"elapsed"`
	OccurredAt time.Time     `json:"occurred_at"`
}

func (e StageProgress) EventType() string { return "stage_progress" }
func (e StageProgress) Run() string       { return e.RunID }

// BatchedTokens carries one flush interval's worth of generated fragments.
type BatchedTokens struct {
	RunID      string    `json:"run_id"`
	Seq        int       `json:"seq"`
	Text       string    `json:"text"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e BatchedTokens) EventType() string { return "batched_tokens" }
func (e BatchedTokens) Run() string       { return e.RunID }

// RunCompleted marks a run reaching a terminal success state (completed or
// degraded). The style learning engine recomputes on this event.
type RunCompleted struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	Degraded   bool      `json:"degraded"`
	Tokens     int64     `json:"tokens"`
	Cost       float64   `json:"cost"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e RunCompleted) EventType() string { return "run_completed" }
func (e RunCompleted) Run() string       { return e.RunID }

// RunError marks a run ending in failure or cancellation.
type RunError struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e RunError) EventType() string { return "run_error" }
func (e RunError) Run() string       { return e.RunID }

const defaultSubscriberBuffer = 128

// Bus is an in-process fan-out of pipeline events. Publish never blocks: a
// subscriber that falls behind its buffer loses events rather than stalling
// the pipeline.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned cancel func must be called to
// release the subscription; the channel is closed on cancel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, defaultSubscriberBuffer)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
