package streams

import (
	"context"
	"encoding/json"
	"log"

	"github.com/zianansar/proposal-writer-sub006/internal/events"
)

// Mirror forwards bus events onto a Redis stream until ctx is done. Mirroring
// is best effort: a failed XAdd is logged and skipped, never retried, so the
// pipeline is unaffected by Redis trouble.
type Mirror struct {
	publisher *Publisher
	stream    string
	logger    *log.Logger
}

// NewMirror creates a bus-to-Redis mirror.
func NewMirror(publisher *Publisher, stream string) *Mirror {
	return &Mirror{
		publisher: publisher,
		stream:    stream,
		logger:    log.New(log.Writer(), "[STREAMS] ", log.LstdFlags),
	}
}

// Run consumes events from ch and publishes them. Blocks until ctx is done
// or ch is closed.
func (m *Mirror) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				m.logger.Printf("marshal %s failed: %v", ev.EventType(), err)
				continue
			}
			env := Envelope{
				EventType: ev.EventType(),
				RunID:     ev.Run(),
				Data:      data,
			}
			if _, err := m.publisher.Publish(ctx, m.stream, env); err != nil {
				m.logger.Printf("mirror %s failed: %v", ev.EventType(), err)
			}
		}
	}
}
