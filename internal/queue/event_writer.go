package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rkona/roadsense-server/internal/consensus"
	"github.com/rkona/roadsense-server/internal/protocol"
)

// EventWriter consumes the raw-events topic and drives each event through
// the consensus engine. Each event is its own atomic unit: a failing event
// is tallied and skipped, never aborting the stream, and its offset is only
// committed after the engine accepted or rejected it.
type EventWriter struct {
	consumer *Consumer
	engine   *consensus.Engine

	mu      sync.Mutex
	created int64
	merged  int64
	errors  int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEventWriter creates an event writer over a consumer and an engine.
func NewEventWriter(consumer *Consumer, engine *consensus.Engine) *EventWriter {
	return &EventWriter{
		consumer: consumer,
		engine:   engine,
		stopCh:   make(chan struct{}),
	}
}

// Start begins consuming and applying events.
func (w *EventWriter) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop stops the event writer gracefully.
func (w *EventWriter) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *EventWriter) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		msg, err := w.consumer.Consume(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		w.processMessage(ctx, msg)

		if err := w.consumer.Commit(ctx, msg); err != nil {
			fmt.Printf("Failed to commit offset: %v\n", err)
		}
	}
}

func (w *EventWriter) processMessage(ctx context.Context, msg kafka.Message) {
	evMsg, err := protocol.DecodeObservedEvent(msg.Value)
	if err != nil {
		fmt.Printf("Failed to decode event message: %v\n", err)
		w.tally(nil)
		return
	}

	result, err := w.engine.Submit(ctx, evMsg.ObserverID, evMsg.Event)
	if err != nil {
		fmt.Printf("Failed to ingest event from %s: %v\n", evMsg.DeviceID, err)
		w.tally(nil)
		return
	}
	w.tally(result)
}

func (w *EventWriter) tally(result *consensus.SubmitResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case result == nil:
		w.errors++
	case result.WasNew:
		w.created++
	default:
		w.merged++
	}
}

// Counts returns the created/merged/error totals since start.
func (w *EventWriter) Counts() (created, merged, errors int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.created, w.merged, w.errors
}
