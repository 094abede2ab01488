// Package eventexport best-effort mirrors container status changes (the
// records the Container Event Monitor adds; AgentEvents are not exported) to
// an external Kafka topic when KAFKA_BROKERS is configured. It
// supplements the durable relational log with a stream downstream systems
// can consume without reading the state store directly.
package eventexport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/labrun/orchestrator/logger"
)

const (
	defaultMaxBatch      = 50
	defaultFlushInterval = 500 * time.Millisecond
)

// Record is one exported event, wire-shaped for the downstream topic.
type Record struct {
	SessionID string      `json:"sessionId"`
	Kind      string      `json:"kind"` // "agent_event" | "container_status"
	Sequence  int64       `json:"sequence,omitempty"`
	Payload   interface{} `json:"payload"`
	ExportedAt time.Time  `json:"exportedAt"`
}

// Exporter batches Records and writes them to Kafka on a size/time trigger.
// A nil Exporter (no brokers configured) makes every call a no-op so
// callers never need to branch on whether export is enabled.
type Exporter struct {
	writer *kafka.Writer

	mu            sync.Mutex
	buffer        []Record
	maxBatch      int
	flushInterval time.Duration
	flushTimer    *time.Timer
}

// New returns nil when brokers or topic is empty, since export is optional.
func New(brokers []string, topic string) *Exporter {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &Exporter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: defaultFlushInterval,
			Async:        true,
		},
		buffer:        make([]Record, 0, defaultMaxBatch),
		maxBatch:      defaultMaxBatch,
		flushInterval: defaultFlushInterval,
	}
}

// Add enqueues a record, flushing synchronously-triggered-but-async-sent
// once the batch is full or the flush timer fires. Safe to call on a nil
// Exporter.
func (e *Exporter) Add(r Record) {
	if e == nil {
		return
	}
	r.ExportedAt = time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.buffer = append(e.buffer, r)
	if len(e.buffer) >= e.maxBatch {
		e.flushLocked()
		return
	}
	if e.flushTimer == nil {
		e.flushTimer = time.AfterFunc(e.flushInterval, e.Flush)
	}
}

// Flush forces a send of whatever is currently buffered. Safe on nil.
func (e *Exporter) Flush() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
}

func (e *Exporter) flushLocked() {
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}
	if len(e.buffer) == 0 {
		return
	}

	batch := e.buffer
	e.buffer = make([]Record, 0, e.maxBatch)

	go e.sendBatch(batch)
}

func (e *Exporter) sendBatch(batch []Record) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, r := range batch {
		data, err := json.Marshal(r)
		if err != nil {
			logger.Warn("eventexport: marshal record failed", zap.String("session_id", r.SessionID), zap.Error(err))
			continue
		}
		msgs = append(msgs, kafka.Message{Key: []byte(r.SessionID), Value: data})
	}
	if len(msgs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.writer.WriteMessages(ctx, msgs...); err != nil {
		logger.Warn("eventexport: write batch failed", zap.Int("batch_size", len(msgs)), zap.Error(err))
	}
}

// Close flushes and releases the underlying Kafka writer. Safe on nil.
func (e *Exporter) Close() error {
	if e == nil {
		return nil
	}
	e.Flush()
	return e.writer.Close()
}
