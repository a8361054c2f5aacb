// Package ingest collects corpus records from NATS, validates them, and
// accumulates an in-memory batch ready for indexing. Records that fail
// validation are published to a dead letter subject instead of being dropped.
package ingest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/cortexqa/engine/engine/domain"
	"github.com/cortexqa/engine/pkg/natsutil"
)

const (
	// RecordSubject carries incoming corpus records as JSON.
	RecordSubject = "corpus.records"
	// DLQSubject receives records that failed validation.
	DLQSubject = "corpus.records.dlq"
)

// Publisher publishes a JSON-encoded value to a subject. *nats.Conn is
// adapted via NATSPublisher; tests substitute a fake.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

type connPublisher struct {
	nc *nats.Conn
}

func (p connPublisher) Publish(ctx context.Context, subject string, v any) error {
	return natsutil.Publish(ctx, p.nc, subject, v)
}

// NATSPublisher wraps a NATS connection as a Publisher.
func NATSPublisher(nc *nats.Conn) Publisher {
	return connPublisher{nc: nc}
}

// rejectMessage is published to the DLQ for each invalid record.
type rejectMessage struct {
	Record domain.Record `json:"record"`
	Reason string        `json:"reason"`
}

// Collector accumulates validated records. Safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	records []domain.Record
	seen    map[string]struct{}

	dlq    Publisher
	logger *slog.Logger
}

// NewCollector returns an empty Collector. dlq may be nil, in which case
// rejected records are only logged.
func NewCollector(dlq Publisher, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		seen:   make(map[string]struct{}),
		dlq:    dlq,
		logger: logger,
	}
}

// Handle validates a single record and either buffers it or routes it to
// the dead letter subject. It never returns an error: a bad record must not
// stall the subscription.
func (c *Collector) Handle(ctx context.Context, rec domain.Record) {
	if err := domain.ValidateRecord(rec); err != nil {
		c.reject(ctx, rec, err.Error())
		return
	}

	c.mu.Lock()
	if _, dup := c.seen[rec.ID]; dup {
		c.mu.Unlock()
		c.reject(ctx, rec, "duplicate record id")
		return
	}
	c.seen[rec.ID] = struct{}{}
	c.records = append(c.records, rec)
	n := len(c.records)
	c.mu.Unlock()

	c.logger.Info("ingest: record accepted", "id", rec.ID, "total", n)
}

func (c *Collector) reject(ctx context.Context, rec domain.Record, reason string) {
	c.logger.Warn("ingest: record rejected", "id", rec.ID, "reason", reason)
	if c.dlq == nil {
		return
	}
	msg := rejectMessage{Record: rec, Reason: reason}
	if err := c.dlq.Publish(ctx, DLQSubject, msg); err != nil {
		c.logger.Error("ingest: DLQ publish failed", "id", rec.ID, "error", err)
	}
}

// Snapshot returns a copy of the accepted records in arrival order.
func (c *Collector) Snapshot() []domain.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Record, len(c.records))
	copy(out, c.records)
	return out
}

// Len reports the number of accepted records.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// StartConsumer subscribes the collector to the record subject.
func StartConsumer(nc *nats.Conn, c *Collector) (*nats.Subscription, error) {
	return natsutil.Subscribe(nc, RecordSubject, c.Handle)
}
