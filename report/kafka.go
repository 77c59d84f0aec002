package report

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig selects the topic records are streamed to.
type KafkaConfig struct {
	Brokers   []string
	Topic     string
	BatchSize int // records buffered per run before a write
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink streams records and summaries as JSON messages keyed by policy,
// so the records of one run stay ordered within a partition.
type KafkaSink struct {
	writer    messageWriter
	batchSize int
	mu        sync.Mutex
	pending   map[string][]kafka.Message
}

// NewKafkaSink creates a sink backed by a kafka-go writer.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaSink(w, cfg.BatchSize), nil
}

func newKafkaSink(w messageWriter, batchSize int) *KafkaSink {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &KafkaSink{
		writer:    w,
		batchSize: batchSize,
		pending:   make(map[string][]kafka.Message),
	}
}

func message(kind, policy string, payload any) (kafka.Message, error) {
	value, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	return kafka.Message{
		Key:   []byte(policy),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(kind)},
		},
	}, nil
}

// WriteRecord buffers a record and writes the batch once it is full.
func (k *KafkaSink) WriteRecord(ctx context.Context, r Record) error {
	msg, err := message("record", r.Policy, r)
	if err != nil {
		return err
	}

	k.mu.Lock()
	k.pending[r.Policy] = append(k.pending[r.Policy], msg)
	var batch []kafka.Message
	if len(k.pending[r.Policy]) >= k.batchSize {
		batch = k.pending[r.Policy]
		delete(k.pending, r.Policy)
	}
	k.mu.Unlock()

	if batch == nil {
		return nil
	}
	if err := k.writer.WriteMessages(ctx, batch...); err != nil {
		return fmt.Errorf("failed to publish records: %w", err)
	}
	return nil
}

// WriteSummary flushes the run's remaining records followed by its summary.
func (k *KafkaSink) WriteSummary(ctx context.Context, s Summary) error {
	msg, err := message("summary", s.Policy, s)
	if err != nil {
		return err
	}

	k.mu.Lock()
	batch := append(k.pending[s.Policy], msg)
	delete(k.pending, s.Policy)
	k.mu.Unlock()

	if err := k.writer.WriteMessages(ctx, batch...); err != nil {
		return fmt.Errorf("failed to publish summary: %w", err)
	}
	return nil
}

// Close closes the underlying writer. Records of unfinished runs are dropped.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
