// Package publish streams playbook execution logs to Kafka for downstream
// consumers such as case management and reporting.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/orchestrate"
)

// DefaultTopic receives execution logs when none is configured.
const DefaultTopic = "warden.playbook-executions"

// Config describes the Kafka destination.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes execution logs keyed by finding id, so every log for one
// finding lands on the same partition.
type Kafka struct {
	w      messageWriter
	topic  string
	logger log.Logger
}

// NewKafka builds a publisher with a synchronous kafka-go writer.
func NewKafka(cfg Config, logger log.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, xerrors.New("publish: at least one broker is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.Nop()
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           cfg.WriteTimeout,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Warn(context.Background(), fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}
	return newKafka(w, cfg.Topic, logger), nil
}

func newKafka(w messageWriter, topic string, logger log.Logger) *Kafka {
	return &Kafka{w: w, topic: topic, logger: logger}
}

// Publish writes one execution log.
func (k *Kafka) Publish(ctx context.Context, elog *orchestrate.ExecutionLog) error {
	if elog == nil {
		return xerrors.New("publish: nil execution log")
	}
	value, err := json.Marshal(elog)
	if err != nil {
		return fmt.Errorf("publish: encode execution %s: %w", elog.ID, err)
	}

	msg := kafka.Message{
		Key:   []byte(elog.FindingID),
		Value: value,
		Time:  elog.EndTime,
		Headers: []kafka.Header{
			{Key: "execution_id", Value: []byte(elog.ID)},
			{Key: "playbook", Value: []byte(elog.Playbook)},
			{Key: "status", Value: []byte(elog.Status)},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish: write to %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes pending writes.
func (k *Kafka) Close() error {
	return k.w.Close()
}
