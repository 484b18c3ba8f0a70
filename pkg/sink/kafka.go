package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/gh-star-collector/pkg/collector"
	"github.com/Sternrassler/gh-star-collector/pkg/logging"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers []string
	// TopicPrefix is prepended to each table name to form the topic.
	TopicPrefix string
}

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes one message per row, to one topic per table.
type Kafka struct {
	writer messageWriter
	prefix string
	now    func() time.Time
	logger zerolog.Logger
}

// NewKafka creates a Kafka sink.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	return newKafka(writer, cfg.TopicPrefix), nil
}

func newKafka(writer messageWriter, prefix string) *Kafka {
	return &Kafka{
		writer: writer,
		prefix: prefix,
		now:    time.Now,
		logger: logging.NewLogger(logging.ComponentSink),
	}
}

// Topic returns the topic rows of table are published to.
func (k *Kafka) Topic(table string) string {
	return k.prefix + table
}

// Insert implements Sink. All messages of a batch are written in one call.
func (k *Kafka) Insert(ctx context.Context, repos []collector.Repository) error {
	if len(repos) == 0 {
		return nil
	}

	at := Timestamp(k.now())
	rows := Flatten(repos, at)
	msgs := make([]kafka.Message, 0, rows.Len())

	add := func(table, key string, row any) error {
		value, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal %s row: %w", table, err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: k.Topic(table),
			Key:   []byte(key),
			Value: value,
			Time:  at,
		})
		return nil
	}

	for _, r := range rows.Repositories {
		if err := add(TableRepositories, r.Owner+"/"+r.Name, r); err != nil {
			return err
		}
	}
	for _, r := range rows.AuthorCommits {
		if err := add(TableAuthorCommits, r.Repo, r); err != nil {
			return err
		}
	}
	for _, r := range rows.Positions {
		if err := add(TablePositions, r.Repo, r); err != nil {
			return err
		}
	}

	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write messages to kafka: %w", err)
	}

	countRows(rows)
	k.logger.Info().Int("messages", len(msgs)).Msg("Batch published")
	return nil
}

// Close implements Sink.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
