package kafka

import (
	"time"

	"invoice-service/internal/config"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultBatchSize    = 100
	DefaultBatchTimeout = 100
)

// NewWriter builds a writer keyed with ReferenceHash so every message
// for one invoice id lands on the same partition: that is what makes
// reconciliation single-writer per invoice.
func NewWriter(kafkaURL, topic string, cfg config.KafkaWriter) *kafka.Writer {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = config.GetInt("KAFKA_WRITER_BATCH_SIZE", DefaultBatchSize)
	}
	batchTimeout := cfg.BatchTimeoutMs
	if batchTimeout <= 0 {
		batchTimeout = config.GetInt("KAFKA_WRITER_BATCH_TIMEOUT", DefaultBatchTimeout)
	}

	return &kafka.Writer{
		Addr:                   kafka.TCP(kafkaURL),
		Topic:                  topic,
		Balancer:               &kafka.ReferenceHash{},
		BatchSize:              batchSize,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           time.Duration(batchTimeout) * time.Millisecond,
		Async:                  false,
		AllowAutoTopicCreation: false,
	}
}
