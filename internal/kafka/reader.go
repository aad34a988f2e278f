package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"invoice-service/internal/matcher"
	"invoice-service/internal/message"
	"invoice-service/internal/webhook"
	"github.com/VictoriaMetrics/metrics"
	"github.com/segmentio/kafka-go"
)

type Metrics struct {
	ReadErrorCounter      *metrics.Counter
	UnmarshalErrorCounter *metrics.Counter
	ProcessErrorCounter   *metrics.Counter
	SuccessCounter        *metrics.Counter
}

var (
	paymentObservationMetrics = Metrics{
		ReadErrorCounter:      metrics.GetOrCreateCounter(`kafka_reader_total{result="read_error",type="payment_observation"}`),
		UnmarshalErrorCounter: metrics.GetOrCreateCounter(`kafka_reader_total{result="unmarshal_error",type="payment_observation"}`),
		ProcessErrorCounter:   metrics.GetOrCreateCounter(`kafka_reader_total{result="process_error",type="payment_observation"}`),
		SuccessCounter:        metrics.GetOrCreateCounter(`kafka_reader_total{result="success",type="payment_observation"}`),
	}

	deliveryMessageMetrics = Metrics{
		ReadErrorCounter:      metrics.GetOrCreateCounter(`kafka_reader_total{result="read_error",type="webhook_delivery"}`),
		UnmarshalErrorCounter: metrics.GetOrCreateCounter(`kafka_reader_total{result="unmarshal_error",type="webhook_delivery"}`),
		ProcessErrorCounter:   metrics.GetOrCreateCounter(`kafka_reader_total{result="process_error",type="webhook_delivery"}`),
		SuccessCounter:        metrics.GetOrCreateCounter(`kafka_reader_total{result="success",type="webhook_delivery"}`),
	}
)

func NewReader(kafkaURL, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(kafkaURL, ","),
		GroupID: groupID,
		Topic:   topic,
	})
}

func ReadPaymentObservations(reader *kafka.Reader, processor *matcher.Processor, logger *slog.Logger) {
	readMessages(context.Background(), reader, logger, func(ctx context.Context, value []byte) error {
		var obs message.PaymentObserved
		if err := json.Unmarshal(value, &obs); err != nil {
			logger.ErrorContext(ctx, fmt.Sprintf("Error unmarshalling message: %v", err))
			paymentObservationMetrics.UnmarshalErrorCounter.Inc()
			return err
		}
		return processor.Process(ctx, obs)
	}, paymentObservationMetrics)
}

func ReadDeliveryMessages(reader *kafka.Reader, processor *webhook.Processor, logger *slog.Logger) {
	readMessages(context.Background(), reader, logger, func(ctx context.Context, value []byte) error {
		var d message.Delivery
		if err := json.Unmarshal(value, &d); err != nil {
			logger.ErrorContext(ctx, fmt.Sprintf("Error unmarshalling message: %v", err))
			deliveryMessageMetrics.UnmarshalErrorCounter.Inc()
			return err
		}
		return processor.Process(ctx, d)
	}, deliveryMessageMetrics)
}

func readMessages(ctx context.Context, reader *kafka.Reader, logger *slog.Logger, process func(context.Context, []byte) error, kafkaMetrics Metrics) {
	go func() {
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				logger.ErrorContext(ctx, fmt.Sprintf("Error reading message: %v", err))
				kafkaMetrics.ReadErrorCounter.Inc()
				continue
			}
			logger.InfoContext(ctx, fmt.Sprintf("Received message from topic %s", m.Topic))

			err = process(ctx, m.Value)
			if err != nil {
				logger.ErrorContext(ctx, fmt.Sprintf("Error processing message: %v", err))
				kafkaMetrics.ProcessErrorCounter.Inc()
				continue
			}
			kafkaMetrics.SuccessCounter.Inc()
		}
	}()
}
