package main

import (
	"context"
	"log"
	"net/http"

	"invoice-service/internal/config"
	"invoice-service/internal/db"
	"invoice-service/internal/event"
	"invoice-service/internal/invoice"
	"invoice-service/internal/kafka"
	"invoice-service/internal/logging"
	"invoice-service/internal/matcher"
	"invoice-service/internal/metrics"
	"invoice-service/internal/money"
	"invoice-service/internal/ratesource"
	"invoice-service/internal/server"
	"invoice-service/internal/service"
	"invoice-service/internal/webhook"
	"github.com/shopspring/decimal"
)

func main() {
	ctx := context.Background()

	cfg := config.MustLoadConfig("config")
	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics)

	connStr := db.GetConnStr()
	db.RunMigrations(connStr, "migrations")

	dbpool, err := db.GetPool(connStr)
	if err != nil {
		log.Fatal(err)
	}
	defer dbpool.Close()

	invoices := db.NewInvoiceRepository(dbpool)
	webhooks := db.NewWebhookRepository(dbpool)

	fanout := event.NewFanout(webhooks, logger)

	policy := reconcilePolicy(cfg.Reconcile)
	matcherProcessor := matcher.NewProcessor(invoices, fanout, policy, logger)

	sweeper := matcher.NewSweeper(matcherProcessor, cfg.Reconcile, logger)
	sweeper.Start(ctx)

	creator := service.NewCreator(invoices, ratesource.New(cfg.Rates, logger), fanout,
		parseAmount(cfg.Reconcile.ChainFeeAllowance), logger)

	observationReader := kafka.NewReader(cfg.Kafka.Broker.URL, cfg.Kafka.Topic.PaymentObservations, cfg.Kafka.Reader.GroupID)
	defer observationReader.Close()
	kafka.ReadPaymentObservations(observationReader, matcherProcessor, logger)

	deliveryWriter := kafka.NewWriter(cfg.Kafka.Broker.URL, cfg.Kafka.Topic.WebhookDeliveries, cfg.Kafka.Writer)
	defer deliveryWriter.Close()

	producer := webhook.NewProducer(webhooks, deliveryWriter, cfg.Webhook.Producer, logger)
	producer.Start(ctx)

	sender := webhook.NewSender(cfg.Webhook.Sender, logger)
	deliveryProcessor := webhook.NewProcessor(webhooks, sender, cfg.Webhook.Processor, logger)

	deliveryReader := kafka.NewReader(cfg.Kafka.Broker.URL, cfg.Kafka.Topic.WebhookDeliveries, cfg.Kafka.Reader.GroupID)
	defer deliveryReader.Close()
	kafka.ReadDeliveryMessages(deliveryReader, deliveryProcessor, logger)

	redeliverer := webhook.NewRedeliverer(webhooks, logger)

	srv := server.New(creator, matcherProcessor, invoices, webhooks, redeliverer, logger)

	logger.InfoContext(ctx, "Starting server", "port", cfg.Server.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Server.Port, srv.Mux()))
}

func reconcilePolicy(cfg config.Reconcile) invoice.Policy {
	tolerance := decimal.Zero
	if cfg.UnderpaymentTolerancePercent != "" {
		tolerance = parseAmount(cfg.UnderpaymentTolerancePercent)
	}
	return invoice.Policy{
		UnderpaymentTolerancePercent: tolerance,
		AllowLateSettlement:          cfg.AllowLateSettlement,
	}
}

func parseAmount(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	return money.MustParse(s)
}
