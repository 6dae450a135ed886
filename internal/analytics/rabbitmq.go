package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/wb-go/wbf/rabbitmq"
	"github.com/wb-go/wbf/retry"

	"reminders/internal/models"
)

const (
	exchangeName      = "reminders.analytics"
	reportsQueue      = "reminders.analytics.reports"
	deadLetterQueue   = "reminders.analytics.failed"
	reportsRoutingKey = "report"
	deadRoutingKey    = "failed"
)

type RabbitConfig struct {
	URL     string
	Workers int
}

type publisher interface {
	Publish(ctx context.Context, body []byte, routingKey string, opts ...rabbitmq.PublishOption) error
}

// RabbitSink publishes delivery reports to a durable queue; a Consumer on
// the other side turns them into analytics rows.
type RabbitSink struct {
	client    *rabbitmq.RabbitClient
	publisher publisher
	workers   int
	logger    *logrus.Logger
}

func NewRabbitSink(cfg RabbitConfig, logger *logrus.Logger) (*RabbitSink, error) {
	config := rabbitmq.ClientConfig{
		URL:       cfg.URL,
		Heartbeat: 10 * time.Second,
		ReconnectStrat: retry.Strategy{
			Attempts: 10,
			Delay:    2 * time.Second,
			Backoff:  2,
		},
		ProducingStrat: retry.Strategy{
			Attempts: 3,
			Delay:    100 * time.Millisecond,
			Backoff:  2,
		},
		ConsumingStrat: retry.Strategy{
			Attempts: 3,
			Delay:    100 * time.Millisecond,
			Backoff:  2,
		},
	}

	client, err := rabbitmq.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	if err := declareTopology(client); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to setup analytics exchange and queues: %w", err)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 3
	}

	logger.WithField("exchange", exchangeName).Info("RabbitMQ analytics sink initialized")
	return &RabbitSink{
		client:    client,
		publisher: rabbitmq.NewPublisher(client, exchangeName, "application/json"),
		workers:   workers,
		logger:    logger,
	}, nil
}

// declareTopology sets up the reports queue with a dead-letter queue for
// reports the consumer rejects.
func declareTopology(client *rabbitmq.RabbitClient) error {
	err := client.DeclareExchange(exchangeName, "direct", true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	err = client.DeclareQueue(deadLetterQueue, exchangeName, deadRoutingKey, true, false, true, nil)
	if err != nil {
		return fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}

	reportsArgs := map[string]interface{}{
		"x-dead-letter-exchange":    exchangeName,
		"x-dead-letter-routing-key": deadRoutingKey,
	}
	err = client.DeclareQueue(reportsQueue, exchangeName, reportsRoutingKey, true, false, true, reportsArgs)
	if err != nil {
		return fmt.Errorf("failed to declare reports queue: %w", err)
	}

	return nil
}

func (s *RabbitSink) Forward(ctx context.Context, report *models.DeliveryReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery report: %w", err)
	}

	if err := s.publisher.Publish(ctx, body, reportsRoutingKey); err != nil {
		return fmt.Errorf("failed to publish delivery report %s: %w", report.ID, err)
	}

	s.logger.WithFields(logrus.Fields{
		"report_id":   report.ID,
		"reminder_id": report.ReminderID,
	}).Debug("Published delivery report")
	return nil
}

// StartConsumer drains the reports queue into recorder until ctx is done.
func (s *RabbitSink) StartConsumer(ctx context.Context, recorder Recorder) error {
	config := rabbitmq.ConsumerConfig{
		Queue:         reportsQueue,
		ConsumerTag:   "reminders-analytics-consumer",
		AutoAck:       false,
		Workers:       s.workers,
		PrefetchCount: 10,
		Ask: rabbitmq.AskConfig{
			Multiple: false,
		},
		Nack: rabbitmq.NackConfig{
			Multiple: false,
			Requeue:  false,
		},
		Args: nil,
	}

	handler := NewConsumer(recorder, s.logger)
	consumer := rabbitmq.NewConsumer(s.client, config, handler.HandleDelivery)

	go func() {
		if err := consumer.Start(ctx); err != nil {
			s.logger.WithError(err).Error("Analytics consumer stopped with error")
		}
	}()

	s.logger.WithField("queue", reportsQueue).Info("Analytics consumer started")
	return nil
}

func (s *RabbitSink) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Consumer turns queued delivery reports into analytics rows.
type Consumer struct {
	recorder Recorder
	logger   *logrus.Logger
}

func NewConsumer(recorder Recorder, logger *logrus.Logger) *Consumer {
	return &Consumer{recorder: recorder, logger: logger}
}

// HandleDelivery acks malformed payloads after logging them; storage errors
// are returned so the broker dead-letters the message.
func (c *Consumer) HandleDelivery(ctx context.Context, delivery amqp091.Delivery) error {
	var report models.DeliveryReport
	if err := json.Unmarshal(delivery.Body, &report); err != nil {
		c.logger.WithError(err).Warn("Dropping malformed delivery report")
		return nil
	}

	if err := c.recorder.StoreDeliveryAnalytics(ctx, report.AnalyticsRecords()); err != nil {
		c.logger.WithError(err).WithField("report_id", report.ID).Error("Failed to store delivery analytics")
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"report_id": report.ID,
		"records":   len(report.Results),
	}).Debug("Stored delivery analytics")
	return nil
}
