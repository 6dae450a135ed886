package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"reminders/internal/models"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink streams delivery reports to a topic keyed by user id so each
// user's reports stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	logger *logrus.Logger
}

func NewKafkaSink(cfg KafkaConfig, logger *logrus.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink needs brokers and a topic")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.WithFields(logrus.Fields{"topic": cfg.Topic, "brokers": cfg.Brokers}).Info("Kafka analytics sink initialized")
	return &KafkaSink{writer: writer, logger: logger}, nil
}

func (s *KafkaSink) Forward(ctx context.Context, report *models.DeliveryReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery report: %w", err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(report.UserID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "report_id", Value: []byte(report.ID)},
		},
		Time: report.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to write delivery report %s to kafka: %w", report.ID, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
