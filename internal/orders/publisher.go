// Package orders implements the order-entry service: it submits and cancels
// orders through an exchange REST client under the runtime's execution
// envelope, tracks open orders, and publishes execution reports to Kafka for
// downstream consumers.
package orders

import (
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/quantfabric/xconnect/internal/exchange"
	"github.com/quantfabric/xconnect/pkg/errors"
)

// ExecReportTopic is the Kafka topic execution reports are published to when
// no topic is configured.
const ExecReportTopic = "exec_reports"

// resolveTopic applies the default when no topic is configured.
func resolveTopic(topic string) string {
	if topic == "" {
		return ExecReportTopic
	}
	return topic
}

// ReportPublisher publishes execution reports downstream.
type ReportPublisher interface {
	Publish(report exchange.ExecReport) error
	Close() error
}

// KafkaPublisher publishes execution reports to Kafka, keyed by symbol so one
// symbol's reports stay ordered within a partition.
type KafkaPublisher struct {
	producer *kafka.Producer
	topic    string
}

// NewKafkaPublisher creates a producer against the given brokers, publishing
// to topic (ExecReportTopic when empty).
func NewKafkaPublisher(brokers, topic string) (*KafkaPublisher, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return &KafkaPublisher{producer: producer, topic: resolveTopic(topic)}, nil
}

// Publish serializes and enqueues one execution report.
func (p *KafkaPublisher) Publish(report exchange.ExecReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return errors.ExchangeError(errors.ExErrUnavailable, errors.OpPublishReport,
			"failed to serialize execution report", err)
	}

	topic := p.topic
	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(report.Symbol),
		Value:          payload,
	}, nil)
	if err != nil {
		return errors.ExchangeError(errors.ExErrUnavailable, errors.OpPublishReport,
			"failed to produce execution report", err)
	}
	return nil
}

// Close flushes pending messages and closes the producer.
func (p *KafkaPublisher) Close() error {
	p.producer.Flush(15 * 1000)
	p.producer.Close()
	return nil
}
