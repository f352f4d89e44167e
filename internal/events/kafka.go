package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"VPN-Panel-bot/internal/logger"
)

type Kafka struct {
	producer *kafka.Producer
	topic    string
	done     chan struct{}
}

func NewKafka(brokers, topic string) (*Kafka, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "all",
		"linger.ms":         20,
	})
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	k := &Kafka{producer: p, topic: topic, done: make(chan struct{})}
	go k.deliveryReports()
	logger.Info("Kafka producer started", zap.String("brokers", brokers), zap.String("topic", topic))
	return k, nil
}

func (k *Kafka) deliveryReports() {
	defer close(k.done)
	for ev := range k.producer.Events() {
		switch e := ev.(type) {
		case *kafka.Message:
			if e.TopicPartition.Error != nil {
				logger.Warn("kafka delivery failed", zap.Error(e.TopicPartition.Error), zap.ByteString("key", e.Key))
			}
		case kafka.Error:
			logger.Error("Kafka error", zap.Error(e))
		}
	}
}

func (k *Kafka) Publish(_ context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	value, err := e.Encode()
	if err != nil {
		logger.Error("kafka encode event", zap.Error(err))
		return
	}
	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.topic, Partition: kafka.PartitionAny},
		Key:            []byte(strconv.FormatUint(uint64(e.UserID), 10)),
		Value:          value,
		Headers:        []kafka.Header{{Key: "type", Value: []byte(e.Type)}},
	}, nil)
	if err != nil {
		logger.Warn("kafka produce failed", zap.String("type", e.Type), zap.Uint("order_id", e.OrderID), zap.Error(err))
	}
}

// Close дожидается отправки буфера
func (k *Kafka) Close() {
	k.producer.Flush(5000)
	k.producer.Close()
	<-k.done
}
