package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"ms-enrollment/internal/config"
	"ms-enrollment/internal/models"

	"github.com/segmentio/kafka-go"
)

// Producer streams order lifecycle events. A Producer with a nil Writer
// is a no-op, which is how the service runs with Kafka disabled.
type Producer struct {
	Writer *kafka.Writer
	Topics config.TopicConfig
}

func NewProducer(brokers []string, topics config.TopicConfig) *Producer {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers: brokers,
	})
	return &Producer{Writer: writer, Topics: topics}
}

// NewDisabledProducer returns a producer that drops every event.
func NewDisabledProducer() *Producer {
	return &Producer{}
}

func (p *Producer) publish(topic, key string, payload interface{}) error {
	if p.Writer == nil {
		return nil
	}

	msgBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	fmt.Printf("Publishing to Kafka [%s]: %s\n", topic, string(msgBytes))

	return p.Writer.WriteMessages(context.Background(),
		kafka.Message{
			Topic: topic,
			Key:   []byte(key),
			Value: msgBytes,
		},
	)
}

// PublishOrderPaid streams the settled-order event to Kafka
func (p *Producer) PublishOrderPaid(order models.Order) error {
	return p.publish(p.Topics.OrderPaid, order.ID, order)
}

// PublishOrderFailed streams the rejected-order event to Kafka
func (p *Producer) PublishOrderFailed(order models.Order) error {
	return p.publish(p.Topics.OrderFailed, order.ID, order)
}

// PublishOrderCancelled streams the order cancellation event to Kafka
func (p *Producer) PublishOrderCancelled(order models.Order) error {
	return p.publish(p.Topics.OrderCancelled, order.ID, order)
}

// PublishEnrollmentGranted streams the access grant event to Kafka
func (p *Producer) PublishEnrollmentGranted(userID, courseID string) error {
	event := map[string]string{
		"user_id":   userID,
		"course_id": courseID,
	}
	return p.publish(p.Topics.EnrollmentGranted, userID+":"+courseID, event)
}

func (p *Producer) Close() error {
	if p.Writer == nil {
		return nil
	}
	return p.Writer.Close()
}
