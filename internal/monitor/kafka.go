package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	logx "traversald/pkg/logx"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Kafka forwards each publish as one JSON message. The writer is async so
// Publish returns before delivery; failures are logged from the completion
// callback.
type Kafka struct {
	writer *kafka.Writer
	log    logx.Logger
}

type kafkaRecord struct {
	Time time.Time      `json:"time"`
	Vars map[string]any `json:"vars"`
}

func NewKafka(cfg KafkaConfig, log logx.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("monitor.kafka.brokers is required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errors.New("monitor.kafka.topic is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "monitor.kafka"))

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Warn("monitor publish failed", logx.Int("messages", len(msgs)), logx.Err(err))
			}
		},
	}
	log.Info("kafka monitor sink initialized", logx.Strings("brokers", cfg.Brokers), logx.String("topic", topic))
	return &Kafka{writer: w, log: log}, nil
}

func (k *Kafka) Publish(vars map[string]any) {
	b, err := json.Marshal(kafkaRecord{Time: time.Now().UTC(), Vars: vars})
	if err != nil {
		k.log.Debug("monitor record not serializable", logx.Err(err))
		return
	}
	if err := k.writer.WriteMessages(context.Background(), kafka.Message{Value: b}); err != nil {
		k.log.Warn("monitor publish rejected", logx.Err(err))
	}
}

func (k *Kafka) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
