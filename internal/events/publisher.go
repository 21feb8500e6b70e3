// Package events публикует изменения расчётного состояния записей для отчётов и лидербордов.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mmeshcher/incentive-disbursement/internal/model"
)

// События пишутся по одному на строку выплаты, поэтому писатель не ждёт наполнения пакета.
const (
	batchTimeout = 10 * time.Millisecond
	maxAttempts  = 3
)

// KafkaPublisher пишет события расчёта в Kafka. Ключом сообщения служит идентификатор записи,
// поэтому события одной записи попадают в одну партицию и сохраняют порядок.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher создаёт издателя для указанных брокеров и топика.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			BatchTimeout: batchTimeout,
			MaxAttempts:  maxAttempts,
			WriteTimeout: 5 * time.Second,
		},
	}, nil
}

// PublishSettlement публикует одно событие расчёта.
func (p *KafkaPublisher) PublishSettlement(ctx context.Context, ev model.SettlementEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode settlement event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.RecordID, 10)),
		Value: payload,
		Time:  ev.OccurredAt,
	})
}

// Close закрывает соединения с брокерами.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher используется, когда брокеры не настроены.
type NopPublisher struct{}

// PublishSettlement ничего не делает.
func (NopPublisher) PublishSettlement(context.Context, model.SettlementEvent) error { return nil }

// Close ничего не делает.
func (NopPublisher) Close() error { return nil }
