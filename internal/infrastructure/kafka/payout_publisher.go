// Package kafka connects the engine to the event bus: payout batches go out to
// the payment executor and conversion events come in from the booking system.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fastygo/attribution/domain"
)

// PayoutMessage is the payload the payment executor consumes.
type PayoutMessage struct {
	BatchID      string    `json:"batch_id"`
	PartnerID    string    `json:"partner_id"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
	EntryIDs     []string  `json:"entry_ids"`
	TotalPayable string    `json:"total_payable"`
}

// PayoutPublisher submits payout batches to the executor topic. Messages are
// keyed by batch ID, so re-submissions of one batch stay ordered.
type PayoutPublisher struct {
	writer *kafka.Writer
	topic  string
}

func NewPayoutPublisher(brokers []string, topic string) (*PayoutPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return &PayoutPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

func (p *PayoutPublisher) Submit(ctx context.Context, batch domain.PayoutBatch) error {
	payload, err := json.Marshal(PayoutMessage{
		BatchID:      batch.BatchID,
		PartnerID:    batch.PartnerID,
		PeriodStart:  batch.PeriodStart,
		PeriodEnd:    batch.PeriodEnd,
		EntryIDs:     batch.EntryIDs,
		TotalPayable: batch.TotalPayable.StringFixedBank(2),
	})
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(batch.BatchID),
		Value: payload,
		Time:  time.Now().UTC(),
	})
}

func (p *PayoutPublisher) Close() error {
	return p.writer.Close()
}
