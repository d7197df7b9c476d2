// Package feed publishes settled trades to kafka for downstream
// consumers (analytics, surveillance, archival).
package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/openclob/ledgersync/pkg/core"
)

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// PublishTrade emits one settled trade keyed by market, so per-market
// ordering survives partitioning.
func (p *Producer) PublishTrade(ctx context.Context, t core.Trade) error {
	value, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(t.Market),
		Value: value,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
