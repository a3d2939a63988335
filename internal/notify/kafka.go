package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/logging"
	"nationalpos/backend/internal/metrics"
)

const eventTypeLowStock = "inventory.low_stock"

var ErrPublisherUnavailable = errors.New("alert publisher unavailable")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type alertEvent struct {
	Type       string               `json:"type"`
	OccurredAt time.Time            `json:"occurred_at"`
	Alert      domain.LowStockAlert `json:"alert"`
}

// KafkaPublisher writes alerts keyed by stock row, so one row's alerts stay
// ordered on a partition. Writes go through a circuit breaker that fails fast
// while the brokers are down.
type KafkaPublisher struct {
	writer  messageWriter
	breaker *gobreaker.CircuitBreaker
	log     *logrus.Entry
	metrics *metrics.Metrics
}

func NewKafkaPublisher(brokers []string, topic string, logger *logrus.Logger, m *metrics.Metrics) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
	return newKafkaPublisher(writer, logger, m)
}

func newKafkaPublisher(writer messageWriter, logger *logrus.Logger, m *metrics.Metrics) *KafkaPublisher {
	log := logging.Module(logger, "notify")
	settings := gobreaker.Settings{
		Name:        "kafka-alerts",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.RecordBreakerTransition(name, to.String())
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}
	return &KafkaPublisher{
		writer:  writer,
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log,
		metrics: m,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, alert domain.LowStockAlert) error {
	payload, err := json.Marshal(alertEvent{Type: eventTypeLowStock, OccurredAt: time.Now().UTC(), Alert: alert})
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", alert.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(alert.StockRowID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(eventTypeLowStock)},
			{Key: "branch-id", Value: []byte(alert.BranchID)},
		},
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.writer.WriteMessages(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		p.metrics.RecordPublishFailure()
		return fmt.Errorf("%w: %v", ErrPublisherUnavailable, err)
	}
	if err != nil {
		p.metrics.RecordPublishFailure()
		return fmt.Errorf("publish alert %s: %w", alert.ID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
