// Package events publishes ledger outcomes to RabbitMQ for the ranking and report consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/greenpoint/ledgerops/internal/domain"
	"github.com/greenpoint/ledgerops/internal/logger"
	"github.com/greenpoint/ledgerops/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	RoutingRewardAwarded       = "reward.awarded"
	RoutingTransactionRejected = "transaction.rejected"
)

// Publisher publishes settlement events.
type Publisher interface {
	PublishSettlement(ctx context.Context, ev models.SettlementEvent) error
	Close()
}

// Producer holds the RabbitMQ connection and channel for publishing events.
type Producer struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	log      *slog.Logger
}

// NewProducer dials RabbitMQ and declares the events exchange.
func NewProducer(amqpURL, exchange string) (*Producer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := declare(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Producer{conn: conn, channel: ch, exchange: exchange, log: logger.Component("events")}, nil
}

func declare(ch *amqp.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	)
}

// PublishSettlement routes a CONFIRMED event to reward.awarded and a REJECTED event to
// transaction.rejected.
func (p *Producer) PublishSettlement(ctx context.Context, ev models.SettlementEvent) error {
	key, err := RoutingKey(ev.Status)
	if err != nil {
		return err
	}
	return p.Publish(ctx, key, ev)
}

// Publish sends body as JSON with routingKey. A failed publish reopens the channel and
// retries once.
func (p *Producer) Publish(ctx context.Context, routingKey string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("event marshal failed: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}
	p.log.Warn("publish failed; reopening channel", "exchange", p.exchange, "routing_key", routingKey, "error", err)

	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return errors.Join(err, chErr)
	}
	if exErr := declare(ch, p.exchange); exErr != nil {
		ch.Close()
		return errors.Join(err, exErr)
	}
	p.channel.Close()
	p.channel = ch
	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

// Close closes the channel and the connection.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// Fallback is a no-op publisher used when RabbitMQ is unavailable at startup.
type Fallback struct {
	Log *slog.Logger
}

func (f *Fallback) PublishSettlement(ctx context.Context, ev models.SettlementEvent) error {
	if f.Log != nil {
		f.Log.Warn("event publish skipped", "mode", "fallback", "transaction_id", ev.TransactionID, "status", ev.Status)
	}
	return nil
}

func (f *Fallback) Close() {}

// RoutingKey maps a terminal transaction status to its routing key.
func RoutingKey(status domain.TxStatus) (string, error) {
	switch status {
	case domain.StatusConfirmed:
		return RoutingRewardAwarded, nil
	case domain.StatusRejected:
		return RoutingTransactionRejected, nil
	}
	return "", fmt.Errorf("no routing key for status %q", status)
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}
