package publisher

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/smallbiznis/marketpay/internal/config"
	"github.com/smallbiznis/marketpay/internal/notification/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// AMQPPublisher publishes outbox envelopes to a topic exchange. The
// connection is opened lazily and dropped after a publish error so the next
// dispatch reconnects.
type AMQPPublisher struct {
	url      string
	exchange string
	log      *zap.Logger

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func NewAMQPPublisher(rawURL, exchange string, log *zap.Logger) (*AMQPPublisher, error) {
	clean, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = "marketpay.events"
	}
	return &AMQPPublisher{url: clean, exchange: exchange, log: log}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureChannel(); err != nil {
		return err
	}

	err := p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         body,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		p.closeLocked()
		return err
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *AMQPPublisher) ensureChannel() error {
	if p.channel != nil && !p.channel.IsClosed() {
		return nil
	}
	p.closeLocked()

	conn, err := amqp091.DialConfig(p.url, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	p.conn = conn
	p.channel = ch
	p.log.Info("rabbitmq channel opened", zap.String("exchange", p.exchange))
	return nil
}

func (p *AMQPPublisher) closeLocked() {
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("invalid_amqp_scheme")
	}
	return clean, nil
}

// redactURL drops credentials before the URL reaches a log line.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.User = nil
	return u.String()
}

// LogPublisher stands in for the broker when RabbitMQ is not configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.log.Info("outbox message (no broker configured)",
		zap.String("routing_key", routingKey),
		zap.ByteString("body", body),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// New picks the AMQP publisher when a broker URL is configured.
func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (domain.Publisher, error) {
	log = log.Named("notification.publisher")
	if !cfg.RabbitMQ.Enabled() {
		log.Info("rabbitmq disabled, outbox messages will be logged")
		return NewLogPublisher(log), nil
	}

	pub, err := NewAMQPPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, log)
	if err != nil {
		return nil, err
	}
	log.Info("rabbitmq publisher configured", zap.String("url", redactURL(pub.url)))

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return pub.Close()
			},
		})
	}
	return pub, nil
}
