package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusPublished  OutboxStatus = "published"
	OutboxStatusDead       OutboxStatus = "dead"
)

// Audience tells consumers who the notification is addressed to.
type Audience string

const (
	AudienceBuyer    Audience = "buyer"
	AudienceSeller   Audience = "seller"
	AudienceVerifier Audience = "verifier"
	AudienceOperator Audience = "operator"
)

const (
	TopicOrderPaid             = "order.paid"
	TopicPaymentFailed         = "payment.failed"
	TopicRefundSucceeded       = "refund.succeeded"
	TopicRefundFailed          = "refund.failed"
	TopicSettlementCreated     = "settlement.created"
	TopicSettlementPaid        = "settlement.paid"
	TopicSettlementFailed      = "settlement.failed"
	TopicSubscriptionChanged   = "subscription.changed"
	TopicSubscriptionCancelled = "subscription.cancelled"
)

// OutboxMessage is written in the same transaction as the state change it
// announces and relayed to the broker by the dispatcher.
type OutboxMessage struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	Topic         string            `gorm:"type:text;not null;index" json:"topic"`
	MessageKey    string            `gorm:"type:text;not null" json:"message_key"`
	Audience      Audience          `gorm:"type:text;not null" json:"audience"`
	Payload       datatypes.JSONMap `gorm:"not null" json:"payload"`
	Status        OutboxStatus      `gorm:"type:text;not null;index:ix_outbox_messages_due,priority:1" json:"status"`
	Attempts      int               `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt time.Time         `gorm:"not null;index:ix_outbox_messages_due,priority:2" json:"next_attempt_at"`
	LastError     *string           `gorm:"type:text" json:"last_error,omitempty"`
	PublishedAt   *time.Time        `json:"published_at,omitempty"`
	CreatedAt     time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"not null" json:"updated_at"`
}

func (OutboxMessage) TableName() string { return "outbox_messages" }

// Message is what producers hand to the outbox.
type Message struct {
	Topic    string
	Key      string
	Audience Audience
	Payload  map[string]any
}

// Outbox records notifications atomically with the caller's transaction.
type Outbox interface {
	Enqueue(ctx context.Context, tx *gorm.DB, msgs ...Message) error
}

// Dispatcher relays due outbox rows to the broker.
type Dispatcher interface {
	Dispatch(ctx context.Context) (int, error)
}

// Publisher delivers one message body to the broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	Close() error
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, msgs []OutboxMessage) error
	ClaimDue(ctx context.Context, db *gorm.DB, now time.Time, staleBefore time.Time, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, status OutboxStatus, nextAttemptAt time.Time, lastError string, at time.Time) error
}

var (
	ErrInvalidTopic    = errors.New("invalid_outbox_topic")
	ErrInvalidAudience = errors.New("invalid_outbox_audience")
)
