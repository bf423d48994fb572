package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketpay/internal/clock"
	"github.com/smallbiznis/marketpay/internal/config"
	"github.com/smallbiznis/marketpay/internal/notification/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	maxAttempts        = 20
	maxRetryDelay      = 300 * time.Second
	staleProcessingAge = 2 * time.Minute
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	Publisher domain.Publisher
	PayoutCfg *config.PayoutConfigHolder `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	publisher domain.Publisher
	payoutCfg *config.PayoutConfigHolder
}

func NewService(p Params) *Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("notification.outbox"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		publisher: p.Publisher,
		payoutCfg: p.PayoutCfg,
	}
}

func (s *Service) Enqueue(ctx context.Context, tx *gorm.DB, msgs ...domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if tx == nil {
		tx = s.db
	}

	now := s.clock.Now().UTC()
	rows := make([]domain.OutboxMessage, 0, len(msgs))
	for _, msg := range msgs {
		topic := strings.TrimSpace(msg.Topic)
		if topic == "" {
			return domain.ErrInvalidTopic
		}
		if strings.TrimSpace(string(msg.Audience)) == "" {
			return domain.ErrInvalidAudience
		}
		payload := datatypes.JSONMap{}
		for key, value := range msg.Payload {
			payload[key] = value
		}
		rows = append(rows, domain.OutboxMessage{
			ID:            s.genID.Generate(),
			Topic:         topic,
			MessageKey:    strings.TrimSpace(msg.Key),
			Audience:      msg.Audience,
			Payload:       payload,
			Status:        domain.OutboxStatusPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return s.repo.Insert(ctx, tx, rows)
}

// Dispatch publishes one batch of due messages and reports how many were delivered.
func (s *Service) Dispatch(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	batch := s.payoutCfg.Get().OutboxBatchSize

	msgs, err := s.repo.ClaimDue(ctx, s.db, now, now.Add(-staleProcessingAge), batch)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		body, err := encodeEnvelope(msg)
		if err == nil {
			err = s.publisher.Publish(ctx, msg.Topic, body)
		}
		if err != nil {
			s.markFailed(ctx, msg, err)
			continue
		}
		if err := s.repo.MarkPublished(ctx, s.db, msg.ID, s.clock.Now().UTC()); err != nil {
			s.log.Warn("failed to mark outbox message published",
				zap.String("message_id", msg.ID.String()),
				zap.Error(err),
			)
			continue
		}
		published++
	}
	return published, nil
}

func (s *Service) markFailed(ctx context.Context, msg domain.OutboxMessage, cause error) {
	now := s.clock.Now().UTC()
	status := domain.OutboxStatusPending
	if msg.Attempts >= maxAttempts {
		status = domain.OutboxStatusDead
	}
	next := now.Add(RetryDelay(msg.Attempts))

	fields := []zap.Field{
		zap.String("message_id", msg.ID.String()),
		zap.String("topic", msg.Topic),
		zap.Int("attempts", msg.Attempts),
		zap.Error(cause),
	}
	if status == domain.OutboxStatusDead {
		s.log.Error("outbox message exhausted retries", fields...)
	} else {
		s.log.Warn("outbox publish failed", append(fields, zap.Time("next_attempt_at", next))...)
	}

	if err := s.repo.MarkFailed(ctx, s.db, msg.ID, status, next, cause.Error(), now); err != nil {
		s.log.Error("failed to record outbox failure", zap.String("message_id", msg.ID.String()), zap.Error(err))
	}
}

// RetryDelay doubles per attempt and caps at five minutes.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		return time.Second
	}
	if attempt > 9 {
		attempt = 9
	}
	delay := time.Duration(1<<attempt) * time.Second
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

type envelope struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Key       string         `json:"key"`
	Audience  string         `json:"audience"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

func encodeEnvelope(msg domain.OutboxMessage) ([]byte, error) {
	return json.Marshal(envelope{
		ID:        msg.ID.String(),
		Topic:     msg.Topic,
		Key:       msg.MessageKey,
		Audience:  string(msg.Audience),
		Payload:   msg.Payload,
		CreatedAt: msg.CreatedAt,
	})
}
