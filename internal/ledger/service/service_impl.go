package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/marketpay/internal/audit/domain"
	"github.com/smallbiznis/marketpay/internal/clock"
	ledgerdomain "github.com/smallbiznis/marketpay/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/marketpay/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	AuditSvc   auditdomain.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateEntry(
	ctx context.Context,
	tx *gorm.DB,
	sourceType ledgerdomain.LedgerSourceType,
	sourceID snowflake.ID,
	currency string,
	occurredAt time.Time,
	lines []ledgerdomain.Line,
) (bool, error) {
	if strings.TrimSpace(string(sourceType)) == "" {
		return false, ledgerdomain.ErrInvalidSourceType
	}
	if sourceID == 0 {
		return false, ledgerdomain.ErrInvalidSourceID
	}

	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return false, ledgerdomain.ErrInvalidCurrency
	}
	if occurredAt.IsZero() {
		return false, ledgerdomain.ErrInvalidOccurredAt
	}

	normalized := make([]ledgerdomain.Line, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(string(line.Account)) == "" {
			return false, ledgerdomain.ErrInvalidAccount
		}
		direction, err := normalizeDirection(line.Direction)
		if err != nil {
			return false, err
		}
		if line.Amount < 0 {
			return false, ledgerdomain.ErrInvalidLineAmount
		}
		// zero lines carry no information (e.g. a 0% fee split)
		if line.Amount == 0 {
			continue
		}
		normalized = append(normalized, ledgerdomain.Line{
			Account:   line.Account,
			Direction: direction,
			Amount:    line.Amount,
		})
	}
	if len(normalized) < 2 {
		return false, ledgerdomain.ErrInvalidEntryLines
	}
	if err := ledgerdomain.ValidateBalanced(normalized); err != nil {
		return false, err
	}

	if tx == nil {
		tx = s.db
	}

	now := s.clock.Now().UTC()
	entry := ledgerdomain.LedgerEntry{
		ID:         s.genID.Generate(),
		SourceType: sourceType,
		SourceID:   sourceID,
		Currency:   currency,
		OccurredAt: occurredAt.UTC(),
		CreatedAt:  now,
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_type"}, {Name: "source_id"}},
			DoNothing: true,
		}).
		Create(&entry)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	for _, line := range normalized {
		accountID, err := s.ensureAccount(ctx, tx, line.Account)
		if err != nil {
			return false, err
		}
		row := ledgerdomain.LedgerEntryLine{
			ID:            s.genID.Generate(),
			LedgerEntryID: entry.ID,
			AccountID:     accountID,
			Direction:     line.Direction,
			Amount:        line.Amount,
			CreatedAt:     now,
		}
		if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
			return false, err
		}
	}

	if s.auditSvc != nil {
		entryID := entry.ID.String()
		metadata := map[string]any{
			"source_type": string(sourceType),
			"source_id":   sourceID.String(),
			"currency":    currency,
		}
		if err := s.auditSvc.AuditLog(ctx, tx, "", nil, "ledger.entry_created", "ledger_entry", &entryID, metadata); err != nil {
			s.log.Warn("failed to write ledger audit log", zap.Error(err))
		}
	}

	s.obsMetrics.RecordLedgerEntry(ctx, string(sourceType))
	return true, nil
}

func (s *Service) Balance(ctx context.Context, code ledgerdomain.LedgerAccountCode) (int64, error) {
	var balance struct {
		Debit  int64
		Credit int64
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN l.direction = 'debit' THEN l.amount ELSE 0 END), 0) AS debit,
			COALESCE(SUM(CASE WHEN l.direction = 'credit' THEN l.amount ELSE 0 END), 0) AS credit
		FROM ledger_entry_lines l
		JOIN ledger_accounts a ON a.id = l.account_id
		WHERE a.code = ?`,
		string(code),
	).Scan(&balance).Error
	if err != nil {
		return 0, err
	}
	return balance.Debit - balance.Credit, nil
}

func (s *Service) ensureAccount(ctx context.Context, tx *gorm.DB, code ledgerdomain.LedgerAccountCode) (snowflake.ID, error) {
	var account ledgerdomain.LedgerAccount
	err := tx.WithContext(ctx).Where("code = ?", string(code)).Take(&account).Error
	if err == nil {
		return account.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	account = ledgerdomain.LedgerAccount{
		ID:        s.genID.Generate(),
		Code:      code,
		Name:      ledgerdomain.AccountName(code),
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, DoNothing: true}).
		Create(&account).Error; err != nil {
		return 0, err
	}

	// a concurrent writer may have won the insert
	if err := tx.WithContext(ctx).Where("code = ?", string(code)).Take(&account).Error; err != nil {
		return 0, err
	}
	return account.ID, nil
}

func normalizeDirection(direction ledgerdomain.LedgerEntryDirection) (ledgerdomain.LedgerEntryDirection, error) {
	normalized := strings.ToLower(strings.TrimSpace(string(direction)))
	switch normalized {
	case string(ledgerdomain.LedgerEntryDirectionDebit):
		return ledgerdomain.LedgerEntryDirectionDebit, nil
	case string(ledgerdomain.LedgerEntryDirectionCredit):
		return ledgerdomain.LedgerEntryDirectionCredit, nil
	default:
		return "", ledgerdomain.ErrInvalidLineDirection
	}
}
