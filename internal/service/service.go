// Package service реализует выплату поощрений через внешний шлюз и сверку по вебхукам.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/incentive-disbursement/internal/gateway"
	"github.com/mmeshcher/incentive-disbursement/internal/model"
	"github.com/mmeshcher/incentive-disbursement/internal/repository"
)

// Repository описывает контракт доступа к записям о поощрениях, используемый сервисом.
type Repository interface {
	Close() error
	WithDisbursementLock(ctx context.Context, fn func(ctx context.Context) error) error
	FindRecordsByIDs(ctx context.Context, ids []int64) ([]model.IncentiveRecord, error)
	FindRecordByTransactionID(ctx context.Context, transactionID string) (*model.IncentiveRecord, error)
	UpdateRecordSettlement(ctx context.Context, id int64, upd model.SettlementUpdate) error
	SettleByTransactionID(ctx context.Context, transactionID string, at time.Time, meta *model.TransactionMetadata) (int64, bool, error)
	ClearByTransactionID(ctx context.Context, transactionID string) (int64, bool, error)
	ClearRecord(ctx context.Context, id int64) (*model.IncentiveRecord, error)
	FindStaleInFlight(ctx context.Context, olderThan time.Time, limit int) ([]model.IncentiveRecord, error)
}

// Gateway описывает отправку пакета выплат во внешний шлюз.
type Gateway interface {
	SubmitBatch(ctx context.Context, lines []gateway.Line, flags model.ChannelFlags) (*gateway.BatchRequest, *gateway.BatchResponse, error)
}

// OTPGate выдаёт и проверяет одноразовые коды.
type OTPGate interface {
	Issue(ctx context.Context, identity string) (time.Time, error)
	Verify(ctx context.Context, identity, code string) error
}

// Publisher публикует события расчёта.
type Publisher interface {
	PublishSettlement(ctx context.Context, ev model.SettlementEvent) error
}

// Options задаёт политики сервиса.
type Options struct {
	ProjectScope          string
	RequireLineEchoes     bool
	ClearOnGatewayFailure bool
	StaleInFlightAfter    time.Duration
}

var (
	// ErrInvalidRequest возвращается при некорректном запросе на выплату.
	ErrInvalidRequest = errors.New("invalid payout request")
	// ErrUnknownRecords возвращается, если часть запрошенных записей не существует.
	ErrUnknownRecords = errors.New("unknown incentive records")
	// ErrOTPRequired возвращается, если одноразовый код не передан.
	ErrOTPRequired = errors.New("one-time code is required")
	// ErrPersistence возвращается, если результат выплаты удалось сохранить не полностью.
	ErrPersistence = errors.New("settlement not fully persisted")
)

// publishTimeout ограничивает публикацию одного события: она идёт под блокировкой выплаты.
const publishTimeout = 2 * time.Second

// Источники событий расчёта.
const (
	sourcePayout   = "payout"
	sourceWebhook  = "webhook"
	sourceOperator = "operator"
)

// Service содержит бизнес-логику выплат поощрений.
type Service struct {
	repo      Repository
	gateway   Gateway
	otp       OTPGate
	publisher Publisher
	logger    *zap.Logger
	opts      Options
	nowFn     func() time.Time

	publishTimeout time.Duration
}

// NewService создаёт новый сервис выплат.
func NewService(repo Repository, gw Gateway, otp OTPGate, publisher Publisher, logger *zap.Logger, opts Options) *Service {
	if opts.ProjectScope == "" {
		opts.ProjectScope = "INC"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		gateway:   gw,
		otp:       otp,
		publisher: publisher,
		logger:    logger,
		opts:      opts,
		nowFn:     time.Now,

		publishTimeout: publishTimeout,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// IssueOTP выпускает одноразовый код для администратора, запускающего выплату.
func (s *Service) IssueOTP(ctx context.Context, identity string) (time.Time, error) {
	return s.otp.Issue(ctx, identity)
}

// GetRecord возвращает запись о поощрении по идентификатору.
func (s *Service) GetRecord(ctx context.Context, id int64) (*model.IncentiveRecord, error) {
	recs, err := s.repo.FindRecordsByIDs(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, repository.ErrRecordNotFound
	}
	return &recs[0], nil
}

// ClearRecord снимает с отправленной, но не оплаченной записи идентификатор транзакции,
// делая её снова доступной для выплаты.
func (s *Service) ClearRecord(ctx context.Context, id int64) (*model.IncentiveRecord, error) {
	rec, err := s.repo.ClearRecord(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("clear record %d: %w", id, err)
	}

	s.logger.Warn("record cleared for retry by operator", zap.Int64("recordID", id))
	s.publish(ctx, model.SettlementEvent{
		RecordID: rec.ID,
		Status:   model.SettlementClearedRetry,
		Amount:   rec.Amount,
		Source:   sourceOperator,
	})
	return rec, nil
}

func (s *Service) publish(ctx context.Context, ev model.SettlementEvent) {
	if s.publisher == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.nowFn().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()

	if err := s.publisher.PublishSettlement(ctx, ev); err != nil {
		s.logger.Warn("publish settlement event failed",
			zap.Error(err), zap.Int64("recordID", ev.RecordID), zap.String("status", string(ev.Status)))
	}
}
