package service

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/mmeshcher/incentive-disbursement/internal/gateway"
	"github.com/mmeshcher/incentive-disbursement/internal/model"
	"github.com/mmeshcher/incentive-disbursement/internal/validation"
)

// DisburseRequest описывает запрос администратора на выплату.
type DisburseRequest struct {
	Identity  string
	OTP       string
	RecordIDs []int64
	Channels  model.ChannelFlags
}

// Disburse проверяет одноразовый код, исключает уже отправленные записи, отправляет пакет
// в шлюз и сохраняет итог по каждой строке.
//
// Если шлюз недоступен или не принял пакет, состояние записей не меняется. При частично
// неудачном сохранении возвращается результат вместе с ошибкой ErrPersistence.
func (s *Service) Disburse(ctx context.Context, req DisburseRequest) (*model.DisbursementResult, error) {
	if err := validation.ValidateRecordIDs(req.RecordIDs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.OTP == "" {
		return nil, ErrOTPRequired
	}
	if err := s.otp.Verify(ctx, req.Identity, req.OTP); err != nil {
		return nil, fmt.Errorf("verify one-time code: %w", err)
	}

	var result *model.DisbursementResult
	err := s.repo.WithDisbursementLock(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.disburseLocked(ctx, req)
		return err
	})
	return result, err
}

func (s *Service) disburseLocked(ctx context.Context, req DisburseRequest) (*model.DisbursementResult, error) {
	part, err := s.Partition(ctx, req.RecordIDs)
	if err != nil {
		return nil, err
	}
	if len(part.Conflicts) > 0 {
		s.logger.Info("payout refused, records already in flight or settled",
			zap.String("identity", req.Identity), zap.Int("conflicts", len(part.Conflicts)))
		return nil, &ConflictError{Conflicts: part.Conflicts}
	}

	now := s.nowFn()
	var (
		zero []model.IncentiveRecord
		sent []SentLine
	)
	for _, rec := range part.Eligible {
		switch {
		case rec.Amount < 0:
			return nil, fmt.Errorf("%w: record %d has negative amount", ErrInvalidRequest, rec.ID)
		case rec.Amount == 0:
			zero = append(zero, rec)
		default:
			sent = append(sent, SentLine{
				Record: rec,
				Line: gateway.Line{
					SNo:              len(sent) + 1,
					RecipientName:    rec.RecipientName,
					RecipientContact: rec.RecipientContact,
					Amount:           rec.Amount,
					Reference:        strconv.FormatInt(rec.ID, 10),
					TransactionID:    gateway.NewTransactionID(s.opts.ProjectScope, rec.ID, now),
					EntityID:         rec.EntityID,
				},
			})
		}
	}

	results := make(map[int64]model.LineResult, len(part.Eligible))
	var w *settlementWriter

	if len(sent) > 0 {
		lines := make([]gateway.Line, 0, len(sent))
		for _, sl := range sent {
			lines = append(lines, sl.Line)
		}

		_, resp, err := s.gateway.SubmitBatch(ctx, lines, req.Channels)
		if err != nil {
			s.logger.Error("reward gateway batch failed, no records changed",
				zap.Error(err), zap.Int("lines", len(lines)))
			return nil, fmt.Errorf("submit batch: %w", err)
		}

		w = s.newSettlementWriter(resp.Raw)
		marked, failed := w.markSubmitted(ctx, sent)
		for _, r := range failed {
			results[r.RecordID] = r
		}

		out, err := resp.Outcome()
		if err != nil {
			s.logger.Error("reward gateway outcome unreadable, records left in flight",
				zap.Error(err), zap.Int("lines", len(marked)))
			return nil, fmt.Errorf("interpret batch: %w", err)
		}

		interp := Interpret(marked, out, s.opts.RequireLineEchoes)
		s.logInterpretation(out, interp)

		for _, d := range interp.Decisions {
			results[d.Sent.Record.ID] = w.apply(ctx, d)
		}
	} else {
		w = s.newSettlementWriter(nil)
	}

	for _, rec := range zero {
		results[rec.ID] = w.settleZeroAmount(ctx, rec)
	}

	res := &model.DisbursementResult{Lines: make([]model.LineResult, 0, len(results))}
	for _, id := range req.RecordIDs {
		if r, ok := results[id]; ok {
			res.Lines = append(res.Lines, r)
		}
	}
	res.Message = summarize(res.Lines)

	s.logger.Info("payout completed",
		zap.String("identity", req.Identity), zap.Int("records", len(res.Lines)), zap.String("summary", res.Message))

	return res, w.err()
}

func (s *Service) logInterpretation(out gateway.Outcome, interp Interpretation) {
	if interp.TrustedOrder {
		s.logger.Warn("gateway returned no per-line transactions, outcome applied to all lines in order",
			zap.String("outcome", out.Kind.String()), zap.Int("lines", len(interp.Decisions)))
	} else if len(interp.Unverified) > 0 {
		s.logger.Warn("lines not confirmed by gateway",
			zap.String("outcome", out.Kind.String()), zap.Strings("transactionIDs", interp.Unverified),
			zap.Bool("keptInFlight", s.opts.RequireLineEchoes))
	}
	if len(interp.UnexpectedEchoes) > 0 {
		s.logger.Warn("gateway echoed unknown transactions", zap.Strings("transactionIDs", interp.UnexpectedEchoes))
	}
}

func summarize(lines []model.LineResult) string {
	counts := make(map[model.SettlementStatus]int)
	for _, l := range lines {
		counts[l.Status]++
	}
	return fmt.Sprintf("%d settled, %d pending balance, %d rejected, %d awaiting confirmation",
		counts[model.SettlementSettled], counts[model.SettlementPendingBalance],
		counts[model.SettlementRejected]+counts[model.SettlementClearedRetry], counts[model.SettlementSubmitted])
}
