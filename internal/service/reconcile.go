package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/incentive-disbursement/internal/model"
	"github.com/mmeshcher/incentive-disbursement/internal/repository"
	"github.com/mmeshcher/incentive-disbursement/internal/webhook"
)

// RefOutcome задаёт итог обработки одной транзакции из вебхука.
type RefOutcome string

const (
	RefSettled        RefOutcome = "SETTLED"
	RefCleared        RefOutcome = "CLEARED_FOR_RETRY"
	RefAlreadyHandled RefOutcome = "ALREADY_HANDLED"
	RefNoChange       RefOutcome = "NO_CHANGE"
	RefUnknown        RefOutcome = "UNKNOWN_REFERENCE"
	RefStoreError     RefOutcome = "STORE_ERROR"
)

// RefReport описывает обработку одной транзакции.
type RefReport struct {
	TransactionID string     `json:"transactionId"`
	RecordID      int64      `json:"recordId,omitempty"`
	Outcome       RefOutcome `json:"outcome"`
	Reason        string     `json:"reason,omitempty"`
}

// ReconcileReport содержит итог обработки события шлюза.
type ReconcileReport struct {
	Event     webhook.EventKind
	Processed []RefReport
	Failed    []RefReport
}

// SettledIDs возвращает транзакции, оплата которых зафиксирована этим событием.
func (r *ReconcileReport) SettledIDs() []string { return r.idsWith(RefSettled) }

// AlreadyHandledIDs возвращает транзакции, состояние которых уже было окончательным.
func (r *ReconcileReport) AlreadyHandledIDs() []string { return r.idsWith(RefAlreadyHandled) }

// UnknownIDs возвращает транзакции, которых нет в хранилище.
func (r *ReconcileReport) UnknownIDs() []string { return r.idsWith(RefUnknown) }

func (r *ReconcileReport) idsWith(o RefOutcome) []string {
	var ids []string
	for _, list := range [][]RefReport{r.Processed, r.Failed} {
		for _, rep := range list {
			if rep.Outcome == o {
				ids = append(ids, rep.TransactionID)
			}
		}
	}
	return ids
}

func (r *ReconcileReport) add(rep RefReport) {
	switch rep.Outcome {
	case RefUnknown, RefStoreError:
		r.Failed = append(r.Failed, rep)
	default:
		r.Processed = append(r.Processed, rep)
	}
}

// ErrReconcileUnavailable возвращается, если хранилище не ответило ни по одной транзакции события.
// Отправитель повторит доставку, повторная обработка безопасна.
var ErrReconcileUnavailable = errors.New("settlement store unavailable")

// Reconcile применяет проверенное событие шлюза к записям. Повторная доставка того же события
// не меняет состояние: оплаченные записи не перезаписываются.
func (s *Service) Reconcile(ctx context.Context, ev *webhook.Event) (*ReconcileReport, error) {
	report := &ReconcileReport{Event: ev.Kind}

	switch p := ev.Payload.(type) {
	case webhook.IndividualResult:
		report.add(s.reconcileIndividual(ctx, ev, p.Transaction))
	case webhook.BatchResult:
		for _, ref := range p.Transactions {
			report.add(s.reconcileBatchRef(ctx, ev, ref))
		}
	default:
		return nil, fmt.Errorf("unsupported webhook payload %T", ev.Payload)
	}

	s.logger.Info("webhook reconciled",
		zap.String("event", string(ev.Kind)),
		zap.Strings("settled", report.SettledIDs()),
		zap.Strings("alreadyHandled", report.AlreadyHandledIDs()),
		zap.Strings("unknown", report.UnknownIDs()))

	total := len(report.Processed) + len(report.Failed)
	storeErrors := 0
	for _, f := range report.Failed {
		if f.Outcome == RefStoreError {
			storeErrors++
		}
	}
	if total > 0 && storeErrors == total {
		return report, ErrReconcileUnavailable
	}
	return report, nil
}

func (s *Service) reconcileBatchRef(ctx context.Context, ev *webhook.Event, ref webhook.TxnRef) RefReport {
	switch ev.Kind {
	case webhook.KindRewardProcessed:
		switch ref.Status {
		case webhook.TxnFailed:
			return s.clearRef(ctx, ev, ref)
		case webhook.TxnPending:
			return s.inspectRef(ctx, ref, "transfer still pending")
		default:
			return s.settleRef(ctx, ev, ref)
		}
	case webhook.KindRewardRejected:
		return s.clearRef(ctx, ev, ref)
	case webhook.KindInsufficientFunds, webhook.KindValidationFailed:
		if s.opts.ClearOnGatewayFailure {
			return s.clearRef(ctx, ev, ref)
		}
		return s.inspectRef(ctx, ref, "gateway failure reported, record left for operator")
	default:
		s.logger.Warn("unknown webhook event kind", zap.String("event", string(ev.Kind)),
			zap.String("transactionID", ref.TransactionID))
		return s.inspectRef(ctx, ref, "unknown event kind "+string(ev.Kind))
	}
}

func (s *Service) reconcileIndividual(ctx context.Context, ev *webhook.Event, ref webhook.TxnRef) RefReport {
	if ref.Status == webhook.TxnSuccess {
		return s.settleRef(ctx, ev, ref)
	}
	return s.inspectRef(ctx, ref, "individual result "+string(ref.Status))
}

func (s *Service) settleRef(ctx context.Context, ev *webhook.Event, ref webhook.TxnRef) RefReport {
	now := s.nowFn().UTC()
	id, applied, err := s.repo.SettleByTransactionID(ctx, ref.TransactionID, now, &model.TransactionMetadata{
		Webhook:   ev.Raw,
		Status:    model.SettlementSettled,
		UpdatedAt: now,
	})
	if rep, done := s.refError(ref, err); done {
		return rep
	}
	if !applied {
		return RefReport{TransactionID: ref.TransactionID, RecordID: id, Outcome: RefAlreadyHandled}
	}

	s.publish(ctx, model.SettlementEvent{
		RecordID:      id,
		Status:        model.SettlementSettled,
		TransactionID: ref.TransactionID,
		Amount:        ref.Amount,
		Source:        sourceWebhook,
		OccurredAt:    now,
	})
	return RefReport{TransactionID: ref.TransactionID, RecordID: id, Outcome: RefSettled}
}

func (s *Service) clearRef(ctx context.Context, ev *webhook.Event, ref webhook.TxnRef) RefReport {
	id, applied, err := s.repo.ClearByTransactionID(ctx, ref.TransactionID)
	if rep, done := s.refError(ref, err); done {
		return rep
	}
	if !applied {
		s.logger.Warn("failure reported for settled record, ignored",
			zap.String("event", string(ev.Kind)), zap.String("transactionID", ref.TransactionID), zap.Int64("recordID", id))
		return RefReport{TransactionID: ref.TransactionID, RecordID: id, Outcome: RefAlreadyHandled, Reason: "record already settled"}
	}

	s.publish(ctx, model.SettlementEvent{
		RecordID:      id,
		Status:        model.SettlementClearedRetry,
		TransactionID: ref.TransactionID,
		Amount:        ref.Amount,
		Source:        sourceWebhook,
	})
	return RefReport{TransactionID: ref.TransactionID, RecordID: id, Outcome: RefCleared}
}

// inspectRef проверяет, что транзакция известна, и ничего не меняет.
func (s *Service) inspectRef(ctx context.Context, ref webhook.TxnRef, reason string) RefReport {
	rec, err := s.repo.FindRecordByTransactionID(ctx, ref.TransactionID)
	if rep, done := s.refError(ref, err); done {
		return rep
	}
	s.logger.Info("webhook reference left unchanged",
		zap.String("transactionID", ref.TransactionID), zap.Int64("recordID", rec.ID), zap.String("reason", reason))
	return RefReport{TransactionID: ref.TransactionID, RecordID: rec.ID, Outcome: RefNoChange, Reason: reason}
}

func (s *Service) refError(ref webhook.TxnRef, err error) (RefReport, bool) {
	switch {
	case err == nil:
		return RefReport{}, false
	case errors.Is(err, repository.ErrRecordNotFound):
		s.logger.Warn("webhook references unknown transaction", zap.String("transactionID", ref.TransactionID))
		return RefReport{TransactionID: ref.TransactionID, Outcome: RefUnknown, Reason: "transaction not found"}, true
	default:
		s.logger.Error("webhook reference not applied", zap.Error(err), zap.String("transactionID", ref.TransactionID))
		return RefReport{TransactionID: ref.TransactionID, Outcome: RefStoreError, Reason: "store error"}, true
	}
}
