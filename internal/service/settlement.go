package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/incentive-disbursement/internal/gateway"
	"github.com/mmeshcher/incentive-disbursement/internal/model"
	"github.com/mmeshcher/incentive-disbursement/internal/repository"
)

const zeroAmountNote = "zero amount, no external transfer"

// settlementWriter сохраняет итог выплаты построчно. Ошибка одной строки не прерывает запись остальных.
type settlementWriter struct {
	svc      *Service
	response json.RawMessage
	now      time.Time
	errs     []error
}

func (s *Service) newSettlementWriter(response json.RawMessage) *settlementWriter {
	return &settlementWriter{svc: s, response: response, now: s.nowFn().UTC()}
}

func (w *settlementWriter) err() error {
	if len(w.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPersistence, errors.Join(w.errs...))
}

func (w *settlementWriter) metadata(sl SentLine, status model.SettlementStatus) *model.TransactionMetadata {
	req, _ := json.Marshal(sl.Line)
	return &model.TransactionMetadata{
		Request:   req,
		Response:  w.response,
		Status:    status,
		UpdatedAt: w.now,
	}
}

// markSubmitted сохраняет идентификатор транзакции сразу после того, как шлюз принял пакет.
// Строки, которые не удалось отметить, возвращаются с ошибкой и дальше не обрабатываются.
func (w *settlementWriter) markSubmitted(ctx context.Context, sent []SentLine) (marked []SentLine, failed []model.LineResult) {
	for _, sl := range sent {
		txn := sl.Line.TransactionID
		err := w.svc.repo.UpdateRecordSettlement(ctx, sl.Record.ID, model.SettlementUpdate{
			TransactionID: &txn,
			Status:        model.SettlementSubmitted,
			Metadata:      w.metadata(sl, model.SettlementSubmitted),
		})
		if err != nil {
			w.svc.logger.Error("persist submitted transaction failed",
				zap.Error(err), zap.Int64("recordID", sl.Record.ID), zap.String("transactionID", txn))
			w.errs = append(w.errs, fmt.Errorf("record %d: %w", sl.Record.ID, err))
			failed = append(failed, model.LineResult{
				RecordID:      sl.Record.ID,
				Amount:        sl.Record.Amount,
				Status:        model.SettlementSubmitted,
				TransactionID: txn,
				Message:       "submitted to gateway but not recorded, reconcile manually",
			})
			continue
		}
		marked = append(marked, sl)
	}
	return marked, failed
}

// apply сохраняет итоговое состояние строки.
func (w *settlementWriter) apply(ctx context.Context, d Decision) model.LineResult {
	rec := d.Sent.Record
	txn := d.Sent.Line.TransactionID
	res := model.LineResult{
		RecordID:      rec.ID,
		Amount:        rec.Amount,
		Status:        d.Status,
		TransactionID: txn,
		Message:       d.Message,
	}

	var upd model.SettlementUpdate
	switch d.Status {
	case model.SettlementSettled:
		at := w.now
		upd = model.SettlementUpdate{Status: d.Status, SettledAt: &at, Metadata: w.metadata(d.Sent, d.Status)}
	case model.SettlementPendingBalance:
		upd = model.SettlementUpdate{Status: d.Status, Metadata: w.metadata(d.Sent, d.Status)}
	case model.SettlementRejected:
		upd = model.SettlementUpdate{Status: d.Status, ClearTransaction: true}
	default:
		// SUBMITTED уже сохранён.
		return res
	}
	upd.ExpectedTransactionID = &txn

	err := w.svc.repo.UpdateRecordSettlement(ctx, rec.ID, upd)
	switch {
	case errors.Is(err, repository.ErrRecordSettled):
		w.svc.logger.Info("record settled by webhook before payout outcome was recorded",
			zap.Int64("recordID", rec.ID), zap.String("transactionID", txn), zap.String("outcome", string(d.Status)))
		res.Status = model.SettlementSettled
		res.Message = "already settled by gateway webhook"
		return res
	case errors.Is(err, repository.ErrTransactionSuperseded):
		w.svc.logger.Warn("record cleared by webhook before payout outcome was recorded",
			zap.Int64("recordID", rec.ID), zap.String("transactionID", txn), zap.String("outcome", string(d.Status)))
		res.Status = model.SettlementClearedRetry
		res.Message = "cleared for retry by gateway webhook"
		return res
	case err != nil:
		w.svc.logger.Error("persist settlement failed",
			zap.Error(err), zap.Int64("recordID", rec.ID), zap.String("transactionID", txn),
			zap.String("status", string(d.Status)))
		w.errs = append(w.errs, fmt.Errorf("record %d: %w", rec.ID, err))
		res.Status = model.SettlementSubmitted
		res.Message = "gateway outcome not recorded: " + string(d.Status)
		return res
	}

	w.svc.publish(ctx, model.SettlementEvent{
		RecordID:      rec.ID,
		Status:        d.Status,
		TransactionID: txn,
		Amount:        rec.Amount,
		Source:        sourcePayout,
		OccurredAt:    w.now,
	})
	return res
}

// settleZeroAmount закрывает запись с нулевой суммой локальной транзакцией без обращения к шлюзу.
func (w *settlementWriter) settleZeroAmount(ctx context.Context, rec model.IncentiveRecord) model.LineResult {
	txn := gateway.NewTransactionID(w.svc.opts.ProjectScope+"-ZERO", rec.ID, w.now)
	at := w.now
	res := model.LineResult{
		RecordID:      rec.ID,
		Amount:        rec.Amount,
		Status:        model.SettlementSettled,
		TransactionID: txn,
		Message:       zeroAmountNote,
	}

	err := w.svc.repo.UpdateRecordSettlement(ctx, rec.ID, model.SettlementUpdate{
		TransactionID: &txn,
		Status:        model.SettlementSettled,
		SettledAt:     &at,
		Metadata: &model.TransactionMetadata{
			Status:    model.SettlementSettled,
			Note:      zeroAmountNote,
			UpdatedAt: w.now,
		},
	})
	if err != nil {
		w.svc.logger.Error("persist zero amount settlement failed", zap.Error(err), zap.Int64("recordID", rec.ID))
		w.errs = append(w.errs, fmt.Errorf("record %d: %w", rec.ID, err))
		res.Status = rec.Status
		res.TransactionID = ""
		res.Message = "zero amount settlement not recorded"
		return res
	}

	w.svc.publish(ctx, model.SettlementEvent{
		RecordID:      rec.ID,
		Status:        model.SettlementSettled,
		TransactionID: txn,
		Source:        sourcePayout,
		OccurredAt:    w.now,
	})
	return res
}
