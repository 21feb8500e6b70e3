package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	staleSweepInterval = time.Minute
	staleSweepLimit    = 100
)

// StartStaleSweep запускает фоновый поиск записей, отправленных шлюзу и давно не подтверждённых.
// Записи не изменяются: решение о повторной выплате принимает оператор.
func (s *Service) StartStaleSweep(ctx context.Context) {
	if s.opts.StaleInFlightAfter <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(staleSweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepStale(ctx)
			}
		}
	}()
}

func (s *Service) sweepStale(ctx context.Context) int {
	olderThan := s.nowFn().Add(-s.opts.StaleInFlightAfter)
	records, err := s.repo.FindStaleInFlight(ctx, olderThan, staleSweepLimit)
	if err != nil {
		s.logger.Error("stale in-flight sweep failed", zap.Error(err))
		return 0
	}

	for _, r := range records {
		s.logger.Warn("record in flight without confirmation",
			zap.Int64("recordID", r.ID),
			zap.String("transactionID", *r.TransactionID),
			zap.String("status", string(r.Status)),
			zap.Time("updatedAt", r.UpdatedAt))
	}
	return len(records)
}
