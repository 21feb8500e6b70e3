package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mmeshcher/incentive-disbursement/internal/model"
)

// ConflictReason объясняет, почему запись нельзя отправить на выплату.
type ConflictReason string

const (
	ReasonAlreadySettled  ConflictReason = "already_settled"
	ReasonInFlight        ConflictReason = "in_flight"
	ReasonVoucherAssigned ConflictReason = "voucher_assigned"
)

// Conflict описывает запись, исключённую проверкой идемпотентности.
type Conflict struct {
	RecordID      int64          `json:"recordId"`
	Reason        ConflictReason `json:"reason"`
	TransactionID string         `json:"transactionId,omitempty"`
}

// ConflictError перечисляет все конфликтующие записи. Запрос с конфликтом отклоняется целиком.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	ids := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		ids = append(ids, fmt.Sprintf("%d(%s)", c.RecordID, c.Reason))
	}
	return "records already in flight or settled: " + strings.Join(ids, ", ")
}

// Partition содержит результат проверки идемпотентности.
type Partition struct {
	Eligible  []model.IncentiveRecord
	Conflicts []Conflict
}

// PartitionRecords делит записи на доступные для выплаты и уже отправленные или оплаченные.
// Любой идентификатор транзакции или время расчёта исключает запись.
func PartitionRecords(records []model.IncentiveRecord) Partition {
	var p Partition
	for _, r := range records {
		switch {
		case r.Settled():
			p.Conflicts = append(p.Conflicts, Conflict{RecordID: r.ID, Reason: ReasonAlreadySettled, TransactionID: transactionOf(r)})
		case r.InFlight():
			p.Conflicts = append(p.Conflicts, Conflict{RecordID: r.ID, Reason: ReasonInFlight, TransactionID: transactionOf(r)})
		case r.VoucherCode != nil && *r.VoucherCode != "":
			p.Conflicts = append(p.Conflicts, Conflict{RecordID: r.ID, Reason: ReasonVoucherAssigned})
		default:
			p.Eligible = append(p.Eligible, r)
		}
	}
	return p
}

func transactionOf(r model.IncentiveRecord) string {
	if r.TransactionID == nil {
		return ""
	}
	return *r.TransactionID
}

// Partition загружает записи и проверяет их идемпотентность. Отсутствующие записи дают ErrUnknownRecords.
func (s *Service) Partition(ctx context.Context, ids []int64) (Partition, error) {
	records, err := s.repo.FindRecordsByIDs(ctx, ids)
	if err != nil {
		return Partition{}, fmt.Errorf("load records: %w", err)
	}

	found := make(map[int64]struct{}, len(records))
	for _, r := range records {
		found[r.ID] = struct{}{}
	}
	var missing []int64
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		return Partition{}, fmt.Errorf("%w: %v", ErrUnknownRecords, missing)
	}

	return PartitionRecords(records), nil
}
