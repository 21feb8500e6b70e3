package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/incentive-disbursement/internal/gateway"
	"github.com/mmeshcher/incentive-disbursement/internal/model"
	"github.com/mmeshcher/incentive-disbursement/internal/repository"
)

// memRepo повторяет семантику PostgresRepository в памяти.
type memRepo struct {
	mu         sync.Mutex
	records    map[int64]*model.IncentiveRecord
	failUpdate map[int64]error
	storeErr   error
	lockCalls  int
	// afterUpdate вызывается после успешного изменения записи, вне блокировки.
	afterUpdate func(id int64, upd model.SettlementUpdate)
}

func newMemRepo(recs ...model.IncentiveRecord) *memRepo {
	r := &memRepo{records: make(map[int64]*model.IncentiveRecord), failUpdate: make(map[int64]error)}
	for i := range recs {
		rec := recs[i]
		if rec.Status == "" {
			rec.Status = model.SettlementUnsettled
		}
		r.records[rec.ID] = &rec
	}
	return r
}

func (r *memRepo) Close() error { return nil }

func (r *memRepo) WithDisbursementLock(ctx context.Context, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	r.lockCalls++
	r.mu.Unlock()
	return fn(ctx)
}

func (r *memRepo) FindRecordsByIDs(ctx context.Context, ids []int64) ([]model.IncentiveRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.storeErr != nil {
		return nil, r.storeErr
	}

	var out []model.IncentiveRecord
	for _, id := range ids {
		if rec, ok := r.records[id]; ok {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) byTransaction(txn string) *model.IncentiveRecord {
	for _, rec := range r.records {
		if rec.TransactionID != nil && *rec.TransactionID == txn {
			return rec
		}
	}
	return nil
}

func (r *memRepo) FindRecordByTransactionID(ctx context.Context, txn string) (*model.IncentiveRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.storeErr != nil {
		return nil, r.storeErr
	}

	rec := r.byTransaction(txn)
	if rec == nil {
		return nil, repository.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *memRepo) UpdateRecordSettlement(ctx context.Context, id int64, upd model.SettlementUpdate) error {
	if err := r.updateRecordSettlement(id, upd); err != nil {
		return err
	}
	if r.afterUpdate != nil {
		r.afterUpdate(id, upd)
	}
	return nil
}

func (r *memRepo) updateRecordSettlement(id int64, upd model.SettlementUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failUpdate[id]; err != nil {
		return err
	}
	rec, ok := r.records[id]
	if !ok {
		return repository.ErrRecordNotFound
	}
	if rec.SettledAt != nil {
		return repository.ErrRecordSettled
	}
	if upd.ExpectedTransactionID != nil &&
		(rec.TransactionID == nil || *rec.TransactionID != *upd.ExpectedTransactionID) {
		return repository.ErrTransactionSuperseded
	}

	if upd.ClearTransaction {
		rec.TransactionID = nil
		rec.Metadata = nil
		rec.SettledAt = nil
		rec.Status = upd.Status
		return nil
	}

	if upd.TransactionID != nil {
		if other := r.byTransaction(*upd.TransactionID); other != nil && other.ID != id {
			return repository.ErrDuplicateTransaction
		}
		txn := *upd.TransactionID
		rec.TransactionID = &txn
	}
	rec.Status = upd.Status
	rec.SettledAt = upd.SettledAt
	if upd.Metadata != nil {
		meta := *upd.Metadata
		rec.Metadata = &meta
	}
	rec.UpdatedAt = time.Now()
	return nil
}

func (r *memRepo) SettleByTransactionID(ctx context.Context, txn string, at time.Time, meta *model.TransactionMetadata) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.storeErr != nil {
		return 0, false, r.storeErr
	}

	rec := r.byTransaction(txn)
	if rec == nil {
		return 0, false, repository.ErrRecordNotFound
	}
	if rec.SettledAt != nil {
		return rec.ID, false, nil
	}

	settled := at
	rec.SettledAt = &settled
	rec.Status = model.SettlementSettled
	merged := model.TransactionMetadata{}
	if rec.Metadata != nil {
		merged = *rec.Metadata
	}
	if meta != nil {
		merged.Webhook = meta.Webhook
		merged.Status = meta.Status
		merged.UpdatedAt = meta.UpdatedAt
	}
	rec.Metadata = &merged
	return rec.ID, true, nil
}

func (r *memRepo) ClearByTransactionID(ctx context.Context, txn string) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.storeErr != nil {
		return 0, false, r.storeErr
	}

	rec := r.byTransaction(txn)
	if rec == nil {
		return 0, false, repository.ErrRecordNotFound
	}
	if rec.SettledAt != nil {
		return rec.ID, false, nil
	}

	rec.TransactionID = nil
	rec.Metadata = nil
	rec.Status = model.SettlementClearedRetry
	return rec.ID, true, nil
}

func (r *memRepo) ClearRecord(ctx context.Context, id int64) (*model.IncentiveRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, repository.ErrRecordNotFound
	}
	if rec.SettledAt != nil {
		return nil, repository.ErrRecordSettled
	}

	rec.TransactionID = nil
	rec.Metadata = nil
	rec.Status = model.SettlementClearedRetry
	cp := *rec
	return &cp, nil
}

func (r *memRepo) FindStaleInFlight(ctx context.Context, olderThan time.Time, limit int) ([]model.IncentiveRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.storeErr != nil {
		return nil, r.storeErr
	}

	var out []model.IncentiveRecord
	for _, rec := range r.records {
		if rec.InFlight() && rec.UpdatedAt.Before(olderThan) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) get(id int64) model.IncentiveRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.records[id]
}

func (r *memRepo) snapshot() map[int64]model.IncentiveRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]model.IncentiveRecord, len(r.records))
	for id, rec := range r.records {
		out[id] = *rec
	}
	return out
}

type stubOTP struct {
	err      error
	verified []string
}

func (s *stubOTP) Issue(ctx context.Context, identity string) (time.Time, error) {
	return time.Now().Add(5 * time.Minute), nil
}

func (s *stubOTP) Verify(ctx context.Context, identity, code string) error {
	s.verified = append(s.verified, identity+":"+code)
	return s.err
}

// stubGateway отвечает функцией respond, которой передаются отправленные строки.
type stubGateway struct {
	respond func(lines []gateway.Line) *gateway.BatchResponse
	err     error
	batches [][]gateway.Line
}

func (g *stubGateway) SubmitBatch(ctx context.Context, lines []gateway.Line, flags model.ChannelFlags) (*gateway.BatchRequest, *gateway.BatchResponse, error) {
	g.batches = append(g.batches, lines)
	req := &gateway.BatchRequest{Source: "test", SendSMS: flags.SMS, SendEmail: flags.Email, SendWhatsApp: flags.WhatsApp, Data: lines}
	if g.err != nil {
		return req, nil, g.err
	}
	resp := g.respond(lines)
	resp.Raw = []byte(`{"code":"SUCCESS"}`)
	return req, resp, nil
}

// respondWith возвращает ответ с единым итогом; echo задаёт, повторять ли транзакции строк.
func respondWith(code string, echo bool) func(lines []gateway.Line) *gateway.BatchResponse {
	return func(lines []gateway.Line) *gateway.BatchResponse {
		res := gateway.BatchResult{Code: code, Success: code == gateway.OutcomeCodeProcessed, Message: code}
		if echo {
			for _, l := range lines {
				res.Txns = append(res.Txns, gateway.TxnEcho{TransactionID: l.TransactionID, RewardAmount: l.Amount})
			}
		}
		return &gateway.BatchResponse{Code: gateway.AcceptedCode, BatchResponse: []gateway.BatchResult{res}}
	}
}

type capturePublisher struct {
	mu     sync.Mutex
	events []model.SettlementEvent
}

func (p *capturePublisher) PublishSettlement(ctx context.Context, ev model.SettlementEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

// stallingPublisher не отвечает, пока не истечёт контекст.
type stallingPublisher struct {
	mu        sync.Mutex
	deadlines int
}

func (p *stallingPublisher) PublishSettlement(ctx context.Context, ev model.SettlementEvent) error {
	if _, ok := ctx.Deadline(); ok {
		p.mu.Lock()
		p.deadlines++
		p.mu.Unlock()
	}
	<-ctx.Done()
	return ctx.Err()
}
