package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/incentive-disbursement/internal/gateway"
	"github.com/mmeshcher/incentive-disbursement/internal/middleware"
	"github.com/mmeshcher/incentive-disbursement/internal/model"
	"github.com/mmeshcher/incentive-disbursement/internal/otp"
	"github.com/mmeshcher/incentive-disbursement/internal/repository"
	"github.com/mmeshcher/incentive-disbursement/internal/service"
	"github.com/mmeshcher/incentive-disbursement/internal/webhook"
)

const testIdentity = "ops@example.com"

type stubService struct {
	otpExpires time.Time
	otpErr     error

	disburseResp *model.DisbursementResult
	disburseErr  error
	disburseReq  *service.DisburseRequest

	record    *model.IncentiveRecord
	recordErr error

	clearResp *model.IncentiveRecord
	clearErr  error

	reconcileResp  *service.ReconcileReport
	reconcileErr   error
	reconcileEvent *webhook.Event
}

func (s *stubService) IssueOTP(ctx context.Context, identity string) (time.Time, error) {
	return s.otpExpires, s.otpErr
}

func (s *stubService) Disburse(ctx context.Context, req service.DisburseRequest) (*model.DisbursementResult, error) {
	s.disburseReq = &req
	return s.disburseResp, s.disburseErr
}

func (s *stubService) GetRecord(ctx context.Context, id int64) (*model.IncentiveRecord, error) {
	return s.record, s.recordErr
}

func (s *stubService) ClearRecord(ctx context.Context, id int64) (*model.IncentiveRecord, error) {
	return s.clearResp, s.clearErr
}

func (s *stubService) Reconcile(ctx context.Context, ev *webhook.Event) (*service.ReconcileReport, error) {
	s.reconcileEvent = ev
	return s.reconcileResp, s.reconcileErr
}

func newTestHandler(t *testing.T, svc Service, decoder WebhookDecoder) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, decoder, logger, auth)
}

func sessionCookie(t *testing.T, h *Handler) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, testIdentity)
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("no session cookie")
	}
	return cookies[0]
}

func serve(t *testing.T, h *Handler, req *http.Request, authenticated bool) *http.Response {
	t.Helper()
	if authenticated {
		req.AddCookie(sessionCookie(t, h))
	}
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec.Result()
}

func payoutBody(t *testing.T, ids []int64, code string) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(payoutRequest{RecordIDs: ids, OTP: code, Channels: model.ChannelFlags{SMS: true}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(body)
}

func TestCreateSession(t *testing.T) {
	h := newTestHandler(t, &stubService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/session", strings.NewReader(`{"identity":"ops@example.com"}`))
	res := serve(t, h, req, false)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("session cookie not set")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/admin/session", strings.NewReader(`{"identity":"  "}`))
	res = serve(t, h, req, false)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestIssueOTP(t *testing.T) {
	expires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := newTestHandler(t, &stubService{otpExpires: expires}, nil)

	res := serve(t, h, httptest.NewRequest(http.MethodPost, "/api/admin/payouts/otp", nil), true)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var body otpResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ExpiresAt != "2026-01-02T03:04:05Z" {
		t.Fatalf("expiresAt = %q", body.ExpiresAt)
	}
}

func TestDisburse_RequiresSession(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc, nil)

	res := serve(t, h, httptest.NewRequest(http.MethodPost, "/api/admin/payouts", payoutBody(t, []int64{1}, "123456")), false)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
	if svc.disburseReq != nil {
		t.Fatalf("service must not be called")
	}
}

func TestDisburse_StatusMapping(t *testing.T) {
	settled := &model.DisbursementResult{Lines: []model.LineResult{{RecordID: 1, Status: model.SettlementSettled}}}
	mixed := &model.DisbursementResult{Lines: []model.LineResult{
		{RecordID: 1, Status: model.SettlementSettled},
		{RecordID: 2, Status: model.SettlementRejected},
	}}

	tests := []struct {
		name       string
		resp       *model.DisbursementResult
		err        error
		wantStatus int
		wantBody   string
	}{
		{name: "all settled", resp: settled, wantStatus: http.StatusOK, wantBody: `"status":"SETTLED"`},
		{name: "some rejected", resp: mixed, wantStatus: http.StatusMultiStatus, wantBody: `"status":"REJECTED"`},
		{
			name:       "conflict",
			err:        &service.ConflictError{Conflicts: []service.Conflict{{RecordID: 9, Reason: service.ReasonInFlight}}},
			wantStatus: http.StatusConflict,
			wantBody:   `"recordId":9`,
		},
		{name: "otp mismatch", err: otp.ErrMismatch, wantStatus: http.StatusBadRequest},
		{name: "otp expired", err: otp.ErrExpired, wantStatus: http.StatusBadRequest},
		{name: "unknown records", err: service.ErrUnknownRecords, wantStatus: http.StatusBadRequest},
		{
			name:       "gateway rejected",
			err:        &gateway.Error{Kind: gateway.ErrRejected, StatusCode: 502, Code: "UPSTREAM", Message: "try later"},
			wantStatus: http.StatusInternalServerError,
			wantBody:   `"gatewayCode":"UPSTREAM"`,
		},
		{
			name:       "gateway not configured",
			err:        &gateway.Error{Kind: gateway.ErrNotConfigured},
			wantStatus: http.StatusInternalServerError,
			wantBody:   gateway.ErrNotConfigured.Error(),
		},
		{
			name:       "partial persistence",
			resp:       settled,
			err:        service.ErrPersistence,
			wantStatus: http.StatusInternalServerError,
			wantBody:   `"results"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{disburseResp: tt.resp, disburseErr: tt.err}
			h := newTestHandler(t, svc, nil)

			req := httptest.NewRequest(http.MethodPost, "/api/admin/payouts", payoutBody(t, []int64{1, 2}, "123456"))
			res := serve(t, h, req, true)
			defer res.Body.Close()

			if res.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.wantStatus)
			}

			var buf bytes.Buffer
			_, _ = buf.ReadFrom(res.Body)
			if tt.wantBody != "" && !strings.Contains(buf.String(), tt.wantBody) {
				t.Fatalf("body %q does not contain %q", buf.String(), tt.wantBody)
			}

			if svc.disburseReq == nil || svc.disburseReq.Identity != testIdentity {
				t.Fatalf("service called with %+v, want identity %q", svc.disburseReq, testIdentity)
			}
		})
	}
}

func TestDisburse_InvalidInputSkipsService(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"recordIds":`},
		{name: "no records", body: `{"recordIds":[],"otp":"123456"}`},
		{name: "duplicate records", body: `{"recordIds":[1,1],"otp":"123456"}`},
		{name: "short otp", body: `{"recordIds":[1],"otp":"123"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{}
			h := newTestHandler(t, svc, nil)

			res := serve(t, h, httptest.NewRequest(http.MethodPost, "/api/admin/payouts", strings.NewReader(tt.body)), true)
			if res.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
			}
			if svc.disburseReq != nil {
				t.Fatalf("service must not be called")
			}
		})
	}
}

func TestGetRecord(t *testing.T) {
	txn := "INC-5-1-abc"
	settledAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := &stubService{record: &model.IncentiveRecord{
		ID:            5,
		Amount:        250,
		Status:        model.SettlementSettled,
		TransactionID: &txn,
		SettledAt:     &settledAt,
	}}
	h := newTestHandler(t, svc, nil)

	res := serve(t, h, httptest.NewRequest(http.MethodGet, "/api/admin/records/5", nil), true)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var body recordResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.TransactionID == nil || *body.TransactionID != txn {
		t.Fatalf("transactionId = %v, want %q", body.TransactionID, txn)
	}
	if body.SettledAt == nil || *body.SettledAt != "2026-03-01T10:00:00Z" {
		t.Fatalf("settledAt = %v", body.SettledAt)
	}

	svc.recordErr = repository.ErrRecordNotFound
	res = serve(t, h, httptest.NewRequest(http.MethodGet, "/api/admin/records/6", nil), true)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}

	res = serve(t, h, httptest.NewRequest(http.MethodGet, "/api/admin/records/abc", nil), true)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestClearRecord(t *testing.T) {
	svc := &stubService{clearResp: &model.IncentiveRecord{ID: 3, Status: model.SettlementClearedRetry}}
	h := newTestHandler(t, svc, nil)

	res := serve(t, h, httptest.NewRequest(http.MethodPost, "/api/admin/records/3/clear", nil), true)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	svc.clearErr = repository.ErrRecordSettled
	res = serve(t, h, httptest.NewRequest(http.MethodPost, "/api/admin/records/3/clear", nil), true)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

const (
	testWebhookSecret = "shared-encryption-secret"
	testWebhookKey    = "webhook-signing-key"
	testWebhookSender = "reward-gateway"
)

func newTestCodec(t *testing.T) *webhook.Codec {
	t.Helper()
	c, err := webhook.NewCodec(testWebhookSecret, testWebhookKey, testWebhookSender, 5*time.Minute)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return c
}

func webhookRequest(t *testing.T, c *webhook.Codec, kind webhook.EventKind, refs ...webhook.TxnRef) *http.Request {
	t.Helper()
	plain, err := webhook.MarshalWire(kind, testWebhookSender, webhook.BatchResult{Transactions: refs})
	if err != nil {
		t.Fatalf("marshal wire: %v", err)
	}
	now := time.Now()
	body, sig, err := c.Seal(plain, now)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/reward-gateway", bytes.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set(webhook.HeaderSignature, sig)
	req.Header.Set(webhook.HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	return req
}

func TestRewardWebhook_Reconciles(t *testing.T) {
	svc := &stubService{reconcileResp: &service.ReconcileReport{
		Processed: []service.RefReport{{TransactionID: "INC-1-1-a", RecordID: 1, Outcome: service.RefSettled}},
		Failed:    []service.RefReport{{TransactionID: "INC-9-1-z", Outcome: service.RefUnknown}},
	}}
	c := newTestCodec(t)
	h := newTestHandler(t, svc, c)

	req := webhookRequest(t, c, webhook.KindRewardProcessed,
		webhook.TxnRef{TransactionID: "INC-1-1-a", Status: webhook.TxnSuccess},
		webhook.TxnRef{TransactionID: "INC-9-1-z", Status: webhook.TxnSuccess},
	)
	res := serve(t, h, req, false)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var body webhookResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Processed != 1 || body.Failed != 1 {
		t.Fatalf("unexpected response %+v", body)
	}
	if svc.reconcileEvent == nil || len(svc.reconcileEvent.Refs()) != 2 {
		t.Fatalf("reconcile called with %+v", svc.reconcileEvent)
	}
}

// rewriteBody заменяет тело запроса результатом fn.
func rewriteBody(t *testing.T, r *http.Request, fn func(body []byte) []byte) {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	next := fn(body)
	r.Body = io.NopCloser(bytes.NewReader(next))
	r.ContentLength = int64(len(next))
}

func flipCiphertextByte(t *testing.T, pos int) func(body []byte) []byte {
	return func(body []byte) []byte {
		raw, err := base64.StdEncoding.DecodeString(string(body))
		if err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if pos < 0 {
			pos += len(raw)
		}
		raw[pos] ^= 0x01
		return []byte(base64.StdEncoding.EncodeToString(raw))
	}
}

func TestRewardWebhook_Rejections(t *testing.T) {
	c := newTestCodec(t)

	tests := []struct {
		name   string
		mutate func(r *http.Request)
		want   int
	}{
		{name: "json content type", mutate: func(r *http.Request) { r.Header.Set("Content-Type", "application/json") }, want: http.StatusBadRequest},
		{name: "missing signature", mutate: func(r *http.Request) { r.Header.Del(webhook.HeaderSignature) }, want: http.StatusUnauthorized},
		{name: "wrong signature", mutate: func(r *http.Request) { r.Header.Set(webhook.HeaderSignature, "sha256="+strings.Repeat("0", 64)) }, want: http.StatusUnauthorized},
		{name: "stale timestamp", mutate: func(r *http.Request) {
			r.Header.Set(webhook.HeaderTimestamp, strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10))
		}, want: http.StatusUnauthorized},
		{name: "body not base64", mutate: func(r *http.Request) {
			rewriteBody(t, r, func(b []byte) []byte { return append([]byte("%"), b[1:]...) })
		}, want: http.StatusUnauthorized},
		{name: "truncated ciphertext", mutate: func(r *http.Request) {
			rewriteBody(t, r, func(b []byte) []byte { return []byte(base64.StdEncoding.EncodeToString([]byte("short"))) })
		}, want: http.StatusUnauthorized},
		{name: "flipped iv byte", mutate: func(r *http.Request) {
			rewriteBody(t, r, flipCiphertextByte(t, 0))
		}, want: http.StatusUnauthorized},
		{name: "flipped last ciphertext byte", mutate: func(r *http.Request) {
			rewriteBody(t, r, flipCiphertextByte(t, -1))
		}, want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{}
			h := newTestHandler(t, svc, c)

			req := webhookRequest(t, c, webhook.KindRewardProcessed, webhook.TxnRef{TransactionID: "INC-1-1-a"})
			tt.mutate(req)

			res := serve(t, h, req, false)
			if res.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.want)
			}
			if svc.reconcileEvent != nil {
				t.Fatalf("reconcile must not be called")
			}
		})
	}
}

func TestRewardWebhook_NotConfigured(t *testing.T) {
	h := newTestHandler(t, &stubService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/reward-gateway", strings.NewReader("abc"))
	req.Header.Set("Content-Type", "text/plain")
	res := serve(t, h, req, false)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusInternalServerError)
	}
}

func TestRewardWebhook_StoreUnavailable(t *testing.T) {
	svc := &stubService{
		reconcileResp: &service.ReconcileReport{Failed: []service.RefReport{{TransactionID: "INC-1-1-a", Outcome: service.RefStoreError}}},
		reconcileErr:  service.ErrReconcileUnavailable,
	}
	c := newTestCodec(t)
	h := newTestHandler(t, svc, c)

	res := serve(t, h, webhookRequest(t, c, webhook.KindRewardProcessed, webhook.TxnRef{TransactionID: "INC-1-1-a"}), false)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusInternalServerError)
	}
}
