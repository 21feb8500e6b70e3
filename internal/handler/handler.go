// Package handler содержит HTTP-обработчики административного API выплат и вебхука шлюза.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/incentive-disbursement/internal/gateway"
	"github.com/mmeshcher/incentive-disbursement/internal/middleware"
	"github.com/mmeshcher/incentive-disbursement/internal/model"
	"github.com/mmeshcher/incentive-disbursement/internal/otp"
	"github.com/mmeshcher/incentive-disbursement/internal/repository"
	"github.com/mmeshcher/incentive-disbursement/internal/service"
	"github.com/mmeshcher/incentive-disbursement/internal/validation"
	"github.com/mmeshcher/incentive-disbursement/internal/webhook"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	IssueOTP(ctx context.Context, identity string) (time.Time, error)
	Disburse(ctx context.Context, req service.DisburseRequest) (*model.DisbursementResult, error)
	GetRecord(ctx context.Context, id int64) (*model.IncentiveRecord, error)
	ClearRecord(ctx context.Context, id int64) (*model.IncentiveRecord, error)
	Reconcile(ctx context.Context, ev *webhook.Event) (*service.ReconcileReport, error)
}

// WebhookDecoder проверяет и расшифровывает тело вебхука.
type WebhookDecoder interface {
	Decode(body []byte, header http.Header) (*webhook.Event, error)
}

// Handler реализует HTTP-обработчики сервиса выплат.
type Handler struct {
	service        Service
	decoder        WebhookDecoder
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов. decoder равен nil,
// если секреты вебхука не настроены.
func NewHandler(s Service, decoder WebhookDecoder, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		decoder:        decoder,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type sessionRequest struct {
	Identity string `json:"identity"`
}

// CreateSession выдаёт cookie сессии администратору с указанным идентификатором.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	identity := strings.TrimSpace(req.Identity)
	if identity == "" || strings.ContainsAny(identity, " \t\r\n") {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	h.authMiddleware.SetAuthCookie(w, identity)
	w.WriteHeader(http.StatusOK)
}

type otpResponse struct {
	ExpiresAt string `json:"expiresAt"`
}

// IssueOTP выпускает одноразовый код для текущего администратора.
func (h *Handler) IssueOTP(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	expiresAt, err := h.service.IssueOTP(r.Context(), identity)
	if err != nil {
		h.logger.Error("issue otp error", zap.Error(err), zap.String("identity", identity))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, otpResponse{ExpiresAt: expiresAt.UTC().Format(time.RFC3339)})
}

type payoutRequest struct {
	RecordIDs []int64            `json:"recordIds"`
	OTP       string             `json:"otp"`
	Channels  model.ChannelFlags `json:"channels"`
}

type conflictResponse struct {
	Error     string             `json:"error"`
	Conflicts []service.Conflict `json:"conflicts"`
}

type gatewayErrorResponse struct {
	Error          string `json:"error"`
	GatewayStatus  int    `json:"gatewayStatus,omitempty"`
	GatewayCode    string `json:"gatewayCode,omitempty"`
	GatewayMessage string `json:"gatewayMessage,omitempty"`
}

type persistenceErrorResponse struct {
	Error   string             `json:"error"`
	Results []model.LineResult `json:"results"`
}

// Disburse выполняет синхронную выплату по выбранным записям.
func (h *Handler) Disburse(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req payoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	if err := validation.ValidateRecordIDs(req.RecordIDs); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if !validation.IsValidOneTimeCode(req.OTP) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "one-time code must be 6 digits"})
		return
	}

	result, err := h.service.Disburse(r.Context(), service.DisburseRequest{
		Identity:  identity,
		OTP:       req.OTP,
		RecordIDs: req.RecordIDs,
		Channels:  req.Channels,
	})
	if err != nil {
		h.writeDisburseError(w, err, result, identity)
		return
	}

	status := http.StatusOK
	if result.HasRejected() {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, result)
}

func (h *Handler) writeDisburseError(w http.ResponseWriter, err error, result *model.DisbursementResult, identity string) {
	var (
		conflict *service.ConflictError
		gwErr    *gateway.Error
	)

	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, conflictResponse{
			Error:     "records already in flight or settled",
			Conflicts: conflict.Conflicts,
		})
	case errors.Is(err, otp.ErrNotFound), errors.Is(err, otp.ErrExpired), errors.Is(err, otp.ErrMismatch),
		errors.Is(err, service.ErrOTPRequired):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid or expired one-time code"})
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrUnknownRecords):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &gwErr):
		h.logger.Error("payout gateway error", zap.Error(err), zap.String("identity", identity))
		writeJSON(w, http.StatusInternalServerError, gatewayErrorResponse{
			Error:          gwErr.Kind.Error(),
			GatewayStatus:  gwErr.StatusCode,
			GatewayCode:    gwErr.Code,
			GatewayMessage: gwErr.Message,
		})
	case errors.Is(err, service.ErrPersistence) && result != nil:
		h.logger.Error("payout partially persisted", zap.Error(err), zap.String("identity", identity))
		writeJSON(w, http.StatusInternalServerError, persistenceErrorResponse{
			Error:   service.ErrPersistence.Error(),
			Results: result.Lines,
		})
	default:
		h.logger.Error("payout error", zap.Error(err), zap.String("identity", identity))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type recordResponse struct {
	ID               int64                      `json:"id"`
	RecipientName    string                     `json:"recipientName"`
	RecipientContact string                     `json:"recipientContact"`
	EntityID         string                     `json:"entityId"`
	Amount           int64                      `json:"amount"`
	Status           model.SettlementStatus     `json:"status"`
	TransactionID    *string                    `json:"transactionId,omitempty"`
	SettledAt        *string                    `json:"settledAt,omitempty"`
	VoucherCode      *string                    `json:"voucherCode,omitempty"`
	Metadata         *model.TransactionMetadata `json:"metadata,omitempty"`
	UpdatedAt        string                     `json:"updatedAt"`
}

func newRecordResponse(rec *model.IncentiveRecord) recordResponse {
	resp := recordResponse{
		ID:               rec.ID,
		RecipientName:    rec.RecipientName,
		RecipientContact: rec.RecipientContact,
		EntityID:         rec.EntityID,
		Amount:           rec.Amount,
		Status:           rec.Status,
		TransactionID:    rec.TransactionID,
		VoucherCode:      rec.VoucherCode,
		Metadata:         rec.Metadata,
		UpdatedAt:        rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if rec.SettledAt != nil {
		s := rec.SettledAt.UTC().Format(time.RFC3339)
		resp.SettledAt = &s
	}
	return resp
}

func recordIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// GetRecord возвращает расчётное состояние записи.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rec, err := h.service.GetRecord(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get record error", zap.Error(err), zap.Int64("recordID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, newRecordResponse(rec))
}

// ClearRecord освобождает отправленную, но не оплаченную запись для повторной выплаты.
func (h *Handler) ClearRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	identity, _ := middleware.GetIdentityFromContext(r.Context())

	rec, err := h.service.ClearRecord(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrRecordNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrRecordSettled):
			writeJSON(w, http.StatusConflict, errorResponse{Error: "record already settled"})
		default:
			h.logger.Error("clear record error", zap.Error(err), zap.Int64("recordID", id))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.logger.Info("record cleared", zap.Int64("recordID", id), zap.String("identity", identity))
	writeJSON(w, http.StatusOK, newRecordResponse(rec))
}
