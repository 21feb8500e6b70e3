package handler

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/incentive-disbursement/internal/service"
	"github.com/mmeshcher/incentive-disbursement/internal/webhook"
)

const maxWebhookBody = 1 << 20

type webhookResponse struct {
	Success            bool                `json:"success"`
	Error              string              `json:"error,omitempty"`
	Processed          int                 `json:"processed"`
	Failed             int                 `json:"failed"`
	ProcessedReports   []service.RefReport `json:"processedReports,omitempty"`
	FailedTransactions []service.RefReport `json:"failedTransactions,omitempty"`
}

var webhookErrorStatus = []struct {
	err    error
	status int
}{
	{webhook.ErrBadContentType, http.StatusBadRequest},
	{webhook.ErrInvalidPayload, http.StatusBadRequest},
	// Любое искажение тела неотличимо от подделки.
	{webhook.ErrDecryptFailure, http.StatusUnauthorized},
	{webhook.ErrMissingHeader, http.StatusUnauthorized},
	{webhook.ErrBadSignature, http.StatusUnauthorized},
	{webhook.ErrStaleTimestamp, http.StatusUnauthorized},
	{webhook.ErrUnknownSender, http.StatusUnauthorized},
	{webhook.ErrNotConfigured, http.StatusInternalServerError},
}

// RewardWebhook принимает зашифрованное и подписанное событие шлюза и сверяет его с записями.
func (h *Handler) RewardWebhook(w http.ResponseWriter, r *http.Request) {
	if h.decoder == nil {
		h.logger.Error("webhook received but decoding is not configured")
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Error: webhook.ErrNotConfigured.Error()})
		return
	}

	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "unreadable body"})
		return
	}

	ev, err := h.decoder.Decode(body, r.Header)
	if err != nil {
		for _, m := range webhookErrorStatus {
			if errors.Is(err, m.err) {
				h.logger.Warn("webhook rejected", zap.Error(err), zap.Int("status", m.status))
				writeJSON(w, m.status, webhookResponse{Error: m.err.Error()})
				return
			}
		}
		h.logger.Error("webhook decode error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Error: http.StatusText(http.StatusInternalServerError)})
		return
	}

	report, err := h.service.Reconcile(r.Context(), ev)
	if err != nil && report == nil {
		h.logger.Error("webhook reconcile error", zap.Error(err), zap.String("event", string(ev.Kind)))
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Error: http.StatusText(http.StatusInternalServerError)})
		return
	}

	resp := webhookResponse{
		Success:            err == nil,
		Processed:          len(report.Processed),
		Failed:             len(report.Failed),
		ProcessedReports:   report.Processed,
		FailedTransactions: report.Failed,
	}
	if errors.Is(err, service.ErrReconcileUnavailable) {
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
