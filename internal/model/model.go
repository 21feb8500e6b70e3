// Package model содержит доменные сущности сервиса выплат поощрений.
package model

import (
	"encoding/json"
	"time"
)

// SettlementStatus описывает состояние расчёта по записи о поощрении.
type SettlementStatus string

const (
	SettlementUnsettled      SettlementStatus = "UNSETTLED"
	SettlementSubmitted      SettlementStatus = "SUBMITTED"
	SettlementPendingBalance SettlementStatus = "PENDING_BALANCE"
	SettlementSettled        SettlementStatus = "SETTLED"
	SettlementRejected       SettlementStatus = "REJECTED"
	SettlementClearedRetry   SettlementStatus = "CLEARED_FOR_RETRY"
)

// IncentiveRecord описывает продажу, по которой причитается выплата поощрения.
type IncentiveRecord struct {
	ID               int64
	RecipientName    string
	RecipientContact string
	EntityID         string
	Amount           int64
	TransactionID    *string
	Status           SettlementStatus
	SettledAt        *time.Time
	Metadata         *TransactionMetadata
	VoucherCode      *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Settled сообщает, что запись окончательно оплачена и не может быть отправлена повторно.
func (r IncentiveRecord) Settled() bool {
	return r.SettledAt != nil
}

// InFlight сообщает, что запись отправлена шлюзу, но подтверждения ещё нет.
func (r IncentiveRecord) InFlight() bool {
	return r.TransactionID != nil && r.SettledAt == nil
}

// TransactionMetadata хранит аудиторский след взаимодействия со шлюзом.
type TransactionMetadata struct {
	Request   json.RawMessage  `json:"request,omitempty"`
	Response  json.RawMessage  `json:"response,omitempty"`
	Webhook   json.RawMessage  `json:"webhook,omitempty"`
	Status    SettlementStatus `json:"status"`
	Note      string           `json:"note,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// SettlementUpdate описывает изменение расчётного состояния одной записи.
type SettlementUpdate struct {
	TransactionID *string
	Status        SettlementStatus
	SettledAt     *time.Time
	Metadata      *TransactionMetadata
	// ClearTransaction обнуляет идентификатор транзакции и метаданные.
	ClearTransaction bool
	// ExpectedTransactionID ограничивает изменение записью, которая всё ещё держит эту транзакцию.
	ExpectedTransactionID *string
}

// OneTimeCode описывает одноразовый код подтверждения выплаты.
type OneTimeCode struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ChannelFlags задаёт каналы, через которые шлюз уведомляет получателей.
type ChannelFlags struct {
	SMS      bool `json:"sms"`
	Email    bool `json:"email"`
	WhatsApp bool `json:"whatsapp"`
}

// LineResult описывает итог выплаты по одной записи.
type LineResult struct {
	RecordID      int64            `json:"recordId"`
	Amount        int64            `json:"amount"`
	Status        SettlementStatus `json:"status"`
	TransactionID string           `json:"transactionId,omitempty"`
	Message       string           `json:"message,omitempty"`
}

// DisbursementResult содержит сводный результат одной попытки выплаты.
type DisbursementResult struct {
	Message string       `json:"message"`
	Lines   []LineResult `json:"results"`
}

// HasRejected сообщает, была ли отклонена хотя бы одна строка, в том числе вебхуком.
func (d *DisbursementResult) HasRejected() bool {
	for _, l := range d.Lines {
		if l.Status == SettlementRejected || l.Status == SettlementClearedRetry {
			return true
		}
	}
	return false
}

// SettlementEvent публикуется при каждом сохранённом изменении расчётного состояния.
type SettlementEvent struct {
	RecordID      int64            `json:"recordId"`
	Status        SettlementStatus `json:"status"`
	TransactionID string           `json:"transactionId,omitempty"`
	Amount        int64            `json:"amount"`
	Source        string           `json:"source"`
	OccurredAt    time.Time        `json:"occurredAt"`
}
