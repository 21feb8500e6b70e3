package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AcceptedCode означает, что шлюз принял пакет в обработку.
const AcceptedCode = "SUCCESS"

// Коды итога пакета.
const (
	OutcomeCodeProcessed           = "REWARD_PROCESSED"
	OutcomeCodeInsufficientBalance = "INSUFFICIENT_BALANCE"
)

// Line описывает одну строку пакета выплат.
type Line struct {
	SNo              int    `json:"sno"`
	RecipientName    string `json:"recipientName"`
	RecipientContact string `json:"recipientContact"`
	Amount           int64  `json:"amount"`
	Reference        string `json:"reference"`
	TransactionID    string `json:"transactionId"`
	EntityID         string `json:"entityId"`
}

// BatchRequest описывает тело запроса на пакетную выплату.
type BatchRequest struct {
	Source       string `json:"source"`
	SendSMS      bool   `json:"sendSms"`
	SendEmail    bool   `json:"sendEmail"`
	SendWhatsApp bool   `json:"sendWhatsapp"`
	Data         []Line `json:"data"`
}

// TxnEcho повторяет транзакцию строки в ответе шлюза.
type TxnEcho struct {
	TransactionID string `json:"transactionId"`
	RewardAmount  int64  `json:"rewardAmount"`
}

// BatchResult описывает итог, который шлюз возвращает для всего пакета.
type BatchResult struct {
	Code    string    `json:"code"`
	Success bool      `json:"success"`
	Message string    `json:"message"`
	Txns    []TxnEcho `json:"txns"`
}

// BatchResponse описывает ответ шлюза на пакетную выплату.
type BatchResponse struct {
	Code          string        `json:"code"`
	Message       string        `json:"message"`
	BatchResponse []BatchResult `json:"batchResponse"`

	Raw json.RawMessage `json:"-"`
}

// OutcomeKind задаёт единый переход для всех отправленных строк пакета.
type OutcomeKind int

const (
	OutcomeAllSuccess OutcomeKind = iota + 1
	OutcomeAllPendingInsufficientFunds
	OutcomeAllFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAllSuccess:
		return "ALL_SUCCESS"
	case OutcomeAllPendingInsufficientFunds:
		return "ALL_PENDING_INSUFFICIENT_FUNDS"
	case OutcomeAllFailed:
		return "ALL_FAILED_OTHER"
	default:
		return "UNKNOWN"
	}
}

// Outcome содержит итог пакета, разобранный на границе с шлюзом.
type Outcome struct {
	Kind    OutcomeKind
	Code    string
	Message string
	// Echoes пуст, если шлюз не вернул транзакции по строкам.
	Echoes []TxnEcho
}

// EchoesPresent сообщает, вернул ли шлюз транзакции по строкам.
func (o Outcome) EchoesPresent() bool {
	return len(o.Echoes) > 0
}

// Outcome классифицирует ответ шлюза. Шлюз возвращает один итог на весь пакет,
// поэтому учитывается только первый элемент batchResponse, а эхо транзакций собирается со всех.
func (r *BatchResponse) Outcome() (Outcome, error) {
	if len(r.BatchResponse) == 0 {
		return Outcome{}, &Error{Kind: ErrUnexpectedShape, Code: r.Code, Message: "empty batchResponse"}
	}

	first := r.BatchResponse[0]
	out := Outcome{
		Code:    first.Code,
		Message: first.Message,
	}
	for _, b := range r.BatchResponse {
		out.Echoes = append(out.Echoes, b.Txns...)
	}

	switch first.Code {
	case OutcomeCodeProcessed:
		out.Kind = OutcomeAllSuccess
	case OutcomeCodeInsufficientBalance:
		out.Kind = OutcomeAllPendingInsufficientFunds
	default:
		out.Kind = OutcomeAllFailed
	}

	return out, nil
}

// NewTransactionID формирует уникальный идентификатор транзакции вида
// {scope}-{recordID}-{unix millis}-{suffix}. Идентификатор никогда не переиспользуется.
func NewTransactionID(scope string, recordID int64, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s-%d-%d-%s", scope, recordID, at.UnixMilli(), suffix)
}

// ErrNetwork возвращается, если шлюз недоступен или не ответил вовремя.
var (
	ErrNetwork = errors.New("reward gateway unreachable")
	// ErrAuth возвращается, если шлюз отклонил подписанное утверждение.
	ErrAuth = errors.New("reward gateway authentication failed")
	// ErrRejected возвращается, если шлюз не принял пакет в обработку.
	ErrRejected = errors.New("reward gateway rejected batch")
	// ErrUnexpectedShape возвращается, если ответ шлюза не удалось разобрать.
	ErrUnexpectedShape = errors.New("unexpected reward gateway response")
	// ErrNotConfigured возвращается, если адрес шлюза или ключ подписи не заданы.
	ErrNotConfigured = errors.New("reward gateway not configured")
)

// Error переносит диагностику шлюза до HTTP-ответа оператору.
type Error struct {
	Kind       error
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": http %d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": code %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
