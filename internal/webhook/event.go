package webhook

import (
	"encoding/json"
	"fmt"
)

// EventKind задаёт тип события шлюза.
type EventKind string

const (
	KindRewardProcessed   EventKind = "REWARD_PROCESSED"
	KindRewardRejected    EventKind = "REWARD_REJECTED"
	KindInsufficientFunds EventKind = "INSUFFICIENT_FUNDS"
	KindValidationFailed  EventKind = "REWARD_VALIDATION_FAILED"
	KindIndividualResult  EventKind = "INDIVIDUAL_TRANSACTION_RESULT"
)

// TxnStatus задаёт статус транзакции в событии шлюза.
type TxnStatus string

const (
	TxnSuccess TxnStatus = "SUCCESS"
	TxnPending TxnStatus = "PENDING"
	TxnFailed  TxnStatus = "FAILED"
)

// TxnRef ссылается на транзакцию, о которой сообщает шлюз.
type TxnRef struct {
	TransactionID string    `json:"transactionId"`
	Status        TxnStatus `json:"status"`
	Amount        int64     `json:"amount"`
}

// Payload описывает содержимое события: IndividualResult или BatchResult.
type Payload interface {
	refs() []TxnRef
}

// IndividualResult описывает событие по одной транзакции.
type IndividualResult struct {
	Transaction TxnRef
}

func (p IndividualResult) refs() []TxnRef { return []TxnRef{p.Transaction} }

// BatchResult описывает событие по группе транзакций.
type BatchResult struct {
	Transactions []TxnRef
}

func (p BatchResult) refs() []TxnRef { return p.Transactions }

// Event содержит проверенное и разобранное событие шлюза.
type Event struct {
	Kind     EventKind
	SenderID string
	Payload  Payload
	// Raw хранит расшифрованное тело для аудита.
	Raw json.RawMessage
}

// Refs возвращает все транзакции события.
func (e *Event) Refs() []TxnRef {
	if e.Payload == nil {
		return nil
	}
	return e.Payload.refs()
}

type wireEvent struct {
	Event        EventKind `json:"event"`
	SenderID     string    `json:"senderId"`
	Transaction  *TxnRef   `json:"transaction,omitempty"`
	Transactions []TxnRef  `json:"transactions,omitempty"`
}

func parseEvent(plaintext []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(plaintext, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if w.Event == "" {
		return nil, fmt.Errorf("%w: event kind is empty", ErrInvalidPayload)
	}

	ev := &Event{
		Kind:     w.Event,
		SenderID: w.SenderID,
		Raw:      json.RawMessage(plaintext),
	}

	if w.Event == KindIndividualResult {
		if w.Transaction == nil || w.Transaction.TransactionID == "" {
			return nil, fmt.Errorf("%w: individual result without transaction", ErrInvalidPayload)
		}
		ev.Payload = IndividualResult{Transaction: *w.Transaction}
		return ev, nil
	}

	txns := w.Transactions
	if w.Transaction != nil {
		txns = append(txns, *w.Transaction)
	}
	for _, t := range txns {
		if t.TransactionID == "" {
			return nil, fmt.Errorf("%w: transaction reference without id", ErrInvalidPayload)
		}
	}
	ev.Payload = BatchResult{Transactions: txns}
	return ev, nil
}

// MarshalWire собирает тело события в формате шлюза.
func MarshalWire(kind EventKind, senderID string, payload Payload) ([]byte, error) {
	w := wireEvent{Event: kind, SenderID: senderID}
	switch p := payload.(type) {
	case IndividualResult:
		t := p.Transaction
		w.Transaction = &t
	case BatchResult:
		w.Transactions = p.Transactions
	}
	return json.Marshal(w)
}
