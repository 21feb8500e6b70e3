package service

import (
	"github.com/mmeshcher/incentive-disbursement/internal/gateway"
	"github.com/mmeshcher/incentive-disbursement/internal/model"
)

// SentLine связывает отправленную строку пакета с записью о поощрении.
type SentLine struct {
	Record model.IncentiveRecord
	Line   gateway.Line
}

// Decision описывает переход, который нужно сохранить для одной строки.
type Decision struct {
	Sent   SentLine
	Status model.SettlementStatus
	// Verified ложно, если шлюз не подтвердил строку эхом транзакции.
	Verified bool
	Message  string
}

// Interpretation содержит результат разбора итога пакета.
type Interpretation struct {
	Decisions []Decision
	// TrustedOrder истинно, если эхо отсутствовало и итог применён ко всем строкам по порядку.
	TrustedOrder bool
	// Unverified перечисляет строки, которые шлюз не подтвердил.
	Unverified []string
	// UnexpectedEchoes перечисляет транзакции из ответа, которых не было в пакете.
	UnexpectedEchoes []string
}

// Interpret применяет единый итог пакета ко всем отправленным строкам.
//
// Если шлюз вернул эхо транзакций, строки без эха считаются неподтверждёнными. При requireEchoes
// неподтверждённые строки остаются в статусе SUBMITTED, иначе к ним применяется итог пакета.
// Отказ применяется ко всем строкам независимо от эха: шлюз ничего не перевёл.
func Interpret(sent []SentLine, out gateway.Outcome, requireEchoes bool) Interpretation {
	var res Interpretation

	status, message := outcomeStatus(out)

	echoed := make(map[string]struct{}, len(out.Echoes))
	for _, e := range out.Echoes {
		echoed[e.TransactionID] = struct{}{}
	}

	sentIDs := make(map[string]struct{}, len(sent))
	for _, sl := range sent {
		sentIDs[sl.Line.TransactionID] = struct{}{}
	}
	for _, e := range out.Echoes {
		if _, ok := sentIDs[e.TransactionID]; !ok {
			res.UnexpectedEchoes = append(res.UnexpectedEchoes, e.TransactionID)
		}
	}

	res.TrustedOrder = !out.EchoesPresent() && !requireEchoes && out.Kind != gateway.OutcomeAllFailed

	for _, sl := range sent {
		_, ok := echoed[sl.Line.TransactionID]
		d := Decision{Sent: sl, Status: status, Verified: ok, Message: message}

		if !ok && out.Kind != gateway.OutcomeAllFailed {
			res.Unverified = append(res.Unverified, sl.Line.TransactionID)
			if requireEchoes {
				d.Status = model.SettlementSubmitted
				d.Message = "not confirmed by gateway, awaiting webhook"
			}
		}
		res.Decisions = append(res.Decisions, d)
	}

	return res
}

func outcomeStatus(out gateway.Outcome) (model.SettlementStatus, string) {
	switch out.Kind {
	case gateway.OutcomeAllSuccess:
		return model.SettlementSettled, "reward processed"
	case gateway.OutcomeAllPendingInsufficientFunds:
		return model.SettlementPendingBalance, "gateway balance insufficient, awaiting webhook"
	default:
		msg := out.Message
		if msg == "" {
			msg = "gateway rejected reward"
		}
		return model.SettlementRejected, msg
	}
}
