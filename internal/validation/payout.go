// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"unicode"
)

// OneTimeCodeLength задаёт длину одноразового кода подтверждения.
const OneTimeCodeLength = 6

// ErrNoRecords возвращается, если список записей пуст.
var (
	ErrNoRecords = errors.New("record list is empty")
	// ErrBadRecordID возвращается для неположительного идентификатора записи.
	ErrBadRecordID = errors.New("record id must be positive")
	// ErrDuplicateRecordID возвращается, если запись указана дважды.
	ErrDuplicateRecordID = errors.New("record id repeated")
)

// IsValidOneTimeCode проверяет, что код состоит ровно из шести цифр.
func IsValidOneTimeCode(code string) bool {
	if len(code) != OneTimeCodeLength {
		return false
	}
	for _, ch := range code {
		if !unicode.IsDigit(ch) {
			return false
		}
	}
	return true
}

// ValidateRecordIDs проверяет список записей для выплаты.
func ValidateRecordIDs(ids []int64) error {
	if len(ids) == 0 {
		return ErrNoRecords
	}

	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return fmt.Errorf("%w: %d", ErrBadRecordID, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: %d", ErrDuplicateRecordID, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
