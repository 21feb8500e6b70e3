// Package otp реализует одноразовые коды, подтверждающие запуск выплаты.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/incentive-disbursement/internal/model"
)

// ErrNotFound возвращается, если для пользователя нет действующего кода.
var (
	ErrNotFound = errors.New("one-time code not found")
	// ErrExpired возвращается, если срок действия кода истёк. Код при этом удаляется.
	ErrExpired = errors.New("one-time code expired")
	// ErrMismatch возвращается при неверном коде. Код остаётся действующим до истечения срока.
	ErrMismatch = errors.New("one-time code mismatch")
)

const codeDigits = 6

// Store описывает хранилище одноразовых кодов.
type Store interface {
	Save(ctx context.Context, code model.OneTimeCode) error
	FindLatestUnconsumed(ctx context.Context, identity string) (*model.OneTimeCode, error)
	// Delete возвращает false, если код уже был удалён кем-то другим.
	Delete(ctx context.Context, codeID string) (bool, error)
}

// Sender доставляет код пользователю. Способ доставки находится вне этого сервиса.
type Sender interface {
	Send(ctx context.Context, identity, code string) error
}

// Gate выдаёт и проверяет одноразовые коды.
type Gate struct {
	store  Store
	sender Sender
	ttl    time.Duration
	nowFn  func() time.Time
}

// NewGate создаёт Gate с указанным хранилищем и временем жизни кода.
func NewGate(store Store, sender Sender, ttl time.Duration) *Gate {
	return &Gate{
		store:  store,
		sender: sender,
		ttl:    ttl,
		nowFn:  time.Now,
	}
}

// Issue выпускает новый код для пользователя и передаёт его отправителю.
func (g *Gate) Issue(ctx context.Context, identity string) (time.Time, error) {
	code, err := generateCode()
	if err != nil {
		return time.Time{}, err
	}

	otc := model.OneTimeCode{
		ID:        uuid.NewString(),
		Identity:  identity,
		Code:      code,
		ExpiresAt: g.nowFn().Add(g.ttl).UTC(),
	}
	if err := g.store.Save(ctx, otc); err != nil {
		return time.Time{}, fmt.Errorf("save one-time code: %w", err)
	}

	if g.sender != nil {
		if err := g.sender.Send(ctx, identity, code); err != nil {
			return time.Time{}, fmt.Errorf("send one-time code: %w", err)
		}
	}

	return otc.ExpiresAt, nil
}

// Verify проверяет код пользователя. Успешно проверенный код удаляется и не может быть
// использован повторно.
func (g *Gate) Verify(ctx context.Context, identity, submitted string) error {
	otc, err := g.store.FindLatestUnconsumed(ctx, identity)
	if err != nil {
		return fmt.Errorf("find one-time code: %w", err)
	}
	if otc == nil {
		return ErrNotFound
	}

	if g.nowFn().After(otc.ExpiresAt) {
		if _, err := g.store.Delete(ctx, otc.ID); err != nil {
			return fmt.Errorf("delete expired code: %w", err)
		}
		return ErrExpired
	}

	if subtle.ConstantTimeCompare([]byte(otc.Code), []byte(submitted)) != 1 {
		return ErrMismatch
	}

	deleted, err := g.store.Delete(ctx, otc.ID)
	if err != nil {
		return fmt.Errorf("consume one-time code: %w", err)
	}
	if !deleted {
		// Параллельная проверка успела использовать тот же код.
		return ErrNotFound
	}

	return nil
}

func generateCode() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate one-time code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// LogSender только фиксирует факт выдачи кода. Сам код в журнал не попадает.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender создаёт отправителя, пишущего в журнал.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send реализует Sender.
func (s *LogSender) Send(_ context.Context, identity, _ string) error {
	s.logger.Info("one-time code issued", zap.String("identity", identity))
	return nil
}
