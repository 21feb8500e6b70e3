package gateway

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AssertionTTL задаёт время жизни подписанного утверждения для шлюза.
const AssertionTTL = 60 * time.Second

// Signer подписывает короткоживущие утверждения HS256 от имени сервиса.
type Signer struct {
	subject string
	key     []byte
	nowFn   func() time.Time
}

// NewSigner создаёт подписывающий объект для указанного идентификатора системы.
func NewSigner(subject, key string) (*Signer, error) {
	if subject == "" {
		return nil, errors.New("assertion subject is required")
	}
	if key == "" {
		return nil, errors.New("assertion signing key is required")
	}
	return &Signer{subject: subject, key: []byte(key), nowFn: time.Now}, nil
}

// Sign выпускает новое утверждение. Утверждения не кэшируются: каждый вызов шлюза получает своё.
func (s *Signer) Sign() (string, error) {
	now := s.nowFn()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   s.subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(AssertionTTL)),
	})
	return token.SignedString(s.key)
}
