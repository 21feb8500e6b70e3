package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmeshcher/incentive-disbursement/internal/model"
)

const (
	codeKeyPrefix   = "payout:otp:code:"
	latestKeyPrefix = "payout:otp:latest:"
	// expiryGrace держит код в Redis чуть дольше срока действия, чтобы Verify различал
	// просроченный и отсутствующий код.
	expiryGrace = time.Minute
)

// Connect создаёт клиент Redis по URL или адресу host:port.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisStore хранит одноразовые коды в Redis.
type RedisStore struct {
	client *redis.Client
	nowFn  func() time.Time
}

// NewRedisStore создаёт хранилище кодов поверх клиента Redis.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, nowFn: time.Now}
}

// Save сохраняет код и делает его последним для пользователя.
func (s *RedisStore) Save(ctx context.Context, code model.OneTimeCode) error {
	raw, err := json.Marshal(code)
	if err != nil {
		return err
	}

	ttl := code.ExpiresAt.Sub(s.nowFn()) + expiryGrace
	if ttl <= 0 {
		ttl = expiryGrace
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, codeKeyPrefix+code.ID, raw, ttl)
		p.Set(ctx, latestKeyPrefix+code.Identity, code.ID, ttl)
		return nil
	})
	return err
}

// FindLatestUnconsumed возвращает последний выданный и ещё не использованный код.
func (s *RedisStore) FindLatestUnconsumed(ctx context.Context, identity string) (*model.OneTimeCode, error) {
	id, err := s.client.Get(ctx, latestKeyPrefix+identity).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	raw, err := s.client.Get(ctx, codeKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var out model.OneTimeCode
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete удаляет код. DEL атомарен, поэтому код может быть использован не более одного раза.
func (s *RedisStore) Delete(ctx context.Context, codeID string) (bool, error) {
	n, err := s.client.Del(ctx, codeKeyPrefix+codeID).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
