// Package middleware содержит HTTP middleware сервиса выплат.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const identityKey contextKey = "adminIdentity"

const (
	authCookieName = "admin_session"
	authCookieTTL  = 12 * time.Hour
)

// AuthMiddleware проверяет подписанный cookie администратора.
type AuthMiddleware struct {
	secretKey []byte
	nowFn     func() time.Time
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
// Пустой ключ заменяется случайным: сессии не переживают перезапуск.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}

	return &AuthMiddleware{
		secretKey: key,
		nowFn:     time.Now,
	}
}

// Middleware проверяет cookie сессии и добавляет идентификатор администратора в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		identity, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie устанавливает cookie сессии для указанного администратора.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, identity string) {
	expires := a.nowFn().Add(authCookieTTL)

	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    a.sign(identity, expires.Unix()),
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *AuthMiddleware) sign(identity string, expires int64) string {
	payload := base64.RawURLEncoding.EncodeToString([]byte(identity)) + "." + strconv.FormatInt(expires, 10)
	return payload + "." + a.mac(payload)
}

func (a *AuthMiddleware) mac(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseCookie(value string) (string, bool) {
	parts := strings.Split(value, ".")
	if len(parts) != 3 {
		return "", false
	}

	payload := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(parts[2]), []byte(a.mac(payload))) {
		return "", false
	}

	expires, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || a.nowFn().Unix() >= expires {
		return "", false
	}

	identity, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(identity) == 0 {
		return "", false
	}

	return string(identity), true
}

// GetIdentityFromContext извлекает идентификатор администратора из контекста запроса.
func GetIdentityFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(identityKey).(string)
	return id, ok
}
