// Package webhook расшифровывает и проверяет подлинность обратных вызовов шлюза выплат.
package webhook

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Заголовки запроса вебхука.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Timestamp"

	contentTypePlain = "text/plain"
	signaturePrefix  = "sha256="
)

// ErrBadContentType возвращается, если тело объявлено не как text/plain.
var (
	ErrBadContentType = errors.New("unsupported webhook content type")
	// ErrMissingHeader возвращается при отсутствии подписи или метки времени.
	ErrMissingHeader = errors.New("missing webhook header")
	// ErrDecryptFailure возвращается, если тело не является корректным шифротекстом.
	ErrDecryptFailure = errors.New("webhook decrypt failure")
	// ErrBadSignature возвращается, если подпись не совпала.
	ErrBadSignature = errors.New("webhook signature mismatch")
	// ErrStaleTimestamp возвращается, если метка времени вне окна повторов.
	ErrStaleTimestamp = errors.New("webhook timestamp outside replay window")
	// ErrInvalidPayload возвращается, если расшифрованное тело не удалось разобрать.
	ErrInvalidPayload = errors.New("invalid webhook payload")
	// ErrUnknownSender возвращается, если отправитель не совпал с ожидаемым.
	ErrUnknownSender = errors.New("unexpected webhook sender")
	// ErrNotConfigured возвращается, если ключи вебхука не заданы.
	ErrNotConfigured = errors.New("webhook codec not configured")
)

// Codec проверяет подлинность и расшифровывает тела вебхуков.
type Codec struct {
	key        []byte
	signingKey []byte
	senderID   string
	window     time.Duration
	nowFn      func() time.Time
}

// NewCodec создаёт Codec. Ключ шифрования получается хешированием общего секрета SHA-256.
func NewCodec(encryptionSecret, signingKey, senderID string, window time.Duration) (*Codec, error) {
	if encryptionSecret == "" || signingKey == "" || senderID == "" {
		return nil, ErrNotConfigured
	}
	if window <= 0 {
		return nil, fmt.Errorf("%w: replay window must be positive", ErrNotConfigured)
	}

	key := sha256.Sum256([]byte(encryptionSecret))
	return &Codec{
		key:        key[:],
		signingKey: []byte(signingKey),
		senderID:   senderID,
		window:     window,
		nowFn:      time.Now,
	}, nil
}

// Decode выполняет проверки от дешёвых к дорогим: тип содержимого, заголовки, расшифровка,
// подпись, окно повторов, разбор и отправитель.
func (c *Codec) Decode(body []byte, header http.Header) (*Event, error) {
	mediaType, _, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil || mediaType != contentTypePlain {
		return nil, ErrBadContentType
	}

	signature := strings.TrimSpace(header.Get(HeaderSignature))
	rawTimestamp := strings.TrimSpace(header.Get(HeaderTimestamp))
	if signature == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingHeader, HeaderSignature)
	}
	if rawTimestamp == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingHeader, HeaderTimestamp)
	}

	plaintext, err := c.decrypt(body)
	if err != nil {
		return nil, err
	}

	if !c.validSignature(rawTimestamp, plaintext, signature) {
		return nil, ErrBadSignature
	}

	ts, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed timestamp", ErrStaleTimestamp)
	}
	skew := c.nowFn().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > c.window {
		return nil, ErrStaleTimestamp
	}

	event, err := parseEvent(plaintext)
	if err != nil {
		return nil, err
	}

	if !hmac.Equal([]byte(event.SenderID), []byte(c.senderID)) {
		return nil, ErrUnknownSender
	}

	return event, nil
}

// Seal шифрует и подписывает тело так, как это делает шлюз. Возвращает тело запроса
// в base64 и значение заголовка подписи.
func (c *Codec) Seal(plaintext []byte, at time.Time) ([]byte, string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, "", err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, "", err
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	body := []byte(base64.StdEncoding.EncodeToString(out))
	signature := signaturePrefix + hex.EncodeToString(c.sign(strconv.FormatInt(at.Unix(), 10), plaintext))
	return body, signature, nil
}

func (c *Codec) decrypt(body []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(body)))
	if err != nil {
		return nil, fmt.Errorf("%w: body is not base64", ErrDecryptFailure)
	}
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext has invalid length %d", ErrDecryptFailure, len(raw))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailure, err)
	}

	iv, ciphertext := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, ok := pkcs7Unpad(plaintext, aes.BlockSize)
	if !ok {
		// Испорченное дополнение неотличимо от несовпавшей подписи, иначе получится оракул дополнения.
		return nil, ErrBadSignature
	}
	return unpadded, nil
}

func (c *Codec) sign(timestamp string, plaintext []byte) []byte {
	mac := hmac.New(sha256.New, c.signingKey)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write(plaintext)
	return mac.Sum(nil)
}

func (c *Codec) validSignature(timestamp string, plaintext []byte, header string) bool {
	header = strings.TrimPrefix(header, signaturePrefix)
	got, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	return hmac.Equal(got, c.sign(timestamp, plaintext))
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, bool) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, false
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
