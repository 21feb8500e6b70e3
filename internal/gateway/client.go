// Package gateway предоставляет клиент внешнего шлюза выплат поощрений.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/incentive-disbursement/internal/model"
)

const maxResponseBytes = 1 << 20

// Client инкапсулирует HTTP-взаимодействие со шлюзом выплат. Запросы не повторяются
// автоматически: повтор пакета без проверки идемпотентности может привести к двойной выплате.
type Client struct {
	url        string
	source     string
	signer     *Signer
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент шлюза выплат по указанному адресу.
func NewClient(url, source string, signer *Signer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:    strings.TrimRight(url, "/"),
		source: source,
		signer: signer,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SubmitBatch отправляет пакет строк одним запросом. Ответ, отличный от 2xx, или код верхнего
// уровня, отличный от AcceptedCode, считаются неудачей всей попытки.
func (c *Client) SubmitBatch(ctx context.Context, lines []Line, flags model.ChannelFlags) (*BatchRequest, *BatchResponse, error) {
	if c == nil || c.url == "" || c.signer == nil {
		return nil, nil, &Error{Kind: ErrNotConfigured}
	}

	url := c.url
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}

	batch := &BatchRequest{
		Source:       c.source,
		SendSMS:      flags.SMS,
		SendEmail:    flags.Email,
		SendWhatsApp: flags.WhatsApp,
		Data:         lines,
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return nil, nil, fmt.Errorf("encode batch: %w", err)
	}

	assertion, err := c.signer.Sign()
	if err != nil {
		return batch, nil, &Error{Kind: ErrAuth, Err: fmt.Errorf("sign assertion: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return batch, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+assertion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return batch, nil, &Error{Kind: ErrNetwork, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return batch, nil, &Error{Kind: ErrNetwork, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return batch, nil, &Error{Kind: ErrAuth, StatusCode: resp.StatusCode, Message: snippet(raw)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return batch, nil, &Error{Kind: ErrRejected, StatusCode: resp.StatusCode, Message: snippet(raw)}
	}

	var result BatchResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return batch, nil, &Error{Kind: ErrUnexpectedShape, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	result.Raw = raw

	if result.Code != AcceptedCode {
		return batch, &result, &Error{Kind: ErrRejected, StatusCode: resp.StatusCode, Code: result.Code, Message: result.Message}
	}

	return batch, &result, nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
