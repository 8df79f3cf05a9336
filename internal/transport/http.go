package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSender talks to a JSON message gateway. The provider protocol is
// deliberately minimal: POST {phone, text}, expect {message_id} back.
type HTTPSender struct {
	client *http.Client
	creds  Credentials
}

// NewHTTPSender builds a sender with a hard request timeout; an in-flight
// send is never interrupted once started, so the timeout is the only bound.
func NewHTTPSender(creds Credentials, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSender{
		client: &http.Client{Timeout: timeout},
		creds:  creds,
	}
}

type sendRequest struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

func (s *HTTPSender) Send(ctx context.Context, phone, text string) (string, error) {
	body, err := json.Marshal(sendRequest{Phone: phone, Text: text})
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.creds.GatewayURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.creds.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.creds.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", NewError(KindTransient, "gateway unreachable: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var out sendResponse
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		if out.MessageID == "" {
			return "", NewError(KindTransient, "gateway returned no message id")
		}
		return out.MessageID, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", NewError(KindAuthFailed, "gateway rejected credentials: %s", out.Error)
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", NewError(KindRateLimited, "gateway throttled: %s", out.Error)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return "", NewError(KindInvalidRecipient, "gateway rejected recipient: %s", out.Error)
	default:
		return "", NewError(KindTransient, "gateway status %d: %s", resp.StatusCode, out.Error)
	}
}
