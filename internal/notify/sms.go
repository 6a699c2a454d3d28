package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPGateway posts text messages to an SMS provider's JSON endpoint.
type HTTPGateway struct {
	url    string
	token  string
	sender string
	client *http.Client
}

// NewHTTPGateway creates a gateway client.
func NewHTTPGateway(url, token, sender string) *HTTPGateway {
	return &HTTPGateway{
		url:    url,
		token:  token,
		sender: sender,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Send posts one message.
func (g *HTTPGateway) Send(ctx context.Context, to, body string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return ErrNoRecipient
	}

	payload, err := json.Marshal(map[string]string{
		"from":    g.sender,
		"to":      to,
		"message": body,
	})
	if err != nil {
		return fmt.Errorf("marshal sms: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
