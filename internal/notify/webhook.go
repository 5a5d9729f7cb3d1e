package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultSendTimeout = 30 * time.Second

// Webhook posts markdown messages to an incoming-webhook URL.
type Webhook struct {
	// HTTPClient is used for delivery. Defaults to http.DefaultClient
	// when nil.
	HTTPClient *http.Client

	// URL is the incoming-webhook endpoint.
	URL string

	// SendTimeout bounds one delivery. Defaults to 30s.
	SendTimeout time.Duration
}

var _ Notifier = (*Webhook)(nil)

// Send posts the message. A non-empty subject becomes a bold heading
// above the body.
func (w *Webhook) Send(ctx context.Context, subject, body string) error {
	if w.URL == "" {
		return errors.New("webhook URL not configured")
	}

	message := body
	if subject != "" {
		message = "**" + subject + "**\n\n" + body
	}
	payload, err := json.Marshal(map[string]string{"markdown": message})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, w.sendTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		data, _ := io.ReadAll(resp.Body)
		detail := strings.TrimSpace(string(data))
		if len(detail) > 200 {
			detail = detail[:200]
		}
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, detail)
	}
	return nil
}

func (w *Webhook) client() *http.Client {
	if w.HTTPClient != nil {
		return w.HTTPClient
	}
	return http.DefaultClient
}

func (w *Webhook) sendTimeout() time.Duration {
	if w.SendTimeout <= 0 {
		return defaultSendTimeout
	}
	return w.SendTimeout
}
