package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const (
	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// WebhookNotifier posts notifications as JSON to a configured URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a notifier for the given webhook URL.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type payload struct {
	Kind     string            `json:"kind"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
	SentAt   time.Time         `json:"sent_at"`
}

// Notify posts the notification, retrying transient failures. Errors are
// logged and swallowed.
func (n *WebhookNotifier) Notify(ctx context.Context, kind, title, message string, metadata map[string]string) {
	body, err := json.Marshal(payload{
		Kind:     kind,
		Title:    title,
		Message:  message,
		Metadata: metadata,
		SentAt:   time.Now(),
	})
	if err != nil {
		log.Printf("notify: marshal payload: %v", err)
		return
	}

	err = retry.Do(func() error {
		return n.post(ctx, body)
	}, retry.Attempts(maxAttempts), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))

	if err != nil {
		log.Printf("notify: delivery failed (%s): %v", kind, err)
	}
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
