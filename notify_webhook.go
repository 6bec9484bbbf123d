package cfddns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookNotifier posts events as JSON to a chat webhook.
//
// The body is understood by Discord ("content", "username");
// the structured fields let other receivers route on the event kind.
type WebhookNotifier struct {
	URL        string
	Username   string
	HTTPClient *http.Client
}

type webhookPayload struct {
	Content    string            `json:"content"`
	Username   string            `json:"username,omitempty"`
	Event      EventKind         `json:"event"`
	OccurredAt time.Time         `json:"occurred_at"`
	Fields     map[string]string `json:"fields,omitempty"`
}

func (w *WebhookNotifier) String() string { return "webhook" }

func (w *WebhookNotifier) SetHTTPClient(c *http.Client) { w.HTTPClient = c }

func (w *WebhookNotifier) Notify(ctx context.Context, event Event) Outcome {
	body, err := json.Marshal(webhookPayload{
		Content:    event.Summary(),
		Username:   w.Username,
		Event:      event.Kind,
		OccurredAt: event.OccurredAt,
		Fields:     event.Payload,
	})
	if err != nil {
		return failed(fmt.Errorf("encoding webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return failed(fmt.Errorf("error creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	httpclient := w.HTTPClient
	if httpclient == nil {
		httpclient = http.DefaultClient
	}
	resp, err := httpclient.Do(req)
	if err != nil {
		return failed(fmt.Errorf("http request failed: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	// Discord answers 204 No Content.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failed(fmt.Errorf("webhook returned %s", resp.Status))
	}
	return delivered()
}
