package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"
)

// poster sends JSON bodies with fasthttp, bounded by the context deadline.
type poster struct {
	client  *fasthttp.Client
	timeout time.Duration
}

func newPoster() poster {
	return poster{
		client:  &fasthttp.Client{Name: "feedsignal-notify"},
		timeout: 10 * time.Second,
	}
}

// post returns the response status code.
func (p poster) post(ctx context.Context, url string, payload any) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal: %w", err)
	}
	timeout := p.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := p.client.DoTimeout(req, resp, timeout); err != nil {
		return 0, err
	}
	return resp.StatusCode(), nil
}

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url string
	p   poster
}

// NewWebhookNotifier creates a webhook notifier for url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{url: url, p: newPoster()}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	payload := struct {
		Alert
		TS string `json:"ts"`
	}{Alert: alert, TS: time.Now().UTC().Format(time.RFC3339Nano)}

	code, err := w.p.post(ctx, w.url, payload)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", code)
	}
	slog.Debug("webhook alert sent", "url", w.url, "title", alert.Title)
	return nil
}
