package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/beingfastian/APD-Listener-Tool/store"
)

const webhookAttempts = 3

// Webhook POSTs completed jobs to a configured URL. Delivery is best
// effort with bounded retries; a job is never failed over it.
type Webhook struct {
	url    string
	client *http.Client
	logger *log.Logger
}

func NewWebhook(url string, logger *log.Logger) *Webhook {
	if logger == nil {
		logger = log.Default()
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

func (w *Webhook) Notify(ctx context.Context, job *store.Job) {
	payload, err := json.Marshal(job)
	if err != nil {
		w.logger.Error("marshal webhook payload", "job", job.ID, "error", err)
		return
	}

	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		err := w.post(ctx, payload)
		if err == nil {
			w.logger.Info("webhook delivered", "job", job.ID, "attempt", attempt)
			return
		}
		w.logger.Warn("webhook delivery failed",
			"job", job.ID, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
}

func (w *Webhook) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}
