package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"healthchat/internal/config"
	"healthchat/internal/models"
)

// StatusStore records delivery outcomes for emergency alerts.
type StatusStore interface {
	MarkSOSStatus(ctx context.Context, eventID int64, status string) error
}

// Manager forwards recorded alerts to the configured emergency webhook
// and persists the resulting delivery status.
type Manager struct {
	store      StatusStore
	webhookURL string
	httpClient *http.Client
	timeout    time.Duration
}

type webhookPayload struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id,omitempty"`
	Emergency bool   `json:"emergency"`
	Timestamp string `json:"timestamp"`
	CreatedAt string `json:"created_at"`
}

func NewManager(store StatusStore, cfg config.SOSConfig) *Manager {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Manager{
		store:      store,
		webhookURL: cfg.WebhookURL,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

func (m *Manager) handleDeliver(task *DeliveryTask) {
	if task == nil || task.Event == nil {
		return
	}
	evt := task.Event
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	status := models.SOSStatusDelivered
	if m.webhookURL != "" {
		if err := m.deliver(ctx, evt); err != nil {
			log.Printf("sos delivery failed for event %d: %v", evt.ID, err)
			status = models.SOSStatusFailed
		}
	}
	if err := m.store.MarkSOSStatus(ctx, evt.ID, status); err != nil {
		log.Printf("mark sos event %d %s: %v", evt.ID, status, err)
	}
	debugLog("[worker] sos event %d delivered with status %s", evt.ID, status)
}

func (m *Manager) deliver(ctx context.Context, evt *models.SOSEvent) error {
	payload := webhookPayload{
		ID:        evt.ID,
		UserID:    evt.UserID,
		Emergency: evt.Emergency,
		Timestamp: evt.ClientTS,
		CreatedAt: evt.CreatedAt.Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}
