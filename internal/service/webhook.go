package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zapflow/telegram-gateway/internal/ports"
)

// WebhookDispatcher posts event payloads to per-account callback URLs.
// Delivery is single-attempt and bounded by a fixed timeout; outcomes are
// logged and recorded in the audit store but never surfaced to callers.
// Deliveries for one account run in order; accounts never block each other.
type WebhookDispatcher struct {
	logger  *slog.Logger
	client  *http.Client
	timeout time.Duration
	audit   ports.AccountStore
	queue   *KeyedQueue
}

func NewWebhookDispatcher(logger *slog.Logger, timeout time.Duration, audit ports.AccountStore) *WebhookDispatcher {
	return &WebhookDispatcher{
		logger:  logger,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		audit:   audit,
		queue:   NewKeyedQueue(),
	}
}

func (d *WebhookDispatcher) Deliver(account, url, action string, payload any) {
	if strings.TrimSpace(url) == "" {
		return
	}
	d.queue.Enqueue(context.Background(), account, func(ctx context.Context) {
		err := d.post(ctx, url, payload)
		d.record(ctx, account, url, action, err)
	})
}

func (d *WebhookDispatcher) post(ctx context.Context, url string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		return fmt.Errorf("webhook status %d", res.StatusCode)
	}
	return nil
}

func (d *WebhookDispatcher) record(ctx context.Context, account, url, action string, deliveryErr error) {
	rec := ports.DeliveryRecord{
		ID:      uuid.NewString(),
		Account: account,
		Action:  action,
		URL:     url,
		OK:      deliveryErr == nil,
	}
	if deliveryErr != nil {
		rec.Error = deliveryErr.Error()
		d.logger.Error("webhook delivery failed", "account", account, "action", action, "error", deliveryErr)
	} else {
		d.logger.Info("webhook delivered", "account", account, "action", action)
	}

	if d.audit == nil {
		return
	}
	if err := d.audit.RecordDelivery(ctx, rec); err != nil {
		d.logger.Warn("webhook audit write failed", "account", account, "error", err)
	}
}
