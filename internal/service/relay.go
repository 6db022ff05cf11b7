package service

import (
	"log/slog"
	"sync"

	"github.com/zapflow/telegram-gateway/internal/ports"
)

const relayAction = "mensagem_recebida"

// MessageLog is the process-lifetime append log of inbound messages.
// Unbounded on purpose: there is no retention policy.
type MessageLog struct {
	mu       sync.RWMutex
	messages []map[string]any
}

func NewMessageLog() *MessageLog {
	return &MessageLog{}
}

func (l *MessageLog) Append(msg map[string]any) {
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	l.mu.Unlock()
}

func (l *MessageLog) Snapshot() []map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]map[string]any, len(l.messages))
	copy(out, l.messages)
	return out
}

func (l *MessageLog) Total() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// MessageRelay forwards each inbound message on an account's connection to
// that account's webhook, after appending it to the shared log. Per-account
// ordering follows the order Telegram emits events.
type MessageRelay struct {
	logger   *slog.Logger
	log      *MessageLog
	webhooks ports.WebhookSink
}

func NewMessageRelay(logger *slog.Logger, log *MessageLog, webhooks ports.WebhookSink) *MessageRelay {
	return &MessageRelay{logger: logger, log: log, webhooks: webhooks}
}

func (r *MessageRelay) Attach(name, webhookURL string, client ports.MessagingClient) {
	client.OnNewMessage(func(payload map[string]any) {
		r.log.Append(payload)
		r.logger.Debug("message received", "account", name)
		r.webhooks.Deliver(name, webhookURL, relayAction, payload)
	})
}
