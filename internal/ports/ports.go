package ports

import "context"

// SendTarget addresses an outgoing message. Exactly one field is set;
// the manager validates that before a client ever sees it.
type SendTarget struct {
	Number string
	UserID int64
}

// MessagingClient is one live connection to Telegram.
type MessagingClient interface {
	SendCode(ctx context.Context, phoneNumber string) (codeHash string, err error)
	// SignIn confirms the login code. Returns domain.ErrPasswordNeeded when
	// the account requires a two-factor password.
	SignIn(ctx context.Context, phoneNumber, code, codeHash string) error
	// CheckPassword verifies the two-factor password. Returns domain.ErrAuth
	// when the password is rejected.
	CheckPassword(ctx context.Context, password string) error
	// ExportSession returns the opaque token that reconnects this login
	// without re-running the code flow.
	ExportSession(ctx context.Context) (string, error)
	SendText(ctx context.Context, target SendTarget, text string) error
	// OnNewMessage registers a callback fired once per inbound message, in
	// the order Telegram emits them.
	OnNewMessage(fn func(payload map[string]any))
	Connected() bool
	Close() error
}

// Dialer opens client connections. An empty token dials a fresh,
// unauthenticated session for the login flow.
type Dialer interface {
	Dial(ctx context.Context, sessionToken string) (MessagingClient, error)
}

// SessionRepository persists one opaque session token per account name.
type SessionRepository interface {
	Save(name, token string) error
	// Load returns domain.ErrNotFound when no token exists for name.
	Load(name string) (string, error)
	ListAll() ([]string, error)
}

// DeliveryRecord is one webhook delivery attempt, kept for auditing.
type DeliveryRecord struct {
	ID      string
	Account string
	Action  string
	URL     string
	OK      bool
	Error   string
}

// DeliveryStats summarizes the audit table for the health endpoint.
type DeliveryStats struct {
	Total  int64 `json:"total"`
	Failed int64 `json:"failed"`
}

// AccountStore keeps durable account metadata and the webhook audit log.
type AccountStore interface {
	UpsertAccount(ctx context.Context, name, phoneNumber string) error
	RecordDelivery(ctx context.Context, rec DeliveryRecord) error
	DeliveryStats(ctx context.Context) (DeliveryStats, error)
}

// WebhookSink delivers an event payload to an account's webhook URL.
// Implementations never surface errors to the caller.
type WebhookSink interface {
	Deliver(account, url, action string, payload any)
}
