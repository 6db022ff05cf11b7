package domain

// AccountState tracks where an account sits in the two-step login flow.
type AccountState string

const (
	StatePendingCode     AccountState = "pending_code"
	StatePendingPassword AccountState = "pending_password"
	StateAuthenticated   AccountState = "authenticated"
)

// Account is an authenticated Telegram identity registered with the gateway.
// The live client handle is owned by the account manager, not the model.
type Account struct {
	Name         string
	PhoneNumber  string
	WebhookURL   string
	SessionToken string
	State        AccountState
}

// Webhook event actions, kept verbatim for callers that already consume them.
const (
	ActionInstanceConnected = "nova_instancia"
	ActionMessageSent       = "mensagem_enviada"
)
