package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zapflow/telegram-gateway/internal/domain"
	"github.com/zapflow/telegram-gateway/internal/ports"
)

type liveAccount struct {
	account domain.Account
	client  ports.MessagingClient
}

type pendingLogin struct {
	name        string
	phoneNumber string
	webhookURL  string
	codeHash    string
	client      ports.MessagingClient
	state       domain.AccountState
}

// ConfirmResult is the outcome of a successful ConfirmCode call.
type ConfirmResult struct {
	Status       string
	Name         string
	SessionToken string
}

// AccountStatus is the GetStatus projection of a live account.
type AccountStatus struct {
	Name        string
	Connected   bool
	WebhookURL  string
	IsConfirmed bool
}

// AccountManager owns the live account registry and the pending-login
// table, and drives the two-step login state machine. Operations touching
// the same phone number are serialized through a keyed queue; the maps
// themselves are guarded by a mutex.
type AccountManager struct {
	logger   *slog.Logger
	dialer   ports.Dialer
	sessions ports.SessionRepository
	accounts ports.AccountStore
	webhooks ports.WebhookSink
	relay    *MessageRelay
	queue    *KeyedQueue

	mu       sync.RWMutex
	registry map[string]*liveAccount
	pending  map[string]*pendingLogin
}

func NewAccountManager(
	logger *slog.Logger,
	dialer ports.Dialer,
	sessions ports.SessionRepository,
	accounts ports.AccountStore,
	webhooks ports.WebhookSink,
	relay *MessageRelay,
) *AccountManager {
	return &AccountManager{
		logger:   logger,
		dialer:   dialer,
		sessions: sessions,
		accounts: accounts,
		webhooks: webhooks,
		relay:    relay,
		queue:    NewKeyedQueue(),
		registry: make(map[string]*liveAccount),
		pending:  make(map[string]*pendingLogin),
	}
}

// StartLogin opens a fresh connection, asks Telegram to send a login code
// to phoneNumber and records the pending login. A name that is already
// connected is rejected rather than silently reconnected.
func (m *AccountManager) StartLogin(ctx context.Context, name, phoneNumber, webhookURL string) error {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(phoneNumber) == "" {
		return fmt.Errorf("nome and phoneNumber are required: %w", domain.ErrValidation)
	}
	if name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid nome %q: %w", name, domain.ErrValidation)
	}

	return m.queue.Run(ctx, phoneKey(phoneNumber), func(ctx context.Context) error {
		m.mu.RLock()
		_, exists := m.registry[name]
		m.mu.RUnlock()
		if exists {
			return fmt.Errorf("account %q: %w", name, domain.ErrConflict)
		}

		client, err := m.dialer.Dial(ctx, "")
		if err != nil {
			return fmt.Errorf("connect: %w: %v", domain.ErrConnection, err)
		}

		codeHash, err := client.SendCode(ctx, phoneNumber)
		if err != nil {
			client.Close()
			return fmt.Errorf("send code: %w: %v", domain.ErrConnection, err)
		}

		m.mu.Lock()
		if stale, ok := m.pending[phoneNumber]; ok {
			// A restarted login replaces the previous attempt outright.
			stale.client.Close()
		}
		m.pending[phoneNumber] = &pendingLogin{
			name:        name,
			phoneNumber: phoneNumber,
			webhookURL:  webhookURL,
			codeHash:    codeHash,
			client:      client,
			state:       domain.StatePendingCode,
		}
		m.mu.Unlock()

		m.logger.Info("login code sent", "account", name, "phone", phoneNumber)
		return nil
	})
}

// ConfirmCode finishes the login with the code Telegram sent, falling back
// to the two-factor password when the account requires one. On a wrong
// password the pending login is kept so the caller can retry ConfirmCode
// without restarting the whole flow.
func (m *AccountManager) ConfirmCode(ctx context.Context, phoneNumber, code, password string) (ConfirmResult, error) {
	var result ConfirmResult
	err := m.queue.Run(ctx, phoneKey(phoneNumber), func(ctx context.Context) error {
		m.mu.RLock()
		login, ok := m.pending[phoneNumber]
		m.mu.RUnlock()
		if !ok {
			return fmt.Errorf("login session for %q: %w", phoneNumber, domain.ErrNotFound)
		}

		status := "connected"
		err := login.client.SignIn(ctx, phoneNumber, code, login.codeHash)
		if errors.Is(err, domain.ErrPasswordNeeded) {
			m.mu.Lock()
			login.state = domain.StatePendingPassword
			m.mu.Unlock()
			m.logger.Debug("two-factor password required", "account", login.name)

			if err := login.client.CheckPassword(ctx, password); err != nil {
				if errors.Is(err, domain.ErrAuth) {
					return err
				}
				return fmt.Errorf("check password: %w", err)
			}
			status = "connected_with_password"
		} else if err != nil {
			return fmt.Errorf("sign in: %w", err)
		}

		token, err := login.client.ExportSession(ctx)
		if err != nil {
			return fmt.Errorf("export session: %w", err)
		}
		if err := m.sessions.Save(login.name, token); err != nil {
			return fmt.Errorf("persist session: %w", err)
		}
		if err := m.accounts.UpsertAccount(ctx, login.name, phoneNumber); err != nil {
			m.logger.Warn("account metadata write failed", "account", login.name, "error", err)
		}

		m.mu.Lock()
		delete(m.pending, phoneNumber)
		m.registry[login.name] = &liveAccount{
			account: domain.Account{
				Name:         login.name,
				PhoneNumber:  phoneNumber,
				WebhookURL:   login.webhookURL,
				SessionToken: token,
				State:        domain.StateAuthenticated,
			},
			client: login.client,
		}
		m.mu.Unlock()

		m.relay.Attach(login.name, login.webhookURL, login.client)
		m.webhooks.Deliver(login.name, login.webhookURL, domain.ActionInstanceConnected, map[string]any{
			"acao":          domain.ActionInstanceConnected,
			"nome":          login.name,
			"status":        "conectado",
			"stringSession": token,
		})

		m.logger.Info("login confirmed", "account", login.name, "status", status)
		result = ConfirmResult{Status: status, Name: login.name, SessionToken: token}
		return nil
	})
	return result, err
}

// RestoreAll reconnects every persisted session at startup. Failures are
// isolated per account: one broken session file or unreachable login never
// stops the others from coming back.
func (m *AccountManager) RestoreAll(ctx context.Context) {
	names, err := m.sessions.ListAll()
	if err != nil {
		m.logger.Error("list persisted sessions failed", "error", err)
		return
	}

	for _, name := range names {
		if err := m.restore(ctx, name); err != nil {
			m.logger.Error("session restore failed", "account", name, "error", err)
		}
	}
}

func (m *AccountManager) restore(ctx context.Context, name string) error {
	token, err := m.sessions.Load(name)
	if err != nil {
		return err
	}

	client, err := m.dialer.Dial(ctx, token)
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}

	m.mu.Lock()
	m.registry[name] = &liveAccount{
		account: domain.Account{
			Name:         name,
			SessionToken: token,
			State:        domain.StateAuthenticated,
		},
		client: client,
	}
	m.mu.Unlock()

	// Restored accounts have no webhook until one is set again on login.
	m.relay.Attach(name, "", client)

	if err := m.accounts.UpsertAccount(ctx, name, ""); err != nil {
		m.logger.Warn("account metadata write failed", "account", name, "error", err)
	}

	m.logger.Info("session restored", "account", name)
	return nil
}

// SendMessage sends text to either a phone number or a user id on behalf
// of a registered account, then fires the "mensagem_enviada" event.
func (m *AccountManager) SendMessage(ctx context.Context, name, number string, userID int64, text string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("nome is required: %w", domain.ErrValidation)
	}
	hasNumber := strings.TrimSpace(number) != ""
	if hasNumber == (userID != 0) {
		return fmt.Errorf("exactly one of number or userId is required: %w", domain.ErrValidation)
	}

	m.mu.RLock()
	account, ok := m.registry[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("account %q: %w", name, domain.ErrNotFound)
	}

	target := ports.SendTarget{UserID: userID}
	if hasNumber {
		target.Number = normalizeNumber(number)
		target.UserID = 0
	}

	if err := account.client.SendText(ctx, target, text); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDelivery, err)
	}

	recipient := target.Number
	if !hasNumber {
		recipient = strconv.FormatInt(userID, 10)
	}
	m.webhooks.Deliver(account.account.Name, account.account.WebhookURL, domain.ActionMessageSent, map[string]any{
		"acao":     domain.ActionMessageSent,
		"para":     recipient,
		"mensagem": text,
		"data":     time.Now().Format(time.RFC3339),
	})

	m.logger.Info("message sent", "account", name, "to", recipient)
	return nil
}

// GetStatus reports the connection state of a registered account.
func (m *AccountManager) GetStatus(name string) (AccountStatus, error) {
	m.mu.RLock()
	account, ok := m.registry[name]
	m.mu.RUnlock()
	if !ok {
		return AccountStatus{}, fmt.Errorf("account %q: %w", name, domain.ErrNotFound)
	}

	return AccountStatus{
		Name:        account.account.Name,
		Connected:   account.client.Connected(),
		WebhookURL:  account.account.WebhookURL,
		IsConfirmed: account.account.State == domain.StateAuthenticated,
	}, nil
}

// CountAuthenticated reports registry sizes for the health endpoint.
func (m *AccountManager) CountAuthenticated() (authenticated, pending int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.registry), len(m.pending)
}

func phoneKey(phoneNumber string) string {
	return "phone:" + phoneNumber
}

func normalizeNumber(number string) string {
	trimmed := strings.TrimSpace(number)
	if strings.HasPrefix(trimmed, "+") {
		return trimmed
	}
	return "+" + trimmed
}
