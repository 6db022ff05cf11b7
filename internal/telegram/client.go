// Package telegram adapts the gotd MTProto client to the narrow surface
// the gateway needs: two-step auth, entity resolution, sending and the
// new-message subscription.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/zapflow/telegram-gateway/internal/config"
	"github.com/zapflow/telegram-gateway/internal/domain"
	"github.com/zapflow/telegram-gateway/internal/ports"
)

type Dialer struct {
	apiID          int
	apiHash        string
	connectTimeout time.Duration
	logger         *slog.Logger
}

func NewDialer(cfg config.Config, logger *slog.Logger) *Dialer {
	return &Dialer{
		apiID:          cfg.TelegramAPIID,
		apiHash:        cfg.TelegramAPIHash,
		connectTimeout: cfg.ConnectTimeout,
		logger:         logger,
	}
}

// Client is one live gotd connection. The connection loop runs on its own
// goroutine until Close or a transport failure.
type Client struct {
	logger *slog.Logger
	inner  *telegram.Client
	api    *tg.Client
	sender *message.Sender
	store  *memorySession

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	handlers []func(map[string]any)
}

// Dial connects a client. An empty sessionToken starts an unauthenticated
// connection for the login flow; otherwise the token is preloaded so the
// connection comes up already authorized.
func (d *Dialer) Dial(ctx context.Context, sessionToken string) (ports.MessagingClient, error) {
	store := &memorySession{}
	if sessionToken != "" {
		if err := store.preload(sessionToken); err != nil {
			return nil, fmt.Errorf("decode session token: %w", err)
		}
	}

	c := &Client{
		logger: d.logger,
		store:  store,
		done:   make(chan struct{}),
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		c.emit(u.Message)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		c.emit(u.Message)
		return nil
	})

	c.inner = telegram.NewClient(d.apiID, d.apiHash, telegram.Options{
		SessionStorage: store,
		UpdateHandler:  dispatcher,
	})
	c.api = c.inner.API()
	c.sender = message.NewSender(c.api)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	ready := make(chan struct{})
	go func() {
		defer close(c.done)
		err := c.inner.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("telegram connection closed", "error", err)
		}
	}()

	select {
	case <-ready:
		return c, nil
	case <-c.done:
		cancel()
		return nil, fmt.Errorf("telegram connection failed: %w", domain.ErrConnection)
	case <-time.After(d.connectTimeout):
		cancel()
		return nil, fmt.Errorf("telegram connect timeout: %w", domain.ErrConnection)
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

func (c *Client) SendCode(ctx context.Context, phoneNumber string) (string, error) {
	sent, err := c.inner.Auth().SendCode(ctx, phoneNumber, auth.SendCodeOptions{})
	if err != nil {
		return "", err
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return "", fmt.Errorf("unexpected sent code response %T", sent)
	}
	return code.PhoneCodeHash, nil
}

func (c *Client) SignIn(ctx context.Context, phoneNumber, code, codeHash string) error {
	_, err := c.inner.Auth().SignIn(ctx, phoneNumber, code, codeHash)
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		return fmt.Errorf("sign in: %w", domain.ErrPasswordNeeded)
	}
	return err
}

func (c *Client) CheckPassword(ctx context.Context, password string) error {
	_, err := c.inner.Auth().Password(ctx, password)
	if tgerr.Is(err, "PASSWORD_HASH_INVALID") {
		return fmt.Errorf("check password: %w", domain.ErrAuth)
	}
	return err
}

func (c *Client) ExportSession(ctx context.Context) (string, error) {
	// Force a session flush so the token reflects the fresh authorization.
	if _, err := c.inner.Self(ctx); err != nil {
		return "", err
	}
	token, ok := c.store.token()
	if !ok {
		return "", fmt.Errorf("no session data after login")
	}
	return token, nil
}

func (c *Client) SendText(ctx context.Context, target ports.SendTarget, text string) error {
	peer, err := c.resolve(ctx, target)
	if err != nil {
		return err
	}
	_, err = c.sender.To(peer).Text(ctx, text)
	return err
}

func (c *Client) resolve(ctx context.Context, target ports.SendTarget) (tg.InputPeerClass, error) {
	if target.Number != "" {
		return c.resolveNumber(ctx, target.Number)
	}
	return c.resolveUserID(ctx, target.UserID)
}

// resolveNumber looks the phone up among existing contacts and falls back
// to importing it as a new contact.
func (c *Client) resolveNumber(ctx context.Context, number string) (tg.InputPeerClass, error) {
	resolved, err := c.api.ContactsResolvePhone(ctx, number)
	if err == nil {
		if user := firstUser(resolved.Users); user != nil {
			return user.AsInputPeer(), nil
		}
	}

	imported, err := c.api.ContactsImportContacts(ctx, []tg.InputPhoneContact{{
		ClientID:  time.Now().UnixNano(),
		Phone:     number,
		FirstName: "Contato",
	}})
	if err != nil {
		return nil, fmt.Errorf("import contact %s: %w", number, err)
	}
	user := firstUser(imported.Users)
	if user == nil {
		return nil, fmt.Errorf("phone %s resolved to no user", number)
	}
	return user.AsInputPeer(), nil
}

func (c *Client) resolveUserID(ctx context.Context, userID int64) (tg.InputPeerClass, error) {
	users, err := c.api.UsersGetUsers(ctx, []tg.InputUserClass{&tg.InputUser{UserID: userID}})
	if err != nil {
		return nil, fmt.Errorf("resolve user %d: %w", userID, err)
	}
	user := firstUser(users)
	if user == nil {
		return nil, fmt.Errorf("user %d not found", userID)
	}
	return user.AsInputPeer(), nil
}

func (c *Client) OnNewMessage(fn func(payload map[string]any)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

func (c *Client) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Client) Close() error {
	c.cancel()
	<-c.done
	return nil
}

// emit converts an update into the opaque payload shape forwarded to
// webhooks and the in-memory log. Only stable fields are captured to keep
// consumers decoupled from gotd's schema.
func (c *Client) emit(raw tg.MessageClass) {
	msg, ok := raw.(*tg.Message)
	if !ok {
		return
	}

	payload := map[string]any{
		"id":      msg.ID,
		"message": msg.Message,
		"date":    msg.Date,
		"out":     msg.Out,
		"peerId":  peerToMap(msg.PeerID),
	}
	if msg.FromID != nil {
		payload["fromId"] = peerToMap(msg.FromID)
	}

	c.mu.Lock()
	handlers := make([]func(map[string]any), len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(payload)
	}
}

func peerToMap(peer tg.PeerClass) map[string]any {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return map[string]any{"userId": p.UserID}
	case *tg.PeerChat:
		return map[string]any{"chatId": p.ChatID}
	case *tg.PeerChannel:
		return map[string]any{"channelId": p.ChannelID}
	default:
		return map[string]any{}
	}
}

func firstUser(users []tg.UserClass) *tg.User {
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			return user
		}
	}
	return nil
}
