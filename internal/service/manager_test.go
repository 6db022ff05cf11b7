package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/zapflow/telegram-gateway/internal/domain"
	"github.com/zapflow/telegram-gateway/internal/ports"
	"github.com/zapflow/telegram-gateway/internal/storage"
)

type sentText struct {
	target ports.SendTarget
	text   string
}

type fakeClient struct {
	mu             sync.Mutex
	codeHash       string
	token          string
	passwordNeeded bool
	password       string
	sendCodeErr    error
	signInErr      error
	sendErr        error
	sent           []sentText
	handlers       []func(map[string]any)
	closed         bool
	connected      bool
}

func newFakeClient(token string) *fakeClient {
	return &fakeClient{codeHash: "hash-1", token: token, connected: true}
}

func (c *fakeClient) SendCode(context.Context, string) (string, error) {
	if c.sendCodeErr != nil {
		return "", c.sendCodeErr
	}
	return c.codeHash, nil
}

func (c *fakeClient) SignIn(context.Context, string, string, string) error {
	if c.signInErr != nil {
		return c.signInErr
	}
	if c.passwordNeeded {
		return fmt.Errorf("sign in: %w", domain.ErrPasswordNeeded)
	}
	return nil
}

func (c *fakeClient) CheckPassword(_ context.Context, password string) error {
	if password != c.password {
		return fmt.Errorf("check password: %w", domain.ErrAuth)
	}
	return nil
}

func (c *fakeClient) ExportSession(context.Context) (string, error) { return c.token, nil }

func (c *fakeClient) SendText(_ context.Context, target ports.SendTarget, text string) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	c.sent = append(c.sent, sentText{target: target, text: text})
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) OnNewMessage(fn func(map[string]any)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

func (c *fakeClient) Connected() bool { return c.connected }

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) emit(payload map[string]any) {
	c.mu.Lock()
	handlers := make([]func(map[string]any), len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(payload)
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeClient
	errs    []error
	calls   int
}

func (d *fakeDialer) Dial(context.Context, string) (ports.MessagingClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i < len(d.clients) {
		return d.clients[i], nil
	}
	return newFakeClient("token-extra"), nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type deliveredEvent struct {
	account string
	url     string
	action  string
	payload any
}

type fakeSink struct {
	mu     sync.Mutex
	events []deliveredEvent
}

func (s *fakeSink) Deliver(account, url, action string, payload any) {
	s.mu.Lock()
	s.events = append(s.events, deliveredEvent{account: account, url: url, action: action, payload: payload})
	s.mu.Unlock()
}

func (s *fakeSink) snapshot() []deliveredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]deliveredEvent, len(s.events))
	copy(out, s.events)
	return out
}

type fakeAccounts struct{}

func (fakeAccounts) UpsertAccount(context.Context, string, string) error { return nil }
func (fakeAccounts) RecordDelivery(context.Context, ports.DeliveryRecord) error {
	return nil
}
func (fakeAccounts) DeliveryStats(context.Context) (ports.DeliveryStats, error) {
	return ports.DeliveryStats{}, nil
}

type managerFixture struct {
	manager  *AccountManager
	dialer   *fakeDialer
	sink     *fakeSink
	sessions *storage.FileSessionStore
	log      *MessageLog
}

func newFixture(t *testing.T, dialer *fakeDialer) *managerFixture {
	t.Helper()
	sessions, err := storage.NewFileSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	sink := &fakeSink{}
	log := NewMessageLog()
	relay := NewMessageRelay(testLogger(), log, sink)
	manager := NewAccountManager(testLogger(), dialer, sessions, fakeAccounts{}, sink, relay)
	return &managerFixture{manager: manager, dialer: dialer, sink: sink, sessions: sessions, log: log}
}

func TestStartLoginRequiresNameAndPhone(t *testing.T) {
	dialer := &fakeDialer{}
	f := newFixture(t, dialer)

	cases := []struct{ name, phone string }{
		{"", "+15551234567"},
		{"alice", ""},
		{"", ""},
	}
	for _, tc := range cases {
		err := f.manager.StartLogin(context.Background(), tc.name, tc.phone, "")
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error for %+v, got %v", tc, err)
		}
	}
	if dialer.dialCount() != 0 {
		t.Fatalf("validation must reject before dialing, got %d dials", dialer.dialCount())
	}
}

func TestStartLoginDialFailureIsConnectionError(t *testing.T) {
	dialer := &fakeDialer{errs: []error{errors.New("dc unreachable")}}
	f := newFixture(t, dialer)

	err := f.manager.StartLogin(context.Background(), "alice", "+15551234567", "")
	if !errors.Is(err, domain.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if _, err := f.manager.ConfirmCode(context.Background(), "+15551234567", "12345", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("no pending login should survive a failed dial, got %v", err)
	}
}

func TestStartLoginSendCodeFailureClosesClient(t *testing.T) {
	client := newFakeClient("token")
	client.sendCodeErr = errors.New("PHONE_NUMBER_BANNED")
	f := newFixture(t, &fakeDialer{clients: []*fakeClient{client}})

	err := f.manager.StartLogin(context.Background(), "alice", "+15551234567", "")
	if !errors.Is(err, domain.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if !client.isClosed() {
		t.Fatal("client must be closed when code dispatch fails")
	}
}

func TestRepeatedStartLoginClosesStaleAttempt(t *testing.T) {
	first := newFakeClient("token-1")
	second := newFakeClient("token-2")
	f := newFixture(t, &fakeDialer{clients: []*fakeClient{first, second}})
	ctx := context.Background()

	if err := f.manager.StartLogin(ctx, "alice", "+15551234567", ""); err != nil {
		t.Fatalf("first start login: %v", err)
	}
	if err := f.manager.StartLogin(ctx, "alice", "+15551234567", ""); err != nil {
		t.Fatalf("second start login: %v", err)
	}

	if !first.isClosed() {
		t.Fatal("stale pending client must be closed on replacement")
	}
	if second.isClosed() {
		t.Fatal("replacement client must stay open")
	}

	// The replacement attempt owns the pending login now.
	result, err := f.manager.ConfirmCode(ctx, "+15551234567", "12345", "")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if result.SessionToken != "token-2" {
		t.Fatalf("expected session from replacement client, got %q", result.SessionToken)
	}
}

func TestLoginConfirmFlowWithoutTwoFactor(t *testing.T) {
	client := newFakeClient("token-abc")
	f := newFixture(t, &fakeDialer{clients: []*fakeClient{client}})
	ctx := context.Background()

	if err := f.manager.StartLogin(ctx, "alice", "+15551234567", "http://hooks.local/alice"); err != nil {
		t.Fatalf("start login: %v", err)
	}

	result, err := f.manager.ConfirmCode(ctx, "+15551234567", "12345", "")
	if err != nil {
		t.Fatalf("confirm code: %v", err)
	}
	if result.Status != "connected" || result.Name != "alice" || result.SessionToken != "token-abc" {
		t.Fatalf("unexpected result %+v", result)
	}

	token, err := f.sessions.Load("alice")
	if err != nil || token != "token-abc" {
		t.Fatalf("expected persisted token, got %q err %v", token, err)
	}

	status, err := f.manager.GetStatus("alice")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if !status.Connected || !status.IsConfirmed || status.WebhookURL != "http://hooks.local/alice" {
		t.Fatalf("unexpected status %+v", status)
	}

	events := f.sink.snapshot()
	if len(events) != 1 || events[0].action != domain.ActionInstanceConnected {
		t.Fatalf("expected nova_instancia event, got %+v", events)
	}

	// The pending login is consumed on success.
	if _, err := f.manager.ConfirmCode(ctx, "+15551234567", "12345", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after confirm, got %v", err)
	}
}

func TestConfirmCodeUnknownPhone(t *testing.T) {
	f := newFixture(t, &fakeDialer{})

	_, err := f.manager.ConfirmCode(context.Background(), "+10000000000", "12345", "")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWrongPasswordKeepsPendingLoginForRetry(t *testing.T) {
	client := newFakeClient("token-2fa")
	client.passwordNeeded = true
	client.password = "hunter2"
	f := newFixture(t, &fakeDialer{clients: []*fakeClient{client}})
	ctx := context.Background()

	if err := f.manager.StartLogin(ctx, "alice", "+15551234567", ""); err != nil {
		t.Fatalf("start login: %v", err)
	}

	_, err := f.manager.ConfirmCode(ctx, "+15551234567", "12345", "wrong")
	if !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}

	// The pending login survives a wrong password; a retry with the right
	// one completes the flow.
	result, err := f.manager.ConfirmCode(ctx, "+15551234567", "12345", "hunter2")
	if err != nil {
		t.Fatalf("retry confirm: %v", err)
	}
	if result.Status != "connected_with_password" {
		t.Fatalf("expected connected_with_password, got %q", result.Status)
	}
	if _, err := f.sessions.Load("alice"); err != nil {
		t.Fatalf("expected persisted session after retry: %v", err)
	}
}

func TestStartLoginRejectsConnectedName(t *testing.T) {
	client := newFakeClient("token-abc")
	f := newFixture(t, &fakeDialer{clients: []*fakeClient{client}})
	ctx := context.Background()

	if err := f.manager.StartLogin(ctx, "alice", "+15551234567", ""); err != nil {
		t.Fatalf("start login: %v", err)
	}
	if _, err := f.manager.ConfirmCode(ctx, "+15551234567", "12345", ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	err := f.manager.StartLogin(ctx, "alice", "+15559999999", "")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSendMessageRequiresExactlyOneTarget(t *testing.T) {
	f := newFixture(t, &fakeDialer{})
	ctx := context.Background()

	err := f.manager.SendMessage(ctx, "alice", "", 0, "oi")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error with no target, got %v", err)
	}
	err = f.manager.SendMessage(ctx, "alice", "+15551234567", 42, "oi")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error with both targets, got %v", err)
	}
}

func TestSendMessageUnknownAccount(t *testing.T) {
	f := newFixture(t, &fakeDialer{})

	err := f.manager.SendMessage(context.Background(), "ghost", "+15551234567", 0, "oi")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSendMessageNormalizesNumberAndFiresWebhook(t *testing.T) {
	client := newFakeClient("token-abc")
	f := newFixture(t, &fakeDialer{clients: []*fakeClient{client}})
	ctx := context.Background()

	if err := f.manager.StartLogin(ctx, "alice", "+15551234567", "http://hooks.local/alice"); err != nil {
		t.Fatalf("start login: %v", err)
	}
	if _, err := f.manager.ConfirmCode(ctx, "+15551234567", "12345", ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if err := f.manager.SendMessage(ctx, "alice", "5511988887777", 0, "olá"); err != nil {
		t.Fatalf("send message: %v", err)
	}

	client.mu.Lock()
	sent := append([]sentText(nil), client.sent...)
	client.mu.Unlock()
	if len(sent) != 1 || sent[0].target.Number != "+5511988887777" || sent[0].text != "olá" {
		t.Fatalf("unexpected send %+v", sent)
	}

	events := f.sink.snapshot()
	last := events[len(events)-1]
	if last.action != domain.ActionMessageSent {
		t.Fatalf("expected mensagem_enviada event, got %+v", last)
	}
	payload := last.payload.(map[string]any)
	if payload["para"] != "+5511988887777" || payload["mensagem"] != "olá" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestSendMessageDeliveryFailure(t *testing.T) {
	client := newFakeClient("token-abc")
	client.sendErr = errors.New("PEER_FLOOD")
	f := newFixture(t, &fakeDialer{clients: []*fakeClient{client}})
	ctx := context.Background()

	if err := f.manager.StartLogin(ctx, "alice", "+15551234567", ""); err != nil {
		t.Fatalf("start login: %v", err)
	}
	if _, err := f.manager.ConfirmCode(ctx, "+15551234567", "12345", ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	err := f.manager.SendMessage(ctx, "alice", "+15550000000", 0, "oi")
	if !errors.Is(err, domain.ErrDelivery) {
		t.Fatalf("expected delivery error, got %v", err)
	}
}

func TestRestoreAllIsolatesFailures(t *testing.T) {
	bobClient := newFakeClient("token-bob")
	dialer := &fakeDialer{
		errs:    []error{errors.New("AUTH_KEY_UNREGISTERED")},
		clients: []*fakeClient{nil, bobClient},
	}
	f := newFixture(t, dialer)

	if err := f.sessions.Save("alice", "token-alice"); err != nil {
		t.Fatalf("seed alice: %v", err)
	}
	if err := f.sessions.Save("bob", "token-bob"); err != nil {
		t.Fatalf("seed bob: %v", err)
	}

	f.manager.RestoreAll(context.Background())

	authenticated, pending := f.manager.CountAuthenticated()
	if authenticated != 1 || pending != 0 {
		t.Fatalf("expected exactly one restored account, got %d/%d", authenticated, pending)
	}

	status, err := f.manager.GetStatus("bob")
	if err != nil {
		t.Fatalf("bob should be restored: %v", err)
	}
	if !status.IsConfirmed || status.WebhookURL != "" {
		t.Fatalf("restored account should be confirmed with no webhook, got %+v", status)
	}
}

func TestGetStatusIsIdempotent(t *testing.T) {
	client := newFakeClient("token-abc")
	f := newFixture(t, &fakeDialer{clients: []*fakeClient{client}})
	ctx := context.Background()

	if err := f.manager.StartLogin(ctx, "alice", "+15551234567", "http://hooks.local"); err != nil {
		t.Fatalf("start login: %v", err)
	}
	if _, err := f.manager.ConfirmCode(ctx, "+15551234567", "12345", ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	first, err := f.manager.GetStatus("alice")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	second, err := f.manager.GetStatus("alice")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical results, got %+v vs %+v", first, second)
	}
}
