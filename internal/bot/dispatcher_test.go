package bot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/chatidp/internal/bridge"
	"github.com/louisbranch/chatidp/internal/idp"
	"github.com/louisbranch/chatidp/internal/pending"
	"github.com/louisbranch/chatidp/internal/storage"
	"github.com/louisbranch/chatidp/internal/storage/sqlite"
)

type fakeSender struct {
	mu      sync.Mutex
	targets []bridge.Target
	texts   []string
}

func (s *fakeSender) Send(ctx context.Context, target bridge.Target, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, target)
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSender) last(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.texts) == 0 {
		t.Fatal("expected a reply")
	}
	return s.texts[len(s.texts)-1]
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.texts)
}

type fakeApprover struct {
	approval idp.Approval
	err      error
	gotCode  string
	gotUser  string
}

func (a *fakeApprover) ApproveAuthorization(ctx context.Context, code, chatUserID string) (idp.Approval, error) {
	a.gotCode = code
	a.gotUser = chatUserID
	return a.approval, a.err
}

type fakeLogin struct {
	gotState     string
	gotChallenge string
}

func (l *fakeLogin) AuthorizationURL(ctx context.Context, state, codeChallenge string) (string, error) {
	l.gotState = state
	l.gotChallenge = codeChallenge
	return "https://sso.example.com/authorize?state=" + state, nil
}

type testDispatcher struct {
	dispatcher *Dispatcher
	store      storage.Store
	pending    *pending.Store
	sender     *fakeSender
	approver   *fakeApprover
	login      *fakeLogin
}

func newTestDispatcher(t *testing.T) *testDispatcher {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "chatidp.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	td := &testDispatcher{
		store:    store,
		pending:  pending.NewStore(pending.DefaultCodeLength),
		sender:   &fakeSender{},
		approver: &fakeApprover{},
		login:    &fakeLogin{},
	}
	config := Config{
		Prefix:    "/sso",
		Workers:   2,
		QueueSize: 8,
		BindTTL:   10 * time.Minute,
		UnbindTTL: 2 * time.Minute,
	}
	td.dispatcher = NewDispatcher(config, store, td.pending, nil, td.approver, td.login, td.sender)
	return td
}

func bindUser(t *testing.T, store storage.Store, chatUserID string) {
	t.Helper()
	err := store.PutBoundUser(context.Background(), storage.BoundUser{
		ChatUserID: chatUserID,
		Subject:    "subject-" + chatUserID,
		Username:   "user-" + chatUserID,
		BoundAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to bind user: %v", err)
	}
}

func groupMessage(userID, text string) bridge.Message {
	return bridge.Message{GroupID: "1000", UserID: userID, Text: text}
}

func TestBindCommandSendsLoginLink(t *testing.T) {
	td := newTestDispatcher(t)
	ctx := context.Background()

	td.dispatcher.handle(ctx, groupMessage("42", "/sso bind"))

	reply := td.sender.last(t)
	if !strings.Contains(reply, "https://sso.example.com/authorize?state=") {
		t.Fatalf("expected login link in reply, got %q", reply)
	}
	if !strings.HasPrefix(reply, "[CQ:at,qq=42]") {
		t.Fatalf("expected group reply to mention the user, got %q", reply)
	}

	request, ok := td.pending.PendingBind("42")
	if !ok {
		t.Fatal("expected a pending bind")
	}
	if request.State != td.login.gotState {
		t.Fatalf("expected login url state to match pending bind, got %q vs %q", request.State, td.login.gotState)
	}
	if request.CodeVerifier == "" {
		t.Fatal("expected a PKCE verifier on the pending bind")
	}
	if idp.ComputeS256Challenge(request.CodeVerifier) != td.login.gotChallenge {
		t.Fatal("expected challenge to derive from the stored verifier")
	}
}

func TestBindWhenAlreadyLinked(t *testing.T) {
	td := newTestDispatcher(t)
	ctx := context.Background()
	bindUser(t, td.store, "42")

	td.dispatcher.handle(ctx, groupMessage("42", "/sso bind"))

	reply := td.sender.last(t)
	if !strings.Contains(reply, "already linked as user-42") {
		t.Fatalf("unexpected reply %q", reply)
	}
	if _, ok := td.pending.PendingBind("42"); ok {
		t.Fatal("expected no pending bind")
	}
}

func TestAuthRequiresBinding(t *testing.T) {
	td := newTestDispatcher(t)
	ctx := context.Background()

	td.dispatcher.handle(ctx, groupMessage("42", "/sso auth ABC234"))

	if !strings.Contains(td.sender.last(t), "Link your account first") {
		t.Fatalf("unexpected reply %q", td.sender.last(t))
	}
	if td.approver.gotCode != "" {
		t.Fatal("expected no approval attempt for unbound user")
	}
}

func TestAuthApproves(t *testing.T) {
	td := newTestDispatcher(t)
	ctx := context.Background()
	bindUser(t, td.store, "42")
	td.approver.approval = idp.Approval{ClientName: "Web App", Scopes: []string{"openid", "profile"}}

	td.dispatcher.handle(ctx, bridge.Message{UserID: "42", Private: true, Text: "/sso auth ABC234"})

	reply := td.sender.last(t)
	if !strings.Contains(reply, "Approved sign-in to Web App") {
		t.Fatalf("unexpected reply %q", reply)
	}
	if strings.HasPrefix(reply, "[CQ:at") {
		t.Fatalf("expected private reply without mention, got %q", reply)
	}
	if td.approver.gotCode != "ABC234" || td.approver.gotUser != "42" {
		t.Fatalf("unexpected approval args %q %q", td.approver.gotCode, td.approver.gotUser)
	}
}

func TestAuthErrorReplies(t *testing.T) {
	td := newTestDispatcher(t)
	ctx := context.Background()
	bindUser(t, td.store, "42")

	cases := []struct {
		err  error
		want string
	}{
		{pending.ErrNotFound, "Unknown code"},
		{pending.ErrExpired, "expired"},
		{pending.ErrConflict, "already approved"},
		{pending.ErrTooManyAttempts, "Too many wrong codes"},
	}
	for _, tc := range cases {
		td.approver.err = tc.err
		td.dispatcher.handle(ctx, groupMessage("42", "/sso auth ABC234"))
		if !strings.Contains(td.sender.last(t), tc.want) {
			t.Fatalf("for %v expected reply containing %q, got %q", tc.err, tc.want, td.sender.last(t))
		}
	}
}

func TestUnbindConfirmFlow(t *testing.T) {
	td := newTestDispatcher(t)
	ctx := context.Background()
	bindUser(t, td.store, "42")
	err := td.store.CreateToken(ctx, storage.Token{
		Value:      "access-42",
		Kind:       storage.TokenAccess,
		ClientID:   "web-app",
		ChatUserID: "42",
		IssuedAt:   time.Now().UTC(),
		ExpiresAt:  time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("failed to create token: %v", err)
	}

	td.dispatcher.handle(ctx, groupMessage("42", "/sso unbind"))
	if !strings.Contains(td.sender.last(t), "unbind confirm") {
		t.Fatalf("expected confirmation prompt, got %q", td.sender.last(t))
	}
	if _, ok := td.pending.PendingUnbind("42"); !ok {
		t.Fatal("expected a pending unbind")
	}

	td.dispatcher.handle(ctx, groupMessage("42", "/sso unbind confirm"))
	if !strings.Contains(td.sender.last(t), "removed") {
		t.Fatalf("expected removal reply, got %q", td.sender.last(t))
	}

	if _, err := td.store.GetBoundUser(ctx, "42"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected binding to be gone, got %v", err)
	}
	token, err := td.store.GetToken(ctx, "access-42", storage.TokenAccess)
	if err != nil {
		t.Fatalf("failed to load token: %v", err)
	}
	if !token.Revoked {
		t.Fatal("expected token to be revoked on unbind")
	}
}

func TestUnbindArgumentMustMatch(t *testing.T) {
	td := newTestDispatcher(t)
	ctx := context.Background()
	bindUser(t, td.store, "42")

	td.dispatcher.handle(ctx, groupMessage("42", "/sso unbind someone-else"))
	if !strings.Contains(td.sender.last(t), "does not match") {
		t.Fatalf("unexpected reply %q", td.sender.last(t))
	}
	if _, ok := td.pending.PendingUnbind("42"); ok {
		t.Fatal("expected no pending unbind for a mismatched argument")
	}

	td.dispatcher.handle(ctx, groupMessage("42", "/sso unbind USER-42"))
	if _, ok := td.pending.PendingUnbind("42"); !ok {
		t.Fatal("expected case-insensitive username match to start an unbind")
	}
}

func TestUnbindConfirmWithoutPending(t *testing.T) {
	td := newTestDispatcher(t)
	ctx := context.Background()
	bindUser(t, td.store, "42")

	td.dispatcher.handle(ctx, groupMessage("42", "/sso unbind confirm"))
	if !strings.Contains(td.sender.last(t), "no unbind waiting") {
		t.Fatalf("unexpected reply %q", td.sender.last(t))
	}
	if _, err := td.store.GetBoundUser(ctx, "42"); err != nil {
		t.Fatalf("expected binding to survive, got %v", err)
	}
}

func TestOtherCommandCancelsPendingUnbind(t *testing.T) {
	td := newTestDispatcher(t)
	ctx := context.Background()
	bindUser(t, td.store, "42")

	td.dispatcher.handle(ctx, groupMessage("42", "/sso unbind"))
	if _, ok := td.pending.PendingUnbind("42"); !ok {
		t.Fatal("expected a pending unbind")
	}

	td.dispatcher.handle(ctx, groupMessage("42", "/sso status"))
	if _, ok := td.pending.PendingUnbind("42"); ok {
		t.Fatal("expected the status command to cancel the pending unbind")
	}

	td.dispatcher.handle(ctx, groupMessage("42", "/sso unbind confirm"))
	if _, err := td.store.GetBoundUser(ctx, "42"); err != nil {
		t.Fatalf("expected binding to survive a canceled unbind, got %v", err)
	}
}

func TestCancelCountsPendingUnbind(t *testing.T) {
	td := newTestDispatcher(t)
	ctx := context.Background()
	bindUser(t, td.store, "42")

	td.dispatcher.handle(ctx, groupMessage("42", "/sso unbind"))
	if _, ok := td.pending.PendingUnbind("42"); !ok {
		t.Fatal("expected a pending unbind")
	}

	td.dispatcher.handle(ctx, groupMessage("42", "/sso cancel"))
	if !strings.Contains(td.sender.last(t), "Canceled your pending requests") {
		t.Fatalf("expected cancel to report the removal, got %q", td.sender.last(t))
	}
	if _, ok := td.pending.PendingUnbind("42"); ok {
		t.Fatal("expected the pending unbind to be gone")
	}

	td.dispatcher.handle(ctx, groupMessage("42", "/sso cancel"))
	if !strings.Contains(td.sender.last(t), "Nothing to cancel") {
		t.Fatalf("expected nothing left to cancel, got %q", td.sender.last(t))
	}
}

func TestGroupAllowList(t *testing.T) {
	td := newTestDispatcher(t)
	td.dispatcher.config.AllowedGroups = []string{"2000"}
	ctx := context.Background()

	td.dispatcher.handle(ctx, groupMessage("42", "/sso help"))
	if td.sender.count() != 0 {
		t.Fatal("expected messages from other groups to be ignored")
	}

	td.dispatcher.handle(ctx, bridge.Message{GroupID: "2000", UserID: "42", Text: "/sso help"})
	if td.sender.count() != 1 {
		t.Fatal("expected allowed group to get a reply")
	}

	// Private messages bypass the group allow-list.
	td.dispatcher.handle(ctx, bridge.Message{UserID: "42", Private: true, Text: "/sso help"})
	if td.sender.count() != 2 {
		t.Fatal("expected private messages to be served")
	}

	// Admins may use the bot from any group.
	td.dispatcher.config.AdminUsers = []string{"99"}
	td.dispatcher.handle(ctx, groupMessage("99", "/sso help"))
	if td.sender.count() != 3 {
		t.Fatal("expected admin to be served outside the allow-list")
	}
}

func TestNonCommandIgnored(t *testing.T) {
	td := newTestDispatcher(t)
	ctx := context.Background()

	td.dispatcher.handle(ctx, groupMessage("42", "hello there"))
	td.dispatcher.handle(ctx, groupMessage("42", ""))
	if td.sender.count() != 0 {
		t.Fatal("expected non-command chatter to be ignored")
	}
}

func TestUnknownVerbShowsHelp(t *testing.T) {
	td := newTestDispatcher(t)
	ctx := context.Background()

	td.dispatcher.handle(ctx, groupMessage("42", "/sso frobnicate"))
	if !strings.Contains(td.sender.last(t), "Commands:") {
		t.Fatalf("expected help text, got %q", td.sender.last(t))
	}
}

func TestEnqueueRoutesThroughWorkers(t *testing.T) {
	td := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	td.dispatcher.Start(ctx)
	td.dispatcher.Enqueue(groupMessage("42", "/sso help"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if td.sender.count() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for worker to handle message")
}
