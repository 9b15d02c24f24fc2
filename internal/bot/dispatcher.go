package bot

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/chatidp/internal/bridge"
	"github.com/louisbranch/chatidp/internal/idp"
	"github.com/louisbranch/chatidp/internal/pending"
	"github.com/louisbranch/chatidp/internal/platform/id"
	"github.com/louisbranch/chatidp/internal/ratelimit"
	"github.com/louisbranch/chatidp/internal/storage"
)

// Sender delivers a reply back over the bridge.
type Sender interface {
	Send(ctx context.Context, target bridge.Target, text string) error
}

// Approver claims a verification code on behalf of a bound chat user.
type Approver interface {
	ApproveAuthorization(ctx context.Context, verificationCode, chatUserID string) (idp.Approval, error)
}

// LoginStarter builds the upstream login URL for a bind.
type LoginStarter interface {
	AuthorizationURL(ctx context.Context, state, codeChallenge string) (string, error)
}

// Dispatcher routes inbound chat messages to command handlers. Messages are
// sharded by chat user across a fixed worker pool so one user's commands are
// handled in order while users do not block each other.
type Dispatcher struct {
	config   Config
	store    storage.Store
	pending  *pending.Store
	limiter  *ratelimit.Limiter
	approver Approver
	login    LoginStarter
	sender   Sender
	clock    func() time.Time

	queues []chan bridge.Message
	wg     sync.WaitGroup
	ctx    context.Context
}

// NewDispatcher builds a dispatcher bound to its collaborators.
func NewDispatcher(config Config, store storage.Store, pendingStore *pending.Store, limiter *ratelimit.Limiter, approver Approver, login LoginStarter, sender Sender) *Dispatcher {
	return &Dispatcher{
		config:   config,
		store:    store,
		pending:  pendingStore,
		limiter:  limiter,
		approver: approver,
		login:    login,
		sender:   sender,
		clock:    time.Now,
	}
}

// Start launches the worker pool. It must be called before Enqueue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx = ctx
	d.queues = make([]chan bridge.Message, d.config.Workers)
	for i := range d.queues {
		queue := make(chan bridge.Message, d.config.QueueSize)
		d.queues[i] = queue
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case message := <-queue:
					d.handle(ctx, message)
				}
			}
		}()
	}
}

// Wait blocks until all workers have stopped.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Enqueue hands an inbound message to the worker owning its user. A full
// queue blocks rather than drops, which backpressures the bridge read loop.
func (d *Dispatcher) Enqueue(message bridge.Message) {
	if len(d.queues) == 0 {
		return
	}
	hasher := fnv.New32a()
	hasher.Write([]byte(message.UserID))
	queue := d.queues[hasher.Sum32()%uint32(len(d.queues))]
	select {
	case <-d.ctx.Done():
	case queue <- message:
	}
}

func (d *Dispatcher) handle(ctx context.Context, message bridge.Message) {
	text := strings.TrimSpace(message.Text)
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.EqualFold(fields[0], d.config.Prefix) {
		return
	}
	if message.GroupID != "" && !d.groupAllowed(message.GroupID) && !d.isAdmin(message.UserID) {
		return
	}

	verb := ""
	if len(fields) > 1 {
		verb = strings.ToLower(fields[1])
	}
	args := fields[2:]

	// Anything but the unbind confirmation abandons a pending unbind. The
	// cancel verb is left for handleCancel so its reply counts the removal.
	if verb != "unbind" && verb != "cancel" {
		d.pending.CancelUnbind(message.UserID)
	}

	switch verb {
	case "bind":
		d.handleBind(ctx, message, args)
	case "unbind":
		d.handleUnbind(ctx, message, args)
	case "auth":
		d.handleAuth(ctx, message, args)
	case "cancel":
		d.handleCancel(ctx, message)
	case "status":
		d.handleStatus(ctx, message)
	default:
		d.reply(ctx, message, d.helpText())
	}
}

func (d *Dispatcher) handleBind(ctx context.Context, message bridge.Message, args []string) {
	if user, err := d.store.GetBoundUser(ctx, message.UserID); err == nil {
		d.reply(ctx, message, fmt.Sprintf("You are already linked as %s. Use %s unbind first to link a different account.", displayName(user), d.config.Prefix))
		return
	}
	if !d.allow(ctx, message, ratelimit.ClassBind) {
		return
	}

	username := ""
	if len(args) > 0 {
		username = args[0]
	}

	state, err := id.NewID()
	if err != nil {
		d.reply(ctx, message, "Could not start the link flow. Try again in a moment.")
		return
	}
	verifier, err := idp.GenerateCodeVerifier()
	if err != nil {
		d.reply(ctx, message, "Could not start the link flow. Try again in a moment.")
		return
	}

	d.pending.CreateBind(pending.BindRequest{
		ChatUserID:   message.UserID,
		GroupID:      message.GroupID,
		Private:      message.Private,
		Username:     username,
		State:        state,
		CodeVerifier: verifier,
	}, d.config.BindTTL)

	loginURL, err := d.login.AuthorizationURL(ctx, state, idp.ComputeS256Challenge(verifier))
	if err != nil {
		d.pending.CancelBind(message.UserID)
		log.Printf("bot: failed to build upstream login url for user %s: %v", message.UserID, err)
		d.reply(ctx, message, "The identity provider is unreachable right now. Try again later.")
		return
	}

	minutes := int(d.config.BindTTL.Minutes())
	d.reply(ctx, message, fmt.Sprintf("Open this link to sign in and connect your account (valid for %d minutes): %s", minutes, loginURL))
}

func (d *Dispatcher) handleUnbind(ctx context.Context, message bridge.Message, args []string) {
	if len(args) > 0 && strings.EqualFold(args[0], "confirm") {
		request, ok := d.pending.ResolveUnbind(message.UserID)
		if !ok {
			d.reply(ctx, message, fmt.Sprintf("There is no unbind waiting for confirmation. Start one with %s unbind.", d.config.Prefix))
			return
		}
		if err := d.store.DeleteBoundUser(ctx, message.UserID); err != nil {
			log.Printf("bot: failed to delete binding for user %s: %v", message.UserID, err)
			d.reply(ctx, message, "Could not remove the link. Try again in a moment.")
			return
		}
		if err := d.store.RevokeTokensForUser(ctx, message.UserID); err != nil {
			log.Printf("bot: failed to revoke tokens for user %s: %v", message.UserID, err)
		}
		err := d.store.AppendUnbind(ctx, storage.UnbindEntry{
			ChatUserID: message.UserID,
			Subject:    request.Subject,
			UnboundAt:  d.clock().UTC(),
		})
		if err != nil {
			log.Printf("bot: failed to append unbind log for user %s: %v", message.UserID, err)
		}
		d.reply(ctx, message, "Your account link is removed and all issued tokens are revoked.")
		return
	}

	user, err := d.store.GetBoundUser(ctx, message.UserID)
	if err != nil {
		d.reply(ctx, message, fmt.Sprintf("You have no linked account. Use %s bind to create one.", d.config.Prefix))
		return
	}
	if len(args) > 0 && !matchesBoundUser(user, args[0]) {
		d.reply(ctx, message, fmt.Sprintf("That does not match your linked account (%s).", displayName(user)))
		return
	}

	d.pending.CreateUnbind(pending.UnbindRequest{
		ChatUserID: message.UserID,
		GroupID:    message.GroupID,
		Private:    message.Private,
		Subject:    user.Subject,
	}, d.config.UnbindTTL)
	minutes := int(d.config.UnbindTTL.Minutes())
	d.reply(ctx, message, fmt.Sprintf("This unlinks %s and revokes every token issued for it. Send %s unbind confirm within %d minutes to proceed.", displayName(user), d.config.Prefix, minutes))
}

func (d *Dispatcher) handleAuth(ctx context.Context, message bridge.Message, args []string) {
	if len(args) == 0 {
		d.reply(ctx, message, fmt.Sprintf("Usage: %s auth <code> — the code is shown on the sign-in page.", d.config.Prefix))
		return
	}
	if _, err := d.store.GetBoundUser(ctx, message.UserID); err != nil {
		d.reply(ctx, message, fmt.Sprintf("Link your account first with %s bind, then approve sign-ins.", d.config.Prefix))
		return
	}
	if !d.allow(ctx, message, ratelimit.ClassClaim) {
		return
	}

	approval, err := d.approver.ApproveAuthorization(ctx, args[0], message.UserID)
	switch {
	case errors.Is(err, pending.ErrTooManyAttempts):
		d.reply(ctx, message, "Too many wrong codes. Wait a bit before trying again.")
		return
	case errors.Is(err, pending.ErrConflict):
		d.reply(ctx, message, "That code was already approved by someone else.")
		return
	case errors.Is(err, pending.ErrExpired):
		d.reply(ctx, message, "That code expired. Reload the sign-in page for a fresh one.")
		return
	case err != nil:
		d.reply(ctx, message, "Unknown code. Check it and try again.")
		return
	}

	text := fmt.Sprintf("Approved sign-in to %s", approval.ClientName)
	if len(approval.Scopes) > 0 {
		text += fmt.Sprintf(" with access to: %s", strings.Join(approval.Scopes, ", "))
	}
	d.reply(ctx, message, text+". You can return to your browser.")
}

func (d *Dispatcher) handleCancel(ctx context.Context, message bridge.Message) {
	if d.pending.CancelAll(message.UserID) > 0 {
		d.reply(ctx, message, "Canceled your pending requests.")
		return
	}
	d.reply(ctx, message, "Nothing to cancel.")
}

func (d *Dispatcher) handleStatus(ctx context.Context, message bridge.Message) {
	user, err := d.store.GetBoundUser(ctx, message.UserID)
	if err != nil {
		text := fmt.Sprintf("Not linked. Use %s bind to connect your account.", d.config.Prefix)
		if _, ok := d.pending.PendingBind(message.UserID); ok {
			text = "A link flow is in progress. Finish the sign-in page or send " + d.config.Prefix + " cancel."
		}
		d.reply(ctx, message, text)
		return
	}
	text := fmt.Sprintf("Linked as %s", displayName(user))
	if user.Email != "" {
		text += fmt.Sprintf(" (%s)", user.Email)
	}
	text += fmt.Sprintf(" since %s.", user.BoundAt.Format("2006-01-02"))
	d.reply(ctx, message, text)
}

func (d *Dispatcher) allow(ctx context.Context, message bridge.Message, class string) bool {
	if d.limiter == nil || d.limiter.Allow(class, message.UserID) {
		return true
	}
	d.reply(ctx, message, "Slow down a little and try again shortly.")
	return false
}

func (d *Dispatcher) isAdmin(userID string) bool {
	for _, admin := range d.config.AdminUsers {
		if admin == userID {
			return true
		}
	}
	return false
}

func (d *Dispatcher) groupAllowed(groupID string) bool {
	if len(d.config.AllowedGroups) == 0 {
		return true
	}
	for _, allowed := range d.config.AllowedGroups {
		if allowed == groupID {
			return true
		}
	}
	return false
}

func (d *Dispatcher) reply(ctx context.Context, message bridge.Message, text string) {
	if d.sender == nil {
		return
	}
	if !message.Private {
		text = fmt.Sprintf("[CQ:at,qq=%s] %s", message.UserID, text)
	}
	target := bridge.Target{GroupID: message.GroupID, UserID: message.UserID, Private: message.Private}
	if err := d.sender.Send(ctx, target, text); err != nil {
		log.Printf("bot: failed to reply to user %s: %v", message.UserID, err)
	}
}

func (d *Dispatcher) helpText() string {
	prefix := d.config.Prefix
	return strings.Join([]string{
		"Commands:",
		prefix + " bind — link your chat identity to your SSO account",
		prefix + " unbind — remove the link (asks for confirmation)",
		prefix + " auth <code> — approve a sign-in shown in your browser",
		prefix + " status — show your link state",
		prefix + " cancel — abandon pending requests",
	}, "\n")
}

func displayName(user storage.BoundUser) string {
	if user.Username != "" {
		return user.Username
	}
	return user.Subject
}

// matchesBoundUser reports whether an unbind argument names the linked
// account by username, email or subject.
func matchesBoundUser(user storage.BoundUser, value string) bool {
	return value != "" && (strings.EqualFold(value, user.Username) ||
		strings.EqualFold(value, user.Email) ||
		value == user.Subject)
}
