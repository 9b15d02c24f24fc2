package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"
)

// ErrNotConnected is returned by Send when no bridge link is up.
var ErrNotConnected = errors.New("bridge not connected")

const maxSeenMessages = 1024

// State is the connection lifecycle position of the gateway.
type State int

// Connection states, in transition order.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Message is an inbound chat message from the bridge.
type Message struct {
	GroupID string
	UserID  string
	Text    string
	Private bool
}

// Target addresses an outbound chat message.
type Target struct {
	GroupID string
	UserID  string
	Private bool
}

// Handler consumes inbound chat messages.
type Handler func(Message)

// Gateway maintains the WebSocket link to the chat bridge in either
// connection mode and offers a synchronous Send over it.
type Gateway struct {
	config  Config
	handler Handler
	clock   func() time.Time

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	encoder *json.Encoder

	callMu  sync.Mutex
	calls   map[string]chan apiResponse
	echoSeq uint64

	seenMu    sync.Mutex
	seen      map[int64]struct{}
	seenOrder []int64
}

// NewGateway builds a gateway that delivers inbound messages to handler.
func NewGateway(config Config, handler Handler) *Gateway {
	return &Gateway{
		config:  config,
		handler: handler,
		clock:   time.Now,
		calls:   make(map[string]chan apiResponse),
		seen:    make(map[int64]struct{}),
	}
}

// Run dials the bridge and keeps the link alive until ctx is canceled.
// In accept mode the bridge dials us instead and Run returns immediately;
// mount Handler on the HTTP server in that mode.
func (g *Gateway) Run(ctx context.Context) error {
	if g.config.Mode != ModeConnect {
		return nil
	}
	if g.config.URL == "" {
		return errors.New("bridge url is required in connect mode")
	}

	backoff := g.config.ReconnectMin
	for {
		g.setState(StateConnecting)
		conn, err := g.dial()
		if err != nil {
			g.setState(StateDisconnected)
			log.Printf("bridge: dial %s failed: %v", g.config.URL, err)
		} else {
			log.Printf("bridge: connected to %s", g.config.URL)
			backoff = g.config.ReconnectMin
			g.serveConn(ctx, conn)
			log.Printf("bridge: connection to %s closed", g.config.URL)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > g.config.ReconnectMax {
			backoff = g.config.ReconnectMax
		}
	}
}

func (g *Gateway) dial() (*websocket.Conn, error) {
	origin := "http://localhost/"
	wsConfig, err := websocket.NewConfig(g.config.URL, origin)
	if err != nil {
		return nil, fmt.Errorf("bridge config: %w", err)
	}
	if g.config.Token != "" {
		wsConfig.Header = http.Header{}
		wsConfig.Header.Set("Authorization", "Bearer "+g.config.Token)
	}
	return websocket.DialConfig(wsConfig)
}

// Handler returns the HTTP handler for accept mode. A new bridge connection
// replaces any existing one.
func (g *Gateway) Handler() http.Handler {
	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		log.Printf("bridge: accepted connection from %s", conn.Request().RemoteAddr)
		g.serveConn(conn.Request().Context(), conn)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if g.config.Token != "" {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != g.config.Token {
				log.Printf("bridge: unauthorized connection attempt from %s", r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
		}
		wsHandler.ServeHTTP(w, r)
	})
}

// serveConn owns one bridge connection until it drops or ctx is canceled.
func (g *Gateway) serveConn(ctx context.Context, conn *websocket.Conn) {
	g.adoptConn(conn)
	defer g.releaseConn(conn)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	decoder := json.NewDecoder(conn)
	for {
		// Heartbeats refresh the deadline; a silent link is a dead link.
		if err := conn.SetReadDeadline(g.clock().Add(g.config.HeartbeatTimeout)); err != nil {
			return
		}
		var f frame
		if err := decoder.Decode(&f); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Printf("bridge: read failed: %v", err)
			}
			return
		}
		g.dispatch(f)
	}
}

func (g *Gateway) adoptConn(conn *websocket.Conn) {
	g.mu.Lock()
	previous := g.conn
	g.conn = conn
	g.encoder = json.NewEncoder(conn)
	g.state = StateConnected
	g.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
}

func (g *Gateway) releaseConn(conn *websocket.Conn) {
	g.mu.Lock()
	if g.conn == conn {
		g.conn = nil
		g.encoder = nil
		g.state = StateDisconnected
	}
	g.mu.Unlock()
	conn.Close()
}

func (g *Gateway) setState(state State) {
	g.mu.Lock()
	// The active connection owns the state; a dial loop losing a race to an
	// adopted connection must not mask it.
	if g.conn == nil {
		g.state = state
	}
	g.mu.Unlock()
}

// State reports the connection lifecycle position.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Connected reports whether a bridge link is currently up.
func (g *Gateway) Connected() bool {
	return g.State() == StateConnected
}

func (g *Gateway) dispatch(f frame) {
	switch {
	case f.isResponse():
		g.resolveCall(f)
	case f.isEvent():
		g.handleEvent(f)
	}
}

func (g *Gateway) handleEvent(f frame) {
	switch f.PostType {
	case "meta_event":
		// Heartbeat; the read deadline reset is the whole point.
		return
	case "message":
	default:
		return
	}
	if g.handler == nil {
		return
	}
	if f.MessageID != 0 && !g.markSeen(f.MessageID) {
		return
	}

	message := Message{
		UserID: strconv.FormatInt(f.UserID, 10),
		Text:   f.Message,
	}
	switch f.MessageType {
	case "group":
		message.GroupID = strconv.FormatInt(f.GroupID, 10)
	case "private":
		message.Private = true
	default:
		return
	}
	g.handler(message)
}

// markSeen records a message ID and reports whether it was new. Both bridge
// modes can replay events after a reconnect, so delivery is de-duplicated on
// a bounded window of recent IDs.
func (g *Gateway) markSeen(id int64) bool {
	g.seenMu.Lock()
	defer g.seenMu.Unlock()
	if _, ok := g.seen[id]; ok {
		return false
	}
	g.seen[id] = struct{}{}
	g.seenOrder = append(g.seenOrder, id)
	if len(g.seenOrder) > maxSeenMessages {
		oldest := g.seenOrder[0]
		g.seenOrder = g.seenOrder[1:]
		delete(g.seen, oldest)
	}
	return true
}

func (g *Gateway) resolveCall(f frame) {
	g.callMu.Lock()
	ch, ok := g.calls[f.Echo]
	if ok {
		delete(g.calls, f.Echo)
	}
	g.callMu.Unlock()
	if ok {
		ch <- apiResponse{Status: f.Status, Retcode: f.Retcode}
	}
}

func (g *Gateway) registerCall(echo string) chan apiResponse {
	ch := make(chan apiResponse, 1)
	g.callMu.Lock()
	g.calls[echo] = ch
	g.callMu.Unlock()
	return ch
}

func (g *Gateway) dropCall(echo string) {
	g.callMu.Lock()
	delete(g.calls, echo)
	g.callMu.Unlock()
}

// Send delivers text to the target chat and waits for the bridge to ack.
func (g *Gateway) Send(ctx context.Context, target Target, text string) error {
	call := apiCall{
		Echo:   strconv.FormatUint(atomic.AddUint64(&g.echoSeq, 1), 10),
		Params: map[string]any{"message": text},
	}
	if target.Private {
		userID, err := strconv.ParseInt(target.UserID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q: %w", target.UserID, err)
		}
		call.Action = "send_private_msg"
		call.Params["user_id"] = userID
	} else {
		groupID, err := strconv.ParseInt(target.GroupID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid group id %q: %w", target.GroupID, err)
		}
		call.Action = "send_group_msg"
		call.Params["group_id"] = groupID
	}

	ch := g.registerCall(call.Echo)
	if err := g.write(call); err != nil {
		g.dropCall(call.Echo)
		return err
	}

	timeout := g.config.ReplyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		g.dropCall(call.Echo)
		return ctx.Err()
	case <-timer.C:
		g.dropCall(call.Echo)
		return fmt.Errorf("bridge send: timed out waiting for ack")
	case resp := <-ch:
		if resp.Retcode != 0 || (resp.Status != "" && resp.Status != "ok" && resp.Status != "async") {
			return fmt.Errorf("bridge send: rejected with status=%q retcode=%d", resp.Status, resp.Retcode)
		}
		return nil
	}
}

func (g *Gateway) write(call apiCall) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.encoder == nil {
		return ErrNotConnected
	}
	return g.encoder.Encode(call)
}
