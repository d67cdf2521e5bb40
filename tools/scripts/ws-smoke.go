// Package main provides a CI-friendly WebSocket smoke test for the relay.
//
// It validates:
//   - handshake + subprotocol selection
//   - join-room ack + room-users snapshot
//   - send-message -> message-sent ack
//   - new-message fanout to another client (and never back to the sender)
//   - typing indicator fanout
//   - visitor presence join/leave + domain-stats
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/biplob-g/weeziq-relay/contracts/relay/v1"
)

const (
	defaultSubprotocol = "weeziq.relay.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		roomID  = flag.String("room", "dev-room-1", "Room ID to join")
		domain  = flag.String("domain", "dev-domain-1", "Domain ID for visitor presence checks")
		text    = flag.String("text", "hello relay 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A and B, origin=%q\n", *origin)
	}

	mustJoin(root, a, *roomID, "smoke-user-a", "Smoke A", *timeout)
	mustJoin(root, b, *roomID, "smoke-user-b", "Smoke B", *timeout)

	// A sees B join after it.
	mustAssertUserJoined(root, a, *roomID, "smoke-user-b", *timeout)

	msgID := mustSendAndAssertAck(root, a, *roomID, "smoke-user-a", "Smoke A", *text, *timeout)
	mustAssertNewMessage(root, b, *roomID, msgID, "smoke-user-a", *text, *timeout)

	mustTypingFanout(root, a, b, *roomID, *timeout)

	// Sender exclusion: A must not have received its own message or typing echo.
	mustAssertNoType(root, a, v1.TypeNewMessage, 1200*time.Millisecond)

	mustVisitorLifecycle(root, a, b, *domain, *timeout)

	fmt.Printf("OK: room_id=%s domain_id=%s message_id=%s\n", *roomID, *domain, msgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, roomID, userID, userName string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeJoinRoom,
		ID:   fmt.Sprintf("%s-join", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.JoinRoomPayload{
			RoomID:   roomID,
			UserID:   userID,
			UserName: userName,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeRoomUsers: {}, v1.TypeUserJoined: {}}
	ack := c.mustReadUntilType(parent, v1.TypeJoinedRoom, stepTimeout, skip)

	var p v1.JoinedRoomPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal joined-room payload (%s): %v", c.name, err)
	}
	if !p.Success || p.RoomID != roomID {
		fatalf("join ack mismatch (%s): %+v", c.name, p)
	}
}

func mustAssertUserJoined(parent context.Context, c *smokeClient, roomID, userID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeUserJoined, stepTimeout, nil)

	var p v1.UserJoinedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal user-joined payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID || p.UserID != userID {
		fatalf("user-joined mismatch (%s): %+v", c.name, p)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, roomID, userID, userName, text string, stepTimeout time.Duration) string {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeSendMessage,
		ID:   fmt.Sprintf("%s-send", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.SendMessagePayload{
			RoomID:   roomID,
			Message:  text,
			UserID:   userID,
			UserName: userName,
			Role:     v1.RoleUser,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeMessageSent, stepTimeout, nil)

	var p v1.MessageSentPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message-sent payload (%s): %v", c.name, err)
	}
	if !p.Success || strings.TrimSpace(p.ID) == "" {
		fatalf("send ack mismatch (%s): %+v", c.name, p)
	}
	return p.ID
}

func mustAssertNewMessage(parent context.Context, c *smokeClient, roomID, msgID, senderUserID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeNewMessage, stepTimeout, nil)

	var p v1.NewMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal new-message payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID {
		fatalf("new-message room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
	if p.ID != msgID {
		fatalf("new-message id mismatch (%s): got=%q want=%q", c.name, p.ID, msgID)
	}
	if p.UserID != senderUserID {
		fatalf("new-message user_id mismatch (%s): got=%q want=%q", c.name, p.UserID, senderUserID)
	}
	if p.Message != text {
		fatalf("new-message text mismatch (%s): got=%q want=%q", c.name, p.Message, text)
	}
	if p.Timestamp.IsZero() {
		fatalf("new-message timestamp missing/zero (%s)", c.name)
	}
}

func mustTypingFanout(parent context.Context, sender, receiver *smokeClient, roomID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeTypingStart,
		ID:   fmt.Sprintf("%s-typing", sender.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.TypingPayload{
			RoomID:   roomID,
			UserID:   "smoke-user-a",
			UserName: "Smoke A",
		}),
	}
	mustWriteWithTimeout(parent, sender.conn, env, stepTimeout)

	got := receiver.mustReadUntilType(parent, v1.TypeUserTyping, stepTimeout, nil)

	var p v1.UserTypingPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal user-typing payload (%s): %v", receiver.name, err)
	}
	if !p.Typing || p.RoomID != roomID {
		fatalf("user-typing mismatch (%s): %+v", receiver.name, p)
	}
}

func mustVisitorLifecycle(parent context.Context, visitor, watcher *smokeClient, domainID string, stepTimeout time.Duration) {
	visitorID := fmt.Sprintf("smoke-visitor-%d", time.Now().UnixNano())

	join := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeVisitorJoinedDomain,
		ID:   fmt.Sprintf("%s-visitor-join", visitor.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.VisitorJoinedDomainPayload{
			DomainID:  domainID,
			VisitorID: visitorID,
		}),
	}
	mustWriteWithTimeout(parent, visitor.conn, join, stepTimeout)

	joined := watcher.mustReadUntilType(parent, v1.TypeVisitorJoinedDomain, stepTimeout, nil)
	var jp v1.VisitorJoinedDomainPayload
	if err := json.Unmarshal(joined.Payload, &jp); err != nil {
		fatalf("unmarshal visitor-joined payload (%s): %v", watcher.name, err)
	}
	if jp.VisitorID != visitorID || jp.ActiveCount < 1 {
		fatalf("visitor-joined mismatch (%s): %+v", watcher.name, jp)
	}

	stats := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeGetDomainStats,
		ID:      fmt.Sprintf("%s-stats", watcher.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.GetDomainStatsPayload{DomainID: domainID}),
	}
	mustWriteWithTimeout(parent, watcher.conn, stats, stepTimeout)

	statsEnv := watcher.mustReadUntilType(parent, v1.TypeDomainStats, stepTimeout, nil)
	var sp v1.DomainStatsPayload
	if err := json.Unmarshal(statsEnv.Payload, &sp); err != nil {
		fatalf("unmarshal domain-stats payload (%s): %v", watcher.name, err)
	}
	if sp.DomainID != domainID || sp.ActiveVisitors < 1 {
		fatalf("domain-stats mismatch (%s): %+v", watcher.name, sp)
	}

	leave := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeVisitorLeftDomain,
		ID:   fmt.Sprintf("%s-visitor-leave", visitor.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.VisitorLeftDomainPayload{
			DomainID:  domainID,
			VisitorID: visitorID,
		}),
	}
	mustWriteWithTimeout(parent, visitor.conn, leave, stepTimeout)

	left := watcher.mustReadUntilType(parent, v1.TypeVisitorLeftDomain, stepTimeout, nil)
	var lp v1.VisitorLeftDomainPayload
	if err := json.Unmarshal(left.Payload, &lp); err != nil {
		fatalf("unmarshal visitor-left payload (%s): %v", watcher.name, err)
	}
	if lp.VisitorID != visitorID {
		fatalf("visitor-left mismatch (%s): %+v", watcher.name, lp)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): msg=%q", c.name, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): msg=%q", c.name, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			// Broadcast noise (presence, typing) is tolerated while waiting.
			continue
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
