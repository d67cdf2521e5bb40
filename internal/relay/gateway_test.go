package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/biplob-g/weeziq-relay/contracts/relay/v1"
	"github.com/biplob-g/weeziq-relay/internal/ai"
	"github.com/biplob-g/weeziq-relay/internal/store"
)

func newTestGateway(t *testing.T) (*WSGateway, *store.MemoryStore) {
	t.Helper()

	log := discardLogger()
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false

	mem := store.NewMemoryStore()
	gw := NewWSGateway(log, cfg, NewRegistry(log), NewRoomIndex(log), NewPresenceTracker(log), mem, nil)
	return gw, mem
}

func startWSTestServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	return httptest.NewServer(mux)
}

func dialWS(t *testing.T, baseHTTPURL string, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   h,
	})
}

func mustDialWS(t *testing.T, baseHTTPURL string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, baseHTTPURL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func clientEnvelope(t *testing.T, typ, id string, payload any) v1.Envelope {
	t.Helper()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, payload),
	}
}

func joinRoom(t *testing.T, conn *websocket.Conn, roomID, userID, userName string) {
	t.Helper()
	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeJoinRoom, "join-"+userID, v1.JoinRoomPayload{
		RoomID:   roomID,
		UserID:   userID,
		UserName: userName,
	}))
	ackEnv := readUntilType(t, conn, v1.TypeJoinedRoom, 6)
	var ack v1.JoinedRoomPayload
	if err := json.Unmarshal(ackEnv.Payload, &ack); err != nil {
		t.Fatalf("decode joined-room payload: %v", err)
	}
	if !ack.Success || ack.RoomID != roomID {
		t.Fatalf("unexpected join ack: %+v", ack)
	}
}

func TestWSGateway_ChatRoundTrip(t *testing.T) {
	gw, mem := newTestGateway(t)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	alice := mustDialWS(t, ts.URL)
	defer func() { _ = alice.Close(websocket.StatusNormalClosure, "bye") }()
	bob := mustDialWS(t, ts.URL)
	defer func() { _ = bob.Close(websocket.StatusNormalClosure, "bye") }()

	joinRoom(t, alice, "room-1", "user-alice", "Alice")
	joinRoom(t, bob, "room-1", "user-bob", "Bob")

	// Alice sees Bob arrive; Bob's membership snapshot includes Alice.
	joinedEnv := readUntilType(t, alice, v1.TypeUserJoined, 4)
	var joined v1.UserJoinedPayload
	if err := json.Unmarshal(joinedEnv.Payload, &joined); err != nil {
		t.Fatalf("decode user-joined payload: %v", err)
	}
	if joined.UserID != "user-bob" {
		t.Fatalf("expected user-bob to join, got %q", joined.UserID)
	}

	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeSendMessage, "msg-1", v1.SendMessagePayload{
		RoomID:   "room-1",
		Message:  "hello bob",
		UserID:   "user-alice",
		UserName: "Alice",
		Role:     v1.RoleUser,
	}))

	// Sender gets the ack; the peer gets the message; the sender does NOT get
	// its own message echoed back.
	ackEnv := readUntilType(t, alice, v1.TypeMessageSent, 4)
	var ack v1.MessageSentPayload
	if err := json.Unmarshal(ackEnv.Payload, &ack); err != nil {
		t.Fatalf("decode message-sent payload: %v", err)
	}
	if !ack.Success || ack.ID == "" {
		t.Fatalf("unexpected send ack: %+v", ack)
	}

	msgEnv := readUntilType(t, bob, v1.TypeNewMessage, 6)
	var msg v1.NewMessagePayload
	if err := json.Unmarshal(msgEnv.Payload, &msg); err != nil {
		t.Fatalf("decode new-message payload: %v", err)
	}
	if msg.Message != "hello bob" || msg.UserID != "user-alice" || msg.ID != ack.ID {
		t.Fatalf("unexpected delivered message: %+v", msg)
	}

	// Persistence runs async after the broadcast; poll the store briefly.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if msgs := mem.Messages("room-1"); len(msgs) == 1 {
			if msgs[0].Message != "hello bob" || msgs[0].ID != ack.ID {
				t.Fatalf("unexpected stored message: %+v", msgs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message was not persisted")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWSGateway_SendBeforeJoinRejected(t *testing.T) {
	gw, _ := newTestGateway(t)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	conn := mustDialWS(t, ts.URL)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeSendMessage, "msg-early", v1.SendMessagePayload{
		RoomID:   "room-x",
		Message:  "too early",
		UserID:   "user-1",
		UserName: "Eve",
		Role:     v1.RoleUser,
	}))

	errEnv := readUntilType(t, conn, v1.TypeError, 4)
	var p v1.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if !strings.Contains(strings.ToLower(p.Message), "join") {
		t.Fatalf("expected join-first error, got %q", p.Message)
	}
}

func TestWSGateway_TypingExcludesSender(t *testing.T) {
	gw, _ := newTestGateway(t)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	alice := mustDialWS(t, ts.URL)
	defer func() { _ = alice.Close(websocket.StatusNormalClosure, "bye") }()
	bob := mustDialWS(t, ts.URL)
	defer func() { _ = bob.Close(websocket.StatusNormalClosure, "bye") }()

	joinRoom(t, alice, "room-t", "user-alice", "Alice")
	joinRoom(t, bob, "room-t", "user-bob", "Bob")
	_ = readUntilType(t, alice, v1.TypeUserJoined, 4)

	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeTypingStart, "typing-1", v1.TypingPayload{
		RoomID:   "room-t",
		UserID:   "user-alice",
		UserName: "Alice",
	}))

	typingEnv := readUntilType(t, bob, v1.TypeUserTyping, 4)
	var typing v1.UserTypingPayload
	if err := json.Unmarshal(typingEnv.Payload, &typing); err != nil {
		t.Fatalf("decode user-typing payload: %v", err)
	}
	if !typing.Typing || typing.UserID != "user-alice" {
		t.Fatalf("unexpected typing event: %+v", typing)
	}

	// The sender must not receive its own typing event. Trigger a reply to the
	// sender and assert typing never interleaves before it.
	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeGetDomainStats, "stats-1", v1.GetDomainStatsPayload{
		DomainID: "dom-probe",
	}))
	_ = readUntilType(t, alice, v1.TypeDomainStats, 1)
}

func TestWSGateway_VisitorLifecycle(t *testing.T) {
	gw, _ := newTestGateway(t)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	dashboard := mustDialWS(t, ts.URL)
	defer func() { _ = dashboard.Close(websocket.StatusNormalClosure, "bye") }()
	visitor1 := mustDialWS(t, ts.URL)
	defer func() { _ = visitor1.Close(websocket.StatusNormalClosure, "bye") }()
	visitor2 := mustDialWS(t, ts.URL)
	defer func() { _ = visitor2.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, visitor1, clientEnvelope(t, v1.TypeVisitorJoinedDomain, "vj-1", v1.VisitorJoinedDomainPayload{
		DomainID:  "dom-1",
		VisitorID: "vis-1",
	}))

	joinedEnv := readUntilType(t, dashboard, v1.TypeVisitorJoinedDomain, 4)
	var vj v1.VisitorJoinedDomainPayload
	if err := json.Unmarshal(joinedEnv.Payload, &vj); err != nil {
		t.Fatalf("decode visitor-joined payload: %v", err)
	}
	if vj.VisitorID != "vis-1" || vj.ActiveCount != 1 {
		t.Fatalf("expected vis-1 active=1, got %+v", vj)
	}

	writeEnvelopeWS(t, visitor2, clientEnvelope(t, v1.TypeVisitorJoinedDomain, "vj-2", v1.VisitorJoinedDomainPayload{
		DomainID:  "dom-1",
		VisitorID: "vis-2",
	}))

	joinedEnv = readUntilType(t, dashboard, v1.TypeVisitorJoinedDomain, 4)
	if err := json.Unmarshal(joinedEnv.Payload, &vj); err != nil {
		t.Fatalf("decode visitor-joined payload: %v", err)
	}
	if vj.VisitorID != "vis-2" || vj.ActiveCount != 2 {
		t.Fatalf("expected vis-2 active=2, got %+v", vj)
	}

	// On-demand snapshot from any connection.
	writeEnvelopeWS(t, dashboard, clientEnvelope(t, v1.TypeGetDomainStats, "stats-1", v1.GetDomainStatsPayload{
		DomainID: "dom-1",
	}))
	statsEnv := readUntilType(t, dashboard, v1.TypeDomainStats, 4)
	var stats v1.DomainStatsPayload
	if err := json.Unmarshal(statsEnv.Payload, &stats); err != nil {
		t.Fatalf("decode domain-stats payload: %v", err)
	}
	if stats.DomainID != "dom-1" || stats.ActiveVisitors != 2 {
		t.Fatalf("expected dom-1 active=2, got %+v", stats)
	}

	// Explicit leave drops the count.
	writeEnvelopeWS(t, visitor1, clientEnvelope(t, v1.TypeVisitorLeftDomain, "vl-1", v1.VisitorLeftDomainPayload{
		DomainID:  "dom-1",
		VisitorID: "vis-1",
	}))
	leftEnv := readUntilType(t, dashboard, v1.TypeVisitorLeftDomain, 4)
	var vl v1.VisitorLeftDomainPayload
	if err := json.Unmarshal(leftEnv.Payload, &vl); err != nil {
		t.Fatalf("decode visitor-left payload: %v", err)
	}
	if vl.VisitorID != "vis-1" || vl.ActiveCount != 1 {
		t.Fatalf("expected vis-1 left active=1, got %+v", vl)
	}

	// Dropping the socket tears the remaining visitor's session down too.
	_ = visitor2.Close(websocket.StatusNormalClosure, "bye")
	leftEnv = readUntilType(t, dashboard, v1.TypeVisitorLeftDomain, 4)
	if err := json.Unmarshal(leftEnv.Payload, &vl); err != nil {
		t.Fatalf("decode visitor-left payload: %v", err)
	}
	if vl.VisitorID != "vis-2" || vl.ActiveCount != 0 {
		t.Fatalf("expected vis-2 gone active=0, got %+v", vl)
	}
}

func TestWSGateway_AllDomainStats(t *testing.T) {
	gw, _ := newTestGateway(t)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	conn := mustDialWS(t, ts.URL)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeVisitorJoinedDomain, "vj-a", v1.VisitorJoinedDomainPayload{
		DomainID:  "dom-a",
		VisitorID: "vis-a",
	}))
	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeGetAllDomainStats, "stats-all", v1.GetAllDomainStatsPayload{}))

	statsEnv := readUntilType(t, conn, v1.TypeAllDomainStats, 4)
	var stats v1.AllDomainStatsPayload
	if err := json.Unmarshal(statsEnv.Payload, &stats); err != nil {
		t.Fatalf("decode all-domain-stats payload: %v", err)
	}
	if len(stats.Stats) != 1 || stats.Stats["dom-a"].ActiveVisitors != 1 {
		t.Fatalf("unexpected stats snapshot: %+v", stats.Stats)
	}
}

func TestWSGateway_DisconnectBroadcastsUserLeft(t *testing.T) {
	gw, _ := newTestGateway(t)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	alice := mustDialWS(t, ts.URL)
	bob := mustDialWS(t, ts.URL)
	defer func() { _ = bob.Close(websocket.StatusNormalClosure, "bye") }()

	joinRoom(t, alice, "room-d", "user-alice", "Alice")
	joinRoom(t, bob, "room-d", "user-bob", "Bob")

	_ = alice.Close(websocket.StatusNormalClosure, "bye")

	leftEnv := readUntilType(t, bob, v1.TypeUserLeft, 6)
	var left v1.UserLeftPayload
	if err := json.Unmarshal(leftEnv.Payload, &left); err != nil {
		t.Fatalf("decode user-left payload: %v", err)
	}
	if left.UserID != "user-alice" || left.RoomID != "room-d" {
		t.Fatalf("unexpected user-left: %+v", left)
	}
}

func TestWSGateway_SwitchingRoomsLeavesPrevious(t *testing.T) {
	gw, _ := newTestGateway(t)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	alice := mustDialWS(t, ts.URL)
	defer func() { _ = alice.Close(websocket.StatusNormalClosure, "bye") }()
	bob := mustDialWS(t, ts.URL)
	defer func() { _ = bob.Close(websocket.StatusNormalClosure, "bye") }()

	joinRoom(t, alice, "room-a", "user-alice", "Alice")
	joinRoom(t, bob, "room-a", "user-bob", "Bob")
	_ = readUntilType(t, alice, v1.TypeUserJoined, 4)

	// Bob hops to a second room: Alice sees him leave room-a.
	joinRoom(t, bob, "room-b", "user-bob", "Bob")

	leftEnv := readUntilType(t, alice, v1.TypeUserLeft, 4)
	var left v1.UserLeftPayload
	if err := json.Unmarshal(leftEnv.Payload, &left); err != nil {
		t.Fatalf("decode user-left payload: %v", err)
	}
	if left.UserID != "user-bob" || left.RoomID != "room-a" {
		t.Fatalf("unexpected user-left: %+v", left)
	}
}

func TestWSGateway_RejectsWrongVersion(t *testing.T) {
	gw, _ := newTestGateway(t)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	conn := mustDialWS(t, ts.URL)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       "v0",
		Type:    v1.TypeJoinRoom,
		ID:      "bad-version",
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.JoinRoomPayload{RoomID: "r", UserID: "u", UserName: "n"}),
	})

	errEnv := readUntilType(t, conn, v1.TypeError, 2)
	var p v1.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if !strings.Contains(p.Message, "version") {
		t.Fatalf("expected version error, got %q", p.Message)
	}
}

// scriptedCompleter is a canned provider for gateway-level AI tests.
type scriptedCompleter struct {
	reply  string
	chunks []string
	err    error
}

func (s scriptedCompleter) Complete(_ context.Context, _ []ai.Message) (string, error) {
	return s.reply, s.err
}

func (s scriptedCompleter) CompleteStream(_ context.Context, _ []ai.Message, onChunk func(string)) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	var full string
	for _, c := range s.chunks {
		full += c
		if onChunk != nil {
			onChunk(c)
		}
	}
	return full, nil
}

func newAITestGateway(t *testing.T, completer ai.Completer, streaming bool) (*WSGateway, *store.MemoryStore) {
	t.Helper()

	log := discardLogger()
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	cfg.AIStreaming = streaming

	mem := store.NewMemoryStore()
	bridge := ai.NewBridge(log, completer)
	gw := NewWSGateway(log, cfg, NewRegistry(log), NewRoomIndex(log), NewPresenceTracker(log), mem, bridge)
	return gw, mem
}

func waitForStoredMessages(t *testing.T, mem *store.MemoryStore, roomID string, want int) []store.Message {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for {
		msgs := mem.Messages(roomID)
		if len(msgs) >= want {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d stored messages, got %d", want, len(msgs))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWSGateway_AIReplyBroadcastToWholeRoom(t *testing.T) {
	gw, mem := newAITestGateway(t, scriptedCompleter{reply: "You can reset it from the account page."}, false)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	customer := mustDialWS(t, ts.URL)
	defer func() { _ = customer.Close(websocket.StatusNormalClosure, "bye") }()
	admin := mustDialWS(t, ts.URL)
	defer func() { _ = admin.Close(websocket.StatusNormalClosure, "bye") }()

	joinRoom(t, customer, "room-ai", "cust-1", "Casey")
	joinRoom(t, admin, "room-ai", "admin-1", "Avery")
	_ = readUntilType(t, customer, v1.TypeUserJoined, 4)

	writeEnvelopeWS(t, customer, clientEnvelope(t, v1.TypeSendMessage, "msg-ai-1", v1.SendMessagePayload{
		RoomID:   "room-ai",
		Message:  "how do I reset my password?",
		UserID:   "cust-1",
		UserName: "Casey",
		Role:     v1.RoleUser,
	}))

	// Every room member hears the assistant reply, the author included.
	for name, conn := range map[string]*websocket.Conn{"admin": admin, "customer": customer} {
		env := readUntilType(t, conn, v1.TypeNewMessage, 6)
		var msg v1.NewMessagePayload
		for {
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				t.Fatalf("decode new-message payload (%s): %v", name, err)
			}
			if msg.Role == v1.RoleAssistant {
				break
			}
			// The admin sees the customer's message first; keep reading.
			env = readUntilType(t, conn, v1.TypeNewMessage, 6)
		}
		if msg.Message != "You can reset it from the account page." || msg.UserID != "ai-assistant" {
			t.Fatalf("unexpected assistant reply (%s): %+v", name, msg)
		}
	}

	// Both the customer message and the assistant reply get persisted.
	msgs := waitForStoredMessages(t, mem, "room-ai", 2)
	roles := map[string]int{}
	for _, m := range msgs {
		roles[m.Role]++
	}
	if roles[v1.RoleUser] != 1 || roles[v1.RoleAssistant] != 1 {
		t.Fatalf("unexpected stored roles: %v", roles)
	}
}

func TestWSGateway_AIFallbackBroadcastButNotPersisted(t *testing.T) {
	gw, mem := newAITestGateway(t, scriptedCompleter{err: context.DeadlineExceeded}, false)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	customer := mustDialWS(t, ts.URL)
	defer func() { _ = customer.Close(websocket.StatusNormalClosure, "bye") }()

	joinRoom(t, customer, "room-fb", "cust-1", "Casey")

	writeEnvelopeWS(t, customer, clientEnvelope(t, v1.TypeSendMessage, "msg-fb-1", v1.SendMessagePayload{
		RoomID:   "room-fb",
		Message:  "anyone there?",
		UserID:   "cust-1",
		UserName: "Casey",
		Role:     v1.RoleUser,
	}))

	env := readUntilType(t, customer, v1.TypeNewMessage, 6)
	var msg v1.NewMessagePayload
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		t.Fatalf("decode new-message payload: %v", err)
	}
	if msg.Role != v1.RoleAssistant || !strings.Contains(msg.Message, "trouble responding") {
		t.Fatalf("expected canned fallback reply, got %+v", msg)
	}

	// Only the customer message reaches the store; the apology never does.
	waitForStoredMessages(t, mem, "room-fb", 1)
	time.Sleep(100 * time.Millisecond)
	msgs := mem.Messages("room-fb")
	if len(msgs) != 1 || msgs[0].Role != v1.RoleUser {
		t.Fatalf("fallback must not be persisted: %+v", msgs)
	}
}

func TestWSGateway_AIStreamingChunks(t *testing.T) {
	gw, _ := newAITestGateway(t, scriptedCompleter{chunks: []string{"Sure, ", "one ", "moment."}}, true)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	customer := mustDialWS(t, ts.URL)
	defer func() { _ = customer.Close(websocket.StatusNormalClosure, "bye") }()
	admin := mustDialWS(t, ts.URL)
	defer func() { _ = admin.Close(websocket.StatusNormalClosure, "bye") }()

	joinRoom(t, customer, "room-st", "cust-1", "Casey")
	joinRoom(t, admin, "room-st", "admin-1", "Avery")

	writeEnvelopeWS(t, customer, clientEnvelope(t, v1.TypeSendMessage, "msg-st-1", v1.SendMessagePayload{
		RoomID:   "room-st",
		Message:  "can you help?",
		UserID:   "cust-1",
		UserName: "Casey",
		Role:     v1.RoleUser,
	}))

	var assembled string
	for {
		env := readUntilType(t, admin, v1.TypeAIResponseChunk, 8)
		var chunk v1.AIResponseChunkPayload
		if err := json.Unmarshal(env.Payload, &chunk); err != nil {
			t.Fatalf("decode chunk payload: %v", err)
		}
		if chunk.RoomID != "room-st" || chunk.MessageID == "" {
			t.Fatalf("unexpected chunk: %+v", chunk)
		}
		if chunk.Done {
			break
		}
		assembled += chunk.Chunk
	}
	if assembled != "Sure, one moment." {
		t.Fatalf("chunks did not assemble the reply: %q", assembled)
	}

	// The accumulated text still lands as a regular assistant message.
	env := readUntilType(t, admin, v1.TypeNewMessage, 6)
	var msg v1.NewMessagePayload
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		t.Fatalf("decode new-message payload: %v", err)
	}
	if msg.Role != v1.RoleAssistant || msg.Message != "Sure, one moment." {
		t.Fatalf("unexpected assistant message: %+v", msg)
	}
}

// closedRoomStore reports every room as closed.
type closedRoomStore struct {
	*store.MemoryStore
}

func (s closedRoomStore) FetchRoom(_ context.Context, roomID string) (store.Room, error) {
	return store.Room{ID: roomID, Live: false}, nil
}

func TestWSGateway_JoinClosedRoomRejected(t *testing.T) {
	log := discardLogger()
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false

	gw := NewWSGateway(log, cfg, NewRegistry(log), NewRoomIndex(log), NewPresenceTracker(log),
		closedRoomStore{store.NewMemoryStore()}, nil)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	conn := mustDialWS(t, ts.URL)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeJoinRoom, "join-closed", v1.JoinRoomPayload{
		RoomID:   "room-closed",
		UserID:   "cust-1",
		UserName: "Casey",
	}))

	errEnv := readUntilType(t, conn, v1.TypeError, 2)
	var p v1.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if !strings.Contains(strings.ToLower(p.Message), "closed") {
		t.Fatalf("expected closed-room rejection, got %q", p.Message)
	}
}

func TestWSGateway_WildcardOriginAllowsCrossOrigin(t *testing.T) {
	log := discardLogger()
	cfg := DefaultGatewayConfig()
	cfg.AllowedOrigins = []string{"*"}

	gw := NewWSGateway(log, cfg, NewRegistry(log), NewRoomIndex(log), NewPresenceTracker(log), store.NewMemoryStore(), nil)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	conn, resp, err := dialWS(t, ts.URL, "http://widget.customer-site.example")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("wildcard allowlist must admit cross-origin dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	joinRoom(t, conn, "room-w", "user-1", "Ana")
}

func TestWSGateway_MissingOriginRejectedWhenRequired(t *testing.T) {
	log := discardLogger()
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = true

	gw := NewWSGateway(log, cfg, NewRegistry(log), NewRoomIndex(log), NewPresenceTracker(log), store.NewMemoryStore(), nil)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	conn, resp, err := dialWS(t, ts.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		t.Fatalf("expected dial without Origin to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}
