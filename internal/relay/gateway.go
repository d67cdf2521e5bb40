package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/biplob-g/weeziq-relay/contracts/relay/v1"
	"github.com/biplob-g/weeziq-relay/internal/ai"
	"github.com/biplob-g/weeziq-relay/internal/store"
	"github.com/samber/lo"
)

const (
	wsSubprotocolV1 = "weeziq.relay.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsDefaultStoreTimeout = 10 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
)

var wsDefaultAllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}

// GatewayConfig carries every knob the gateway needs. The app layer fills it
// from the environment; tests construct it directly.
type GatewayConfig struct {
	OriginRequired bool
	AllowedOrigins []string

	// DevInsecure skips TLS verification in websocket.Accept. Dev-only knob,
	// not an origin policy.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration

	// StoreTimeout bounds the async persistence call per message.
	StoreTimeout time.Duration

	// AIStreaming selects the chunked AI reply mode.
	AIStreaming bool
}

// DefaultGatewayConfig returns the secure-by-default configuration.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   wsDefaultOriginRequired,
		AllowedOrigins:   append([]string(nil), wsDefaultAllowedOrigins...),
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
		StoreTimeout:     wsDefaultStoreTimeout,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	def := DefaultGatewayConfig()
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = def.AllowedOrigins
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = def.StoreTimeout
	}
	return c
}

// WSGateway is the WebSocket entrypoint for the relay.
//
// It enforces origin policy, subprotocol selection, rate limits, and
// heartbeats, and dispatches validated envelopes to the connection registry,
// room index, presence tracker, external store, and AI bridge.
type WSGateway struct {
	log      *slog.Logger
	cfg      GatewayConfig
	registry *Registry
	rooms    *RoomIndex
	presence *PresenceTracker
	store    store.Store
	bridge   *ai.Bridge

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin
	// it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. Nil collaborators fall back to in-memory
// implementations; a nil bridge disables AI replies.
func NewWSGateway(log *slog.Logger, cfg GatewayConfig, registry *Registry, rooms *RoomIndex, presence *PresenceTracker, st store.Store, bridge *ai.Bridge) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if registry == nil {
		registry = NewRegistry(log)
	}
	if rooms == nil {
		rooms = NewRoomIndex(log)
	}
	if presence == nil {
		presence = NewPresenceTracker(log)
	}
	if st == nil {
		st = store.NewMemoryStore()
	}

	cfg = cfg.withDefaults()

	return &WSGateway{
		log:      log,
		cfg:      cfg,
		registry: registry,
		rooms:    rooms,
		presence: presence,
		store:    st,
		bridge:   bridge,

		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the relay loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID := NewConnectionID()
	client := NewClient(connID, g.cfg.SendQueueSize)
	g.registry.Register(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent and runs the full disconnect transition:
	// registry removal, room leave + user-left broadcast, visitor presence
	// teardown. It does NOT close client.Send (broadcast safety).
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.disconnect(connID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			metricProtocolErrors.Inc()
			g.trySendError(ctx, client, err.Error())
			continue readLoop
		}

		payload, err := v1.DecodeClientPayload(env)
		if err != nil {
			metricProtocolErrors.Inc()
			g.trySendError(ctx, client, err.Error())
			continue readLoop
		}

		// Handler isolation: one event's failure never tears the loop down.
		if err := g.dispatch(ctx, client, env.Type, payload, now); err != nil {
			g.trySendError(ctx, client, err.Error())
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// dispatch routes one decoded client event to its handler.
func (g *WSGateway) dispatch(ctx context.Context, client *Client, typ string, payload v1.ClientPayload, now time.Time) error {
	switch p := payload.(type) {
	case *v1.JoinRoomPayload:
		return g.onJoinRoom(ctx, client, p, now)
	case *v1.LeaveRoomPayload:
		g.onLeaveRoom(client, p)
		return nil
	case *v1.SendMessagePayload:
		return g.onSendMessage(ctx, client, p, now)
	case *v1.TypingPayload:
		g.onTyping(client, p, typ == v1.TypeTypingStart, now)
		return nil
	case *v1.UserOnlinePayload:
		g.onUserOnline(client, p, now)
		return nil
	case *v1.VisitorJoinedDomainPayload:
		g.onVisitorJoined(client, p, now)
		return nil
	case *v1.VisitorLeftDomainPayload:
		g.onVisitorLeft(client, p, now)
		return nil
	case *v1.VisitorActivityPayload:
		g.presence.Touch(p.VisitorID)
		return nil
	case *v1.GetDomainStatsPayload:
		return g.onGetDomainStats(ctx, client, p, now)
	case *v1.GetAllDomainStatsPayload:
		return g.onGetAllDomainStats(ctx, client, now)
	case *v1.CustomerJoinedRoomPayload:
		g.onCustomerJoinedRoom(client, p, now)
		return nil
	default:
		return fmt.Errorf("unsupported type: %s", typ)
	}
}

// ---- room handlers ----

func (g *WSGateway) onJoinRoom(ctx context.Context, client *Client, p *v1.JoinRoomPayload, now time.Time) error {
	// Rooms are minted by the platform, not the relay; the only join the
	// relay refuses is one into a room the store explicitly reports closed.
	// Unknown rooms and store outages never block a join.
	if room, err := g.fetchRoom(ctx, p.RoomID); err == nil && !room.Live {
		return errors.New("room is closed")
	}

	g.registry.Identify(client.ConnID, p.UserID, p.UserName)

	prev, ok := g.registry.SetRoom(client.ConnID, p.RoomID)
	if !ok {
		return errors.New("unknown connection")
	}

	// A connection is never a member of two rooms: evict from the previous
	// room before joining the new one.
	if prev != "" && prev != p.RoomID {
		g.rooms.Leave(prev, client.ConnID)
		g.broadcastRoom(prev, v1.TypeUserLeft, v1.UserLeftPayload{
			RoomID:   prev,
			UserID:   p.UserID,
			UserName: p.UserName,
		}, client.ConnID, now)
	}

	g.rooms.Join(p.RoomID, client)

	g.broadcastRoom(p.RoomID, v1.TypeUserJoined, v1.UserJoinedPayload{
		RoomID:   p.RoomID,
		UserID:   p.UserID,
		UserName: p.UserName,
		JoinedAt: now,
	}, client.ConnID, now)

	// Membership snapshot for the joining connection.
	users := lo.FilterMap(g.rooms.MembersOf(p.RoomID), func(connID string, _ int) (v1.RoomUser, bool) {
		rec, found := g.registry.Get(connID)
		if !found || rec.UserID == "" {
			return v1.RoomUser{}, false
		}
		return v1.RoomUser{UserID: rec.UserID, UserName: rec.UserName}, true
	})

	if !g.enqueue(ctx, client, g.newEnvelope(v1.TypeRoomUsers, v1.RoomUsersPayload{
		RoomID: p.RoomID,
		Users:  users,
	}, now)) {
		return errors.New("backpressure: room-users")
	}

	if !g.enqueue(ctx, client, g.newEnvelope(v1.TypeJoinedRoom, v1.JoinedRoomPayload{
		RoomID:  p.RoomID,
		Success: true,
	}, now)) {
		return errors.New("backpressure: joined-room ack")
	}
	return nil
}

func (g *WSGateway) onLeaveRoom(client *Client, p *v1.LeaveRoomPayload) {
	rec, ok := g.registry.Get(client.ConnID)
	if !ok || rec.RoomID != p.RoomID {
		// Late or repeated leave: benign no-op.
		return
	}

	g.registry.SetRoom(client.ConnID, "")
	g.rooms.Leave(p.RoomID, client.ConnID)
	g.broadcastRoom(p.RoomID, v1.TypeUserLeft, v1.UserLeftPayload{
		RoomID:   p.RoomID,
		UserID:   rec.UserID,
		UserName: rec.UserName,
	}, client.ConnID, time.Now().UTC())
}

func (g *WSGateway) onSendMessage(ctx context.Context, client *Client, p *v1.SendMessagePayload, now time.Time) error {
	rec, ok := g.registry.Get(client.ConnID)
	if !ok || rec.RoomID != p.RoomID {
		return errors.New("join first")
	}

	text := strings.TrimSpace(p.Message)
	if len([]rune(text)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	msgID := NewMessageID(now)
	broadcast := v1.NewMessagePayload{
		ID:                 msgID,
		RoomID:             p.RoomID,
		Message:            text,
		UserID:             p.UserID,
		UserName:           p.UserName,
		Role:               p.Role,
		Timestamp:          now,
		SenderConnectionID: client.ConnID,
	}

	// Broadcast first, persist after: live delivery is prioritized over
	// durability. Persistence failures go back to the sender as an error
	// envelope without retracting the broadcast.
	g.broadcastRoom(p.RoomID, v1.TypeNewMessage, broadcast, client.ConnID, now)
	metricMessagesRelayed.Inc()

	if !g.enqueue(ctx, client, g.newEnvelope(v1.TypeMessageSent, v1.MessageSentPayload{
		ID:      msgID,
		Success: true,
	}, now)) {
		return errors.New("backpressure: message-sent ack")
	}

	go g.persistMessage(client, store.Message{
		ID:        msgID,
		RoomID:    p.RoomID,
		UserID:    p.UserID,
		UserName:  p.UserName,
		Role:      p.Role,
		Message:   text,
		CreatedAt: now,
	})

	// Customer-authored messages may want an automated reply.
	if p.Role == v1.RoleUser && g.bridge != nil {
		go g.requestAIReply(p.RoomID, ai.ReplyRequest{
			Message:        text,
			ConversationID: p.RoomID,
			UserID:         p.UserID,
		})
	}
	return nil
}

func (g *WSGateway) onTyping(client *Client, p *v1.TypingPayload, typing bool, now time.Time) {
	rec, ok := g.registry.Get(client.ConnID)
	if !ok || rec.RoomID != p.RoomID {
		return
	}
	g.broadcastRoom(p.RoomID, v1.TypeUserTyping, v1.UserTypingPayload{
		RoomID:   p.RoomID,
		UserID:   p.UserID,
		UserName: p.UserName,
		Typing:   typing,
	}, client.ConnID, now)
}

func (g *WSGateway) onUserOnline(client *Client, p *v1.UserOnlinePayload, now time.Time) {
	g.registry.Identify(client.ConnID, p.UserID, p.UserName)
	g.broadcastRoom(p.RoomID, v1.TypeUserPresence, v1.UserPresencePayload{
		RoomID:   p.RoomID,
		UserID:   p.UserID,
		UserName: p.UserName,
		Online:   true,
	}, client.ConnID, now)
}

// ---- visitor presence handlers ----

func (g *WSGateway) onVisitorJoined(client *Client, p *v1.VisitorJoinedDomainPayload, now time.Time) {
	count := g.presence.AddVisitor(p.DomainID, p.VisitorID, p.VisitorData)
	g.registry.BindVisitor(client.ConnID, p.DomainID, p.VisitorID)

	g.registry.BroadcastAll(g.newEnvelope(v1.TypeVisitorJoinedDomain, v1.VisitorJoinedDomainPayload{
		DomainID:    p.DomainID,
		VisitorID:   p.VisitorID,
		VisitorData: p.VisitorData,
		ActiveCount: count,
	}, now), client.ConnID)
}

func (g *WSGateway) onVisitorLeft(client *Client, p *v1.VisitorLeftDomainPayload, now time.Time) {
	count := g.presence.RemoveVisitor(p.DomainID, p.VisitorID)

	if rec, ok := g.registry.Get(client.ConnID); ok && rec.VisitorID == p.VisitorID {
		g.registry.BindVisitor(client.ConnID, "", "")
	}

	g.registry.BroadcastAll(g.newEnvelope(v1.TypeVisitorLeftDomain, v1.VisitorLeftDomainPayload{
		DomainID:    p.DomainID,
		VisitorID:   p.VisitorID,
		ActiveCount: count,
	}, now), client.ConnID)
}

func (g *WSGateway) onGetDomainStats(ctx context.Context, client *Client, p *v1.GetDomainStatsPayload, now time.Time) error {
	env := g.newEnvelope(v1.TypeDomainStats, v1.DomainStatsPayload{
		DomainID:       p.DomainID,
		ActiveVisitors: g.presence.ActiveCount(p.DomainID),
		Timestamp:      now,
	}, now)
	if !g.enqueue(ctx, client, env) {
		return errors.New("backpressure: domain-stats")
	}
	return nil
}

func (g *WSGateway) onGetAllDomainStats(ctx context.Context, client *Client, now time.Time) error {
	stats := g.presence.AllDomainStats()
	if stats == nil {
		stats = map[string]v1.DomainStat{}
	}
	env := g.newEnvelope(v1.TypeAllDomainStats, v1.AllDomainStatsPayload{Stats: stats}, now)
	if !g.enqueue(ctx, client, env) {
		return errors.New("backpressure: all-domain-stats")
	}
	return nil
}

func (g *WSGateway) onCustomerJoinedRoom(client *Client, p *v1.CustomerJoinedRoomPayload, now time.Time) {
	// Admin-side auto-select signal: every other connection hears it.
	g.registry.BroadcastAll(g.newEnvelope(v1.TypeCustomerJoinedRoom, *p, now), client.ConnID)
}

// ---- disconnect ----

// disconnect runs the terminal transition for a connection. Safe to call more
// than once; the second call is a no-op because the registry record is gone.
func (g *WSGateway) disconnect(connID string) {
	rec, ok := g.registry.Remove(connID)
	if !ok {
		return
	}

	now := time.Now().UTC()

	if rec.RoomID != "" {
		g.rooms.Leave(rec.RoomID, connID)
		g.broadcastRoom(rec.RoomID, v1.TypeUserLeft, v1.UserLeftPayload{
			RoomID:   rec.RoomID,
			UserID:   rec.UserID,
			UserName: rec.UserName,
		}, connID, now)
	}

	if rec.VisitorID != "" {
		count := g.presence.RemoveVisitor(rec.DomainID, rec.VisitorID)
		g.registry.BroadcastAll(g.newEnvelope(v1.TypeVisitorLeftDomain, v1.VisitorLeftDomainPayload{
			DomainID:    rec.DomainID,
			VisitorID:   rec.VisitorID,
			ActiveCount: count,
		}, now), connID)
	}
}

// fetchRoom looks a room up in the store within the store timeout.
func (g *WSGateway) fetchRoom(ctx context.Context, roomID string) (store.Room, error) {
	fctx, cancel := context.WithTimeout(ctx, g.cfg.StoreTimeout)
	defer cancel()
	return g.store.FetchRoom(fctx, roomID)
}

// ---- async collaborators ----

// persistMessage hands the message to the external store after the broadcast.
// Runs detached from the connection context so a dropped socket does not lose
// the write.
func (g *WSGateway) persistMessage(client *Client, msg store.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.StoreTimeout)
	defer cancel()

	if err := g.store.SaveMessage(ctx, msg); err != nil {
		metricStoreFailures.Inc()
		g.log.Error("store.save.fail", "room_id", msg.RoomID, "message_id", msg.ID, "err", err)

		// No sender to notify for server-originated messages.
		if client == nil {
			return
		}
		errEnv := g.newEnvelope(v1.TypeError, v1.ErrorPayload{
			Message:   "message delivered but not persisted",
			Timestamp: time.Now().UTC(),
		}, time.Now().UTC())
		if !client.TrySend(errEnv) {
			metricBroadcastDropped.Inc()
		}
	}
}

// requestAIReply asks the bridge for an automated reply and rebroadcasts it
// into the originating room (all members, the customer included).
func (g *WSGateway) requestAIReply(roomID string, req ai.ReplyRequest) {
	now := time.Now().UTC()
	msgID := NewMessageID(now)

	var reply string
	var fromFallback bool

	if g.cfg.AIStreaming {
		reply, fromFallback = g.bridge.RequestReplyStream(context.Background(), req, func(chunk string) {
			g.broadcastRoom(roomID, v1.TypeAIResponseChunk, v1.AIResponseChunkPayload{
				RoomID:    roomID,
				MessageID: msgID,
				Chunk:     chunk,
			}, "", time.Now().UTC())
		})
		g.broadcastRoom(roomID, v1.TypeAIResponseChunk, v1.AIResponseChunkPayload{
			RoomID:    roomID,
			MessageID: msgID,
			Done:      true,
		}, "", time.Now().UTC())
	} else {
		reply, fromFallback = g.bridge.RequestReply(context.Background(), req)
	}

	outcome := "ok"
	if fromFallback {
		outcome = "fallback"
	}
	metricAIReplies.WithLabelValues(outcome).Inc()

	done := time.Now().UTC()
	g.broadcastRoom(roomID, v1.TypeNewMessage, v1.NewMessagePayload{
		ID:        msgID,
		RoomID:    roomID,
		Message:   reply,
		UserID:    "ai-assistant",
		UserName:  "AI Assistant",
		Role:      v1.RoleAssistant,
		Timestamp: done,
	}, "", done)

	// Fallback apologies are a UX artifact, not part of the conversation.
	if !fromFallback {
		g.persistMessage(nil, store.Message{
			ID:        msgID,
			RoomID:    roomID,
			UserID:    "ai-assistant",
			UserName:  "AI Assistant",
			Role:      v1.RoleAssistant,
			Message:   reply,
			CreatedAt: done,
		})
	}
}

// ---- send helpers ----

func (g *WSGateway) broadcastRoom(roomID, typ string, payload any, excludeConnID string, now time.Time) {
	g.rooms.Broadcast(roomID, g.newEnvelope(typ, payload, now), excludeConnID)
}

func (g *WSGateway) trySendError(ctx context.Context, client *Client, msg string) {
	env := g.newEnvelope(v1.TypeError, v1.ErrorPayload{
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func (g *WSGateway) newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		g.log.Error("envelope.marshal.fail", "type", typ, "err", err)
		raw = []byte("{}")
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewMessageID(ts),
		TS:      ts,
		Payload: raw,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using
	// filepath.Match patterns. Only hosts extracted from the allowlist are
	// accepted; an explicit "*" entry must survive as a pattern too, or
	// Accept would veto every cross-origin handshake enforceOrigin admits.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		if h == "*" {
			return []string{"*"}
		}
		seen[h] = struct{}{}
	}

	out := lo.Keys(seen)
	// Stable ordering for deterministic logs/tests.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}
