// Package v1 defines the WeezIQ relay wire protocol.
//
// This package is intentionally stable and dependency-light.
// It is shared between the relay server, the embedded widget client, and the
// admin dashboard to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Client -> server event types (wire-stable).
const (
	// TypeJoinRoom puts the connection into a room, leaving any previous one.
	TypeJoinRoom = "join-room"
	// TypeLeaveRoom removes the connection from its current room.
	TypeLeaveRoom = "leave-room"
	// TypeSendMessage relays a chat message into the connection's room.
	TypeSendMessage = "send-message"
	// TypeTypingStart / TypeTypingStop drive typing indicators.
	TypeTypingStart = "typing-start"
	TypeTypingStop  = "typing-stop"
	// TypeUserOnline announces the sender's presence to its room.
	TypeUserOnline = "user-online"

	// TypeVisitorJoinedDomain registers an anonymous visitor on a tenant domain.
	// The same name is broadcast server -> client with an updated active count.
	TypeVisitorJoinedDomain = "visitor-joined-domain"
	// TypeVisitorLeftDomain removes a visitor from a tenant domain.
	TypeVisitorLeftDomain = "visitor-left-domain"
	// TypeVisitorActivity is a heartbeat refreshing a visitor's idle clock.
	TypeVisitorActivity = "visitor-activity"

	// TypeGetDomainStats requests the active visitor count for one domain.
	TypeGetDomainStats = "get-domain-stats"
	// TypeGetAllDomainStats requests counts for every tracked domain.
	TypeGetAllDomainStats = "get-all-domain-stats"

	// TypeCustomerJoinedRoom signals the admin dashboard to auto-select a room.
	TypeCustomerJoinedRoom = "customer-joined-room"
)

// Server -> client event types (wire-stable).
const (
	TypeUserJoined   = "user-joined"
	TypeUserLeft     = "user-left"
	TypeUserTyping   = "user-typing"
	TypeUserPresence = "user-presence"
	TypeRoomUsers    = "room-users"
	TypeNewMessage   = "new-message"
	TypeJoinedRoom   = "joined-room"
	TypeMessageSent  = "message-sent"

	TypeDomainStats    = "domain-stats"
	TypeAllDomainStats = "all-domain-stats"

	// TypeAIResponseChunk carries one incremental chunk of a streamed AI reply.
	TypeAIResponseChunk = "ai-response-chunk"

	// TypeError is a generic error envelope (server -> sender only).
	TypeError = "error"
)

// Role values carried by send-message and new-message.
const (
	// RoleUser marks a customer-authored message.
	RoleUser = "user"
	// RoleAssistant marks an operator- or AI-authored message.
	RoleAssistant = "assistant"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
// Payload field validation happens when the payload is decoded.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoinRoom,
		TypeLeaveRoom,
		TypeSendMessage,
		TypeTypingStart,
		TypeTypingStop,
		TypeUserOnline,
		TypeVisitorJoinedDomain,
		TypeVisitorLeftDomain,
		TypeVisitorActivity,
		TypeGetDomainStats,
		TypeGetAllDomainStats,
		TypeCustomerJoinedRoom,
		TypeUserJoined,
		TypeUserLeft,
		TypeUserTyping,
		TypeUserPresence,
		TypeRoomUsers,
		TypeNewMessage,
		TypeJoinedRoom,
		TypeMessageSent,
		TypeDomainStats,
		TypeAllDomainStats,
		TypeAIResponseChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- client -> server payloads ----

// JoinRoomPayload requests membership in a room.
type JoinRoomPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Validate checks required fields.
func (p JoinRoomPayload) Validate() error {
	if strings.TrimSpace(p.RoomID) == "" {
		return errors.New("missing roomId")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("missing userId")
	}
	return nil
}

// LeaveRoomPayload leaves the named room.
type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

// Validate checks required fields.
func (p LeaveRoomPayload) Validate() error {
	if strings.TrimSpace(p.RoomID) == "" {
		return errors.New("missing roomId")
	}
	return nil
}

// SendMessagePayload relays a chat message into a room.
type SendMessagePayload struct {
	RoomID   string `json:"roomId"`
	Message  string `json:"message"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Role     string `json:"role"`
}

// Validate checks required fields and the role enum.
func (p SendMessagePayload) Validate() error {
	if strings.TrimSpace(p.RoomID) == "" {
		return errors.New("missing roomId")
	}
	if strings.TrimSpace(p.Message) == "" {
		return errors.New("missing message")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("missing userId")
	}
	switch p.Role {
	case RoleUser, RoleAssistant:
		return nil
	default:
		return fmt.Errorf("invalid role: %q", p.Role)
	}
}

// TypingPayload drives typing-start / typing-stop.
type TypingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// Validate checks required fields.
func (p TypingPayload) Validate() error {
	if strings.TrimSpace(p.RoomID) == "" {
		return errors.New("missing roomId")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("missing userId")
	}
	return nil
}

// UserOnlinePayload announces presence to a room.
type UserOnlinePayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Validate checks required fields.
func (p UserOnlinePayload) Validate() error {
	if strings.TrimSpace(p.RoomID) == "" {
		return errors.New("missing roomId")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("missing userId")
	}
	return nil
}

// VisitorJoinedDomainPayload registers a visitor session on a tenant domain.
// Server broadcasts echo the same shape with ActiveCount set.
type VisitorJoinedDomainPayload struct {
	DomainID    string          `json:"domainId"`
	VisitorID   string          `json:"visitorId"`
	VisitorData json.RawMessage `json:"visitorData,omitempty"`
	ActiveCount int             `json:"activeCount,omitempty"`
}

// Validate checks required fields.
func (p VisitorJoinedDomainPayload) Validate() error {
	if strings.TrimSpace(p.DomainID) == "" {
		return errors.New("missing domainId")
	}
	if strings.TrimSpace(p.VisitorID) == "" {
		return errors.New("missing visitorId")
	}
	return nil
}

// VisitorLeftDomainPayload removes a visitor session.
// Server broadcasts echo the same shape with ActiveCount set.
type VisitorLeftDomainPayload struct {
	DomainID    string `json:"domainId"`
	VisitorID   string `json:"visitorId"`
	ActiveCount int    `json:"activeCount,omitempty"`
}

// Validate checks required fields.
func (p VisitorLeftDomainPayload) Validate() error {
	if strings.TrimSpace(p.DomainID) == "" {
		return errors.New("missing domainId")
	}
	if strings.TrimSpace(p.VisitorID) == "" {
		return errors.New("missing visitorId")
	}
	return nil
}

// VisitorActivityPayload is a heartbeat for an existing visitor session.
type VisitorActivityPayload struct {
	DomainID  string `json:"domainId"`
	VisitorID string `json:"visitorId"`
}

// Validate checks required fields.
func (p VisitorActivityPayload) Validate() error {
	if strings.TrimSpace(p.DomainID) == "" {
		return errors.New("missing domainId")
	}
	if strings.TrimSpace(p.VisitorID) == "" {
		return errors.New("missing visitorId")
	}
	return nil
}

// GetDomainStatsPayload requests one domain's live stats.
type GetDomainStatsPayload struct {
	DomainID string `json:"domainId"`
}

// Validate checks required fields.
func (p GetDomainStatsPayload) Validate() error {
	if strings.TrimSpace(p.DomainID) == "" {
		return errors.New("missing domainId")
	}
	return nil
}

// GetAllDomainStatsPayload requests stats for every tracked domain.
type GetAllDomainStatsPayload struct{}

// Validate is a no-op; the request carries no fields.
func (GetAllDomainStatsPayload) Validate() error { return nil }

// CustomerJoinedRoomPayload is relayed to every other connection so the admin
// dashboard can auto-select the conversation.
type CustomerJoinedRoomPayload struct {
	RoomID       string `json:"roomId"`
	CustomerID   string `json:"customerId"`
	CustomerName string `json:"customerName"`
}

// Validate checks required fields.
func (p CustomerJoinedRoomPayload) Validate() error {
	if strings.TrimSpace(p.RoomID) == "" {
		return errors.New("missing roomId")
	}
	if strings.TrimSpace(p.CustomerID) == "" {
		return errors.New("missing customerId")
	}
	return nil
}

// ---- server -> client payloads ----

// UserJoinedPayload is broadcast to a room when a peer joins.
type UserJoinedPayload struct {
	RoomID   string    `json:"roomId"`
	UserID   string    `json:"userId"`
	UserName string    `json:"userName"`
	JoinedAt time.Time `json:"joinedAt"`
}

// UserLeftPayload is broadcast to a room when a peer leaves or disconnects.
type UserLeftPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// UserTypingPayload is broadcast to a room excluding the typist.
type UserTypingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	Typing   bool   `json:"typing"`
}

// UserPresencePayload is broadcast to a room on user-online.
type UserPresencePayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Online   bool   `json:"online"`
}

// RoomUser is one entry of the room-users snapshot.
type RoomUser struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// RoomUsersPayload is the membership snapshot sent to a joining connection.
type RoomUsersPayload struct {
	RoomID string     `json:"roomId"`
	Users  []RoomUser `json:"users"`
}

// NewMessagePayload is the broadcast form of a relayed chat message.
type NewMessagePayload struct {
	ID                 string    `json:"id"`
	RoomID             string    `json:"roomId"`
	Message            string    `json:"message"`
	UserID             string    `json:"userId"`
	UserName           string    `json:"userName"`
	Role               string    `json:"role"`
	Timestamp          time.Time `json:"timestamp"`
	SenderConnectionID string    `json:"senderConnectionId,omitempty"`
}

// JoinedRoomPayload acknowledges a join-room to the joining connection.
type JoinedRoomPayload struct {
	RoomID  string `json:"roomId"`
	Success bool   `json:"success"`
}

// MessageSentPayload acknowledges a send-message to the sender.
type MessageSentPayload struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
}

// DomainStatsPayload answers get-domain-stats.
type DomainStatsPayload struct {
	DomainID       string    `json:"domainId"`
	ActiveVisitors int       `json:"activeVisitors"`
	Timestamp      time.Time `json:"timestamp"`
}

// DomainStat is one domain's entry in the all-domain-stats reply.
type DomainStat struct {
	ActiveVisitors int       `json:"activeVisitors"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

// AllDomainStatsPayload answers get-all-domain-stats.
type AllDomainStatsPayload struct {
	Stats map[string]DomainStat `json:"stats"`
}

// AIResponseChunkPayload carries one incremental chunk of a streamed AI reply.
// Done marks the final (empty) chunk; the accumulated text follows as a
// regular new-message broadcast.
type AIResponseChunkPayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Chunk     string `json:"chunk,omitempty"`
	Done      bool   `json:"done"`
}

// ErrorPayload is sent to the originating connection only.
type ErrorPayload struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
