// Package store talks to the platform's persistence API.
//
// The relay is not a system of record: rooms, customers, and message history
// are owned by the external store and reached over plain request/response
// calls. The relay only hands messages off and occasionally looks a room up.
package store

import (
	"context"
	"time"
)

// Message is the durable form of a relayed chat message.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Role      string    `json:"role"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Room is the store's view of a conversation channel.
type Room struct {
	ID         string    `json:"id"`
	DomainID   string    `json:"domainId"`
	CustomerID string    `json:"customerId"`
	Live       bool      `json:"live"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store is the opaque persistence collaborator.
type Store interface {
	// SaveMessage hands a relayed message to the durable store.
	SaveMessage(ctx context.Context, msg Message) error
	// FetchRoom looks a room up by id.
	FetchRoom(ctx context.Context, roomID string) (Room, error)
	Close() error
}
