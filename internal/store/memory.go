package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

const memMaxMessagesPerRoom = 10_000

// MemoryStore is a dev/test fallback used when no store API is configured.
// It keeps a bounded per-room message tail and nothing else.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string][]Message
}

// NewMemoryStore constructs an in-memory Store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string][]Message)}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// SaveMessage appends to the room's tail, bounding memory in dev.
func (s *MemoryStore) SaveMessage(ctx context.Context, msg Message) error {
	if msg.RoomID == "" {
		return errors.New("store: missing roomId")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.rooms[msg.RoomID], msg)
	if len(msgs) > memMaxMessagesPerRoom {
		msgs = msgs[len(msgs)-memMaxMessagesPerRoom:]
	}
	s.rooms[msg.RoomID] = msgs
	return nil
}

// FetchRoom synthesizes a room record for any id that has messages.
func (s *MemoryStore) FetchRoom(ctx context.Context, roomID string) (Room, error) {
	if roomID == "" {
		return Room{}, errors.New("store: missing roomId")
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	s.mu.Lock()
	msgs, ok := s.rooms[roomID]
	s.mu.Unlock()

	if !ok {
		return Room{}, ErrRoomNotFound
	}

	room := Room{ID: roomID, Live: true}
	if len(msgs) > 0 {
		room.CreatedAt = msgs[0].CreatedAt
	}
	return room, nil
}

// Messages returns a snapshot of the room's retained tail (test hook).
func (s *MemoryStore) Messages(roomID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.rooms[roomID]...)
}
