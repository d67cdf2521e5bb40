package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryStore_SaveAndSnapshot(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	msg := Message{
		ID:        "m1",
		RoomID:    "r1",
		UserID:    "u1",
		UserName:  "Alice",
		Role:      "user",
		Message:   "hello",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	got := s.Messages("r1")
	if len(got) != 1 || got[0].ID != "m1" || got[0].Message != "hello" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}

	// Snapshots are copies: mutating the returned slice leaves the store intact.
	got[0].Message = "mutated"
	if s.Messages("r1")[0].Message != "hello" {
		t.Fatalf("snapshot must not alias store internals")
	}
}

func TestMemoryStore_MissingRoomID(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	if err := s.SaveMessage(context.Background(), Message{Message: "no room"}); err == nil {
		t.Fatalf("expected error for missing roomId")
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.SaveMessage(ctx, Message{RoomID: "r1", Message: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryStore_FetchRoom(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.FetchRoom(ctx, "nope"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}

	created := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	if err := s.SaveMessage(ctx, Message{ID: "m1", RoomID: "r1", Message: "hi", CreatedAt: created}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	room, err := s.FetchRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("FetchRoom: %v", err)
	}
	if room.ID != "r1" || !room.Live || !room.CreatedAt.Equal(created) {
		t.Fatalf("unexpected room: %+v", room)
	}
}

func TestMemoryStore_BoundsRoomTail(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < memMaxMessagesPerRoom+5; i++ {
		msg := Message{ID: fmt.Sprintf("m%d", i), RoomID: "r1", Message: "x"}
		if err := s.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage %d: %v", i, err)
		}
	}

	got := s.Messages("r1")
	if len(got) != memMaxMessagesPerRoom {
		t.Fatalf("expected tail bounded at %d, got %d", memMaxMessagesPerRoom, len(got))
	}
	if got[0].ID != "m5" {
		t.Fatalf("expected oldest retained id m5, got %s", got[0].ID)
	}
}
