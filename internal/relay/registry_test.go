package relay

import (
	"encoding/json"
	"testing"

	v1 "github.com/biplob-g/weeziq-relay/contracts/relay/v1"
)

func TestRegistry_RegisterIdentifySetRoom(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(discardLogger())

	c := NewClient("conn-1", 8)
	reg.Register(c)

	reg.Identify("conn-1", "user-1", "Ana")

	prev, ok := reg.SetRoom("conn-1", "room-a")
	if !ok {
		t.Fatalf("SetRoom on known connection failed")
	}
	if prev != "" {
		t.Fatalf("expected empty previous room, got %q", prev)
	}

	prev, ok = reg.SetRoom("conn-1", "room-b")
	if !ok || prev != "room-a" {
		t.Fatalf("expected previous room-a, got %q ok=%v", prev, ok)
	}

	rec, found := reg.Get("conn-1")
	if !found {
		t.Fatalf("record not found")
	}
	if rec.UserID != "user-1" || rec.UserName != "Ana" || rec.RoomID != "room-b" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRegistry_UnknownConnectionIsNoop(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(discardLogger())

	reg.Identify("ghost", "u", "n")
	if _, ok := reg.SetRoom("ghost", "r"); ok {
		t.Fatalf("SetRoom on unknown connection must report !ok")
	}
	if _, ok := reg.Remove("ghost"); ok {
		t.Fatalf("Remove on unknown connection must report !ok")
	}
}

func TestRegistry_IdempotentRemove(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(discardLogger())
	reg.Register(NewClient("conn-1", 8))
	reg.Identify("conn-1", "user-1", "Ana")
	reg.SetRoom("conn-1", "room-a")

	rec, ok := reg.Remove("conn-1")
	if !ok {
		t.Fatalf("first remove failed")
	}
	if rec.RoomID != "room-a" {
		t.Fatalf("removed record lost its room: %+v", rec)
	}

	// Duplicate disconnects are expected and must be benign.
	if _, ok := reg.Remove("conn-1"); ok {
		t.Fatalf("second remove must be a no-op")
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, len=%d", reg.Len())
	}
}

func TestRegistry_BroadcastAllExcludesSender(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(discardLogger())

	a := NewClient("conn-a", 8)
	b := NewClient("conn-b", 8)
	c := NewClient("conn-c", 8)
	reg.Register(a)
	reg.Register(b)
	reg.Register(c)

	env := v1.Envelope{V: v1.Version, Type: v1.TypeCustomerJoinedRoom, Payload: json.RawMessage(`{}`)}
	reg.BroadcastAll(env, "conn-a")

	if len(a.Send) != 0 {
		t.Fatalf("sender must not receive its own broadcast")
	}
	if len(b.Send) != 1 || len(c.Send) != 1 {
		t.Fatalf("expected one envelope for each peer, got b=%d c=%d", len(b.Send), len(c.Send))
	}
}
