package relay

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func TestNewConnectionID_IsUniqueUUID(t *testing.T) {
	t.Parallel()

	a := NewConnectionID()
	b := NewConnectionID()
	if a == b {
		t.Fatalf("connection ids must be unique")
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Fatalf("not a uuid: %q (%v)", a, err)
	}
}

func TestNewMessageID_ULIDOrdering(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	id1 := NewMessageID(t1)
	id2 := NewMessageID(t2)

	u1, err := ulid.Parse(id1)
	if err != nil {
		t.Fatalf("not a ulid: %q (%v)", id1, err)
	}
	u2, err := ulid.Parse(id2)
	if err != nil {
		t.Fatalf("not a ulid: %q (%v)", id2, err)
	}
	if u1.Compare(u2) >= 0 {
		t.Fatalf("ulids must sort by timestamp: %s >= %s", id1, id2)
	}
	if ulid.Time(u1.Time()).UTC() != t1 {
		t.Fatalf("embedded timestamp mismatch: %v", ulid.Time(u1.Time()))
	}
}

func TestNewMessageID_ZeroTimeStillValid(t *testing.T) {
	t.Parallel()

	if _, err := ulid.Parse(NewMessageID(time.Time{})); err != nil {
		t.Fatalf("zero time must still yield a valid id: %v", err)
	}
}
