package relay

import (
	"log/slog"
	"sync"

	v1 "github.com/biplob-g/weeziq-relay/contracts/relay/v1"
)

// RoomIndex maps room id -> member set and provides broadcast fan-out.
//
// Rooms are created implicitly on first join and pruned when their member set
// becomes empty. The index lock guards the room map; each room carries its own
// lock so broadcasts in one room never contend with joins in another.
// Lock order is always index before room.
type RoomIndex struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*room
}

type room struct {
	id string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoomIndex constructs an empty RoomIndex.
func NewRoomIndex(log *slog.Logger) *RoomIndex {
	return &RoomIndex{
		log:   log,
		rooms: make(map[string]*room),
	}
}

// Join adds connID's client to roomID, creating the room on first use.
// Callers enforce the single-room invariant via Registry.SetRoom and Leave on
// the previous room.
func (ri *RoomIndex) Join(roomID string, client *Client) {
	if ri == nil || roomID == "" || client == nil || client.ConnID == "" {
		return
	}

	ri.mu.Lock()
	rm, ok := ri.rooms[roomID]
	if !ok {
		rm = &room{id: roomID, members: make(map[string]*Client)}
		ri.rooms[roomID] = rm
	}
	n := len(ri.rooms)
	ri.mu.Unlock()

	rm.mu.Lock()
	rm.members[client.ConnID] = client
	rm.mu.Unlock()

	metricRooms.Set(float64(n))
	ri.log.Info("room.member.join", "room_id", roomID, "conn_id", client.ConnID)
}

// Leave removes connID from roomID and prunes the room when it empties.
// Unknown rooms and non-members are benign no-ops.
func (ri *RoomIndex) Leave(roomID, connID string) {
	if ri == nil || roomID == "" || connID == "" {
		return
	}

	ri.mu.RLock()
	rm := ri.rooms[roomID]
	ri.mu.RUnlock()
	if rm == nil {
		return
	}

	rm.mu.Lock()
	_, present := rm.members[connID]
	delete(rm.members, connID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		ri.prune(roomID, rm)
	}
	if present {
		ri.log.Info("room.member.leave", "room_id", roomID, "conn_id", connID)
	}
}

// prune deletes the room entry if it is still empty. A concurrent join may
// have re-populated it, so emptiness is re-checked under both locks.
func (ri *RoomIndex) prune(roomID string, rm *room) {
	ri.mu.Lock()
	cur, ok := ri.rooms[roomID]
	if ok && cur == rm {
		rm.mu.RLock()
		empty := len(rm.members) == 0
		rm.mu.RUnlock()
		if empty {
			delete(ri.rooms, roomID)
		}
	}
	n := len(ri.rooms)
	ri.mu.Unlock()

	metricRooms.Set(float64(n))
}

// MembersOf returns a snapshot of the connection ids currently in roomID.
func (ri *RoomIndex) MembersOf(roomID string) []string {
	if ri == nil {
		return nil
	}

	ri.mu.RLock()
	rm := ri.rooms[roomID]
	ri.mu.RUnlock()
	if rm == nil {
		return nil
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()

	out := make([]string, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	return out
}

// Len reports the number of non-empty rooms.
func (ri *RoomIndex) Len() int {
	if ri == nil {
		return 0
	}
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return len(ri.rooms)
}

// Broadcast fanouts an envelope to every member of roomID except
// excludeConnID. Non-blocking: a member with a full queue or a dead transport
// is skipped and counted, never aborting delivery to the rest.
func (ri *RoomIndex) Broadcast(roomID string, env v1.Envelope, excludeConnID string) {
	if ri == nil {
		return
	}

	ri.mu.RLock()
	rm := ri.rooms[roomID]
	ri.mu.RUnlock()
	if rm == nil {
		return
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()

	for id, m := range rm.members {
		if id == excludeConnID {
			continue
		}
		if !m.TrySend(env) {
			metricBroadcastDropped.Inc()
			ri.log.Debug("room.broadcast.drop", "room_id", roomID, "conn_id", id, "type", env.Type)
		}
	}
}
