package relay

import (
	"log/slog"
	"sync"

	v1 "github.com/biplob-g/weeziq-relay/contracts/relay/v1"
)

// ConnectionRecord is the registry's view of one live connection.
// Identity fields are caller-supplied and not authenticated at this layer.
type ConnectionRecord struct {
	ConnID   string
	UserID   string
	UserName string

	// RoomID is empty until the connection joins a room. A connection
	// belongs to at most one room at a time.
	RoomID string

	// Visitor binding, set when this connection registered a visitor session.
	// Used to tear presence down on disconnect.
	VisitorID string
	DomainID  string

	client *Client
}

// Registry tracks every live connection and its identity metadata.
// It owns the Client handles so global fan-out (admin broadcasts) can be
// served without consulting room membership.
type Registry struct {
	log *slog.Logger

	mu    sync.RWMutex
	conns map[string]*ConnectionRecord
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:   log,
		conns: make(map[string]*ConnectionRecord),
	}
}

// Register records a new connection with no room. Called on transport connect.
func (r *Registry) Register(client *Client) {
	if r == nil || client == nil || client.ConnID == "" {
		return
	}

	r.mu.Lock()
	r.conns[client.ConnID] = &ConnectionRecord{
		ConnID: client.ConnID,
		client: client,
	}
	n := len(r.conns)
	r.mu.Unlock()

	metricConnections.Set(float64(n))
	r.log.Info("registry.connect", "conn_id", client.ConnID, "connections", n)
}

// Identify attaches caller-supplied identity to a connection.
// Unknown connection ids are a no-op.
func (r *Registry) Identify(connID, userID, userName string) {
	if r == nil || connID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[connID]
	if !ok {
		return
	}
	rec.UserID = userID
	rec.UserName = userName
}

// SetRoom atomically updates the connection's current room and returns the
// room it previously occupied ("" when none). ok is false for unknown ids.
func (r *Registry) SetRoom(connID, roomID string) (prev string, ok bool) {
	if r == nil || connID == "" {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, found := r.conns[connID]
	if !found {
		return "", false
	}
	prev = rec.RoomID
	rec.RoomID = roomID
	return prev, true
}

// BindVisitor remembers which visitor session this connection registered.
func (r *Registry) BindVisitor(connID, domainID, visitorID string) {
	if r == nil || connID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[connID]
	if !ok {
		return
	}
	rec.DomainID = domainID
	rec.VisitorID = visitorID
}

// Get returns a copy of the record for connID.
func (r *Registry) Get(connID string) (ConnectionRecord, bool) {
	if r == nil {
		return ConnectionRecord{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.conns[connID]
	if !ok {
		return ConnectionRecord{}, false
	}
	return *rec, true
}

// Remove deletes the record and returns its last known state for cleanup.
// Duplicate removes and removes of unknown ids are benign no-ops.
func (r *Registry) Remove(connID string) (ConnectionRecord, bool) {
	if r == nil || connID == "" {
		return ConnectionRecord{}, false
	}

	r.mu.Lock()
	rec, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	n := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return ConnectionRecord{}, false
	}

	metricConnections.Set(float64(n))
	r.log.Info("registry.disconnect", "conn_id", connID, "connections", n)
	return *rec, true
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// BroadcastAll fanouts an envelope to every live connection except
// excludeConnID. Non-blocking: members with full queues are skipped.
func (r *Registry) BroadcastAll(env v1.Envelope, excludeConnID string) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, rec := range r.conns {
		if id == excludeConnID || rec == nil {
			continue
		}
		if !rec.client.TrySend(env) {
			metricBroadcastDropped.Inc()
		}
	}
}
