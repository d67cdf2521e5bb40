package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	v1 "github.com/biplob-g/weeziq-relay/contracts/relay/v1"
	"github.com/samber/lo"
)

// visitorSession is one anonymous visitor's presence on one tenant domain.
type visitorSession struct {
	visitorID    string
	domainID     string
	joinedAt     time.Time
	lastActivity time.Time
	metadata     json.RawMessage
}

// PresenceTracker tracks active visitor sessions per tenant domain with
// idle-based expiry.
//
// Expiry is enforced lazily: every read or mutation touching a domain first
// sweeps that domain's expired sessions, so ActiveCount never overcounts.
// There is no background sweeper goroutine.
type PresenceTracker struct {
	log *slog.Logger
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*visitorSession     // visitorID -> session
	domains  map[string]map[string]struct{} // domainID -> visitor id set
}

// PresenceOption configures a PresenceTracker.
type PresenceOption func(*PresenceTracker)

// WithVisitorTTL overrides the idle expiry window.
func WithVisitorTTL(ttl time.Duration) PresenceOption {
	return func(p *PresenceTracker) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithClock injects a time source. Tests use this to drive expiry.
func WithClock(now func() time.Time) PresenceOption {
	return func(p *PresenceTracker) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPresenceTracker constructs a tracker with the default 30 minute TTL.
func NewPresenceTracker(log *slog.Logger, opts ...PresenceOption) *PresenceTracker {
	p := &PresenceTracker{
		log:      log,
		ttl:      DefaultVisitorTTL,
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*visitorSession),
		domains:  make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// AddVisitor upserts a visitor session and returns the domain's new active
// count. A visitor already tracked under a different domain is moved, never
// duplicated: a visitor id maps to exactly one domain at a time.
func (p *PresenceTracker) AddVisitor(domainID, visitorID string, metadata json.RawMessage) int {
	if p == nil || domainID == "" || visitorID == "" {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.expireDomainLocked(domainID, now)

	if s, ok := p.sessions[visitorID]; ok {
		if s.domainID != domainID {
			p.detachLocked(s)
			p.attachLocked(domainID, visitorID)
			s.domainID = domainID
			s.joinedAt = now
		}
		s.lastActivity = now
		if len(metadata) > 0 {
			s.metadata = metadata
		}
	} else {
		p.sessions[visitorID] = &visitorSession{
			visitorID:    visitorID,
			domainID:     domainID,
			joinedAt:     now,
			lastActivity: now,
			metadata:     metadata,
		}
		p.attachLocked(domainID, visitorID)
	}

	metricVisitorSessions.Set(float64(len(p.sessions)))
	count := len(p.domains[domainID])
	p.log.Debug("presence.visitor.join", "domain_id", domainID, "visitor_id", visitorID, "active", count)
	return count
}

// RemoveVisitor deletes a visitor session if present and returns the domain's
// remaining active count. Absent visitors are a no-op, not an error.
func (p *PresenceTracker) RemoveVisitor(domainID, visitorID string) int {
	if p == nil || domainID == "" {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.expireDomainLocked(domainID, now)

	if s, ok := p.sessions[visitorID]; ok && s.domainID == domainID {
		p.detachLocked(s)
		delete(p.sessions, visitorID)
		p.log.Debug("presence.visitor.leave", "domain_id", domainID, "visitor_id", visitorID)
	}

	metricVisitorSessions.Set(float64(len(p.sessions)))
	return len(p.domains[domainID])
}

// Touch refreshes a visitor's idle clock. Unknown (or already expired)
// visitors are a no-op.
func (p *PresenceTracker) Touch(visitorID string) {
	if p == nil || visitorID == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[visitorID]
	if !ok {
		return
	}

	now := p.now()
	if now.Sub(s.lastActivity) > p.ttl {
		// Already past the idle window: expire instead of reviving.
		p.detachLocked(s)
		delete(p.sessions, visitorID)
		metricVisitorSessions.Set(float64(len(p.sessions)))
		return
	}
	s.lastActivity = now
}

// ActiveCount returns the number of live (non-expired) visitor sessions for
// domainID.
func (p *PresenceTracker) ActiveCount(domainID string) int {
	if p == nil || domainID == "" {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.expireDomainLocked(domainID, p.now())
	return len(p.domains[domainID])
}

// AllDomainStats returns a consistent snapshot of every tracked domain's
// active count and most recent activity timestamp.
func (p *PresenceTracker) AllDomainStats() map[string]v1.DomainStat {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for domainID := range p.domains {
		p.expireDomainLocked(domainID, now)
	}

	return lo.MapEntries(p.domains, func(domainID string, visitors map[string]struct{}) (string, v1.DomainStat) {
		stat := v1.DomainStat{ActiveVisitors: len(visitors)}
		for visitorID := range visitors {
			if s := p.sessions[visitorID]; s != nil && s.lastActivity.After(stat.LastUpdated) {
				stat.LastUpdated = s.lastActivity
			}
		}
		return domainID, stat
	})
}

// ---- internal (all require p.mu held) ----

func (p *PresenceTracker) attachLocked(domainID, visitorID string) {
	set, ok := p.domains[domainID]
	if !ok {
		set = make(map[string]struct{})
		p.domains[domainID] = set
	}
	set[visitorID] = struct{}{}
}

func (p *PresenceTracker) detachLocked(s *visitorSession) {
	set := p.domains[s.domainID]
	if set == nil {
		return
	}
	delete(set, s.visitorID)
	if len(set) == 0 {
		delete(p.domains, s.domainID)
	}
}

// expireDomainLocked removes sessions idle past the TTL for one domain.
func (p *PresenceTracker) expireDomainLocked(domainID string, now time.Time) {
	set := p.domains[domainID]
	if len(set) == 0 {
		return
	}

	for visitorID := range set {
		s := p.sessions[visitorID]
		if s == nil {
			delete(set, visitorID)
			continue
		}
		if now.Sub(s.lastActivity) > p.ttl {
			p.detachLocked(s)
			delete(p.sessions, visitorID)
			p.log.Debug("presence.visitor.expire", "domain_id", domainID, "visitor_id", visitorID)
		}
	}
	metricVisitorSessions.Set(float64(len(p.sessions)))
}
