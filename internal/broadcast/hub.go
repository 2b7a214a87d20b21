// Package broadcast pushes committed messages to connected operator sessions.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/memohai/concierge/internal/group"
	"github.com/memohai/concierge/internal/message"
)

// DefaultBuffer is the per-session queue length used when none is configured.
const DefaultBuffer = 64

// EventMessageCreated is the only event type emitted today.
const EventMessageCreated = "message.created"

// Event is the payload delivered to a session.
type Event struct {
	Type    string          `json:"type"`
	Message message.Message `json:"message"`
}

// Session is one live connection of an operator. Events arrive on Events()
// until the session is deregistered, after which the channel is closed.
type Session struct {
	ID         string
	OperatorID string

	all     bool
	events  chan Event
	evicted atomic.Bool
}

// Events returns the session's event queue.
func (s *Session) Events() <-chan Event { return s.events }

// Evicted reports whether the hub dropped the session for falling behind.
func (s *Session) Evicted() bool { return s.evicted.Load() }

// Hub routes published messages to the sessions interested in their group.
// Sessions registered with all=true receive every group.
type Hub struct {
	buffer int
	logger *slog.Logger

	mu         sync.RWMutex
	sessions   map[*Session]map[string]struct{}
	byGroup    map[string]map[*Session]struct{}
	byOperator map[string]map[*Session]struct{}
	wildcard   map[*Session]struct{}
}

// NewHub creates a hub whose sessions buffer up to buffer events.
func NewHub(log *slog.Logger, buffer int) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer:     buffer,
		logger:     log.With(slog.String("service", "broadcast")),
		sessions:   make(map[*Session]map[string]struct{}),
		byGroup:    make(map[string]map[*Session]struct{}),
		byOperator: make(map[string]map[*Session]struct{}),
		wildcard:   make(map[*Session]struct{}),
	}
}

// Register opens a session for operatorID subscribed to groupIDs, or to
// every group when all is set.
func (h *Hub) Register(operatorID string, groupIDs []string, all bool) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		OperatorID: operatorID,
		all:        all,
		events:     make(chan Event, h.buffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	groups := make(map[string]struct{}, len(groupIDs))
	h.sessions[s] = groups
	addTo(h.byOperator, operatorID, s)
	if all {
		h.wildcard[s] = struct{}{}
	} else {
		for _, id := range groupIDs {
			groups[id] = struct{}{}
			addTo(h.byGroup, id, s)
		}
	}
	h.logger.Debug("session registered",
		slog.String("session_id", s.ID),
		slog.String("operator_id", operatorID),
		slog.Int("groups", len(groupIDs)),
		slog.Bool("all", all),
	)
	return s
}

// Deregister removes s and closes its queue. It is safe to call more than once.
func (h *Hub) Deregister(s *Session) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Session) {
	groups, ok := h.sessions[s]
	if !ok {
		return
	}
	delete(h.sessions, s)
	delete(h.wildcard, s)
	for id := range groups {
		removeFrom(h.byGroup, id, s)
	}
	removeFrom(h.byOperator, s.OperatorID, s)
	close(s.events)
}

// Subscribe adds groupIDs to s. Wildcard and deregistered sessions are left
// unchanged.
func (h *Hub) Subscribe(s *Session, groupIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	groups, ok := h.sessions[s]
	if !ok || s.all {
		return
	}
	for _, id := range groupIDs {
		if _, dup := groups[id]; dup {
			continue
		}
		groups[id] = struct{}{}
		addTo(h.byGroup, id, s)
	}
}

// JoinGroup subscribes every open session of operatorID to groupID.
func (h *Hub) JoinGroup(operatorID, groupID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.byOperator[operatorID] {
		if s.all {
			continue
		}
		h.sessions[s][groupID] = struct{}{}
		addTo(h.byGroup, groupID, s)
	}
}

// MemberAdded follows operator memberships created while sessions are open.
func (h *Hub) MemberAdded(groupID, memberID string, role group.Role) {
	if role == group.RoleInternalOperator {
		h.JoinGroup(memberID, groupID)
	}
}

// Publish queues msg for every interested session without blocking. A
// session whose queue is full is evicted; its client reconnects and reloads
// history.
func (h *Hub) Publish(msg message.Message) int {
	ev := Event{Type: EventMessageCreated, Message: msg}
	var (
		delivered int
		lagging   []*Session
	)
	h.mu.RLock()
	push := func(s *Session) {
		select {
		case s.events <- ev:
			delivered++
		default:
			lagging = append(lagging, s)
		}
	}
	for s := range h.byGroup[msg.GroupID] {
		push(s)
	}
	for s := range h.wildcard {
		push(s)
	}
	h.mu.RUnlock()

	if len(lagging) > 0 {
		h.mu.Lock()
		for _, s := range lagging {
			if _, open := h.sessions[s]; open {
				s.evicted.Store(true)
				h.removeLocked(s)
				h.logger.Warn("session evicted", slog.String("session_id", s.ID), slog.String("operator_id", s.OperatorID))
			}
		}
		h.mu.Unlock()
	}
	return delivered
}

// Count returns the number of open sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func addTo(index map[string]map[*Session]struct{}, key string, s *Session) {
	set, ok := index[key]
	if !ok {
		set = make(map[*Session]struct{})
		index[key] = set
	}
	set[s] = struct{}{}
}

func removeFrom(index map[string]map[*Session]struct{}, key string, s *Session) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(index, key)
	}
}
