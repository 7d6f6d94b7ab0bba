package session

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultIdleLimit is how long a session may go without any bridge or
	// client event before it is abandoned. The voice transport can drop
	// without emitting a call-end, which would otherwise leave the machine
	// stuck in ACTIVE.
	DefaultIdleLimit = 10 * time.Minute

	sweepInterval = time.Minute
)

type entry struct {
	machine      *Machine
	interviewID  string
	userID       string
	lastActivity time.Time
}

// Registry tracks live session machines, one per connected client. It
// refuses a second concurrent session for the same interview and sweeps
// sessions that have gone idle past the limit.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*entry // session ID -> entry
	byItv     map[string]string // interview ID -> session ID
	idleLimit time.Duration
	onExpire  func(machine *Machine)
	stop      chan struct{}
}

func NewRegistry(idleLimit time.Duration, onExpire func(*Machine)) *Registry {
	if idleLimit <= 0 {
		idleLimit = DefaultIdleLimit
	}
	r := &Registry{
		sessions:  make(map[string]*entry),
		byItv:     make(map[string]string),
		idleLimit: idleLimit,
		onExpire:  onExpire,
		stop:      make(chan struct{}),
	}
	go r.sweep()
	return r
}

// Register adds a machine to the registry. Returns false when the interview
// already has a live session.
func (r *Registry) Register(m *Machine, interviewID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if interviewID != "" {
		if existing, busy := r.byItv[interviewID]; busy {
			slog.Warn("Interview already has a live session", "interview_id", interviewID, "session_id", existing)
			return false
		}
		r.byItv[interviewID] = m.ID()
	}
	r.sessions[m.ID()] = &entry{
		machine:      m,
		interviewID:  interviewID,
		userID:       userID,
		lastActivity: time.Now(),
	}
	slog.Info("Session registered", "session_id", m.ID(), "interview_id", interviewID, "user_id", userID)
	return true
}

// Touch records activity for a session.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[sessionID]; ok {
		e.lastActivity = time.Now()
	}
}

// Remove drops a session from tracking.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(sessionID)
}

func (r *Registry) removeLocked(sessionID string) {
	if e, ok := r.sessions[sessionID]; ok {
		if e.interviewID != "" {
			delete(r.byItv, e.interviewID)
		}
		delete(r.sessions, sessionID)
		slog.Info("Session removed", "session_id", sessionID)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops the sweeper.
func (r *Registry) Close() {
	close(r.stop)
}

func (r *Registry) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.expireIdle(time.Now())
		}
	}
}

func (r *Registry) expireIdle(now time.Time) {
	r.mu.Lock()
	var expired []*Machine
	for id, e := range r.sessions {
		if now.Sub(e.lastActivity) > r.idleLimit {
			slog.Warn("Abandoning idle session", "session_id", id, "idle", now.Sub(e.lastActivity).String())
			expired = append(expired, e.machine)
			r.removeLocked(id)
		}
	}
	r.mu.Unlock()

	if r.onExpire != nil {
		for _, m := range expired {
			r.onExpire(m)
		}
	}
}
