package server

import (
	"log/slog"
	"sync"

	"gamelink/internal/protocol"
)

// Registry holds the authenticated sessions of one server. Sessions are added
// after authentication and removed by the connection's own close path.
type Registry struct {
	sessions map[string]Session // key: session ID
	mu       sync.RWMutex
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]Session),
		logger:   logger,
	}
}

// Add registers s. Adding an ID twice replaces the earlier entry.
func (r *Registry) Add(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
	r.logger.Info("session_registered",
		"session_id", s.ID(),
		"player_id", s.Principal().ID,
	)
}

// Remove drops the session and reports whether it was present. Safe to call
// more than once.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	r.logger.Info("session_unregistered",
		"session_id", id,
	)
	return true
}

func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions at the time of the call.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast sends obj to every registered session except the excluded IDs
// and returns how many writes succeeded. Writes happen outside the lock.
func (r *Registry) Broadcast(obj protocol.TransferObject, exclude ...string) int {
	sent := 0
	for _, s := range r.Snapshot() {
		if containsID(exclude, s.ID()) {
			continue
		}
		if err := s.Send(obj); err != nil {
			r.logger.Warn("failed_to_send_broadcast",
				"session_id", s.ID(),
				"error", err.Error(),
			)
			continue
		}
		sent++
	}
	return sent
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
