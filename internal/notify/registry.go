// Package notify fans real-time events out to the live connections of a user.
//
// A Registry is created at process start, filled and drained as clients
// connect and disconnect, and closed at shutdown. It holds no state shared
// across processes.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"payroll-settlement/internal/telemetry"
)

// ErrClosed is returned by Register after the registry has been closed.
var ErrClosed = errors.New("notify: registry closed")

// Conn is one live real-time connection.
type Conn interface {
	ID() string
	Send(frame []byte) error
	Close() error
}

// Frame is the JSON envelope written to clients.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Registry maps users to their live connections.
type Registry struct {
	mu     sync.RWMutex
	users  map[int64]map[string]Conn
	owners map[string]int64
	closed bool
	log    *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		users:  make(map[int64]map[string]Conn),
		owners: make(map[string]int64),
		log:    logger,
	}
}

// Register adds the connection to the user's set.
func (r *Registry) Register(userID int64, c Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if prev, ok := r.owners[c.ID()]; ok && prev != userID {
		r.removeLocked(c.ID())
	}
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]Conn)
		r.users[userID] = set
	}
	if _, dup := set[c.ID()]; !dup {
		telemetry.LiveConnections.Inc()
	}
	set[c.ID()] = c
	r.owners[c.ID()] = userID
	return nil
}

// Unregister removes the connection from whichever user owns it.
// A user left with no connections is dropped entirely.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connID)
}

func (r *Registry) removeLocked(connID string) {
	userID, ok := r.owners[connID]
	if !ok {
		return
	}
	delete(r.owners, connID)
	set := r.users[userID]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.users, userID)
	}
	telemetry.LiveConnections.Dec()
}

// Broadcast sends event to every connection of the user except excludeConnID.
// It returns how many connections accepted the frame. A user with no
// connections is a silent no-op; failed sends are logged and skipped.
func (r *Registry) Broadcast(userID int64, event string, payload any, excludeConnID string) (int, error) {
	frame, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		return 0, fmt.Errorf("encode %s frame: %w", event, err)
	}

	r.mu.RLock()
	targets := make([]Conn, 0, len(r.users[userID]))
	for id, c := range r.users[userID] {
		if id != excludeConnID {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			telemetry.BroadcastSends.WithLabelValues("error").Inc()
			r.log.Warn("notification send failed", "user_id", userID, "conn_id", c.ID(), "event", event, "err", err)
			continue
		}
		telemetry.BroadcastSends.WithLabelValues("ok").Inc()
		delivered++
	}
	return delivered, nil
}

// Connections reports how many live connections the user has.
func (r *Registry) Connections(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// Users reports how many users have at least one connection.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Close closes every connection and refuses new registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	var all []Conn
	for _, set := range r.users {
		for _, c := range set {
			all = append(all, c)
		}
	}
	telemetry.LiveConnections.Sub(float64(len(r.owners)))
	r.users = make(map[int64]map[string]Conn)
	r.owners = make(map[string]int64)
	r.closed = true
	r.mu.Unlock()

	for _, c := range all {
		_ = c.Close()
	}
}
