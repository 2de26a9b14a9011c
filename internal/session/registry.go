package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Info is a point-in-time view of a live session.
type Info struct {
	ID         string    `json:"id"`
	ConnID     string    `json:"conn_id"`
	IdentityID string    `json:"identity"`
	Label      string    `json:"label"`
	State      string    `json:"state"`
	Bytes      int64     `json:"bytes"`
	Limited    bool      `json:"limited"`
	Started    time.Time `json:"started"`
}

// Registry maps live connections to their session. A connection holds at
// most one session for its lifetime.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register stores s under connID unless the connection already has a session.
func (r *Registry) Register(connID string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[connID]; exists {
		return ErrSessionExists
	}
	r.sessions[connID] = s
	return nil
}

// Release drops the entry for connID if it still points at s.
func (r *Registry) Release(connID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[connID]; ok && current == s {
		delete(r.sessions, connID)
	}
}

func (r *Registry) Lookup(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot lists live sessions, oldest first.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

func (r *Registry) initMetrics(meter metric.Meter) error {
	gauge, err := meter.Int64ObservableGauge("scribe.sessions.live", metric.WithDescription("Sessions currently registered"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(r.Len()))
		return nil
	}, gauge)
	return err
}
