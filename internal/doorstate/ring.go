package doorstate

import (
	"sync"
	"time"

	"doorguard/internal/model"
)

// Ring keeps a bounded buffer of recent liveness log entries so the
// history endpoint still answers when durable storage is disabled.
type Ring struct {
	mu    sync.RWMutex
	buf   []model.LivenessEntry
	limit int
}

func NewRing(limit int) *Ring {
	if limit <= 0 {
		limit = 1000
	}
	return &Ring{limit: limit}
}

func (r *Ring) Add(entry model.LivenessEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < r.limit {
		r.buf = append(r.buf, entry)
		return
	}
	copy(r.buf, r.buf[1:])
	r.buf[len(r.buf)-1] = entry
}

// List returns the newest entries first, optionally filtered by door.
func (r *Ring) List(doorID string, limit int) []model.LivenessEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.buf) {
		limit = len(r.buf)
	}
	out := make([]model.LivenessEntry, 0, limit)
	for i := len(r.buf) - 1; i >= 0 && len(out) < limit; i-- {
		if doorID != "" && r.buf[i].DoorID != doorID {
			continue
		}
		out = append(out, r.buf[i])
	}
	return out
}

func (r *Ring) Since(ts time.Time) []model.LivenessEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.LivenessEntry, 0)
	for _, e := range r.buf {
		if !e.Timestamp.Before(ts) {
			out = append(out, e)
		}
	}
	return out
}

func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = nil
}
