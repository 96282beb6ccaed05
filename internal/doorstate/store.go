package doorstate

import (
	"sync"
	"time"

	"doorguard/internal/model"
)

// Store holds the latest observed liveness per door. The prober writes
// it once per cycle; the status API and broadcast payloads read it
// without touching storage.
type Store struct {
	mu        sync.RWMutex
	byDoor    map[string]model.Liveness
	latency   map[string]*float64
	updatedAt map[string]time.Time
}

func NewStore() *Store {
	return &Store{
		byDoor:    make(map[string]model.Liveness),
		latency:   make(map[string]*float64),
		updatedAt: make(map[string]time.Time),
	}
}

func (s *Store) Update(doorID string, state model.Liveness, latencyMS *float64) {
	if doorID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDoor[doorID] = state
	s.latency[doorID] = latencyMS
	s.updatedAt[doorID] = time.Now().UTC()
}

func (s *Store) Get(doorID string) (model.Liveness, *float64, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.byDoor[doorID]
	if !ok {
		return "", nil, time.Time{}, false
	}
	return state, s.latency[doorID], s.updatedAt[doorID], true
}

// Annotate overlays the latest observed liveness onto a registry
// snapshot. Doors never probed keep their stored liveness.
func (s *Store) Annotate(doors []model.Door) []model.Door {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Door, len(doors))
	copy(out, doors)
	for i := range out {
		if state, ok := s.byDoor[out[i].ID]; ok {
			out[i].Liveness = state
			out[i].UpdatedAt = s.updatedAt[out[i].ID]
		}
	}
	return out
}

func (s *Store) OnlineCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, state := range s.byDoor {
		if state == model.LivenessOnline {
			n++
		}
	}
	return n
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDoor = make(map[string]model.Liveness)
	s.latency = make(map[string]*float64)
	s.updatedAt = make(map[string]time.Time)
}
