package health

import (
	"sync"

	"github.com/SiriusScan/go-fleet/fleet"
)

// Snapshot caches the last observed status of every host. It starts empty,
// so the first observation of a host never counts as a change.
type Snapshot struct {
	mu       sync.Mutex
	statuses map[uint]fleet.HostStatus
}

func NewSnapshot() *Snapshot {
	return &Snapshot{statuses: make(map[uint]fleet.HostStatus)}
}

// Observe records status for host id and returns the previous status and
// whether it differed from a previously recorded one.
func (s *Snapshot) Observe(id uint, status fleet.HostStatus) (prev fleet.HostStatus, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, known := s.statuses[id]
	s.statuses[id] = status
	return prev, known && prev != status
}

func (s *Snapshot) Get(id uint) (fleet.HostStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[id]
	return st, ok
}

// Forget drops a host, e.g. after it was deleted.
func (s *Snapshot) Forget(id uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statuses, id)
}

// Summary counts cached hosts per status.
func (s *Snapshot) Summary() map[fleet.HostStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[fleet.HostStatus]int, 4)
	for _, st := range s.statuses {
		out[st]++
	}
	return out
}
