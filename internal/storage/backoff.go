package storage

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MutationBackoffPolicy postpones mutations of parts that keep failing,
// keyed by part name. Each failure pushes the next attempt out
// exponentially, bounded by maxPostpone.
type MutationBackoffPolicy struct {
	mu          sync.Mutex
	parts       map[string]*partBackoff
	maxPostpone time.Duration
}

type partBackoff struct {
	policy      *backoff.ExponentialBackOff
	nextAttempt time.Time
}

// NewMutationBackoffPolicy creates a policy bounded by maxPostpone.
func NewMutationBackoffPolicy(maxPostpone time.Duration) *MutationBackoffPolicy {
	return &MutationBackoffPolicy{
		parts:       make(map[string]*partBackoff),
		maxPostpone: maxPostpone,
	}
}

// AddPartFailure records a failed mutation of the part and extends its
// postpone window.
func (m *MutationBackoffPolicy) AddPartFailure(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pb, ok := m.parts[name]
	if !ok {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = time.Second
		eb.MaxInterval = m.maxPostpone
		eb.MaxElapsedTime = 0 // never stop retrying on its own
		eb.Reset()
		pb = &partBackoff{policy: eb}
		m.parts[name] = pb
	}
	delay := pb.policy.NextBackOff()
	if delay > m.maxPostpone {
		delay = m.maxPostpone
	}
	pb.nextAttempt = time.Now().Add(delay)
}

// RemovePartFromFailed clears the failure history after a success.
func (m *MutationBackoffPolicy) RemovePartFromFailed(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.parts, name)
}

// PartCanBeMutated reports whether the part's postpone window has passed.
func (m *MutationBackoffPolicy) PartCanBeMutated(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pb, ok := m.parts[name]
	if !ok {
		return true
	}
	return !time.Now().Before(pb.nextAttempt)
}

// Reset forgets all failures (used when a mutation is killed).
func (m *MutationBackoffPolicy) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts = make(map[string]*partBackoff)
}
