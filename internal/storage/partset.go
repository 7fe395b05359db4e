package storage

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/harshithgowdakt/mergetree/internal/part"
)

// PartSet is the authoritative in-memory index of all known parts. Within a
// partition the active parts form a non-overlapping cover over block ranges;
// every commit re-checks that invariant.
type PartSet struct {
	mu     sync.RWMutex
	byName map[string]*part.Part
	active map[string][]*part.Part // partition id -> sorted by MinBlock
}

// NewPartSet creates an empty part set.
func NewPartSet() *PartSet {
	return &PartSet{
		byName: make(map[string]*part.Part),
		active: make(map[string][]*part.Part),
	}
}

// SnapshotView is a consistent, immutable view of the active parts. It
// extends the lifetime of its parts: directories are not removed while a
// view references them. Release when done.
type SnapshotView struct {
	Parts   []*part.Part
	Patches []*part.Part
	once    sync.Once
}

// Release drops the view's references.
func (v *SnapshotView) Release() {
	v.once.Do(func() {
		for _, p := range v.Parts {
			p.Release()
		}
		for _, p := range v.Patches {
			p.Release()
		}
	})
}

// Snapshot returns the current active parts (base parts sorted by partition
// then MinBlock) plus patch parts. It never blocks writers for long: only
// the shared lock is taken.
func (s *PartSet) Snapshot() *SnapshotView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := &SnapshotView{}
	for _, parts := range s.active {
		for _, p := range parts {
			p.Retain()
			if p.IsPatch() {
				v.Patches = append(v.Patches, p)
			} else {
				v.Parts = append(v.Parts, p)
			}
		}
	}
	sortParts(v.Parts)
	sortParts(v.Patches)
	return v
}

func sortParts(parts []*part.Part) {
	sort.Slice(parts, func(i, j int) bool {
		a, b := parts[i].Info, parts[j].Info
		if a.PartitionID != b.PartitionID {
			return a.PartitionID < b.PartitionID
		}
		if a.MinBlock != b.MinBlock {
			return a.MinBlock < b.MinBlock
		}
		return a.Mutation < b.Mutation
	})
}

// CommitNewPart atomically inserts candidate as Active and transitions every
// active part whose version of the data it covers to Outdated. Returns the
// covered parts. Fails with a logical error when the candidate overlaps an
// active part it does not cover.
func (s *PartSet) CommitNewPart(candidate *part.Part) ([]*part.Part, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[candidate.Name()]; exists {
		return nil, errors.Wrapf(ErrLogical, "part %s already exists", candidate.Name())
	}

	pid := candidate.Info.PartitionID
	var covered []*part.Part
	for _, q := range s.active[pid] {
		switch {
		case candidate.Info.Contains(q.Info):
			covered = append(covered, q)
		case q.Info.Contains(candidate.Info):
			return nil, errors.Wrapf(ErrLogical,
				"part %s is covered by existing active part %s", candidate.Name(), q.Name())
		case !candidate.Info.IsDisjoint(q.Info):
			return nil, errors.Wrapf(ErrLogical,
				"part %s intersects active part %s", candidate.Name(), q.Name())
		}
	}

	for _, q := range covered {
		s.outdateLocked(q, false)
	}

	candidate.State = part.Active
	s.byName[candidate.Name()] = candidate
	s.insertActiveLocked(candidate)
	return covered, nil
}

func (s *PartSet) insertActiveLocked(p *part.Part) {
	pid := p.Info.PartitionID
	parts := s.active[pid]
	i := sort.Search(len(parts), func(i int) bool {
		return parts[i].Info.MinBlock >= p.Info.MinBlock
	})
	parts = append(parts, nil)
	copy(parts[i+1:], parts[i:])
	parts[i] = p
	s.active[pid] = parts
}

func (s *PartSet) outdateLocked(p *part.Part, clearNow bool) {
	parts := s.active[p.Info.PartitionID]
	for i, q := range parts {
		if q == p {
			s.active[p.Info.PartitionID] = append(parts[:i], parts[i+1:]...)
			break
		}
	}
	if len(s.active[p.Info.PartitionID]) == 0 {
		delete(s.active, p.Info.PartitionID)
	}
	p.State = part.Outdated
	p.ScheduleRemoval(clearNow)
}

// Outdate forcibly moves an active part out of the working set. With
// clearNow the grace window is skipped.
func (s *PartSet) Outdate(p *part.Part, clearNow bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.State != part.Active {
		return errors.Wrapf(ErrLogical, "cannot outdate part %s in state %s", p.Name(), p.State)
	}
	s.outdateLocked(p, clearNow)
	return nil
}

// RemoveInRange marks every active part whose range is inside r as Outdated
// and returns them.
func (s *PartSet) RemoveInRange(r part.Info, clearNow bool) []*part.Part {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*part.Part
	for _, q := range s.active[r.PartitionID] {
		if r.Contains(q.Info) {
			removed = append(removed, q)
		}
	}
	for _, q := range removed {
		s.outdateLocked(q, clearNow)
	}
	return removed
}

// Lookup finds a part by name in any state.
func (s *PartSet) Lookup(name string) (*part.Part, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byName[name]
	return p, ok
}

// GetActive finds an active part by name.
func (s *PartSet) GetActive(name string) (*part.Part, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byName[name]
	if !ok || p.State != part.Active {
		return nil, false
	}
	return p, true
}

// ActiveParts returns the active parts across all partitions, sorted.
func (s *PartSet) ActiveParts() []*part.Part {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*part.Part
	for _, parts := range s.active {
		out = append(out, parts...)
	}
	sortParts(out)
	return out
}

// ActiveInPartition returns the active parts of one partition, sorted by
// MinBlock.
func (s *PartSet) ActiveInPartition(pid string) []*part.Part {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*part.Part, len(s.active[pid]))
	copy(out, s.active[pid])
	return out
}

// All returns every known part in any state.
func (s *PartSet) All() []*part.Part {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*part.Part, 0, len(s.byName))
	for _, p := range s.byName {
		out = append(out, p)
	}
	sortParts(out)
	return out
}

// PartitionIDs returns the partitions with at least one active part,
// excluding patch partitions.
func (s *PartSet) PartitionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for pid := range s.active {
		if len(s.active[pid]) > 0 && !strings.HasPrefix(pid, part.PatchPartitionPrefix) {
			ids = append(ids, pid)
		}
	}
	sort.Strings(ids)
	return ids
}

// MinDataVersion returns the smallest data version over active base parts.
func (s *PartSet) MinDataVersion() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var minVersion int64
	found := false
	for _, parts := range s.active {
		for _, p := range parts {
			if p.IsPatch() {
				continue
			}
			v := p.DataVersion()
			if !found || v < minVersion {
				minVersion = v
				found = true
			}
		}
	}
	return minVersion, found
}

// AddLoaded registers a part discovered during startup as Active.
func (s *PartSet) AddLoaded(p *part.Part) error {
	p.State = part.Active
	_, err := s.CommitNewPart(p)
	return err
}

// AddLoadedOutdated registers a startup leftover that is covered by a newer
// part; it goes straight to Outdated and will be cleaned up.
func (s *PartSet) AddLoadedOutdated(p *part.Part) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.State = part.Outdated
	p.ScheduleRemoval(false)
	s.byName[p.Name()] = p
}

// GrabOldParts transitions removable outdated parts to Deleting and returns
// them. A part is removable once its grace window elapsed (or removal was
// immediate) and no snapshot references it.
func (s *PartSet) GrabOldParts(lifetime time.Duration, force bool) []*part.Part {
	s.mu.Lock()
	defer s.mu.Unlock()

	var grabbed []*part.Part
	for _, p := range s.byName {
		if p.State != part.Outdated || p.Refs() > 0 {
			continue
		}
		if force || p.RemovalDue(lifetime) {
			p.State = part.Deleting
			grabbed = append(grabbed, p)
		}
	}
	return grabbed
}

// Forget removes a Deleting part from the index once its directory is gone.
func (s *PartSet) Forget(p *part.Part) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byName, p.Name())
}

// Rollback returns a part grabbed for deletion whose removal failed to the
// Outdated state, so a later cleanup pass can grab it again.
func (s *PartSet) Rollback(p *part.Part) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.State == part.Deleting {
		p.State = part.Outdated
	}
}

// Counts returns (active, outdated) part counts for metrics.
func (s *PartSet) Counts() (active, outdated int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, parts := range s.active {
		active += len(parts)
	}
	for _, p := range s.byName {
		if p.State == part.Outdated {
			outdated++
		}
	}
	return active, outdated
}
