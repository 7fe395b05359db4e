package storage

import (
	"github.com/pkg/errors"

	"github.com/harshithgowdakt/mergetree/internal/part"
)

// processingRegistry is the set of parts currently participating in a
// background merge or mutation. It is guarded by the table's background
// mutex; completion is broadcast on the table's processing condition.
type processingRegistry struct {
	parts map[string]*part.Part
}

func newProcessingRegistry() *processingRegistry {
	return &processingRegistry{parts: make(map[string]*part.Part)}
}

func (r *processingRegistry) contains(p *part.Part) bool {
	_, ok := r.parts[p.Name()]
	return ok
}

func (r *processingRegistry) add(parts []*part.Part) error {
	for _, p := range parts {
		if r.contains(p) {
			return errors.Wrapf(ErrLogical, "tagging already tagged part %s", p.Name())
		}
	}
	for _, p := range parts {
		r.parts[p.Name()] = p
	}
	return nil
}

func (r *processingRegistry) remove(parts []*part.Part) {
	for _, p := range parts {
		if _, ok := r.parts[p.Name()]; !ok {
			// The tag is released exactly once; a missing entry means the
			// scoping contract was broken.
			panic("untagging part that is not tagged: " + p.Name())
		}
		delete(r.parts, p.Name())
	}
}

func (r *processingRegistry) size() int { return len(r.parts) }

func (r *processingRegistry) intersectsPartition(pid string) bool {
	for _, p := range r.parts {
		if p.Info.PartitionID == pid {
			return true
		}
	}
	return false
}

func (r *processingRegistry) containsAny(parts []*part.Part) int {
	n := 0
	for _, p := range parts {
		if r.contains(p) {
			n++
		}
	}
	return n
}
