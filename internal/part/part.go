package part

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a data part.
type State uint8

const (
	Temporary State = iota // tmp_ prefix, being written
	Active                 // visible to readers
	Outdated               // replaced or dropped, pending deletion
	Deleting               // grabbed for removal
)

func (s State) String() string {
	switch s {
	case Temporary:
		return "Temporary"
	case Active:
		return "Active"
	case Outdated:
		return "Outdated"
	case Deleting:
		return "Deleting"
	}
	return "Unknown"
}

// Part is an immutable on-disk data part. Identity and payload never change
// after the part is sealed; State and the removal clock are owned by the
// part set.
type Part struct {
	Info  Info
	State State
	UUID  uuid.UUID

	RowCount    uint64
	BytesOnDisk uint64
	CreatedAt   time.Time
	Dir         string // absolute path to the part directory

	// Columns present in this part. May differ from the table schema after
	// DROP/RENAME COLUMN mutations.
	Columns []string

	// TTLMax is the latest TTL expiry over all rows; zero if the table has
	// no TTL.
	TTLMax time.Time

	// OverrideColumns is set on patch parts: the columns the patch rewrites.
	OverrideColumns []string

	// refs counts live snapshot references; a part directory is only
	// removed once this drops to zero.
	refs atomic.Int32

	// removeTime is the unix time after which an outdated part may be
	// removed; 0 means "not scheduled", 1 means "immediately".
	removeTime atomic.Int64
}

// Name returns the part directory name.
func (p *Part) Name() string { return p.Info.Name() }

// DataVersion returns the part's data version.
func (p *Part) DataVersion() int64 { return p.Info.DataVersion() }

// IsPatch reports whether this is a lightweight-update patch part.
func (p *Part) IsPatch() bool { return p.Info.IsPatch() }

// IsEmpty reports whether the part has no rows.
func (p *Part) IsEmpty() bool { return p.RowCount == 0 }

// Retain takes a snapshot reference.
func (p *Part) Retain() { p.refs.Add(1) }

// Release drops a snapshot reference.
func (p *Part) Release() {
	if p.refs.Add(-1) < 0 {
		panic(fmt.Sprintf("part %s: reference count went negative", p.Name()))
	}
}

// Refs returns the current snapshot reference count.
func (p *Part) Refs() int32 { return p.refs.Load() }

// ScheduleRemoval stamps the removal clock. With clearNow the grace window
// is skipped.
func (p *Part) ScheduleRemoval(clearNow bool) {
	if clearNow {
		p.removeTime.Store(1)
		return
	}
	p.removeTime.Store(time.Now().Unix())
}

// RemovalDue reports whether the grace window has elapsed.
func (p *Part) RemovalDue(lifetime time.Duration) bool {
	t := p.removeTime.Load()
	if t == 0 {
		return false
	}
	if t == 1 {
		return true
	}
	return time.Since(time.Unix(t, 0)) >= lifetime
}

func (p *Part) String() string {
	return fmt.Sprintf("%s (%s, %d rows)", p.Name(), p.State, p.RowCount)
}
