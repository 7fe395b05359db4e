package storage

import "github.com/pkg/errors"

// Sentinel errors surfaced to the admin layer. Match with errors.Is; the
// upper layer maps them to its exit codes.
var (
	ErrNotEnoughSpace       = errors.New("not enough space")
	ErrNoSuchDataPart       = errors.New("no such data part")
	ErrBadArguments         = errors.New("bad arguments")
	ErrLogical              = errors.New("logical error") // broken invariant, non-recoverable
	ErrTimeoutExceeded      = errors.New("timeout exceeded")
	ErrAborted              = errors.New("aborted")
	ErrSupportIsDisabled    = errors.New("support is disabled")
	ErrTableIsReadOnly      = errors.New("table is read only")
	ErrTooManyParts         = errors.New("too many parts")
	ErrPartIsLocked         = errors.New("part is locked")
	ErrCannotAssignOptimize = errors.New("cannot assign optimize")
)

// codeName returns the stable error-code name recorded on mutation entries.
func codeName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotEnoughSpace):
		return "NOT_ENOUGH_SPACE"
	case errors.Is(err, ErrNoSuchDataPart):
		return "NO_SUCH_DATA_PART"
	case errors.Is(err, ErrBadArguments):
		return "BAD_ARGUMENTS"
	case errors.Is(err, ErrLogical):
		return "LOGICAL_ERROR"
	case errors.Is(err, ErrTimeoutExceeded):
		return "TIMEOUT_EXCEEDED"
	case errors.Is(err, ErrAborted):
		return "ABORTED"
	case errors.Is(err, ErrSupportIsDisabled):
		return "SUPPORT_IS_DISABLED"
	case errors.Is(err, ErrTableIsReadOnly):
		return "TABLE_IS_READ_ONLY"
	case errors.Is(err, ErrTooManyParts):
		return "TOO_MANY_PARTS"
	case errors.Is(err, ErrPartIsLocked):
		return "PART_IS_LOCKED"
	case errors.Is(err, ErrCannotAssignOptimize):
		return "CANNOT_ASSIGN_OPTIMIZE"
	}
	return "UNKNOWN"
}
