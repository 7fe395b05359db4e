// Package command models the declarative modification commands carried by
// mutation entries: DELETE, UPDATE, DROP COLUMN, RENAME COLUMN, DROP INDEX
// and MATERIALIZE TTL. Commands have a parser-stable text form that round-
// trips through mutation entry files and backups.
package command

import (
	"strings"

	"github.com/pkg/errors"
)

// Kind enumerates command types.
type Kind uint8

const (
	Delete Kind = iota
	Update
	DropColumn
	RenameColumn
	DropIndex
	MaterializeTTL
)

// Predicate is a single comparison over one column: <column> <op> <literal>.
type Predicate struct {
	Column  string
	Op      string // = != < <= > >=
	Literal string
}

func (p Predicate) String() string {
	return p.Column + " " + p.Op + " " + p.Literal
}

// Command is one declarative modification.
type Command struct {
	Kind      Kind
	Predicate *Predicate // Delete, Update
	Column    string     // Update target, DropColumn, RenameColumn source, DropIndex name
	Literal   string     // Update value
	RenameTo  string     // RenameColumn target
}

// IsBarrier reports whether the command must be applied alone: it cannot
// coalesce with commands of a different entry, and an ALTER containing it
// waits for every previously enqueued mutation.
func (c Command) IsBarrier() bool {
	switch c.Kind {
	case DropColumn, RenameColumn, DropIndex:
		return true
	}
	return false
}

// ASTSize approximates the expanded expression size of the command, used to
// bound coalescing.
func (c Command) ASTSize() int {
	size := 1
	if c.Predicate != nil {
		size += 3
	}
	if c.Kind == Update {
		size += 2
	}
	return size
}

func (c Command) String() string {
	switch c.Kind {
	case Delete:
		if c.Predicate == nil {
			return "DELETE"
		}
		return "DELETE WHERE " + c.Predicate.String()
	case Update:
		s := "UPDATE " + c.Column + " = " + c.Literal
		if c.Predicate != nil {
			s += " WHERE " + c.Predicate.String()
		}
		return s
	case DropColumn:
		return "DROP COLUMN " + c.Column
	case RenameColumn:
		return "RENAME COLUMN " + c.Column + " TO " + c.RenameTo
	case DropIndex:
		return "DROP INDEX " + c.Column
	case MaterializeTTL:
		return "MATERIALIZE TTL"
	}
	return "UNKNOWN"
}

// Commands is an ordered list of commands from a single mutation entry.
type Commands []Command

// ContainsBarrier reports whether any command is a barrier.
func (cs Commands) ContainsBarrier() bool {
	for _, c := range cs {
		if c.IsBarrier() {
			return true
		}
	}
	return false
}

// ASTSize sums the command sizes.
func (cs Commands) ASTSize() int {
	total := 0
	for _, c := range cs {
		total += c.ASTSize()
	}
	return total
}

func (cs Commands) String() string {
	strs := make([]string, len(cs))
	for i, c := range cs {
		strs[i] = c.String()
	}
	return strings.Join(strs, ", ")
}

// UpdatedColumns returns the set of columns the commands write.
func (cs Commands) UpdatedColumns() []string {
	seen := map[string]bool{}
	var cols []string
	for _, c := range cs {
		if c.Kind == Update && !seen[c.Column] {
			seen[c.Column] = true
			cols = append(cols, c.Column)
		}
	}
	return cols
}

// Parse parses the text form produced by Commands.String. Commands are
// separated by ", " at the top level; single-quoted literals may contain
// commas.
func Parse(s string) (Commands, error) {
	var cmds Commands
	for _, piece := range splitTopLevel(s) {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		c, err := parseOne(piece)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	if len(cmds) == 0 {
		return nil, errors.New("empty command list")
	}
	return cmds, nil
}

func parseOne(s string) (Command, error) {
	switch {
	case s == "DELETE":
		return Command{Kind: Delete}, nil

	case strings.HasPrefix(s, "DELETE WHERE "):
		pred, err := parsePredicate(strings.TrimPrefix(s, "DELETE WHERE "))
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: Delete, Predicate: pred}, nil

	case strings.HasPrefix(s, "UPDATE "):
		rest := strings.TrimPrefix(s, "UPDATE ")
		var predPart string
		if i := strings.Index(rest, " WHERE "); i >= 0 {
			predPart = rest[i+len(" WHERE "):]
			rest = rest[:i]
		}
		col, lit, ok := strings.Cut(rest, " = ")
		if !ok {
			return Command{}, errors.Errorf("malformed UPDATE command: %q", s)
		}
		c := Command{Kind: Update, Column: strings.TrimSpace(col), Literal: strings.TrimSpace(lit)}
		if predPart != "" {
			pred, err := parsePredicate(predPart)
			if err != nil {
				return Command{}, err
			}
			c.Predicate = pred
		}
		return c, nil

	case strings.HasPrefix(s, "DROP COLUMN "):
		return Command{Kind: DropColumn, Column: strings.TrimSpace(strings.TrimPrefix(s, "DROP COLUMN "))}, nil

	case strings.HasPrefix(s, "RENAME COLUMN "):
		rest := strings.TrimPrefix(s, "RENAME COLUMN ")
		from, to, ok := strings.Cut(rest, " TO ")
		if !ok {
			return Command{}, errors.Errorf("malformed RENAME COLUMN command: %q", s)
		}
		return Command{Kind: RenameColumn, Column: strings.TrimSpace(from), RenameTo: strings.TrimSpace(to)}, nil

	case strings.HasPrefix(s, "DROP INDEX "):
		return Command{Kind: DropIndex, Column: strings.TrimSpace(strings.TrimPrefix(s, "DROP INDEX "))}, nil

	case s == "MATERIALIZE TTL":
		return Command{Kind: MaterializeTTL}, nil
	}
	return Command{}, errors.Errorf("unknown command: %q", s)
}

func parsePredicate(s string) (*Predicate, error) {
	for _, op := range []string{" != ", " <= ", " >= ", " = ", " < ", " > "} {
		if i := strings.Index(s, op); i >= 0 {
			return &Predicate{
				Column:  strings.TrimSpace(s[:i]),
				Op:      strings.TrimSpace(op),
				Literal: strings.TrimSpace(s[i+len(op):]),
			}, nil
		}
	}
	return nil, errors.Errorf("malformed predicate: %q", s)
}

// splitTopLevel splits on ", " outside single quotes.
func splitTopLevel(s string) []string {
	var pieces []string
	depth := false // inside quotes
	start := 0
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\'':
			depth = !depth
		case !depth && s[i] == ',' && i+1 < len(s) && s[i+1] == ' ':
			pieces = append(pieces, s[start:i])
			start = i + 2
			i++
		}
	}
	pieces = append(pieces, s[start:])
	return pieces
}
