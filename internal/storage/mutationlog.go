package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/harshithgowdakt/mergetree/internal/command"
	"github.com/harshithgowdakt/mergetree/internal/part"
)

const mutationEntryFormatVersion = 1

const mutationTimeLayout = "2006-01-02 15:04:05"

// MutationEntry is one persistent record in the mutation log, stored as
// mutation_<block_number>.txt under the table root. The block number is the
// mutation version: a part with data version d must apply every entry whose
// version lies in (d, target].
type MutationEntry struct {
	BlockNumber int64
	Commands    command.Commands
	TID         uint64 // 0 means prehistoric (no transaction)
	CreateTime  time.Time
	CSN         uint64

	LatestFailedPart     string
	LatestFailedPartInfo part.Info
	LatestFailReason     string
	LatestFailErrorCode  string
	LatestFailTime       time.Time

	IsDone bool

	dir string
}

// FileName returns mutation_<version>.txt.
func (e *MutationEntry) FileName() string {
	return fmt.Sprintf("mutation_%d.txt", e.BlockNumber)
}

// MutationVersionFromFileName parses "mutation_<version>.txt".
func MutationVersionFromFileName(name string) (int64, error) {
	if !strings.HasPrefix(name, "mutation_") || !strings.HasSuffix(name, ".txt") {
		return 0, errors.Errorf("not a mutation file name: %q", name)
	}
	v, err := strconv.ParseInt(name[len("mutation_"):len(name)-len(".txt")], 10, 64)
	if err != nil || v <= 0 {
		return 0, errors.Errorf("not a mutation file name: %q", name)
	}
	return v, nil
}

// Serialize renders the entry file contents. The format is line-oriented and
// round-trips for backup/restore.
func (e *MutationEntry) Serialize() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "format version: %d\n", mutationEntryFormatVersion)
	fmt.Fprintf(&b, "create time: %s\n", e.CreateTime.UTC().Format(mutationTimeLayout))
	fmt.Fprintf(&b, "commands: %s\n", e.Commands.String())
	if e.TID != 0 {
		fmt.Fprintf(&b, "tid: %d\n", e.TID)
	}
	if e.CSN != 0 {
		fmt.Fprintf(&b, "csn: %d\n", e.CSN)
	}
	if e.LatestFailedPart != "" {
		fmt.Fprintf(&b, "latest failed part: %s\n", e.LatestFailedPart)
		fmt.Fprintf(&b, "latest fail time: %d\n", e.LatestFailTime.Unix())
		fmt.Fprintf(&b, "latest fail error: %s\n", e.LatestFailErrorCode)
		fmt.Fprintf(&b, "latest fail reason: %s\n", strings.ReplaceAll(e.LatestFailReason, "\n", " "))
	}
	return []byte(b.String())
}

// write persists the entry: write tmp_mutation_<v>.txt, then rename.
func (e *MutationEntry) write() error {
	tmp := filepath.Join(e.dir, "tmp_"+e.FileName())
	if err := os.WriteFile(tmp, e.Serialize(), 0o644); err != nil {
		return errors.Wrap(err, "writing mutation entry")
	}
	if err := os.Rename(tmp, filepath.Join(e.dir, e.FileName())); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "committing mutation entry")
	}
	return nil
}

// RemoveFile deletes the on-disk entry.
func (e *MutationEntry) RemoveFile() error {
	err := os.Remove(filepath.Join(e.dir, e.FileName()))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing mutation entry")
	}
	return nil
}

// WriteCSN records the commit sequence number assigned by the transaction
// log and rewrites the file.
func (e *MutationEntry) WriteCSN(csn uint64) error {
	e.CSN = csn
	return e.write()
}

// ParseMutationEntry parses the serialized form.
func ParseMutationEntry(dir string, fileName string, data []byte) (*MutationEntry, error) {
	version, err := MutationVersionFromFileName(fileName)
	if err != nil {
		return nil, err
	}
	e := &MutationEntry{BlockNumber: version, dir: dir}

	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		line := sc.Text()
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case "format version":
			if v, err := strconv.Atoi(value); err != nil || v != mutationEntryFormatVersion {
				return nil, errors.Errorf("unsupported mutation entry format version %q in %s", value, fileName)
			}
		case "create time":
			t, err := time.Parse(mutationTimeLayout, value)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing create time in %s", fileName)
			}
			e.CreateTime = t.UTC()
		case "commands":
			cmds, err := command.Parse(value)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing commands in %s", fileName)
			}
			e.Commands = cmds
		case "tid":
			e.TID, _ = strconv.ParseUint(value, 10, 64)
		case "csn":
			e.CSN, _ = strconv.ParseUint(value, 10, 64)
		case "latest failed part":
			e.LatestFailedPart = value
			if info, err := part.ParseName(value); err == nil {
				e.LatestFailedPartInfo = info
			}
		case "latest fail time":
			if sec, err := strconv.ParseInt(value, 10, 64); err == nil {
				e.LatestFailTime = time.Unix(sec, 0)
			}
		case "latest fail error":
			e.LatestFailErrorCode = value
		case "latest fail reason":
			e.LatestFailReason = value
		}
	}
	if e.Commands == nil {
		return nil, errors.Errorf("mutation entry %s has no commands", fileName)
	}
	return e, nil
}

// MutationLog owns the table's mutation entries, keyed and ordered by block
// number. The structure itself is not synchronized: the table's background
// mutex guards every access.
type MutationLog struct {
	dir       string
	byVersion map[int64]*MutationEntry
	versions  []int64 // sorted ascending
	log       logrus.FieldLogger
}

// NewMutationLog creates an empty log rooted at dir.
func NewMutationLog(dir string, log logrus.FieldLogger) *MutationLog {
	return &MutationLog{
		dir:       dir,
		byVersion: make(map[int64]*MutationEntry),
		log:       log,
	}
}

// Load scans dir for mutation_*.txt entries. Entries whose TID resolves to
// an aborted transaction are discarded; stale tmp_mutation_* files are
// removed. Returns the highest loaded version.
func (m *MutationLog) Load(resolver func(tid uint64) TxStatus) (int64, error) {
	dirEntries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, errors.Wrap(err, "scanning for mutation entries")
	}

	var maxVersion int64
	for _, de := range dirEntries {
		name := de.Name()
		if strings.HasPrefix(name, "tmp_mutation_") {
			os.Remove(filepath.Join(m.dir, name))
			continue
		}
		if !strings.HasPrefix(name, "mutation_") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			return 0, errors.Wrapf(err, "reading mutation entry %s", name)
		}
		entry, err := ParseMutationEntry(m.dir, name, data)
		if err != nil {
			return 0, err
		}

		if entry.TID != 0 && resolver != nil && resolver(entry.TID) == TxAborted {
			m.log.WithFields(logrus.Fields{"mutation": name, "tid": entry.TID}).
				Debug("dropping mutation entry of aborted transaction")
			os.Remove(filepath.Join(m.dir, name))
			continue
		}

		if err := m.Add(entry); err != nil {
			return 0, err
		}
		if entry.BlockNumber > maxVersion {
			maxVersion = entry.BlockNumber
		}
		m.log.WithFields(logrus.Fields{"mutation": name, "commands": len(entry.Commands)}).
			Debug("loaded mutation entry")
	}
	return maxVersion, nil
}

// Add inserts an entry. Duplicate versions are a logical error.
func (m *MutationLog) Add(e *MutationEntry) error {
	if _, exists := m.byVersion[e.BlockNumber]; exists {
		return errors.Wrapf(ErrLogical, "mutation %d already exists", e.BlockNumber)
	}
	e.dir = m.dir
	m.byVersion[e.BlockNumber] = e
	i := sort.Search(len(m.versions), func(i int) bool { return m.versions[i] >= e.BlockNumber })
	m.versions = append(m.versions, 0)
	copy(m.versions[i+1:], m.versions[i:])
	m.versions[i] = e.BlockNumber
	return nil
}

// Remove deletes the entry for version from memory and returns it.
func (m *MutationLog) Remove(version int64) *MutationEntry {
	e, ok := m.byVersion[version]
	if !ok {
		return nil
	}
	delete(m.byVersion, version)
	for i, v := range m.versions {
		if v == version {
			m.versions = append(m.versions[:i], m.versions[i+1:]...)
			break
		}
	}
	return e
}

// Get returns the entry for version.
func (m *MutationLog) Get(version int64) (*MutationEntry, bool) {
	e, ok := m.byVersion[version]
	return e, ok
}

// Len returns the number of entries.
func (m *MutationLog) Len() int { return len(m.versions) }

// Latest returns the highest version, or 0 when empty.
func (m *MutationLog) Latest() int64 {
	if len(m.versions) == 0 {
		return 0
	}
	return m.versions[len(m.versions)-1]
}

// EntriesAfter returns all entries with version strictly greater than
// dataVersion, ascending.
func (m *MutationLog) EntriesAfter(dataVersion int64) []*MutationEntry {
	i := sort.Search(len(m.versions), func(i int) bool { return m.versions[i] > dataVersion })
	out := make([]*MutationEntry, 0, len(m.versions)-i)
	for ; i < len(m.versions); i++ {
		out = append(out, m.byVersion[m.versions[i]])
	}
	return out
}

// EntriesInRange returns entries with version in (from, to], ascending.
func (m *MutationLog) EntriesInRange(from, to int64) []*MutationEntry {
	var out []*MutationEntry
	for _, e := range m.EntriesAfter(from) {
		if e.BlockNumber > to {
			break
		}
		out = append(out, e)
	}
	return out
}

// All returns every entry, ascending by version.
func (m *MutationLog) All() []*MutationEntry {
	return m.EntriesAfter(0)
}
