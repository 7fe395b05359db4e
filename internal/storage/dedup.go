package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// DeduplicationLog keeps a sliding window of recent insert block hashes so
// that retried inserts of the same data are dropped. Persisted under
// deduplication_logs/ so the window survives restarts.
type DeduplicationLog struct {
	mu     sync.Mutex
	path   string
	window int

	order  []string          // hashes, oldest first
	byHash map[string]string // hash -> part name
}

const dedupLogFileName = "dedup.log"

// NewDeduplicationLog creates a log with the given window size rooted at
// <tableDir>/deduplication_logs. A window of 0 disables deduplication.
func NewDeduplicationLog(tableDir string, window int) *DeduplicationLog {
	return &DeduplicationLog{
		path:   filepath.Join(tableDir, "deduplication_logs", dedupLogFileName),
		window: window,
		byHash: make(map[string]string),
	}
}

// Load restores the window from disk.
func (d *DeduplicationLog) Load() error {
	if d.window == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return errors.Wrap(err, "creating deduplication_logs dir")
	}
	f, err := os.Open(d.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "opening dedup log")
	}
	defer f.Close()

	d.mu.Lock()
	defer d.mu.Unlock()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Split(sc.Text(), "\t")
		if len(fields) != 2 {
			continue
		}
		d.insertLocked(fields[0], fields[1])
	}
	return sc.Err()
}

// CheckAndAdd records the hash of a new insert block. Returns the name of
// the part that already carries the same data, if any (the insert is then
// dropped).
func (d *DeduplicationLog) CheckAndAdd(hash uint64, partName string) (string, bool, error) {
	if d.window == 0 {
		return "", false, nil
	}
	key := strconv.FormatUint(hash, 16)

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.byHash[key]; ok {
		return existing, true, nil
	}
	d.insertLocked(key, partName)
	return "", false, d.persistLocked()
}

// DropPart forgets entries referencing a dropped part so its data can be
// re-inserted.
func (d *DeduplicationLog) DropPart(partName string) error {
	if d.window == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := false
	kept := d.order[:0]
	for _, h := range d.order {
		if d.byHash[h] == partName {
			delete(d.byHash, h)
			changed = true
			continue
		}
		kept = append(kept, h)
	}
	d.order = kept
	if !changed {
		return nil
	}
	return d.persistLocked()
}

func (d *DeduplicationLog) insertLocked(hash, partName string) {
	d.order = append(d.order, hash)
	d.byHash[hash] = partName
	for len(d.order) > d.window {
		delete(d.byHash, d.order[0])
		d.order = d.order[1:]
	}
}

func (d *DeduplicationLog) persistLocked() error {
	var sb strings.Builder
	for _, h := range d.order {
		fmt.Fprintf(&sb, "%s\t%s\n", h, d.byHash[h])
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return errors.Wrap(err, "writing dedup log")
	}
	return os.Rename(tmp, d.path)
}
