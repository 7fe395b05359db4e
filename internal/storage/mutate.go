package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/harshithgowdakt/mergetree/internal/command"
	"github.com/harshithgowdakt/mergetree/internal/part"
)

// StartMutation appends a mutation entry under a Mutation committing block
// and wakes the background scheduler. An entry containing a barrier command
// first waits synchronously for every previously enqueued mutation.
func (t *MergeTreeTable) StartMutation(commands command.Commands) (int64, error) {
	if err := t.assertNotReadonly(); err != nil {
		return 0, err
	}
	if len(commands) == 0 {
		return 0, errors.Wrap(ErrBadArguments, "empty mutation commands")
	}

	if commands.ContainsBarrier() {
		var prev int64
		t.backgroundMu.Lock()
		prev = t.mutations.Latest()
		t.backgroundMu.Unlock()

		// Barrier alters execute in sequential order with respect to every
		// earlier mutation.
		if prev != 0 {
			t.log.WithField("mutation", prev).Debug("barrier mutation waits for previous mutation")
			if err := t.WaitForMutation(prev); err != nil {
				return 0, err
			}
		}
	}

	holder := t.alloc.Hold(OpMutation)
	defer holder.Release()

	entry := &MutationEntry{
		BlockNumber: holder.Block.Number,
		Commands:    commands,
		CreateTime:  time.Now().UTC(),
		dir:         t.DataDir,
	}
	if err := entry.write(); err != nil {
		return 0, err
	}

	t.backgroundMu.Lock()
	err := t.mutations.Add(entry)
	t.backgroundMu.Unlock()
	if err != nil {
		entry.RemoveFile()
		return 0, err
	}

	t.log.WithFields(logrus.Fields{"mutation": entry.FileName(), "commands": commands.String()}).
		Info("added mutation")
	t.trigger()
	return entry.BlockNumber, nil
}

// Mutate appends a mutation; with sync it blocks until the mutation is done
// on every visible part, killed, or failed.
func (t *MergeTreeTable) Mutate(commands command.Commands, sync bool) (int64, error) {
	version, err := t.StartMutation(commands)
	if err != nil {
		return 0, err
	}
	if sync {
		return version, t.WaitForMutation(version)
	}
	return version, nil
}

// MutationStatus describes the progress of one mutation entry.
type MutationStatus struct {
	ID         string
	Commands   string
	CreateTime time.Time
	PartsToDo  []string
	IsDone     bool

	LatestFailedPart    string
	LatestFailReason    string
	LatestFailErrorCode string
	LatestFailTime      time.Time
}

// incompleteMutationStatus returns nil when the entry disappeared (killed).
func (t *MergeTreeTable) incompleteMutationStatus(version int64) *MutationStatus {
	t.backgroundMu.Lock()
	defer t.backgroundMu.Unlock()
	return t.incompleteMutationStatusLocked(version)
}

func (t *MergeTreeTable) incompleteMutationStatusLocked(version int64) *MutationStatus {
	entry, ok := t.mutations.Get(version)
	if !ok {
		return nil
	}

	status := &MutationStatus{
		ID:         entry.FileName(),
		Commands:   entry.Commands.String(),
		CreateTime: entry.CreateTime,
	}

	for _, p := range t.parts.ActiveParts() {
		if p.IsPatch() {
			continue
		}
		if p.DataVersion() < version {
			if entry.LatestFailReason != "" {
				status.LatestFailedPart = entry.LatestFailedPart
				status.LatestFailReason = entry.LatestFailReason
				status.LatestFailErrorCode = entry.LatestFailErrorCode
				status.LatestFailTime = entry.LatestFailTime
			}
			return status
		}
	}
	status.IsDone = true
	return status
}

// WaitForMutation blocks until the mutation with the given version is done,
// killed or failed. The waiter re-validates under the main mutex on wakeup.
func (t *MergeTreeTable) WaitForMutation(version int64) error {
	mutationID := fmt.Sprintf("mutation_%d.txt", version)
	t.log.WithField("mutation", mutationID).Info("waiting for mutation")

	t.mutationWaitMu.Lock()
	for {
		if t.shutdownCalled.Load() {
			t.mutationWaitMu.Unlock()
			return errors.Wrap(ErrAborted, "shutdown while waiting for mutation")
		}
		status := t.incompleteMutationStatus(version)
		if status == nil {
			t.mutationWaitMu.Unlock()
			return errors.Wrapf(ErrAborted, "mutation %s was killed", mutationID)
		}
		if status.IsDone {
			t.mutationWaitMu.Unlock()
			t.log.WithField("mutation", mutationID).Info("mutation done")
			return nil
		}
		if status.LatestFailReason != "" {
			t.mutationWaitMu.Unlock()
			return errors.Errorf("mutation %s failed on part %s: %s (%s)",
				mutationID, status.LatestFailedPart, status.LatestFailReason, status.LatestFailErrorCode)
		}
		t.mutationWaitCond.Wait()
	}
}

func (t *MergeTreeTable) notifyMutationWaiters() {
	t.mutationWaitMu.Lock()
	t.mutationWaitCond.Broadcast()
	t.mutationWaitMu.Unlock()
}

// KillMutation removes the entry, cancels any in-flight job targeting its
// version and wakes waiters. Returns false when no such mutation exists.
func (t *MergeTreeTable) KillMutation(mutationID string) (bool, error) {
	if err := t.assertNotReadonly(); err != nil {
		return false, err
	}
	t.log.WithField("mutation", mutationID).Info("killing mutation")

	version, err := MutationVersionFromFileName(mutationID)
	if err != nil {
		return false, nil
	}

	var entry *MutationEntry
	var cancels []func()
	t.backgroundMu.Lock()
	entry = t.mutations.Remove(version)
	for _, c := range t.runningMutations[version] {
		cancels = append(cancels, c)
	}
	t.backgroundMu.Unlock()

	t.backoff.Reset()

	if entry == nil {
		return false, nil
	}

	for _, cancel := range cancels {
		cancel()
	}
	if err := entry.RemoveFile(); err != nil {
		return true, err
	}

	t.notifyMutationWaiters()
	// Another mutation may have been blocked by the killed one.
	t.trigger()
	return true, nil
}

// SetMutationCSN persists the commit sequence number assigned by the
// transaction log.
func (t *MergeTreeTable) SetMutationCSN(mutationID string, csn uint64) error {
	version, err := MutationVersionFromFileName(mutationID)
	if err != nil {
		return errors.Wrapf(ErrBadArguments, "bad mutation id %q", mutationID)
	}

	t.backgroundMu.Lock()
	defer t.backgroundMu.Unlock()
	entry, ok := t.mutations.Get(version)
	if !ok {
		return errors.Wrapf(ErrLogical, "cannot find mutation %s", mutationID)
	}
	t.log.WithFields(logrus.Fields{"mutation": mutationID, "csn": csn}).Info("writing mutation CSN")
	return entry.WriteCSN(csn)
}

// GetMutationsStatus reports every entry with its remaining parts.
func (t *MergeTreeTable) GetMutationsStatus() []MutationStatus {
	t.backgroundMu.Lock()
	defer t.backgroundMu.Unlock()

	type partVersion struct {
		version int64
		name    string
	}
	var partVersions []partVersion
	for _, p := range t.parts.ActiveParts() {
		if !p.IsPatch() {
			partVersions = append(partVersions, partVersion{p.DataVersion(), p.Name()})
		}
	}
	sort.Slice(partVersions, func(i, j int) bool { return partVersions[i].version < partVersions[j].version })

	var out []MutationStatus
	for _, entry := range t.mutations.All() {
		var partsToDo []string
		for _, pv := range partVersions {
			if pv.version < entry.BlockNumber {
				partsToDo = append(partsToDo, pv.name)
			}
		}
		out = append(out, MutationStatus{
			ID:                  entry.FileName(),
			Commands:            entry.Commands.String(),
			CreateTime:          entry.CreateTime,
			PartsToDo:           partsToDo,
			IsDone:              len(partsToDo) == 0,
			LatestFailedPart:    entry.LatestFailedPart,
			LatestFailReason:    entry.LatestFailReason,
			LatestFailErrorCode: entry.LatestFailErrorCode,
			LatestFailTime:      entry.LatestFailTime,
		})
	}
	return out
}

// updateMutationEntriesErrors records the outcome of a mutation job on every
// entry the job covered and wakes sync waiters.
func (t *MergeTreeTable) updateMutationEntriesErrors(fut *FutureMergedMutatedPart, jobErr error) {
	sourceVersion := fut.Parts[0].DataVersion()
	resultVersion := fut.Info.DataVersion()
	failedPart := fut.Parts[0]

	if sourceVersion != resultVersion {
		t.backgroundMu.Lock()
		for _, entry := range t.mutations.EntriesInRange(sourceVersion, resultVersion) {
			if jobErr == nil {
				if entry.LatestFailedPart != "" && fut.Info.Contains(entry.LatestFailedPartInfo) {
					entry.LatestFailedPart = ""
					entry.LatestFailedPartInfo = part.Info{}
					entry.LatestFailReason = ""
					entry.LatestFailErrorCode = ""
					entry.LatestFailTime = time.Time{}
					entry.write()
				}
				if entry.BlockNumber == resultVersion {
					t.backoff.RemovePartFromFailed(failedPart.Name())
				}
			} else {
				entry.LatestFailedPart = failedPart.Name()
				entry.LatestFailedPartInfo = failedPart.Info
				entry.LatestFailReason = jobErr.Error()
				entry.LatestFailErrorCode = codeName(jobErr)
				entry.LatestFailTime = time.Now()
				entry.write()
				if entry.BlockNumber == resultVersion {
					t.backoff.AddPartFailure(failedPart.Name())
				}
			}
		}
		t.backgroundMu.Unlock()
	}

	t.notifyMutationWaiters()
}

// BackupEntry is one file of a backup: a name and round-trippable contents.
type BackupEntry struct {
	Name string
	Data []byte
}

// BackupMutations enumerates mutation entries with version >= minVersion
// for the backup driver. It does not mutate state.
func (t *MergeTreeTable) BackupMutations(minVersion int64) []BackupEntry {
	t.backgroundMu.Lock()
	defer t.backgroundMu.Unlock()

	var out []BackupEntry
	for _, entry := range t.mutations.EntriesAfter(minVersion - 1) {
		out = append(out, BackupEntry{Name: entry.FileName(), Data: entry.Serialize()})
	}
	return out
}
