package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/harshithgowdakt/mergetree/internal/column"
	"github.com/harshithgowdakt/mergetree/internal/compression"
	"github.com/harshithgowdakt/mergetree/internal/part"
	"github.com/harshithgowdakt/mergetree/internal/types"
)

// MergeTreeTable is the per-table storage engine: it owns the part set, the
// block number allocator, the mutation log and the lifecycle of every part.
//
// Lock ordering: backgroundMu before the part set's internal lock. The
// allocator's mutex is a leaf. The part set lock is never held across file
// I/O: commitPart renames the directory before it commits into the part set.
// backgroundMu is held while mutation entry files are rewritten.
type MergeTreeTable struct {
	Name    string
	Schema  *TableSchema
	DataDir string

	settings *Settings
	log      logrus.FieldLogger
	metrics  *Metrics
	codec    compression.Codec

	// backgroundMu guards the mutation log, the processing registry, the
	// TTL merge pool accounting, running-job cancellation and selection.
	backgroundMu     sync.Mutex
	processingCond   *sync.Cond
	mutations        *MutationLog
	registry         *processingRegistry
	ttlMergesInPool  int
	runningMutations map[int64][]context.CancelFunc

	parts *PartSet
	alloc *BlockAllocator

	mutationWaitMu   sync.Mutex
	mutationWaitCond *sync.Cond

	mergesBlocker *ActionBlocker
	backoff       *MutationBackoffPolicy
	dedup         *DeduplicationLog
	updates       *updateGate

	reservedBytes atomic.Uint64
	busyJobs      atomic.Int32

	onTrigger atomic.Value // func()

	readonly       atomic.Bool
	shutdownCalled atomic.Bool

	lastCleanupParts atomic.Int64 // unix nano
	lastCleanupTemp  atomic.Int64
}

// Option configures table construction.
type Option func(*MergeTreeTable)

// WithLogger overrides the table logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(t *MergeTreeTable) { t.log = log }
}

// WithMetricsRegistry registers the table's collectors on reg.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(t *MergeTreeTable) { t.metrics = NewMetrics(reg, t.Name) }
}

// WithCodec overrides the column compression codec.
func WithCodec(codec compression.Codec) Option {
	return func(t *MergeTreeTable) { t.codec = codec }
}

// NewMergeTreeTable opens (or creates) the table rooted at dataDir. A nil
// schema loads the one persisted on disk.
func NewMergeTreeTable(name string, schema *TableSchema, dataDir string, settings *Settings, opts ...Option) (*MergeTreeTable, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating table data dir")
	}

	t := &MergeTreeTable{
		Name:             name,
		Schema:           schema,
		DataDir:          dataDir,
		settings:         settings.withDefaults(),
		codec:            &compression.LZ4Codec{},
		parts:            NewPartSet(),
		registry:         newProcessingRegistry(),
		runningMutations: make(map[int64][]context.CancelFunc),
		mergesBlocker:    NewActionBlocker(),
		updates:          newUpdateGate(),
	}
	for _, o := range opts {
		o(t)
	}
	if t.log == nil {
		t.log = logrus.StandardLogger().WithField("table", name)
	}
	if t.metrics == nil {
		t.metrics = NewMetrics(nil, name)
	}

	t.processingCond = sync.NewCond(&t.backgroundMu)
	t.mutationWaitCond = sync.NewCond(&t.mutationWaitMu)
	t.alloc = NewBlockAllocator(t.log)
	t.mutations = NewMutationLog(dataDir, t.log)
	t.backoff = NewMutationBackoffPolicy(t.settings.MaxPostponeTimeForFailedMutations)
	t.dedup = NewDeduplicationLog(dataDir, t.settings.NonReplicatedDeduplicationWindow)

	if t.Schema == nil {
		loaded, err := LoadSchema(dataDir)
		if err != nil {
			return nil, err
		}
		t.Schema = loaded
	} else if err := SaveSchema(dataDir, t.Schema); err != nil {
		return nil, err
	}

	if err := t.loadParts(); err != nil {
		return nil, err
	}

	maxMutation, err := t.mutations.Load(t.settings.TxResolver)
	if err != nil {
		return nil, err
	}
	t.alloc.RaiseFloor(maxMutation)

	if err := t.dedup.Load(); err != nil {
		return nil, err
	}

	t.refreshPartGauges()
	return t, nil
}

// loadParts scans the data directory, reconstructing part descriptors.
// Parts covered by a newer version go straight to Outdated.
func (t *MergeTreeTable) loadParts() error {
	entries, err := os.ReadDir(t.DataDir)
	if err != nil {
		return errors.Wrap(err, "scanning table data dir")
	}

	var infos []part.Info
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "detached" || e.Name() == "deduplication_logs" {
			continue
		}
		if hasTempPrefix(e.Name()) {
			continue // removed by Startup
		}
		info, err := part.ParseName(e.Name())
		if err != nil {
			t.log.WithField("dir", e.Name()).Warn("skipping unrecognized directory")
			continue
		}
		infos = append(infos, info)
	}

	var maxBlock int64
	for _, info := range infos {
		p, err := LoadPartMeta(filepath.Join(t.DataDir, info.Name()), info)
		if err != nil {
			return err
		}
		if info.MaxBlock > maxBlock {
			maxBlock = info.MaxBlock
		}
		if info.Mutation > maxBlock {
			maxBlock = info.Mutation
		}

		covered := false
		for _, other := range infos {
			if other != info && other.Contains(info) {
				covered = true
				break
			}
		}
		if covered {
			t.parts.AddLoadedOutdated(p)
			continue
		}
		if err := t.parts.AddLoaded(p); err != nil {
			return err
		}
	}
	t.alloc.RaiseFloor(maxBlock)
	return nil
}

func hasTempPrefix(name string) bool {
	for _, prefix := range []string{"tmp_", "tmp-fetch_", "delete_tmp_"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Startup removes leftover temporary directories and outdates empty parts. Call once
// after construction, before scheduling background work.
func (t *MergeTreeTable) Startup() {
	t.clearOldTemporaryDirectories(0)
	t.ClearEmptyParts()
	t.restartCleanupTimers()
}

// Shutdown stops background activity and wakes every waiter.
func (t *MergeTreeTable) Shutdown() {
	if t.shutdownCalled.Swap(true) {
		return
	}

	t.mutationWaitMu.Lock()
	t.mutationWaitCond.Broadcast()
	t.mutationWaitMu.Unlock()

	t.mergesBlocker.CancelForever()

	t.backgroundMu.Lock()
	t.processingCond.Broadcast()
	t.backgroundMu.Unlock()

	t.alloc.Wake()
}

// ShutdownCalled reports whether Shutdown ran.
func (t *MergeTreeTable) ShutdownCalled() bool { return t.shutdownCalled.Load() }

// SetReadOnly toggles the read-only mode (static storage).
func (t *MergeTreeTable) SetReadOnly(ro bool) { t.readonly.Store(ro) }

func (t *MergeTreeTable) assertNotReadonly() error {
	if t.readonly.Load() {
		return errors.Wrap(ErrTableIsReadOnly, "table is in readonly mode")
	}
	return nil
}

// SetOnTrigger installs the background scheduler's wake-up hook.
func (t *MergeTreeTable) SetOnTrigger(f func()) { t.onTrigger.Store(f) }

func (t *MergeTreeTable) trigger() {
	if f, ok := t.onTrigger.Load().(func()); ok && f != nil {
		f()
	}
}

// Settings returns the table settings.
func (t *MergeTreeTable) Settings() *Settings { return t.settings }

// Allocator exposes the committing-block allocator.
func (t *MergeTreeTable) Allocator() *BlockAllocator { return t.alloc }

// Snapshot returns a stable view of the visible parts.
func (t *MergeTreeTable) Snapshot() *SnapshotView { return t.parts.Snapshot() }

// Insert splits a block by partition, sorts each sub-block by the sort key,
// seals one part per partition and commits it under an Insert committing
// block. Duplicate blocks inside the deduplication window are dropped.
func (t *MergeTreeTable) Insert(block *column.Block) error {
	if err := t.assertNotReadonly(); err != nil {
		return err
	}
	partitions, err := t.splitByPartition(block)
	if err != nil {
		return err
	}

	writer := NewPartWriter(t.Schema, t.DataDir, t.codec)

	for partitionID, subBlock := range partitions {
		if err := subBlock.SortByColumns(t.Schema.OrderBy); err != nil {
			return errors.Wrap(err, "sorting insert block")
		}

		if active := len(t.parts.ActiveInPartition(partitionID)); active >= t.settings.PartsToThrowInsert {
			return errors.Wrapf(ErrTooManyParts,
				"too many parts (%d) in partition %s", active, partitionID)
		}

		if err := t.insertPart(writer, partitionID, subBlock); err != nil {
			return err
		}
	}

	t.trigger()
	return nil
}

func (t *MergeTreeTable) insertPart(writer *PartWriter, partitionID string, block *column.Block) error {
	holder := t.alloc.Hold(OpInsert)
	defer holder.Release()

	info := part.Info{
		PartitionID: partitionID,
		MinBlock:    holder.Block.Number,
		MaxBlock:    holder.Block.Number,
	}

	sealed, err := writer.WritePart(block, info)
	if err != nil {
		return errors.Wrapf(err, "writing part %s", info.Name())
	}

	if dupPart, dup, err := t.dedup.CheckAndAdd(blockHash(block), sealed.Name()); err != nil {
		os.RemoveAll(sealed.Dir)
		return err
	} else if dup {
		t.log.WithFields(logrus.Fields{"part": sealed.Name(), "duplicate_of": dupPart}).
			Info("dropping duplicate insert block")
		os.RemoveAll(sealed.Dir)
		return nil
	}

	if _, err := t.commitPart(sealed); err != nil {
		t.dedup.DropPart(sealed.Name())
		return err
	}
	t.log.WithFields(logrus.Fields{"part": sealed.Name(), "rows": sealed.RowCount}).Debug("inserted part")
	return nil
}

// commitPart atomically renames a sealed temporary part into place and
// inserts it into the working set. A failed insert reverts the rename.
func (t *MergeTreeTable) commitPart(sealed *part.Part) ([]*part.Part, error) {
	tmpDir := sealed.Dir
	finalDir := filepath.Join(t.DataDir, sealed.Name())

	if err := os.Rename(tmpDir, finalDir); err != nil {
		os.RemoveAll(tmpDir)
		return nil, errors.Wrapf(err, "renaming part %s into place", sealed.Name())
	}
	sealed.Dir = finalDir

	covered, err := t.parts.CommitNewPart(sealed)
	if err != nil {
		// Precommit rollback: move the directory back so state is unchanged.
		if renameErr := os.Rename(finalDir, tmpDir); renameErr == nil {
			sealed.Dir = tmpDir
		}
		return nil, err
	}

	t.refreshPartGauges()
	return covered, nil
}

func (t *MergeTreeTable) splitByPartition(block *column.Block) (map[string]*column.Block, error) {
	if t.Schema.PartitionBy == "" {
		return map[string]*column.Block{"all": block}, nil
	}
	partCol, ok := block.GetColumn(t.Schema.PartitionBy)
	if !ok {
		return nil, errors.Wrapf(ErrBadArguments, "partition column %s not found", t.Schema.PartitionBy)
	}

	partRows := make(map[string][]int)
	for i := 0; i < block.NumRows(); i++ {
		pid := types.ValueToString(partCol.DataType(), partCol.Value(i))
		if strings.Contains(pid, "_") {
			return nil, errors.Wrapf(ErrBadArguments, "partition value %q contains underscore", pid)
		}
		partRows[pid] = append(partRows[pid], i)
	}

	result := make(map[string]*column.Block, len(partRows))
	for pid, rows := range partRows {
		result[pid] = block.Gather(rows)
	}
	return result, nil
}

func blockHash(block *column.Block) uint64 {
	h := xxhash.New()
	for i, name := range block.ColumnNames {
		h.WriteString(name)
		data, err := column.EncodeColumn(block.Columns[i])
		if err != nil {
			continue
		}
		h.Write(data)
	}
	return h.Sum64()
}

func (t *MergeTreeTable) refreshPartGauges() {
	active, outdated := t.parts.Counts()
	t.metrics.ActiveParts.Set(float64(active))
	t.metrics.OutdatedParts.Set(float64(outdated))
}

// OnFlyMutation is one entry of the reader-facing mutations snapshot.
type OnFlyMutation struct {
	Version  int64
	Commands string
}

// MutationsSnapshot returns the mutation entries a reader must apply on the
// fly for parts with older data versions.
func (t *MergeTreeTable) MutationsSnapshot() []OnFlyMutation {
	t.backgroundMu.Lock()
	defer t.backgroundMu.Unlock()

	all := t.mutations.All()
	out := make([]OnFlyMutation, 0, len(all))
	for _, e := range all {
		out = append(out, OnFlyMutation{Version: e.BlockNumber, Commands: e.Commands.String()})
	}
	return out
}
