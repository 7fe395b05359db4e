package storage

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/harshithgowdakt/mergetree/internal/column"
	"github.com/harshithgowdakt/mergetree/internal/compression"
	"github.com/harshithgowdakt/mergetree/internal/part"
	"github.com/harshithgowdakt/mergetree/internal/types"
)

// PartWriter seals blocks into temporary part directories. The written part
// stays in the Temporary state; the table's commitPart moves it into the
// working set (atomic rename, then PartSet.CommitNewPart).
type PartWriter struct {
	schema  *TableSchema
	baseDir string
	codec   compression.Codec
}

// NewPartWriter creates a writer for the table rooted at baseDir.
func NewPartWriter(schema *TableSchema, baseDir string, codec compression.Codec) *PartWriter {
	return &PartWriter{schema: schema, baseDir: baseDir, codec: codec}
}

type checksumsJSON struct {
	Files map[string]fileChecksum `json:"files"`
}

type fileChecksum struct {
	Size   int64  `json:"size"`
	XXHash uint64 `json:"xxh64"`
}

const checksumsFileName = "checksums.json"

// WritePart writes a block into tmp_<part_name> and returns a sealed
// candidate in the Temporary state. The block must be sorted by the sort key
// and belong to a single partition.
func (pw *PartWriter) WritePart(block *column.Block, info part.Info) (*part.Part, error) {
	tmpDir := filepath.Join(pw.baseDir, info.TmpName())
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating tmp part dir")
	}

	success := false
	defer func() {
		if !success {
			os.RemoveAll(tmpDir)
		}
	}()

	numRows := block.NumRows()
	sums := checksumsJSON{Files: make(map[string]fileChecksum)}

	for i, name := range block.ColumnNames {
		data, err := pw.writeColumn(tmpDir, name, block.Columns[i])
		if err != nil {
			return nil, errors.Wrapf(err, "writing column %s", name)
		}
		sums.Files[name+".bin"] = fileChecksum{Size: int64(len(data)), XXHash: xxhash.Sum64(data)}
	}

	countData := []byte(strconv.Itoa(numRows) + "\n")
	if err := os.WriteFile(filepath.Join(tmpDir, "count.txt"), countData, 0o644); err != nil {
		return nil, err
	}
	sums.Files["count.txt"] = fileChecksum{Size: int64(len(countData)), XXHash: xxhash.Sum64(countData)}

	colsData := pw.columnsFile(block)
	if err := os.WriteFile(filepath.Join(tmpDir, "columns.txt"), colsData, 0o644); err != nil {
		return nil, err
	}
	sums.Files["columns.txt"] = fileChecksum{Size: int64(len(colsData)), XXHash: xxhash.Sum64(colsData)}

	sumData, err := json.MarshalIndent(sums, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshaling checksums")
	}
	if err := os.WriteFile(filepath.Join(tmpDir, checksumsFileName), sumData, 0o644); err != nil {
		return nil, err
	}

	success = true

	p := &part.Part{
		Info:        info,
		State:       part.Temporary,
		UUID:        uuid.New(),
		RowCount:    uint64(numRows),
		BytesOnDisk: dirSize(tmpDir),
		CreatedAt:   time.Now(),
		Dir:         tmpDir,
		Columns:     append([]string(nil), block.ColumnNames...),
	}
	if pw.schema.HasTTL() {
		p.TTLMax = maxTTL(block, pw.schema)
	}
	return p, nil
}

// writeColumn writes one compressed .bin file; returns the raw (uncompressed)
// bytes for checksumming.
func (pw *PartWriter) writeColumn(dir, name string, col column.Column) ([]byte, error) {
	raw, err := column.EncodeColumn(col)
	if err != nil {
		return nil, err
	}
	blockData, err := compression.CompressBlock(pw.codec, raw)
	if err != nil {
		return nil, err
	}
	return raw, os.WriteFile(filepath.Join(dir, name+".bin"), blockData, 0o644)
}

func (pw *PartWriter) columnsFile(block *column.Block) []byte {
	var sb strings.Builder
	for i, name := range block.ColumnNames {
		sb.WriteString(name)
		sb.WriteByte('\t')
		sb.WriteString(block.Columns[i].DataType().Name())
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

func maxTTL(block *column.Block, schema *TableSchema) time.Time {
	col, ok := block.GetColumn(schema.TTLColumn)
	if !ok || col.Len() == 0 {
		return time.Time{}
	}
	var maxTS uint32
	for i := 0; i < col.Len(); i++ {
		if v := col.Value(i).(uint32); v > maxTS {
			maxTS = v
		}
	}
	return time.Unix(int64(maxTS)+schema.TTLDelta, 0)
}

func dirSize(dir string) uint64 {
	var total uint64
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}

// WriteEmptyPart writes a zero-row part carrying the schema columns; used as
// an empty covering part for DROP/TRUNCATE.
func (pw *PartWriter) WriteEmptyPart(info part.Info) (*part.Part, error) {
	names := pw.schema.ColumnNames()
	cols := make([]column.Column, len(names))
	for i, n := range names {
		def, _ := pw.schema.GetColumnDef(n)
		cols[i] = column.NewColumn(def.DataType)
	}
	return pw.WritePart(column.NewBlock(names, cols), info)
}

// LoadPartMeta reconstructs a part descriptor from a committed part
// directory (startup path).
func LoadPartMeta(dir string, info part.Info) (*part.Part, error) {
	countData, err := os.ReadFile(filepath.Join(dir, "count.txt"))
	if err != nil {
		return nil, errors.Wrapf(err, "reading count.txt of %s", info.Name())
	}
	numRows, err := strconv.ParseUint(strings.TrimSpace(string(countData)), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing count.txt of %s", info.Name())
	}

	cols, _, err := readColumnsFile(dir)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}

	return &part.Part{
		Info:        info,
		State:       part.Active,
		RowCount:    numRows,
		BytesOnDisk: dirSize(dir),
		CreatedAt:   fi.ModTime(),
		Dir:         dir,
		Columns:     cols,
	}, nil
}

func readColumnsFile(dir string) (names []string, dts []types.DataType, err error) {
	data, err := os.ReadFile(filepath.Join(dir, "columns.txt"))
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading columns.txt")
	}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		name, typeName, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, nil, errors.Errorf("malformed columns.txt line: %q", line)
		}
		dt, err := types.ParseDataType(typeName)
		if err != nil {
			return nil, nil, err
		}
		names = append(names, name)
		dts = append(dts, dt)
	}
	return names, dts, nil
}
