package storage

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/harshithgowdakt/mergetree/internal/column"
	"github.com/harshithgowdakt/mergetree/internal/compression"
	"github.com/harshithgowdakt/mergetree/internal/part"
	"github.com/harshithgowdakt/mergetree/internal/types"
)

// PartReader reads columns back out of a part directory. Types come from
// the part's own columns.txt, so parts written before a DROP/RENAME COLUMN
// mutation read correctly.
type PartReader struct {
	part *part.Part
}

// NewPartReader creates a reader over p.
func NewPartReader(p *part.Part) *PartReader {
	return &PartReader{part: p}
}

// ReadAll reads every column the part carries.
func (pr *PartReader) ReadAll() (*column.Block, error) {
	names, dts, err := readColumnsFile(pr.part.Dir)
	if err != nil {
		return nil, err
	}
	return pr.read(names, dts)
}

// ReadColumns reads a subset of columns by name.
func (pr *PartReader) ReadColumns(want []string) (*column.Block, error) {
	names, dts, err := readColumnsFile(pr.part.Dir)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]types.DataType, len(names))
	for i, n := range names {
		byName[n] = dts[i]
	}
	outTypes := make([]types.DataType, len(want))
	for i, n := range want {
		dt, ok := byName[n]
		if !ok {
			return nil, errors.Errorf("part %s has no column %s", pr.part.Name(), n)
		}
		outTypes[i] = dt
	}
	return pr.read(want, outTypes)
}

func (pr *PartReader) read(names []string, dts []types.DataType) (*column.Block, error) {
	numRows, err := pr.rowCount()
	if err != nil {
		return nil, err
	}

	cols := make([]column.Column, len(names))
	for i, name := range names {
		data, err := os.ReadFile(filepath.Join(pr.part.Dir, name+".bin"))
		if err != nil {
			return nil, errors.Wrapf(err, "reading column %s of %s", name, pr.part.Name())
		}
		raw, err := compression.DecompressBlock(data)
		if err != nil {
			return nil, errors.Wrapf(err, "decompressing column %s of %s", name, pr.part.Name())
		}
		col, err := column.DecodeColumn(dts[i], raw, numRows)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding column %s of %s", name, pr.part.Name())
		}
		cols[i] = col
	}
	return column.NewBlock(append([]string(nil), names...), cols), nil
}

func (pr *PartReader) rowCount() (int, error) {
	data, err := os.ReadFile(filepath.Join(pr.part.Dir, "count.txt"))
	if err != nil {
		return 0, errors.Wrapf(err, "reading count.txt of %s", pr.part.Name())
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.Wrapf(err, "parsing count.txt of %s", pr.part.Name())
	}
	return n, nil
}
