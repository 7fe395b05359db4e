package storage

import (
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/harshithgowdakt/mergetree/internal/types"
)

// ColumnDef is a single column definition.
type ColumnDef struct {
	Name     string
	DataType types.DataType
}

// TableSchema describes the table layout: columns, sort key, partition key
// and optional row TTL.
type TableSchema struct {
	Columns     []ColumnDef
	OrderBy     []string
	PartitionBy string // column name; empty means a single "all" partition

	// TTLColumn names a DateTime column; rows expire TTLDelta after it.
	TTLColumn string
	TTLDelta  int64 // seconds
}

// GetColumnDef finds a column definition by name.
func (s *TableSchema) GetColumnDef(name string) (ColumnDef, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// ColumnNames returns the schema column names in order.
func (s *TableSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// HasTTL reports whether rows carry an expiry.
func (s *TableSchema) HasTTL() bool { return s.TTLColumn != "" && s.TTLDelta > 0 }

type schemaJSON struct {
	Columns []struct {
		Name     string `json:"name"`
		DataType string `json:"data_type"`
	} `json:"columns"`
	OrderBy     []string `json:"order_by"`
	PartitionBy string   `json:"partition_by,omitempty"`
	TTLColumn   string   `json:"ttl_column,omitempty"`
	TTLDelta    int64    `json:"ttl_delta_seconds,omitempty"`
}

const schemaFileName = "schema.json"

// SaveSchema persists the schema under tableDir.
func SaveSchema(tableDir string, schema *TableSchema) error {
	j := schemaJSON{
		OrderBy:     schema.OrderBy,
		PartitionBy: schema.PartitionBy,
		TTLColumn:   schema.TTLColumn,
		TTLDelta:    schema.TTLDelta,
	}
	for _, c := range schema.Columns {
		j.Columns = append(j.Columns, struct {
			Name     string `json:"name"`
			DataType string `json:"data_type"`
		}{Name: c.Name, DataType: c.DataType.Name()})
	}
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling schema")
	}
	return os.WriteFile(filepath.Join(tableDir, schemaFileName), data, 0o644)
}

// LoadSchema reads the schema persisted under tableDir.
func LoadSchema(tableDir string) (*TableSchema, error) {
	data, err := os.ReadFile(filepath.Join(tableDir, schemaFileName))
	if err != nil {
		return nil, errors.Wrap(err, "reading schema")
	}
	var j schemaJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, errors.Wrap(err, "unmarshaling schema")
	}
	schema := &TableSchema{
		OrderBy:     j.OrderBy,
		PartitionBy: j.PartitionBy,
		TTLColumn:   j.TTLColumn,
		TTLDelta:    j.TTLDelta,
	}
	for _, c := range j.Columns {
		dt, err := types.ParseDataType(c.DataType)
		if err != nil {
			return nil, err
		}
		schema.Columns = append(schema.Columns, ColumnDef{Name: c.Name, DataType: dt})
	}
	return schema, nil
}
