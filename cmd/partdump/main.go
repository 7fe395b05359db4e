// partdump prints the metadata of a part directory and, with --data, its rows.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/harshithgowdakt/mergetree/internal/part"
	"github.com/harshithgowdakt/mergetree/internal/storage"
)

type dumpJSON struct {
	Part        string   `json:"part"`
	PartitionID string   `json:"partition_id"`
	MinBlock    int64    `json:"min_block"`
	MaxBlock    int64    `json:"max_block"`
	Level       uint32   `json:"level"`
	Mutation    int64    `json:"mutation,omitempty"`
	DataVersion int64    `json:"data_version"`
	Rows        uint64   `json:"rows"`
	Bytes       uint64   `json:"bytes_on_disk"`
	Columns     []string `json:"columns"`
}

func main() {
	var withData bool

	cmd := &cobra.Command{
		Use:   "partdump <part-dir>",
		Short: "Dump the metadata of a merge-tree part directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			name := filepath.Base(dir)
			name = strings.TrimPrefix(name, "tmp_")

			info, err := part.ParseName(name)
			if err != nil {
				return fmt.Errorf("%s is not a part directory: %w", dir, err)
			}
			p, err := storage.LoadPartMeta(dir, info)
			if err != nil {
				return err
			}

			out := dumpJSON{
				Part:        p.Name(),
				PartitionID: info.PartitionID,
				MinBlock:    info.MinBlock,
				MaxBlock:    info.MaxBlock,
				Level:       info.Level,
				Mutation:    info.Mutation,
				DataVersion: info.DataVersion(),
				Rows:        p.RowCount,
				Bytes:       p.BytesOnDisk,
				Columns:     p.Columns,
			}
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))

			if withData {
				block, err := storage.NewPartReader(p).ReadAll()
				if err != nil {
					return err
				}
				fmt.Println(strings.Join(block.ColumnNames, "\t"))
				for i := 0; i < block.NumRows(); i++ {
					row := make([]string, block.NumColumns())
					for c := range block.Columns {
						row[c] = fmt.Sprintf("%v", block.Columns[c].Value(i))
					}
					fmt.Println(strings.Join(row, "\t"))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withData, "data", false, "also print the rows")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
