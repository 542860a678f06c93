// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Command tilestore is the management shell around the storage engine:
// workspace and group creation, array creation, listing, moving, clearing,
// deleting and consolidation.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	tilestore "github.com/featurebasedb/tilestore"
	"github.com/featurebasedb/tilestore/logger"
)

var (
	workspacePath string
	configPath    string
)

func manager() (*tilestore.StorageManager, error) {
	cfg := tilestore.DefaultConfig()
	if configPath != "" {
		c, err := tilestore.LoadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	return tilestore.NewStorageManager(workspacePath, cfg,
		tilestore.OptManagerLogger(logger.NewStandardLogger(os.Stderr)))
}

func main() {
	root := &cobra.Command{
		Use:           "tilestore",
		Short:         "tilestore array storage engine shell",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&workspacePath, "workspace", "w", ".", "workspace directory")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file")

	root.AddCommand(
		newWorkspaceCmd(),
		newGroupCreateCmd(),
		newArrayCreateCmd(),
		newLsCmd(),
		newDeleteCmd(),
		newClearCmd(),
		newMoveCmd(),
		newConsolidateCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tilestore: %v\n", err)
		if errors.Is(err, tilestore.ErrOOM) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newWorkspaceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workspace",
		Short: "Create or adopt the workspace directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sm, err := manager()
			if err != nil {
				return err
			}
			sm.Close()
			return nil
		},
	}
}

func newGroupCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "group-create NAME",
		Short: "Create a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sm, err := manager()
			if err != nil {
				return err
			}
			defer sm.Close()
			return sm.GroupCreate(args[0])
		},
	}
}

func newArrayCreateCmd() *cobra.Command {
	var (
		dims      []string
		attrs     []string
		extents   []string
		capacity  int64
		dense     bool
		cellOrder string
		tileOrder string
	)
	cmd := &cobra.Command{
		Use:   "array-create NAME",
		Short: "Create an array from a schema described by flags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := buildSchema(args[0], dims, attrs, extents, capacity, dense, cellOrder, tileOrder)
			if err != nil {
				return err
			}
			sm, err := manager()
			if err != nil {
				return err
			}
			defer sm.Close()
			return sm.ArrayCreate(schema)
		},
	}
	cmd.Flags().StringArrayVar(&dims, "dim", nil, "dimension as name:lo:hi (repeatable)")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "attribute as name:type[:valnum][:codec] (repeatable)")
	cmd.Flags().StringSliceVar(&extents, "extents", nil, "tile extents, one per dimension")
	cmd.Flags().Int64Var(&capacity, "capacity", 10000, "sparse tile capacity in cells")
	cmd.Flags().BoolVar(&dense, "dense", false, "dense array")
	cmd.Flags().StringVar(&cellOrder, "cell-order", "row-major", "row-major|col-major|hilbert")
	cmd.Flags().StringVar(&tileOrder, "tile-order", "row-major", "row-major|col-major|hilbert")
	return cmd
}

func buildSchema(name string, dims, attrs, extents []string, capacity int64, dense bool, cellOrder, tileOrder string) (*tilestore.ArraySchema, error) {
	s := &tilestore.ArraySchema{
		Name:       name,
		CoordsType: tilestore.Int64,
		Capacity:   capacity,
		Dense:      dense,
	}
	var err error
	if s.CellOrder, err = parseLayout(cellOrder); err != nil {
		return nil, err
	}
	if s.TileOrder, err = parseLayout(tileOrder); err != nil {
		return nil, err
	}
	for _, d := range dims {
		parts := strings.Split(d, ":")
		if len(parts) != 3 {
			return nil, errors.Errorf("dimension %q: want name:lo:hi", d)
		}
		lo, err1 := strconv.ParseInt(parts[1], 10, 64)
		hi, err2 := strconv.ParseInt(parts[2], 10, 64)
		if err1 != nil || err2 != nil {
			return nil, errors.Errorf("dimension %q: bad bounds", d)
		}
		s.Dimensions = append(s.Dimensions, tilestore.Dimension{Name: parts[0], Domain: [2]int64{lo, hi}})
	}
	for _, e := range extents {
		v, err := strconv.ParseInt(e, 10, 64)
		if err != nil {
			return nil, errors.Errorf("tile extent %q", e)
		}
		s.TileExtents = append(s.TileExtents, v)
	}
	for _, a := range attrs {
		parts := strings.Split(a, ":")
		if len(parts) < 2 {
			return nil, errors.Errorf("attribute %q: want name:type[:valnum][:codec]", a)
		}
		attr := tilestore.Attribute{Name: parts[0], CellValNum: 1}
		if attr.Type, err = parseType(parts[1]); err != nil {
			return nil, err
		}
		if len(parts) > 2 {
			if parts[2] == "var" {
				attr.CellValNum = tilestore.VarNum
			} else {
				n, err := strconv.ParseUint(parts[2], 10, 32)
				if err != nil {
					return nil, errors.Errorf("attribute %q: bad values per cell", a)
				}
				attr.CellValNum = uint32(n)
			}
		}
		if len(parts) > 3 {
			if attr.Compressor, err = parseCompressor(parts[3]); err != nil {
				return nil, err
			}
		}
		s.Attributes = append(s.Attributes, attr)
	}
	return s, nil
}

func parseLayout(s string) (tilestore.Layout, error) {
	switch s {
	case "row-major":
		return tilestore.RowMajor, nil
	case "col-major":
		return tilestore.ColMajor, nil
	case "hilbert":
		return tilestore.HilbertOrder, nil
	}
	return 0, errors.Errorf("layout %q", s)
}

func parseType(s string) (tilestore.Datatype, error) {
	switch s {
	case "int32":
		return tilestore.Int32, nil
	case "int64":
		return tilestore.Int64, nil
	case "float32":
		return tilestore.Float32, nil
	case "float64":
		return tilestore.Float64, nil
	case "char":
		return tilestore.Char, nil
	case "uint8":
		return tilestore.UInt8, nil
	case "uint64":
		return tilestore.UInt64, nil
	}
	return 0, errors.Errorf("type %q", s)
}

func parseCompressor(s string) (tilestore.Compressor, error) {
	switch s {
	case "none":
		return tilestore.NoCompression, nil
	case "gzip":
		return tilestore.GzipCompression, nil
	case "zstd":
		return tilestore.ZstdCompression, nil
	case "lz4":
		return tilestore.LZ4Compression, nil
	case "snappy":
		return tilestore.SnappyCompression, nil
	}
	return 0, errors.Errorf("compressor %q", s)
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [PATH]",
		Short: "List the objects in the workspace or a group",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sm, err := manager()
			if err != nil {
				return err
			}
			defer sm.Close()
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			entries, err := sm.Ls(target)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%-10s %s\n", e.Type, e.Name)
			}
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete PATH",
		Short: "Delete a group, array or metadata object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sm, err := manager()
			if err != nil {
				return err
			}
			defer sm.Close()
			return sm.Delete(args[0])
		},
	}
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear PATH",
		Short: "Empty an object without removing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sm, err := manager()
			if err != nil {
				return err
			}
			defer sm.Close()
			return sm.Clear(args[0])
		},
	}
}

func newMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move OLD NEW",
		Short: "Rename an object inside the workspace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sm, err := manager()
			if err != nil {
				return err
			}
			defer sm.Close()
			return sm.Move(args[0], args[1])
		},
	}
}

func newConsolidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate ARRAY",
		Short: "Merge an array's fragments into one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sm, err := manager()
			if err != nil {
				return err
			}
			defer sm.Close()
			return sm.ArrayConsolidate(args[0])
		},
	}
}
