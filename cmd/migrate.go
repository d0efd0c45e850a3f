package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pinecone-agent/internal/knowledge"
)

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// rowPutter writes keyed live-table rows (DynamoDB).
type rowPutter interface {
	PutTableRow(ctx context.Context, table, rowID string, values map[string]string) error
}

// rowPusher inserts live-table rows (MySQL).
type rowPusher interface {
	Push(ctx context.Context, table string, values map[string]any) (int64, error)
}

// seedFile maps a live table name to the rows to load into it.
type seedFile map[string][]map[string]string

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the MySQL schema and optionally seed live tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			seedPath, _ := cmd.Flags().GetString("seed-file")
			return migrate(cmd.Context(), v, seedPath)
		},
	}
	cmd.Flags().String("seed-file", "", "YAML file of live table rows to load.")
	return cmd
}

func migrate(ctx context.Context, v *viper.Viper, seedPath string) error {
	cfg, logger, err := loadConfig(v)
	if err != nil {
		return err
	}
	comp, err := newComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comp.Close()

	kb, err := knowledge.Load(cfg.Knowledge)
	if err != nil {
		return err
	}
	store, err := comp.store(ctx, kb)
	if err != nil {
		return err
	}

	if s, ok := store.(schemaEnsurer); ok {
		if err := s.EnsureSchema(ctx); err != nil {
			return err
		}
		logger.Info("schema ready", "backend", cfg.Store.Backend)
	}
	if seedPath == "" {
		return nil
	}

	seed, err := readSeedFile(seedPath)
	if err != nil {
		return err
	}
	return seedTables(ctx, store, kb, seed, logger)
}

func readSeedFile(path string) (seedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	return seed, nil
}

// seedTables loads rows into tables the knowledge file declares. Columns not
// declared for a table are rejected.
func seedTables(ctx context.Context, store any, kb *knowledge.Base, seed seedFile, logger *slog.Logger) error {
	tables := make([]string, 0, len(seed))
	for t := range seed {
		tables = append(tables, t)
	}
	slices.Sort(tables)

	for _, table := range tables {
		cols, ok := kb.Columns(table)
		if !ok {
			return fmt.Errorf("seed: table %q is not declared in the knowledge file", table)
		}
		for i, row := range seed[table] {
			for col := range row {
				if !slices.Contains(cols, col) {
					return fmt.Errorf("seed: %s row %d: unknown column %q", table, i+1, col)
				}
			}
			if err := putRow(ctx, store, table, i+1, row); err != nil {
				return err
			}
		}
		logger.Info("table seeded", "table", table, "rows", len(seed[table]))
	}
	return nil
}

func putRow(ctx context.Context, store any, table string, n int, row map[string]string) error {
	switch s := store.(type) {
	case rowPutter:
		return s.PutTableRow(ctx, table, fmt.Sprintf("%06d", n), row)
	case rowPusher:
		values := make(map[string]any, len(row))
		for col, v := range row {
			if v == "" {
				values[col] = nil
				continue
			}
			values[col] = v
		}
		_, err := s.Push(ctx, table, values)
		return err
	default:
		return fmt.Errorf("seed: store %T cannot write live tables", store)
	}
}
