package flow

import (
	"context"
	"fmt"
	"strings"

	"pinecone-agent/internal/domain"
)

// supplementary resolves the data a step references into prompt text.
func (e *Engine) supplementary(ctx context.Context, step domain.Step) (string, error) {
	if step.Data == nil || len(step.Data.Keys) == 0 {
		return "", nil
	}
	switch step.Data.Source {
	case domain.DataSourceKnowledge:
		entries := e.kb.DataFor(step.Data.Keys)
		lines := make([]string, 0, len(entries))
		for _, d := range entries {
			lines = append(lines, d.Topic+": "+d.Content)
		}
		return strings.Join(lines, "\n"), nil
	case domain.DataSourceTable:
		var parts []string
		for _, table := range step.Data.Keys {
			cols, ok := e.kb.Columns(table)
			if !ok {
				e.logger.Warn("step references unknown table", "step", step.Name, "table", table)
				continue
			}
			rows, err := e.store.FetchTable(ctx, table, cols)
			if err != nil {
				return "", fmt.Errorf("flow: fetch %s: %w", table, err)
			}
			if s := formatRecords(rows); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n"), nil
	default:
		e.logger.Warn("step references unknown data source", "step", step.Name, "source", step.Data.Source)
		return "", nil
	}
}

// formatRecords renders rows as numbered blocks of "column:value" lines. Null
// columns are omitted.
func formatRecords(rows []domain.Record) string {
	var b strings.Builder
	for i, row := range rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "Entry %d:", i+1)
		for _, f := range row {
			if !f.Valid {
				continue
			}
			fmt.Fprintf(&b, "\n%s:%s", f.Name, f.Value)
		}
	}
	return b.String()
}
