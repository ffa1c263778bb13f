package domain

import (
	"fmt"
	"strings"
)

// ColumnSchema describes one column of a target table.
type ColumnSchema struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableSchema describes one target table.
type TableSchema struct {
	Name    string         `json:"name"`
	Columns []ColumnSchema `json:"columns"`
}

// SchemaContext is the compact description of a connection's tables handed to
// the translator.
type SchemaContext struct {
	Tables []TableSchema `json:"tables"`
}

// Empty reports whether no tables are known.
func (s SchemaContext) Empty() bool { return len(s.Tables) == 0 }

// Describe renders the schema as prompt text.
func (s SchemaContext) Describe() string {
	var b strings.Builder
	for _, t := range s.Tables {
		fmt.Fprintf(&b, "Table: %s\n", t.Name)
		for _, c := range t.Columns {
			fmt.Fprintf(&b, "  - %s (%s)\n", c.Name, c.Type)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
