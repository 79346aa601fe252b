package columnar

import "github.com/fsx-project/fsx/pkg/errtypes"

// Column describes one column of a Schema's table.
type Column struct {
	Type        string                 // SQL type, e.g. "INTEGER", "TEXT"
	Required    bool                   // create() fails InvalidArgument if missing
	Default     any                    // used when absent and not Required
	SQLColumn   string                 // physical column name, defaults to the map key
	Serialize   func(any) (any, error) // entity value -> SQL-bindable value
	Deserialize func(any) (any, error) // SQL-scanned value -> entity value
}

// Schema describes a generic one-row-per-entity table: its name, primary
// key column, and the set of columns it carries, plus the optional
// bookkeeping field names the store auto-advances.
type Schema struct {
	Table               string
	PrimaryKey          string
	Columns             map[string]Column
	VersionField        string // optional; auto-incremented on update, set to 1 on create
	CreatedAtField      string // optional; set once on create
	UpdatedAtField      string // optional; refreshed on every update
	CheckpointedAtField string // optional; refreshed on every checkpoint
}

func (s Schema) sqlColumn(field string) string {
	if c, ok := s.Columns[field]; ok && c.SQLColumn != "" {
		return c.SQLColumn
	}
	return field
}

func (s Schema) validate() error {
	if s.Table == "" {
		return &errtypes.Config{Field: "table", Reason: "must not be empty"}
	}
	if s.PrimaryKey == "" {
		return &errtypes.Config{Field: "primaryKey", Reason: "must not be empty"}
	}
	if _, ok := s.Columns[s.PrimaryKey]; !ok {
		return &errtypes.Config{Field: "primaryKey", Reason: "must name a declared column"}
	}
	return nil
}
