package schema

import (
	"context"
	"fmt"
	"sort"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"
)

// SchemaError indicates a malformed or unreachable catalog; fatal at startup.
type SchemaError struct {
	Table string
	Msg   string
	Err   error
}

func (e *SchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema error for table %s: %s: %v", e.Table, e.Msg, e.Err)
	}
	return fmt.Sprintf("schema error for table %s: %s", e.Table, e.Msg)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// ColumnMeta is one row of the catalog column listing, ordinal order.
type ColumnMeta struct {
	Name        string
	SpannerType string
	Nullable    bool
	Ordinal     int64
}

// KeyColumnMeta is one primary key column in key order.
type KeyColumnMeta struct {
	Name    string
	Ordinal int64
}

// ColumnOptionMeta is one column option row.
type ColumnOptionMeta struct {
	Column      string
	OptionName  string
	OptionValue string
}

// Catalog reads the information schema of the source database.
type Catalog interface {
	Columns(ctx context.Context, table string) ([]ColumnMeta, error)
	KeyColumns(ctx context.Context, table string) ([]KeyColumnMeta, error)
	ColumnOptions(ctx context.Context, table string) ([]ColumnOptionMeta, error)
}

// SchemaBuilder derives the serialised destination schema from a SchemaSet.
// Implemented by the codec package.
type SchemaBuilder func(set *SchemaSet) (string, error)

// Introspector builds a SchemaSet from catalog views.
type Introspector struct {
	catalog   Catalog
	namespace string
	tsColumn  string // Optional override; verified against column options
	build     SchemaBuilder
}

// NewIntrospector creates an introspector. tsColumn may be empty, in which
// case the commit-timestamp column is discovered from column options.
func NewIntrospector(catalog Catalog, namespace, tsColumn string, build SchemaBuilder) *Introspector {
	return &Introspector{
		catalog:   catalog,
		namespace: namespace,
		tsColumn:  tsColumn,
		build:     build,
	}
}

const commitTimestampOption = "allow_commit_timestamp"

// Discover queries the catalog views concurrently, joins them and returns
// the immutable SchemaSet for the table.
func (in *Introspector) Discover(ctx context.Context, table string) (*SchemaSet, error) {
	colsP := future.NewPromise[[]ColumnMeta]()
	go func() { colsP.Set(in.catalog.Columns(ctx, table)) }()
	keysP := future.NewPromise[[]KeyColumnMeta]()
	go func() { keysP.Set(in.catalog.KeyColumns(ctx, table)) }()
	optsP := future.NewPromise[[]ColumnOptionMeta]()
	go func() { optsP.Set(in.catalog.ColumnOptions(ctx, table)) }()

	cols, err := colsP.Future().Get()
	if err != nil {
		return nil, &SchemaError{Table: table, Msg: "catalog unreachable", Err: err}
	}
	keys, err := keysP.Future().Get()
	if err != nil {
		return nil, &SchemaError{Table: table, Msg: "catalog unreachable", Err: err}
	}
	opts, err := optsP.Future().Get()
	if err != nil {
		return nil, &SchemaError{Table: table, Msg: "catalog unreachable", Err: err}
	}

	if len(cols) == 0 {
		return nil, &SchemaError{Table: table, Msg: "table does not exist"}
	}

	tsColumn, err := in.resolveTsColumn(table, cols, opts)
	if err != nil {
		return nil, err
	}

	fields := make([]Field, 0, len(cols))
	for _, c := range cols {
		t, err := ParseType(c.SpannerType)
		if err != nil {
			return nil, &SchemaError{Table: table, Msg: "unsupported column", Err: err}
		}
		fields = append(fields, Field{Name: c.Name, Type: t, Nullable: c.Nullable})
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].Ordinal < keys[j].Ordinal })
	keyColumns := make([]string, 0, len(keys))
	for _, k := range keys {
		keyColumns = append(keyColumns, k.Name)
	}
	if len(keyColumns) == 0 {
		return nil, &SchemaError{Table: table, Msg: "table has no primary key"}
	}

	set := &SchemaSet{
		Namespace:  in.namespace,
		TableName:  table,
		TsColumn:   tsColumn,
		KeyColumns: keyColumns,
		Fields:     fields,
	}

	avro, err := in.build(set)
	if err != nil {
		return nil, &SchemaError{Table: table, Msg: "failed to build destination schema", Err: err}
	}
	set.AvroSchema = avro

	log.Info().
		Str("table", table).
		Str("ts_column", tsColumn).
		Int("columns", len(fields)).
		Strs("key_columns", keyColumns).
		Msg("Discovered table schema")

	return set, nil
}

// resolveTsColumn picks the commit-timestamp column: the enabled column with
// the lowest ordinal position, or the configured override when present.
func (in *Introspector) resolveTsColumn(table string, cols []ColumnMeta, opts []ColumnOptionMeta) (string, error) {
	enabled := make(map[string]bool)
	for _, o := range opts {
		if o.OptionName == commitTimestampOption && o.OptionValue == "TRUE" {
			enabled[o.Column] = true
		}
	}

	if in.tsColumn != "" {
		if !enabled[in.tsColumn] {
			return "", &SchemaError{Table: table, Msg: fmt.Sprintf("configured ts column %q does not allow commit timestamps", in.tsColumn)}
		}
		return in.tsColumn, nil
	}

	best := ""
	bestOrdinal := int64(-1)
	for _, c := range cols {
		if enabled[c.Name] && (bestOrdinal < 0 || c.Ordinal < bestOrdinal) {
			best = c.Name
			bestOrdinal = c.Ordinal
		}
	}
	if best == "" {
		return "", &SchemaError{Table: table, Msg: "no column allows commit timestamps"}
	}
	return best, nil
}
