package schema

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// Type is the semantic column type of the source table.
type Type uint8

const (
	TypeInt64 Type = iota
	TypeFloat64
	TypeBool
	TypeString
	TypeBytes
	TypeTimestamp
	TypeDate
)

func (t Type) String() string {
	switch t {
	case TypeInt64:
		return "INT64"
	case TypeFloat64:
		return "FLOAT64"
	case TypeBool:
		return "BOOL"
	case TypeString:
		return "STRING"
	case TypeBytes:
		return "BYTES"
	case TypeTimestamp:
		return "TIMESTAMP"
	case TypeDate:
		return "DATE"
	}
	return fmt.Sprintf("TYPE(%d)", uint8(t))
}

// ParseType maps a Spanner type string (e.g. "STRING(MAX)") to a Type.
func ParseType(spannerType string) (Type, error) {
	base := spannerType
	if idx := strings.IndexByte(base, '('); idx >= 0 {
		base = base[:idx]
	}
	switch strings.ToUpper(strings.TrimSpace(base)) {
	case "INT64":
		return TypeInt64, nil
	case "FLOAT64":
		return TypeFloat64, nil
	case "BOOL":
		return TypeBool, nil
	case "STRING":
		return TypeString, nil
	case "BYTES":
		return TypeBytes, nil
	case "TIMESTAMP":
		return TypeTimestamp, nil
	case "DATE":
		return TypeDate, nil
	}
	return 0, fmt.Errorf("unsupported column type %q", spannerType)
}

// Field describes one column of the source table in ordinal order.
type Field struct {
	Name     string
	Type     Type
	Nullable bool
}

// SchemaSet is the immutable descriptor built once per tailer lifetime.
type SchemaSet struct {
	Namespace  string
	TableName  string
	TsColumn   string
	KeyColumns []string // Primary key columns in key order
	Fields     []Field  // All columns in ordinal order
	AvroSchema string   // Serialised destination schema
}

// Field returns the field with the given name.
func (s *SchemaSet) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Kind is the runtime kind of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt64
	KindFloat64
	KindBool
	KindString
	KindBytes
	KindTimestamp
	KindDate
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindInt64:
		return "INT64"
	case KindFloat64:
		return "FLOAT64"
	case KindBool:
		return "BOOL"
	case KindString:
		return "STRING"
	case KindBytes:
		return "BYTES"
	case KindTimestamp:
		return "TIMESTAMP"
	case KindDate:
		return "DATE"
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// Value is one typed column value. The variant selected by Kind is the only
// meaningful one; KindNull marks SQL NULL.
type Value struct {
	Kind    Kind
	Int64   int64
	Float64 float64
	Bool    bool
	Str     string
	Bytes   []byte
	Time    time.Time
	Date    civil.Date
}

// Null reports whether the value is SQL NULL.
func (v Value) Null() bool { return v.Kind == KindNull }

func NullValue() Value             { return Value{Kind: KindNull} }
func Int64Value(v int64) Value     { return Value{Kind: KindInt64, Int64: v} }
func Float64Value(v float64) Value { return Value{Kind: KindFloat64, Float64: v} }
func BoolValue(v bool) Value       { return Value{Kind: KindBool, Bool: v} }
func StringValue(v string) Value   { return Value{Kind: KindString, Str: v} }
func BytesValue(v []byte) Value    { return Value{Kind: KindBytes, Bytes: v} }
func TimeValue(v time.Time) Value  { return Value{Kind: KindTimestamp, Time: v} }
func DateValue(v civil.Date) Value { return Value{Kind: KindDate, Date: v} }

// Column is a named value in ordinal position.
type Column struct {
	Name  string
	Value Value
}

// Row is a single captured row event. Created by the streaming reader and
// destroyed once encoded and handed off.
type Row struct {
	Key       []byte
	CommitTs  time.Time
	Columns   []Column
	SizeBytes int64
}

// Column returns the value for the named column.
func (r *Row) Column(name string) (Value, bool) {
	for _, c := range r.Columns {
		if c.Name == name {
			return c.Value, true
		}
	}
	return Value{}, false
}

// keySeparator cannot appear inside textual key projections; Spanner STRING
// values never contain NUL.
const keySeparator = byte(0x00)

// EncodeKey serialises the primary key of a row: column values in key order
// joined by NUL, or length-prefixed when every key column is non-textual.
func EncodeKey(set *SchemaSet, row *Row) ([]byte, error) {
	textual := false
	for _, name := range set.KeyColumns {
		f, ok := set.Field(name)
		if !ok {
			return nil, fmt.Errorf("key column %q not in schema", name)
		}
		if f.Type == TypeString || f.Type == TypeTimestamp || f.Type == TypeDate {
			textual = true
		}
	}

	var buf bytes.Buffer
	for i, name := range set.KeyColumns {
		v, ok := row.Column(name)
		if !ok {
			return nil, fmt.Errorf("key column %q missing from row", name)
		}
		f, _ := set.Field(name)
		part, err := keyPart(f.Type, v)
		if err != nil {
			return nil, fmt.Errorf("key column %q: %w", name, err)
		}
		if textual {
			if i > 0 {
				buf.WriteByte(keySeparator)
			}
			buf.Write(part)
		} else {
			var lenBuf [4]byte
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(part)))
			buf.Write(lenBuf[:])
			buf.Write(part)
		}
	}
	return buf.Bytes(), nil
}

func keyPart(t Type, v Value) ([]byte, error) {
	if v.Null() {
		return nil, fmt.Errorf("NULL in primary key")
	}
	switch t {
	case TypeInt64:
		return []byte(fmt.Sprintf("%d", v.Int64)), nil
	case TypeFloat64:
		return []byte(fmt.Sprintf("%g", v.Float64)), nil
	case TypeBool:
		if v.Bool {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case TypeString:
		return []byte(v.Str), nil
	case TypeBytes:
		return v.Bytes, nil
	case TypeTimestamp:
		return []byte(v.Time.UTC().Format(time.RFC3339Nano)), nil
	case TypeDate:
		return []byte(v.Date.String()), nil
	}
	return nil, fmt.Errorf("unsupported key type %s", t)
}
