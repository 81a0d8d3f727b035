package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/linkedin/goavro/v2"

	"github.com/spez-io/spez/schema"
)

// EncodeError indicates a row value whose runtime type does not match the
// declared column type. The row is not retryable by re-reading.
type EncodeError struct {
	Column string
	Msg    string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode error on column %s: %s", e.Column, e.Msg)
}

type avroField struct {
	Name string `json:"name"`
	Type any    `json:"type"`
}

type avroRecord struct {
	Type      string      `json:"type"`
	Name      string      `json:"name"`
	Namespace string      `json:"namespace"`
	Fields    []avroField `json:"fields"`
}

// wireType maps a semantic column type to its Avro wire type name.
func wireType(t schema.Type) (string, error) {
	switch t {
	case schema.TypeInt64, schema.TypeTimestamp:
		return "long", nil
	case schema.TypeFloat64:
		return "double", nil
	case schema.TypeBool:
		return "boolean", nil
	case schema.TypeString:
		return "string", nil
	case schema.TypeBytes:
		return "bytes", nil
	case schema.TypeDate:
		return "int", nil
	}
	return "", fmt.Errorf("no wire type for %s", t)
}

// BuildSchema derives the Avro record schema JSON for a SchemaSet. Fields
// appear in ordinal order; nullable columns become ["null", T] unions.
func BuildSchema(set *schema.SchemaSet) (string, error) {
	rec := avroRecord{
		Type:      "record",
		Name:      set.TableName,
		Namespace: set.Namespace,
		Fields:    make([]avroField, 0, len(set.Fields)),
	}
	for _, f := range set.Fields {
		wt, err := wireType(f.Type)
		if err != nil {
			return "", err
		}
		field := avroField{Name: f.Name, Type: any(wt)}
		if f.Nullable {
			field.Type = []any{"null", wt}
		}
		rec.Fields = append(rec.Fields, field)
	}

	out, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal schema: %w", err)
	}
	return string(out), nil
}

// Encoder serialises rows into Avro binary records. Encoding is
// referentially transparent: the same row always yields the same bytes.
type Encoder struct {
	set   *schema.SchemaSet
	codec *goavro.Codec
}

// NewEncoder compiles the destination schema of set into a binary encoder.
func NewEncoder(set *schema.SchemaSet) (*Encoder, error) {
	avroSchema := set.AvroSchema
	if avroSchema == "" {
		built, err := BuildSchema(set)
		if err != nil {
			return nil, err
		}
		avroSchema = built
	}

	codec, err := goavro.NewCodec(avroSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to compile avro schema: %w", err)
	}
	return &Encoder{set: set, codec: codec}, nil
}

// Schema returns the serialised destination schema.
func (e *Encoder) Schema() string { return e.codec.Schema() }

// Encode serialises a row into Avro binary. No coercion is attempted; a
// value whose runtime type disagrees with the declared column type fails.
func (e *Encoder) Encode(row *schema.Row) ([]byte, error) {
	native := make(map[string]any, len(e.set.Fields))
	for _, f := range e.set.Fields {
		v, ok := row.Column(f.Name)
		if !ok {
			return nil, &EncodeError{Column: f.Name, Msg: "missing from row"}
		}
		nv, wt, err := nativeValue(f, v)
		if err != nil {
			return nil, err
		}
		if f.Nullable {
			if nv == nil {
				native[f.Name] = nil
			} else {
				// goavro union convention: {"<type>": value}
				native[f.Name] = map[string]any{wt: nv}
			}
		} else {
			if nv == nil {
				return nil, &EncodeError{Column: f.Name, Msg: "NULL in non-nullable column"}
			}
			native[f.Name] = nv
		}
	}

	out, err := e.codec.BinaryFromNative(nil, native)
	if err != nil {
		return nil, &EncodeError{Column: e.set.TableName, Msg: err.Error()}
	}
	return out, nil
}

// unixEpochDate anchors DATE encoding as days since 1970-01-01.
var unixEpochDate = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

// expectedKind maps a declared column type to the runtime kind it accepts.
func expectedKind(t schema.Type) schema.Kind {
	switch t {
	case schema.TypeInt64:
		return schema.KindInt64
	case schema.TypeFloat64:
		return schema.KindFloat64
	case schema.TypeBool:
		return schema.KindBool
	case schema.TypeString:
		return schema.KindString
	case schema.TypeBytes:
		return schema.KindBytes
	case schema.TypeTimestamp:
		return schema.KindTimestamp
	case schema.TypeDate:
		return schema.KindDate
	}
	return schema.KindNull
}

// nativeValue converts a typed value to its goavro native form, validating
// the runtime kind against the declared type.
func nativeValue(f schema.Field, v schema.Value) (any, string, error) {
	wt, err := wireType(f.Type)
	if err != nil {
		return nil, "", &EncodeError{Column: f.Name, Msg: err.Error()}
	}
	if v.Null() {
		return nil, wt, nil
	}
	if v.Kind != expectedKind(f.Type) {
		return nil, "", &EncodeError{
			Column: f.Name,
			Msg:    fmt.Sprintf("declared %s, got %s", f.Type, v.Kind),
		}
	}
	switch f.Type {
	case schema.TypeInt64:
		return v.Int64, wt, nil
	case schema.TypeFloat64:
		return v.Float64, wt, nil
	case schema.TypeBool:
		return v.Bool, wt, nil
	case schema.TypeString:
		return v.Str, wt, nil
	case schema.TypeBytes:
		if v.Bytes == nil {
			return nil, wt, &EncodeError{Column: f.Name, Msg: "BYTES value is nil"}
		}
		return v.Bytes, wt, nil
	case schema.TypeTimestamp:
		return v.Time.UTC().UnixMicro(), wt, nil
	case schema.TypeDate:
		days := int32(v.Date.In(time.UTC).Sub(unixEpochDate) / (24 * time.Hour))
		return days, wt, nil
	}
	return nil, "", &EncodeError{Column: f.Name, Msg: fmt.Sprintf("unsupported type %s", f.Type)}
}
