package db

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"

	"github.com/spez-io/spez/schema"
)

// RowStream issues the polling query: all columns of the source table with a
// commit timestamp strictly greater than the watermark, in timestamp order.
type RowStream struct {
	client *Client
	set    *schema.SchemaSet
}

// NewRowStream creates a streaming reader bound to the discovered schema.
func NewRowStream(client *Client, set *schema.SchemaSet) *RowStream {
	return &RowStream{client: client, set: set}
}

// StreamNewer runs one bounded-stale, read-only streaming query and invokes
// fn for every decoded row in commit-timestamp order. An error from fn stops
// the stream and is returned unchanged.
func (r *RowStream) StreamNewer(ctx context.Context, since time.Time, limit int64, fn func(*schema.Row) error) error {
	stmt := spanner.Statement{
		SQL: fmt.Sprintf(
			"SELECT * FROM `%s` WHERE `%s` > @since ORDER BY `%s` LIMIT @limit",
			r.set.TableName, r.set.TsColumn, r.set.TsColumn,
		),
		Params: map[string]interface{}{
			"since": since,
			"limit": limit,
		},
	}

	txn := r.client.staleRead()
	iter := txn.Query(ctx, stmt)
	defer iter.Stop()

	for {
		row, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream read failed: %w", err)
		}

		decoded, err := r.decode(row)
		if err != nil {
			return err
		}
		if err := fn(decoded); err != nil {
			return err
		}
	}
}

// decode converts a result row into the typed row event, keyed and sized.
func (r *RowStream) decode(row *spanner.Row) (*schema.Row, error) {
	out := &schema.Row{Columns: make([]schema.Column, 0, len(r.set.Fields))}

	for _, f := range r.set.Fields {
		v, size, err := decodeColumn(row, f)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", f.Name, err)
		}
		out.Columns = append(out.Columns, schema.Column{Name: f.Name, Value: v})
		out.SizeBytes += size
	}

	tsVal, ok := out.Column(r.set.TsColumn)
	if !ok || tsVal.Kind != schema.KindTimestamp {
		return nil, fmt.Errorf("row is missing commit timestamp column %s", r.set.TsColumn)
	}
	out.CommitTs = tsVal.Time.UTC()

	key, err := schema.EncodeKey(r.set, out)
	if err != nil {
		return nil, err
	}
	out.Key = key

	return out, nil
}

func decodeColumn(row *spanner.Row, f schema.Field) (schema.Value, int64, error) {
	switch f.Type {
	case schema.TypeInt64:
		var v spanner.NullInt64
		if err := row.ColumnByName(f.Name, &v); err != nil {
			return schema.Value{}, 0, err
		}
		if !v.Valid {
			return schema.NullValue(), 0, nil
		}
		return schema.Int64Value(v.Int64), 8, nil

	case schema.TypeFloat64:
		var v spanner.NullFloat64
		if err := row.ColumnByName(f.Name, &v); err != nil {
			return schema.Value{}, 0, err
		}
		if !v.Valid {
			return schema.NullValue(), 0, nil
		}
		return schema.Float64Value(v.Float64), 8, nil

	case schema.TypeBool:
		var v spanner.NullBool
		if err := row.ColumnByName(f.Name, &v); err != nil {
			return schema.Value{}, 0, err
		}
		if !v.Valid {
			return schema.NullValue(), 0, nil
		}
		return schema.BoolValue(v.Bool), 1, nil

	case schema.TypeString:
		var v spanner.NullString
		if err := row.ColumnByName(f.Name, &v); err != nil {
			return schema.Value{}, 0, err
		}
		if !v.Valid {
			return schema.NullValue(), 0, nil
		}
		return schema.StringValue(v.StringVal), int64(len(v.StringVal)), nil

	case schema.TypeBytes:
		var v []byte
		if err := row.ColumnByName(f.Name, &v); err != nil {
			return schema.Value{}, 0, err
		}
		if v == nil {
			return schema.NullValue(), 0, nil
		}
		return schema.BytesValue(v), int64(len(v)), nil

	case schema.TypeTimestamp:
		var v spanner.NullTime
		if err := row.ColumnByName(f.Name, &v); err != nil {
			return schema.Value{}, 0, err
		}
		if !v.Valid {
			return schema.NullValue(), 0, nil
		}
		return schema.TimeValue(v.Time.UTC()), 8, nil

	case schema.TypeDate:
		var v spanner.NullDate
		if err := row.ColumnByName(f.Name, &v); err != nil {
			return schema.Value{}, 0, err
		}
		if !v.Valid {
			return schema.NullValue(), 0, nil
		}
		return schema.DateValue(v.Date), 4, nil
	}

	return schema.Value{}, 0, fmt.Errorf("unsupported type %s", f.Type)
}
