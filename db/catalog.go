package db

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"

	"github.com/spez-io/spez/schema"
)

// Catalog queries run as strong reads; they execute once at startup.

// Columns lists the table's columns in ordinal order.
func (c *Client) Columns(ctx context.Context, table string) ([]schema.ColumnMeta, error) {
	stmt := spanner.Statement{
		SQL: `SELECT COLUMN_NAME, SPANNER_TYPE, IS_NULLABLE, ORDINAL_POSITION
		      FROM INFORMATION_SCHEMA.COLUMNS
		      WHERE TABLE_NAME = @table
		      ORDER BY ORDINAL_POSITION`,
		Params: map[string]interface{}{"table": table},
	}

	var out []schema.ColumnMeta
	iter := c.spc.Single().Query(ctx, stmt)
	defer iter.Stop()
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read column catalog: %w", err)
		}

		var name, spannerType, nullable string
		var ordinal int64
		if err := row.Columns(&name, &spannerType, &nullable, &ordinal); err != nil {
			return nil, fmt.Errorf("failed to decode column catalog row: %w", err)
		}
		out = append(out, schema.ColumnMeta{
			Name:        name,
			SpannerType: spannerType,
			Nullable:    nullable == "YES",
			Ordinal:     ordinal,
		})
	}
	return out, nil
}

// KeyColumns lists the primary key columns in key order.
func (c *Client) KeyColumns(ctx context.Context, table string) ([]schema.KeyColumnMeta, error) {
	stmt := spanner.Statement{
		SQL: `SELECT COLUMN_NAME, ORDINAL_POSITION
		      FROM INFORMATION_SCHEMA.INDEX_COLUMNS
		      WHERE TABLE_NAME = @table AND INDEX_TYPE = 'PRIMARY_KEY'
		      ORDER BY ORDINAL_POSITION`,
		Params: map[string]interface{}{"table": table},
	}

	var out []schema.KeyColumnMeta
	iter := c.spc.Single().Query(ctx, stmt)
	defer iter.Stop()
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read index catalog: %w", err)
		}

		var name string
		var ordinal int64
		if err := row.Columns(&name, &ordinal); err != nil {
			return nil, fmt.Errorf("failed to decode index catalog row: %w", err)
		}
		out = append(out, schema.KeyColumnMeta{Name: name, Ordinal: ordinal})
	}
	return out, nil
}

// ColumnOptions lists column options, including allow_commit_timestamp.
func (c *Client) ColumnOptions(ctx context.Context, table string) ([]schema.ColumnOptionMeta, error) {
	stmt := spanner.Statement{
		SQL: `SELECT COLUMN_NAME, OPTION_NAME, OPTION_VALUE
		      FROM INFORMATION_SCHEMA.COLUMN_OPTIONS
		      WHERE TABLE_NAME = @table`,
		Params: map[string]interface{}{"table": table},
	}

	var out []schema.ColumnOptionMeta
	iter := c.spc.Single().Query(ctx, stmt)
	defer iter.Stop()
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read column options: %w", err)
		}

		var column, optionName, optionValue string
		if err := row.Columns(&column, &optionName, &optionValue); err != nil {
			return nil, fmt.Errorf("failed to decode column option row: %w", err)
		}
		out = append(out, schema.ColumnOptionMeta{
			Column:      column,
			OptionName:  optionName,
			OptionValue: optionValue,
		})
	}
	return out, nil
}
