package db

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"

	"github.com/spez-io/spez/common"
)

// LptsError indicates a malformed bookkeeping row; fatal at startup.
type LptsError struct {
	Table string
	Err   error
}

func (e *LptsError) Error() string {
	return fmt.Sprintf("malformed last-processed-timestamp row in %s: %v", e.Table, e.Err)
}

func (e *LptsError) Unwrap() error { return e.Err }

// LptsStore reads and optionally writes the single-row bookkeeping table
// (Id=0, CommitTimestamp, LastProcessedTimestamp).
type LptsStore struct {
	client *Client
	table  string
}

// NewLptsStore creates a store over the named bookkeeping table.
func NewLptsStore(client *Client, table string) *LptsStore {
	return &LptsStore{client: client, table: table}
}

// ReadLpts performs a strong read of the bookkeeping row. Returns
// (zero, false, nil) when the row is absent.
func (s *LptsStore) ReadLpts(ctx context.Context) (time.Time, bool, error) {
	stmt := spanner.Statement{
		SQL: fmt.Sprintf("SELECT LastProcessedTimestamp FROM `%s` WHERE Id = 0", s.table),
	}

	iter := s.client.spc.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read %s: %w", s.table, err)
	}

	var raw string
	if err := row.Columns(&raw); err != nil {
		return time.Time{}, false, &LptsError{Table: s.table, Err: err}
	}

	ts, err := common.ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, false, &LptsError{Table: s.table, Err: err}
	}

	log.Info().Time("lpts", ts).Msg("Recovered last processed timestamp")
	return ts, true, nil
}

// Acknowledge durably records ts as the last processed timestamp. Normally
// the downstream ledger consumer owns these writes; this path is used only
// when lpts_acknowledge is enabled.
func (s *LptsStore) Acknowledge(ctx context.Context, ts time.Time) error {
	m := spanner.InsertOrUpdate(s.table,
		[]string{"Id", "CommitTimestamp", "LastProcessedTimestamp"},
		[]interface{}{int64(0), spanner.CommitTimestamp, common.FormatTimestamp(ts)},
	)
	if _, err := s.client.spc.Apply(ctx, []*spanner.Mutation{m}); err != nil {
		return fmt.Errorf("failed to acknowledge lpts: %w", err)
	}
	return nil
}
