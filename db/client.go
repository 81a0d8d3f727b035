package db

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Credential scopes required for catalog and data reads.
const (
	ScopeCloudPlatform = "https://www.googleapis.com/auth/cloud-platform"
	ScopeSpannerData   = "https://www.googleapis.com/auth/spanner.data"
)

// Client owns the database handle for the tailer's lifetime. It is shared
// read-only by the query paths, created once and closed on shutdown.
type Client struct {
	spc       *spanner.Client
	database  string
	staleness time.Duration
}

// Open connects to the database at databasePath, the fully qualified
// projects/<project>/instances/<instance>/databases/<db> path.
func Open(ctx context.Context, databasePath string, staleness time.Duration, opts ...option.ClientOption) (*Client, error) {
	opts = append([]option.ClientOption{
		option.WithScopes(ScopeCloudPlatform, ScopeSpannerData),
	}, opts...)

	spc, err := spanner.NewClient(ctx, databasePath, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", databasePath, err)
	}

	log.Info().Str("database", databasePath).Msg("Opened database")

	return &Client{
		spc:       spc,
		database:  databasePath,
		staleness: staleness,
	}, nil
}

// Close releases the database handle.
func (c *Client) Close() {
	c.spc.Close()
}

// staleRead returns a read-only transaction at the configured staleness
// bound; zero staleness degrades to a strong read.
func (c *Client) staleRead() *spanner.ReadOnlyTransaction {
	if c.staleness <= 0 {
		return c.spc.Single()
	}
	return c.spc.Single().WithTimestampBound(spanner.MaxStaleness(c.staleness))
}

// IsTransient reports whether err is a mid-stream failure the next poll
// cycle will recover from.
func IsTransient(err error) bool {
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted, codes.Internal:
		return true
	}
	return false
}
