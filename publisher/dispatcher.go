package publisher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/spez-io/spez/codec"
	"github.com/spez-io/spez/schema"
	"github.com/spez-io/spez/telemetry"
)

// DispatcherConfig configures the partitioned hand-off buffer.
type DispatcherConfig struct {
	Table       string  // Source table (message attribute and metric tag)
	Topic       string  // Ledger topic
	Sink        Sink    // Destination sink
	Encoder     Encoder // Row encoder
	BucketCount int     // Number of FIFO lanes
	WorkerCount int     // Bound on concurrent encode/publish work
	LaneDepth   int     // Buffered capacity per lane
}

type laneEvent struct {
	row      *schema.Row
	tsString string
}

// Dispatcher routes row events to FIFO lanes by a consistent hash of the
// primary key, encodes them and publishes to the sink. A full lane blocks
// the submitter; rows are never dropped.
type Dispatcher struct {
	config DispatcherConfig
	lanes  []chan laneEvent
	sem    chan struct{} // Bounds concurrent encode/publish across lanes
	wg     sync.WaitGroup
	closed atomic.Bool
}

// ErrDispatcherClosed is returned by Submit after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// NewDispatcher creates and starts the lane workers.
func NewDispatcher(config DispatcherConfig) (*Dispatcher, error) {
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Encoder == nil {
		return nil, fmt.Errorf("encoder is required")
	}
	if config.BucketCount < 1 || config.WorkerCount < 1 || config.LaneDepth < 1 {
		return nil, fmt.Errorf("bucket count, worker count and lane depth must be >= 1")
	}

	d := &Dispatcher{
		config: config,
		lanes:  make([]chan laneEvent, config.BucketCount),
		sem:    make(chan struct{}, config.WorkerCount),
	}

	for i := range d.lanes {
		d.lanes[i] = make(chan laneEvent, config.LaneDepth)
		d.wg.Add(1)
		go d.laneWorker(d.lanes[i])
	}

	log.Info().
		Str("table", config.Table).
		Str("topic", config.Topic).
		Int("buckets", config.BucketCount).
		Int("workers", config.WorkerCount).
		Msg("Started event dispatcher")

	return d, nil
}

// Submit hands a row event off to its lane. Blocks while the lane is full;
// returns once the lane accepted the event, not once it was published.
func (d *Dispatcher) Submit(ctx context.Context, row *schema.Row, tsString string) error {
	if d.closed.Load() {
		return ErrDispatcherClosed
	}

	bucket := Bucket(row.Key, len(d.lanes))
	select {
	case d.lanes[bucket] <- laneEvent{row: row, tsString: tsString}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// laneWorker drains one lane in FIFO order. Global parallelism is bounded
// by the worker semaphore.
func (d *Dispatcher) laneWorker(lane chan laneEvent) {
	defer d.wg.Done()
	for ev := range lane {
		d.sem <- struct{}{}
		d.process(ev)
		<-d.sem
	}
}

func (d *Dispatcher) process(ev laneEvent) {
	data, err := d.config.Encoder.Encode(ev.row)
	if err != nil {
		var encodeErr *codec.EncodeError
		if errors.As(err, &encodeErr) {
			// Corruption is not retryable by re-reading; skip the row.
			telemetry.EncodeErrorsTotal.Inc()
			log.Error().
				Err(err).
				Str("table", d.config.Table).
				Time("commit_ts", ev.row.CommitTs).
				Msg("Row skipped: encode failed")
			return
		}
		telemetry.EncodeErrorsTotal.Inc()
		log.Error().Err(err).Str("table", d.config.Table).Msg("Row skipped: encoder error")
		return
	}

	telemetry.MessageSizeBytes.With(d.config.Table).Observe(float64(len(data)))

	attrs := map[string]string{
		AttrTableName:       d.config.Table,
		AttrCommitTimestamp: ev.tsString,
	}
	key := base64.RawURLEncoding.EncodeToString(ev.row.Key)

	// No transport retry here: a failed publish is recovered through the
	// durable LPTS, which only advances when the downstream consumer has
	// seen the record.
	if err := d.config.Sink.Publish(context.Background(), d.config.Topic, key, data, attrs); err != nil {
		telemetry.PublishErrorsTotal.Inc()
		log.Error().
			Err(err).
			Str("topic", d.config.Topic).
			Str("table", d.config.Table).
			Msg("Failed to publish record")
	}
}

// Close stops accepting events, drains the lanes and waits for in-flight
// publishes, up to the context deadline. The producer must have stopped
// submitting before Close is called.
func (d *Dispatcher) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	for _, lane := range d.lanes {
		close(lane)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Str("table", d.config.Table).Msg("Dispatcher drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain deadline exceeded: %w", ctx.Err())
	}
}
