package tailer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spez-io/spez/common"
	"github.com/spez-io/spez/filter"
	"github.com/spez-io/spez/schema"
	"github.com/spez-io/spez/telemetry"
)

// State of the poll scheduler.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// RowStream issues one streaming read of rows newer than since, in commit
// timestamp order, up to limit rows.
type RowStream interface {
	StreamNewer(ctx context.Context, since time.Time, limit int64, fn func(*schema.Row) error) error
}

// LptsReader recovers the durable high-water mark.
type LptsReader interface {
	ReadLpts(ctx context.Context) (time.Time, bool, error)
}

// EventSink accepts ordered row events. Submit blocks while the hand-off
// buffer is saturated and returns once the event is accepted.
type EventSink interface {
	Submit(ctx context.Context, row *schema.Row, tsString string) error
}

// Config for the poll scheduler.
type Config struct {
	Table         string
	PollInterval  time.Duration
	RecordLimit   int64
	Epoch         time.Time // Watermark when no LPTS row exists
	DrainDeadline time.Duration
}

// Tailer drives the poll cycle: recover the watermark once, then repeatedly
// stream rows newer than it, dedup, hand off and advance.
//
// The poll goroutine is the only writer of the watermark; other goroutines
// read a snapshot no older than the last completed advance.
type Tailer struct {
	config Config
	stream RowStream
	lpts   LptsReader
	dedup  *filter.Dedup
	sink   EventSink

	running   atomic.Int64 // Re-entrancy guard
	state     atomic.Int32
	watermark atomic.Int64 // Unix nanos

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// New creates a tailer. Call Start to recover the watermark and begin
// polling.
func New(config Config, stream RowStream, lpts LptsReader, dedup *filter.Dedup, sink EventSink) *Tailer {
	t := &Tailer{
		config: config,
		stream: stream,
		lpts:   lpts,
		dedup:  dedup,
		sink:   sink,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	t.state.Store(int32(StateIdle))
	return t
}

// Start recovers the last processed timestamp and schedules the poll cycle.
// A malformed bookkeeping row is fatal here, before any poll runs.
func (t *Tailer) Start(ctx context.Context) error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	if t.started {
		return fmt.Errorf("tailer already started")
	}

	if err := t.recoverWatermark(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.started = true

	go t.run(runCtx)

	log.Info().
		Str("table", t.config.Table).
		Dur("poll_interval", t.config.PollInterval).
		Int64("record_limit", t.config.RecordLimit).
		Msg("Tailer started")

	return nil
}

// recoverWatermark adopts the durable last processed timestamp, falling
// back to the configured epoch when the bookkeeping row is absent.
func (t *Tailer) recoverWatermark(ctx context.Context) error {
	lpts, found, err := t.lpts.ReadLpts(ctx)
	if err != nil {
		return err
	}
	if !found {
		lpts = t.config.Epoch
		log.Info().
			Time("epoch", lpts).
			Msg("No last processed timestamp found, starting from epoch")
	}
	t.setWatermark(lpts)
	return nil
}

// run executes one cycle immediately, then one per tick until shutdown.
func (t *Tailer) run(ctx context.Context) {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	t.pollCycle(ctx)
	for {
		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.pollCycle(ctx)
		}
	}
}

// pollCycle runs one streaming read. Re-entrancy is forbidden: if another
// cycle is in flight the tick is skipped, not queued.
func (t *Tailer) pollCycle(ctx context.Context) {
	if t.running.Add(1) > 1 {
		t.running.Add(-1)
		telemetry.PollsSkippedTotal.Inc()
		log.Debug().Msg("Poll already in flight, skipping tick")
		return
	}
	defer t.running.Add(-1)

	if State(t.state.Load()) == StateIdle {
		t.state.Store(int32(StatePolling))
		defer t.state.CompareAndSwap(int32(StatePolling), int32(StateIdle))
	}

	since := t.Watermark()
	started := time.Now()
	emitted := 0

	log.Debug().Time("since", since).Msg("Polling for newer records")

	err := t.stream.StreamNewer(ctx, since, t.config.RecordLimit, func(row *schema.Row) error {
		accepted, err := t.handleRow(ctx, row)
		if err != nil {
			return err
		}
		if accepted {
			emitted++
		}
		return nil
	})
	if err != nil {
		// The watermark was not advanced past the failing row; the next
		// tick resumes from the last accepted position.
		telemetry.StreamErrorsTotal.Inc()
		telemetry.PollCyclesTotal.With("error").Inc()
		log.Error().
			Err(err).
			Time("watermark", t.Watermark()).
			Msg("Poll cycle aborted")
		return
	}

	telemetry.PollCyclesTotal.With("completed").Inc()
	log.Debug().
		Int("emitted", emitted).
		Dur("elapsed", time.Since(started)).
		Time("watermark", t.Watermark()).
		Msg("Poll cycle completed")
}

// handleRow validates ordering, suppresses duplicates, hands the row off
// and advances the watermark. Returns true when the row was emitted.
func (t *Tailer) handleRow(ctx context.Context, row *schema.Row) (bool, error) {
	watermark := t.Watermark()
	if row.CommitTs.Before(watermark) {
		log.Warn().
			Time("row_ts", row.CommitTs).
			Time("watermark", watermark).
			Msg("Row older than watermark, skipping")
		return false, nil
	}

	tsString := common.FormatTimestamp(row.CommitTs)

	if !t.dedup.IsFresh(row.Key, row.CommitTs, tsString) {
		telemetry.RowsSuppressedTotal.With(t.config.Table).Inc()
		t.setWatermark(row.CommitTs)
		return false, nil
	}

	// Hand-off, not completion: back-pressure from a saturated buffer
	// blocks here, rows are never dropped.
	if err := t.sink.Submit(ctx, row, tsString); err != nil {
		return false, fmt.Errorf("hand-off failed: %w", err)
	}

	t.setWatermark(row.CommitTs)
	telemetry.RowsEmittedTotal.With(t.config.Table).Inc()
	return true, nil
}

// Stop ends scheduling, lets the in-flight cycle drain until the deadline,
// then forces cancellation.
func (t *Tailer) Stop() {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	if !t.started || State(t.state.Load()) == StateStopped {
		return
	}

	t.state.Store(int32(StateDraining))
	close(t.stopCh)

	select {
	case <-t.doneCh:
	case <-time.After(t.config.DrainDeadline):
		log.Warn().Msg("Drain deadline exceeded, cancelling in-flight poll")
		t.cancel()
		<-t.doneCh
	}

	t.cancel()
	t.state.Store(int32(StateStopped))
	log.Info().Time("watermark", t.Watermark()).Msg("Tailer stopped")
}

// Watermark returns the last emitted commit timestamp.
func (t *Tailer) Watermark() time.Time {
	return time.Unix(0, t.watermark.Load()).UTC()
}

// setWatermark advances the single-writer watermark. Monotonic: never moves
// backwards.
func (t *Tailer) setWatermark(ts time.Time) {
	nanos := ts.UnixNano()
	if nanos < t.watermark.Load() {
		return
	}
	t.watermark.Store(nanos)
	telemetry.LastEmittedTimestampSeconds.Set(float64(nanos) / float64(time.Second))
}

// State returns the current scheduler state.
func (t *Tailer) State() State {
	return State(t.state.Load())
}
