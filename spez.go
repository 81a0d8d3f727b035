package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/spez-io/spez/admin"
	"github.com/spez-io/spez/cfg"
	"github.com/spez-io/spez/codec"
	"github.com/spez-io/spez/db"
	"github.com/spez-io/spez/filter"
	"github.com/spez-io/spez/publisher"
	_ "github.com/spez-io/spez/publisher/sink"
	"github.com/spez-io/spez/schema"
	"github.com/spez-io/spez/tailer"
	"github.com/spez-io/spez/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Spez - Spanner change tailer")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx := context.Background()
	startedAt := time.Now()

	// Open the database handle; it lives for the process
	staleness := time.Duration(cfg.Config.Poll.StalenessMS) * time.Millisecond
	client, err := db.Open(ctx, cfg.DatabasePath(), staleness)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
		return
	}
	defer client.Close()

	// Discover the source table schema and compile the codec
	introspector := schema.NewIntrospector(
		client,
		cfg.Config.Spanner.Database,
		cfg.Config.Spanner.TsColumn,
		codec.BuildSchema,
	)
	set, err := introspector.Discover(ctx, cfg.Config.Spanner.Table)
	if err != nil {
		log.Fatal().Err(err).Msg("Schema discovery failed")
		return
	}

	encoder, err := codec.NewEncoder(set)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build encoder")
		return
	}

	// Downstream ledger
	snk, err := publisher.NewSink(cfg.Config.Sink)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create sink")
		return
	}
	defer snk.Close()

	dispatcher, err := publisher.NewDispatcher(publisher.DispatcherConfig{
		Table:       set.TableName,
		Topic:       cfg.Config.Sink.Topic,
		Sink:        snk,
		Encoder:     encoder,
		BucketCount: cfg.Config.Dispatch.BucketCount,
		WorkerCount: cfg.Config.Dispatch.WorkerCount,
		LaneDepth:   cfg.Config.Dispatch.LaneDepth,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create dispatcher")
		return
	}

	// Duplicate suppression
	dedup := filter.NewDedup(
		cfg.Config.Dedup.MaxEventCount,
		time.Duration(cfg.Config.Dedup.EventCacheTTLMS)*time.Millisecond,
	)
	vacuumStop := make(chan struct{})
	dedup.StartVacuum(vacuumStop, time.Duration(cfg.Config.Dedup.VacuumRateMS)*time.Millisecond)

	// Poll scheduler
	lptsStore := db.NewLptsStore(client, cfg.Config.Spanner.LptsTable)
	stream := db.NewRowStream(client, set)

	tail := tailer.New(tailer.Config{
		Table:         set.TableName,
		PollInterval:  time.Duration(cfg.Config.Poll.IntervalMS) * time.Millisecond,
		RecordLimit:   cfg.Config.Poll.RecordLimit,
		Epoch:         cfg.Epoch(),
		DrainDeadline: time.Duration(cfg.Config.Poll.DrainDeadlineMS) * time.Millisecond,
	}, stream, lptsStore, dedup, dispatcher)

	if err := tail.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start tailer")
		return
	}

	// Admin endpoint
	adminAddr := fmt.Sprintf("%s:%d", cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port)
	adminServer := admin.NewServer(adminAddr, func() admin.Status {
		return admin.Status{
			Table:         set.TableName,
			State:         tail.State().String(),
			Watermark:     tail.Watermark(),
			DedupEntries:  dedup.Len(),
			UptimeSeconds: time.Since(startedAt).Seconds(),
		}
	})
	adminServer.Start()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	tail.Stop()
	close(vacuumStop)

	drainCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Config.Poll.DrainDeadlineMS)*time.Millisecond)
	defer cancel()
	if err := dispatcher.Close(drainCtx); err != nil {
		log.Warn().Err(err).Msg("Dispatcher drain incomplete")
	}
	adminServer.Shutdown(drainCtx)

	// Normally the downstream ledger consumer owns LPTS writes; recording
	// the final watermark here is opt-in.
	if cfg.Config.Spanner.LptsAcknowledge {
		if err := lptsStore.Acknowledge(drainCtx, tail.Watermark()); err != nil {
			log.Warn().Err(err).Msg("Failed to record final watermark")
		}
	}

	log.Info().Msg("Shutdown complete")
}
