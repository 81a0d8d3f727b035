package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// DefaultEpoch is the starting timestamp adopted when the bookkeeping table
// has no last-processed row.
const DefaultEpoch = "2019-08-08T20:30:39.802644Z"

// SpannerConfiguration identifies the source database and tables
type SpannerConfiguration struct {
	ProjectID       string `toml:"project_id"`
	Instance        string `toml:"instance"`
	Database        string `toml:"database"`
	Table           string `toml:"table"`
	LptsTable       string `toml:"lpts_table"`
	TsColumn        string `toml:"ts_column"`        // Empty = discover from COLUMN_OPTIONS
	LptsAcknowledge bool   `toml:"lpts_acknowledge"` // Write the final watermark to the LPTS table on clean shutdown (normally the downstream function owns writes)
}

// PollConfiguration controls the poll cycle
type PollConfiguration struct {
	IntervalMS      int    `toml:"interval_ms"`
	RecordLimit     int64  `toml:"record_limit"`
	StalenessMS     int    `toml:"staleness_ms"`
	EpochDefault    string `toml:"epoch_default"`
	DrainDeadlineMS int    `toml:"drain_deadline_ms"`
}

// DispatchConfiguration controls the hand-off buffer and worker pool
type DispatchConfiguration struct {
	BucketCount int `toml:"bucket_count"`
	WorkerCount int `toml:"worker_count"`
	LaneDepth   int `toml:"lane_depth"`
}

// DedupConfiguration controls the duplicate-suppression cache
type DedupConfiguration struct {
	MaxEventCount   int `toml:"max_event_count"`
	EventCacheTTLMS int `toml:"event_cache_ttl_ms"`
	VacuumRateMS    int `toml:"vacuum_rate_ms"`
}

// SinkConfiguration selects and configures the downstream ledger
type SinkConfiguration struct {
	Type    string   `toml:"type"` // "nats", "kafka" or "mock"
	Topic   string   `toml:"topic"`
	NatsURL string   `toml:"nats_url"`
	Brokers []string `toml:"brokers"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID uint64 `toml:"node_id"`

	Spanner    SpannerConfiguration    `toml:"spanner"`
	Poll       PollConfiguration       `toml:"poll"`
	Dispatch   DispatchConfiguration   `toml:"dispatch"`
	Dedup      DedupConfiguration      `toml:"dedup"`
	Sink       SinkConfiguration       `toml:"sink"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	TableFlag      = flag.String("table", "", "Source table (overrides config)")
	PollMSFlag     = flag.Int("poll-interval-ms", 0, "Poll interval in ms (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
)

// Default configuration
var Config = &Configuration{
	NodeID: 0, // Auto-generate

	Spanner: SpannerConfiguration{
		LptsTable: "lpts",
	},

	Poll: PollConfiguration{
		IntervalMS:      30000,
		RecordLimit:     10000,
		StalenessMS:     500,
		EpochDefault:    DefaultEpoch,
		DrainDeadlineMS: 10000,
	},

	Dispatch: DispatchConfiguration{
		BucketCount: 12,
		WorkerCount: 4,
		LaneDepth:   256,
	},

	Dedup: DedupConfiguration{
		MaxEventCount:   100000,
		EventCacheTTLMS: 3600000, // 1 hour
		VacuumRateMS:    60000,   // 1 minute
	},

	Sink: SinkConfiguration{
		Type: "nats",
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *TableFlag != "" {
		Config.Spanner.Table = *TableFlag
	}
	if *PollMSFlag != 0 {
		Config.Poll.IntervalMS = *PollMSFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("spez")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors. Any violation aborts startup.
func Validate() error {
	if Config.Spanner.ProjectID == "" {
		return fmt.Errorf("spanner project_id is required")
	}
	if Config.Spanner.Instance == "" {
		return fmt.Errorf("spanner instance is required")
	}
	if Config.Spanner.Database == "" {
		return fmt.Errorf("spanner database is required")
	}
	if Config.Spanner.Table == "" {
		return fmt.Errorf("spanner table is required")
	}
	if Config.Spanner.LptsTable == "" {
		return fmt.Errorf("spanner lpts_table is required")
	}

	if Config.Poll.IntervalMS < 1 {
		return fmt.Errorf("poll interval must be >= 1ms")
	}
	if Config.Poll.RecordLimit < 1 {
		return fmt.Errorf("poll record limit must be >= 1")
	}
	if Config.Poll.StalenessMS < 0 {
		return fmt.Errorf("poll staleness must be >= 0ms")
	}
	if Config.Poll.DrainDeadlineMS < 1 {
		return fmt.Errorf("poll drain deadline must be >= 1ms")
	}
	if _, err := time.Parse(time.RFC3339Nano, Config.Poll.EpochDefault); err != nil {
		return fmt.Errorf("invalid epoch_default %q: %w", Config.Poll.EpochDefault, err)
	}

	if Config.Dispatch.BucketCount < 1 {
		return fmt.Errorf("dispatch bucket count must be >= 1")
	}
	if Config.Dispatch.WorkerCount < 1 {
		return fmt.Errorf("dispatch worker count must be >= 1")
	}
	if Config.Dispatch.LaneDepth < 1 {
		return fmt.Errorf("dispatch lane depth must be >= 1")
	}

	if Config.Dedup.MaxEventCount < 1 {
		return fmt.Errorf("dedup max event count must be >= 1")
	}
	if Config.Dedup.EventCacheTTLMS < 1 {
		return fmt.Errorf("dedup event cache TTL must be >= 1ms")
	}
	if Config.Dedup.VacuumRateMS < 1 {
		return fmt.Errorf("dedup vacuum rate must be >= 1ms")
	}

	switch Config.Sink.Type {
	case "nats":
		if Config.Sink.NatsURL == "" {
			return fmt.Errorf("nats sink requires nats_url")
		}
	case "kafka":
		if len(Config.Sink.Brokers) == 0 {
			return fmt.Errorf("kafka sink requires at least one broker")
		}
	case "mock":
	default:
		return fmt.Errorf("unknown sink type: %s", Config.Sink.Type)
	}
	if Config.Sink.Topic == "" {
		return fmt.Errorf("sink topic is required")
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	return nil
}

// Epoch returns the parsed epoch default. Call after Validate.
func Epoch() time.Time {
	t, err := time.Parse(time.RFC3339Nano, Config.Poll.EpochDefault)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, DefaultEpoch)
	}
	return t.UTC()
}

// DatabasePath builds the fully qualified database path from the configured
// project, instance and database names.
func DatabasePath() string {
	return fmt.Sprintf("projects/%s/instances/%s/databases/%s",
		Config.Spanner.ProjectID, Config.Spanner.Instance, Config.Spanner.Database)
}
