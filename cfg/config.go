package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// CatalogStoreType defines where the database catalog is persisted
type CatalogStoreType string

const (
	CatalogMemory CatalogStoreType = "memory" // Lost on restart
	CatalogPebble CatalogStoreType = "pebble" // Pebble store under data_dir
)

// SessionsConfiguration controls the session registry
type SessionsConfiguration struct {
	MaxSessions         int `toml:"max_sessions"`
	MaxNestingDepth     int `toml:"max_nesting_depth"`
	MaxDatabases        int `toml:"max_databases"`
	WatermarkShards     int `toml:"watermark_shards"`      // 0 = one per CPU
	WatermarkIntervalMS int `toml:"watermark_interval_ms"` // How often the oldest transaction is recomputed
}

// CachePriorityConfiguration controls the instance-wide cache priority
type CachePriorityConfiguration struct {
	Instance int `toml:"instance"`
}

// CatalogConfiguration controls database catalog persistence
type CatalogConfiguration struct {
	Store       CatalogStoreType `toml:"store"`
	CacheSizeMB int              `toml:"cache_size_mb"`
	Sync        bool             `toml:"sync"`
}

// MacroLogConfiguration controls the macro abort log
type MacroLogConfiguration struct {
	Enabled      bool `toml:"enabled"`
	SyncOnAppend bool `toml:"sync_on_append"`
	MaxFileMB    int  `toml:"max_file_mb"`
}

// AdminConfiguration for the HTTP admin API
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Empty disables auth
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID uint64 `toml:"instance_id"`
	DataDir    string `toml:"data_dir"`

	Sessions      SessionsConfiguration      `toml:"sessions"`
	CachePriority CachePriorityConfiguration `toml:"cache_priority"`
	Catalog       CatalogConfiguration       `toml:"catalog"`
	MacroLog      MacroLogConfiguration      `toml:"macro_log"`
	Admin         AdminConfiguration         `toml:"admin"`
	Logging       LoggingConfiguration       `toml:"logging"`
	Prometheus    PrometheusConfiguration    `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag  = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag     = flag.String("data-dir", "", "Data directory (overrides config)")
	InstanceIDFlag  = flag.Uint64("instance-id", 0, "Instance ID (overrides config, 0=auto)")
	AdminPortFlag   = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	MaxSessionsFlag = flag.Int("max-sessions", 0, "Session quota (overrides config)")
)

// Default configuration
var Config = &Configuration{
	InstanceID: 0, // Auto-generate
	DataDir:    "./trxbook-data",

	Sessions: SessionsConfiguration{
		MaxSessions:         1024,
		MaxNestingDepth:     10,
		MaxDatabases:        7,
		WatermarkShards:     0,
		WatermarkIntervalMS: 1000,
	},

	CachePriority: CachePriorityConfiguration{
		Instance: 100,
	},

	Catalog: CatalogConfiguration{
		Store:       CatalogPebble,
		CacheSizeMB: 8,
		Sync:        true,
	},

	MacroLog: MacroLogConfiguration{
		Enabled:      true,
		SyncOnAppend: true,
		MaxFileMB:    16,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "127.0.0.1",
		Port:        8090,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
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
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *InstanceIDFlag != 0 {
		Config.InstanceID = *InstanceIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *MaxSessionsFlag != 0 {
		Config.Sessions.MaxSessions = *MaxSessionsFlag
	}

	// Auto-generate instance ID if not set
	if Config.InstanceID == 0 {
		var err error
		Config.InstanceID, err = generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		log.Info().Uint64("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateInstanceID derives a stable instance ID from the machine ID,
// falling back to the hostname on hosts without one.
func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("trxbook")
	if err != nil {
		host, herr := os.Hostname()
		if herr != nil {
			return 0, err
		}
		log.Warn().Err(err).Str("hostname", host).Msg("Machine ID unavailable, deriving instance ID from hostname")
		id = host
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	if sum := h.Sum64(); sum != 0 {
		return sum, nil
	}
	return 1, nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Sessions.MaxSessions < 1 {
		return fmt.Errorf("max sessions must be >= 1")
	}

	if Config.Sessions.MaxNestingDepth < 1 {
		return fmt.Errorf("max nesting depth must be >= 1")
	}

	if Config.Sessions.MaxDatabases < 1 || Config.Sessions.MaxDatabases > 256 {
		return fmt.Errorf("max databases must be in [1, 256]: %d", Config.Sessions.MaxDatabases)
	}

	if Config.Sessions.WatermarkShards < 0 {
		return fmt.Errorf("watermark shards must be >= 0")
	}

	if Config.Sessions.WatermarkIntervalMS < 1 {
		return fmt.Errorf("watermark interval must be >= 1ms")
	}

	if Config.CachePriority.Instance < 0 || Config.CachePriority.Instance > 1000 {
		return fmt.Errorf("invalid instance cache priority: %d", Config.CachePriority.Instance)
	}

	switch Config.Catalog.Store {
	case CatalogMemory:
	case CatalogPebble:
		if Config.Catalog.CacheSizeMB < 1 {
			return fmt.Errorf("catalog cache size must be >= 1MB")
		}
	default:
		return fmt.Errorf("invalid catalog store: %q", Config.Catalog.Store)
	}

	if Config.MacroLog.Enabled && Config.MacroLog.MaxFileMB < 1 {
		return fmt.Errorf("macro log max file size must be >= 1MB")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Prometheus.Enabled && !Config.Admin.Enabled {
		log.Warn().Msg("Prometheus enabled without admin server, /metrics will not be served")
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %q", Config.Logging.Format)
	}

	return nil
}
