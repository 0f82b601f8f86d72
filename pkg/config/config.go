// Package config defines the on-disk YAML configuration for lsmkv,
// parsed with github.com/goccy/go-yaml.
package config

import "path/filepath"

// Config is the root configuration structure loaded from lsmkvd's config
// file.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http_server"`
	Store  StoreConfig  `yaml:"store"`
}

// LoggerConfig controls the slog handler cmd/lsmkvd installs at startup.
type LoggerConfig struct {
	Level string `yaml:"level"` // one of debug, info, warn, error
	JSON  bool   `yaml:"json"`  // true selects slog.JSONHandler over TextHandler
}

// ServerConfig configures the demo HTTP surface in pkg/httpapi.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// StoreConfig configures the storage engine itself. Field names and
// defaults mirror the reference implementation's StorageConfig.
type StoreConfig struct {
	// DataDirectory holds the WAL and every SSTable file.
	DataDirectory string `yaml:"data_directory"`

	// MemtableMaxSize is the approximate byte size (per entry.EstimatedSize)
	// at which the active memtable is rotated out for flushing.
	MemtableMaxSize int `yaml:"memtable_max_size"`

	// SSTableMaxSize is carried from the reference configuration but, like
	// there, is not currently consulted by any compaction or flush
	// decision: size-tiered compaction triggers purely on table count.
	SSTableMaxSize int `yaml:"sstable_max_size"`

	// BloomFilterFalsePositiveRate is an integer percentage (1 means 1%),
	// matching the reference implementation's convention.
	BloomFilterFalsePositiveRate int `yaml:"bloom_filter_false_positive_rate"`

	// CompactionThreshold is the number of SSTables that must accumulate
	// before a compaction run is triggered.
	CompactionThreshold int `yaml:"compaction_threshold"`

	// CompactionWorkerQueueSize bounds how many pending compaction triggers
	// may queue up behind an in-progress run.
	CompactionWorkerQueueSize int `yaml:"compaction_worker_queue_size"`
}

// WALPath returns the path to the write-ahead log file.
func (c StoreConfig) WALPath() string {
	return filepath.Join(c.DataDirectory, "wal.log")
}

// SSTableDir returns the directory SSTable files are stored under.
func (c StoreConfig) SSTableDir() string {
	return filepath.Join(c.DataDirectory, "sstables")
}

// BloomFilterFraction converts the configured integer percentage into
// the fraction pkg/bloom expects (1 -> 0.01).
func (c StoreConfig) BloomFilterFraction() float64 {
	return float64(c.BloomFilterFalsePositiveRate) / 100.0
}

// Default returns the baseline configuration used when no config file is
// supplied, matching the reference implementation's built-in defaults.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "info",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Store: StoreConfig{
			DataDirectory:                "lsm_data",
			MemtableMaxSize:              1024 * 1024,
			SSTableMaxSize:               10 * 1024 * 1024,
			BloomFilterFalsePositiveRate: 1,
			CompactionThreshold:          4,
			CompactionWorkerQueueSize:    16,
		},
	}
}
