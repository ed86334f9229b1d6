// Package config loads the engine configuration from an INI file. A
// missing file is not an error: every knob has a default, so an empty
// path or an absent file yields a fully usable configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/ini.v1"

	"github.com/granitedb/granite/core/indexing/btree"
	"github.com/granitedb/granite/core/indexing/hash"
	"github.com/granitedb/granite/pkg/logger"
	"github.com/granitedb/granite/pkg/telemetry"
)

// EngineConfig is the [engine] section: where the data lives and how the
// storage structures are sized.
type EngineConfig struct {
	// DataDir holds the database file and the write-ahead log directory.
	DataDir string `ini:"data_dir"`
	// PageSize is fixed at format time; opening an existing file with a
	// different value is refused.
	PageSize int `ini:"page_size"`
	// PoolSize is the buffer pool's frame count.
	PoolSize int `ini:"pool_size"`
	// BTreeOrder is the fan-out of newly created tree indexes.
	BTreeOrder int `ini:"btree_order"`
	// HashBuckets is the initial bucket count of newly created hash
	// indexes; it must be a power of two.
	HashBuckets int `ini:"hash_buckets"`
	// LockTimeout bounds every lock wait; expiry aborts the waiter.
	LockTimeout time.Duration `ini:"lock_timeout"`
}

// WALConfig is the [wal] section. Zero values defer to the log manager's
// own defaults.
type WALConfig struct {
	SegmentSize   int64         `ini:"segment_size"`
	BufferSize    int           `ini:"buffer_size"`
	FlushInterval time.Duration `ini:"flush_interval"`
	// ArchiveDir receives truncated segments; empty removes them instead.
	ArchiveDir       string `ini:"archive_dir"`
	ArchiveRateLimit int64  `ini:"archive_rate_limit"`
}

// Config is the full configuration tree.
type Config struct {
	Engine    EngineConfig
	WAL       WALConfig
	Log       logger.Config
	Telemetry telemetry.Config
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			DataDir:     "data",
			PageSize:    4096,
			PoolSize:    256,
			BTreeOrder:  btree.DefaultOrder,
			HashBuckets: hash.DefaultBuckets,
			LockTimeout: 30 * time.Second,
		},
		Log: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stdout",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "granite",
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads path and overlays it on the defaults, section by section. An
// empty path or a file that does not exist returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	file, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	sections := map[string]interface{}{
		"engine":    &cfg.Engine,
		"wal":       &cfg.WAL,
		"log":       &cfg.Log,
		"telemetry": &cfg.Telemetry,
	}
	for name, target := range sections {
		if err := file.Section(name).MapTo(target); err != nil {
			return cfg, fmt.Errorf("config section [%s] in %s: %w", name, path, err)
		}
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Engine.PageSize < 64 {
		return fmt.Errorf("page_size %d is too small", c.Engine.PageSize)
	}
	if c.Engine.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.Engine.PoolSize)
	}
	if c.Engine.HashBuckets > 0 && c.Engine.HashBuckets&(c.Engine.HashBuckets-1) != 0 {
		return fmt.Errorf("hash_buckets must be a power of two, got %d", c.Engine.HashBuckets)
	}
	return nil
}
