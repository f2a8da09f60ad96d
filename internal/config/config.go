package config

import (
	"bufio"
	"fmt"
	"github.com/litetable/litetable-db/internal/litetable"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	configFileName = "litetable.conf"
)

type Config struct {
	ServerAddress string
	ServerPort    string

	GarbageCollectionTimer int
	BackupTimer            int
	SnapshotTimer          int
	MaxSnapshotLimit       int
	Debug                  bool
	CloudEnvironment       string

	// OplogBufferCapacity bounds the number of entries held in the oplog
	// buffer before a producer blocks (internal/oplogbuffer).
	OplogBufferCapacity int

	// BatchMaxOps and BatchMaxBytes bound a single applied batch
	// (internal/batcher).
	BatchMaxOps   int
	BatchMaxBytes int

	// PartitionWorkers is the writer partitioner's worker count
	// (internal/partitioner).
	PartitionWorkers int

	// SweepInterval is the handle sweeper's tick cadence in seconds
	// (internal/sweeper, analogous to file_manager.close_scan_interval).
	SweepInterval int
	// HandlesMin is the open-handle floor below which expire() stops
	// closing handles (analogous to file_manager.close_handle_minimum).
	HandlesMin int
	// IdleTime is how long, in seconds, a handle must sit unused before
	// it's eligible for expiry (analogous to file_manager.close_idle_time).
	// cmd/secondaryd treats 0, like an absent key, as its 600-second
	// default, so expiry cannot be turned off from the config file; the
	// sweeper itself skips expiry only when given an idle time of 0.
	IdleTime int
}

func NewConfig() (*Config, error) {
	liteTableDir, err := litetable.GetLitetableDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get LiteTable directory: %w", err)
	}

	configPath := filepath.Join(liteTableDir, configFileName)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("LiteTable is not installed or configuration file not found")
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	config := &Config{}
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip comments and empty lines
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "server_address":
			config.ServerAddress = value
		case "server_port":
			config.ServerPort = value
		case "backup_timer":
			config.BackupTimer, err = strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid backup timer value: %w", err)
			}
		case "garbage_collection_timer":
			config.GarbageCollectionTimer, err = strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid garbage collection timer value: %w", err)
			}
		case "debug":
			config.Debug = value == "true"
		case "cloud_environment":
			config.CloudEnvironment = value
		case "snapshot_timer":
			config.SnapshotTimer, err = strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid snapshot timer value: %w", err)
			}
		case "max_snapshot_limit":
			config.MaxSnapshotLimit, err = strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid snapshot limit value: %w", err)
			}
		case "oplog_buffer_capacity":
			config.OplogBufferCapacity, err = strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid oplog buffer capacity value: %w", err)
			}
		case "batch_max_ops":
			config.BatchMaxOps, err = strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid batch max ops value: %w", err)
			}
		case "batch_max_bytes":
			config.BatchMaxBytes, err = strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid batch max bytes value: %w", err)
			}
		case "partition_workers":
			config.PartitionWorkers, err = strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid partition workers value: %w", err)
			}
		case "sweep_interval":
			config.SweepInterval, err = strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid sweep interval value: %w", err)
			}
		case "handles_min":
			config.HandlesMin, err = strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid handles min value: %w", err)
			}
		case "idle_time":
			config.IdleTime, err = strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid idle time value: %w", err)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	return config, nil
}
