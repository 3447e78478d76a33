// Package config loads the environment-variable-driven configuration
// described for the launcher: data directory, machine id, write
// concurrency, and the RAM/disk budget that determines how many
// minutes of history stay resident.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/cube-drone/logmunch/pkg/logging"
)

// bloomEstimateBytes and diskEstimateBytes are the per-minute cost
// estimates used to derive retention from a RAM/disk budget: ~1.5 MB
// per resident bloom filter, ~100 MB per minute file on disk.
const (
	bloomEstimateBytes = 1_572_864   // 1.5 MB
	diskEstimateBytes  = 100_000_000 // 100 MB

	minRetentionMinutes = 5
)

// Keys holds the resolved configuration, in the shape of a
// package-level singleton populated once by Load.
var Keys Config

// Config is the fully resolved, validated configuration.
type Config struct {
	DataDirectory   string
	MachineID       string
	MaxWriteThreads int
	NMinutes        int
	LogLevel        string
	HTTPAddr        string
	User            string
	Group           string
}

// Load reads a .env file if present (via godotenv; missing is not an
// error), then resolves every key from the environment, computes
// retention, and validates it. A retention below the floor is a fatal
// configuration error, logged and os.Exit(1) — the only startup
// failure mode that terminates the process.
func Load(envFile string) Config {
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		logging.Warnf("config: could not load %s: %v", envFile, err)
	}

	cfg := Config{
		DataDirectory:   getEnv("DATA_DIRECTORY", "./data"),
		MachineID:       getEnv("MACHINE_ID", "1"),
		MaxWriteThreads: getEnvInt("MAX_WRITE_THREADS", 4),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		HTTPAddr:        getEnv("HTTP_ADDR", ":9283"),
		User:            getEnv("RUN_AS_USER", ""),
		Group:           getEnv("RUN_AS_GROUP", ""),
	}

	ramGB := getEnvFloat("MINUTE_DB_RAM_GB", 1.0)
	diskGB := getEnvFloat("MINUTE_DB_DISK_GB", 10.0)
	nMinutes, err := computeRetention(ramGB, diskGB)
	if err != nil {
		logging.Fatalf("config: %v", err)
	}
	cfg.NMinutes = nMinutes

	Keys = cfg
	return cfg
}

// computeRetention mirrors spec's n_minutes = min(ram_bytes/bloom_est,
// disk_bytes/disk_est), floored at minRetentionMinutes.
func computeRetention(ramGB, diskGB float64) (int, error) {
	ramBytes := ramGB * 1_000_000_000
	diskBytes := diskGB * 1_000_000_000

	byRAM := int(ramBytes / bloomEstimateBytes)
	byDisk := int(diskBytes / diskEstimateBytes)

	nMinutes := byRAM
	if byDisk < nMinutes {
		nMinutes = byDisk
	}

	if nMinutes < minRetentionMinutes {
		return 0, fmt.Errorf("retention of %d minutes is below the floor of %d (RAM_GB=%.2f, DISK_GB=%.2f)",
			nMinutes, minRetentionMinutes, ramGB, diskGB)
	}
	return nMinutes, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logging.Warnf("config: %s=%q is not an integer, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logging.Warnf("config: %s=%q is not a number, using default %.2f", key, v, fallback)
		return fallback
	}
	return f
}
