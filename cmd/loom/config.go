package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all loom configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	WorkflowDir   string `json:"workflow_dir"`
	CheckpointDir string `json:"checkpoint_dir"`
	DBPath        string `json:"db_path"`
	StoreBackend  string `json:"store_backend"` // memory | file | libsql
	LogLevel      string `json:"log_level"`
	MaxParallel   int    `json:"max_parallel"`
}

func defaultConfig() Config {
	return Config{
		WorkflowDir:   ".",
		CheckpointDir: filepath.Join(loomDir(), "checkpoints"),
		DBPath:        filepath.Join(loomDir(), "loom.db"),
		StoreBackend:  "file",
		LogLevel:      "info",
		MaxParallel:   4,
	}
}

func loomDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func settingsPath() string {
	return filepath.Join(loomDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("LOOM_WORKFLOW_DIR"); v != "" {
		cfg.WorkflowDir = v
	}
	if v := os.Getenv("LOOM_CHECKPOINT_DIR"); v != "" {
		cfg.CheckpointDir = v
	}
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOOM_STORE"); v != "" {
		cfg.StoreBackend = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOOM_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxParallel = n
		}
	}

	return cfg
}
