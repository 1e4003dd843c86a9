// Package config provides centralized configuration for the bundling
// service. All tunables named in the operator-facing config file are
// defined here; no component should hardcode a value this package governs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized configuration key for the bundler daemon.
type Config struct {
	// Packing limits (C4).
	MaxBundleByteCount    int64 `yaml:"max_bundle_byte_count"`
	MaxDataItemByteCount  int64 `yaml:"max_data_item_byte_count"`
	MaxDataItemsPerBundle int   `yaml:"max_data_items_per_bundle"`
	OverdueThresholdMS    int64 `yaml:"overdue_threshold_ms"`

	// Verify worker thresholds (C9).
	TxPermanentThreshold    int `yaml:"tx_permanent_threshold"`
	TxRePostThresholdBlocks int `yaml:"tx_re_post_threshold_blocks"`

	// Retry policy shared by C7/C9 rerouting.
	RetryLimitForFailedDataItems int `yaml:"retry_limit_for_failed_data_items"`

	// External collaborators.
	ArweaveGatewayURL     string `yaml:"arweave_gateway_url"`
	NetworkRequestTimeout int64  `yaml:"network_request_timeout_ms"`

	// Storage.
	DataDir        string `yaml:"data_dir"`
	DataItemBucket string `yaml:"data_item_bucket"`
	OffsetsTable   string `yaml:"offsets_table"`

	// Object store backend (C2): "local" or "s3".
	ObjectStoreBackend  string `yaml:"object_store_backend"`
	LocalObjectStoreDir string `yaml:"local_object_store_dir"`
	S3Bucket            string `yaml:"s3_bucket"`
	S3Region            string `yaml:"s3_region"`

	// Queue backend (C10): "sqlite" or "redis".
	QueueBackend string `yaml:"queue_backend"`
	RedisAddr    string `yaml:"redis_addr"`

	// Funding wallet seed, encrypted at rest under the password given by the
	// -wallet-password flag or BUNDLER_WALLET_PASSWORD.
	WalletSeedPath string `yaml:"wallet_seed_path"`

	// Worker poll intervals.
	PlanIntervalSeconds   int `yaml:"plan_interval_seconds"`
	VerifyIntervalSeconds int `yaml:"verify_interval_seconds"`

	// Bundle construction.
	AddCommunityTip bool `yaml:"add_community_tip"`

	// Queues, keyed by logical queue name (shell-provisioning values win
	// over any value the application historically used).
	Queues map[string]QueueConfig `yaml:"queues"`

	Logging LoggingConfig `yaml:"logging"`
	Admin   AdminConfig   `yaml:"admin"`
}

// QueueConfig is the per-queue tuning the dispatcher reads.
type QueueConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	DLQRetention      time.Duration `yaml:"dlq_retention"`
}

// LoggingConfig configures the process-wide logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// AdminConfig configures the read-only status feed.
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// NetworkRequestTimeoutDuration returns the configured gateway timeout,
// defaulting to 40s.
func (c *Config) NetworkRequestTimeoutDuration() time.Duration {
	if c.NetworkRequestTimeout <= 0 {
		return 40 * time.Second
	}
	return time.Duration(c.NetworkRequestTimeout) * time.Millisecond
}

// OverdueThreshold returns the overdue window as a Duration.
func (c *Config) OverdueThreshold() time.Duration {
	return time.Duration(c.OverdueThresholdMS) * time.Millisecond
}

// PlanInterval returns the plan worker's poll interval, defaulting to 5s.
func (c *Config) PlanInterval() time.Duration {
	if c.PlanIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.PlanIntervalSeconds) * time.Second
}

// VerifyInterval returns the verify worker's poll interval, defaulting to 30s.
func (c *Config) VerifyInterval() time.Duration {
	if c.VerifyIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.VerifyIntervalSeconds) * time.Second
}

// Default returns the default configuration, matching the canonical shell
// provisioning values.
func Default() *Config {
	return &Config{
		MaxBundleByteCount:           500 * 1024 * 1024 * 1024, // 500 GiB
		MaxDataItemByteCount:         200 * 1024 * 1024 * 1024, // 200 GiB single item cap
		MaxDataItemsPerBundle:        100000,
		OverdueThresholdMS:           (20 * time.Minute).Milliseconds(),
		TxPermanentThreshold:         50,
		TxRePostThresholdBlocks:      50,
		RetryLimitForFailedDataItems: 5,
		ArweaveGatewayURL:            "https://arweave.net",
		NetworkRequestTimeout:        40000,
		DataDir:                      "~/.bundler",
		DataItemBucket:               "raw-data-item",
		OffsetsTable:                 "data_item_offsets",
		ObjectStoreBackend:           "local",
		LocalObjectStoreDir:          "~/.bundler/objects",
		QueueBackend:                 "sqlite",
		WalletSeedPath:               "~/.bundler/wallet.seed",
		PlanIntervalSeconds:          5,
		VerifyIntervalSeconds:        30,
		AddCommunityTip:              true,
		Queues: map[string]QueueConfig{
			"plan-bundle":                   {BatchSize: 1, VisibilityTimeout: 30 * time.Second, MaxRetries: 4, DLQRetention: 14 * 24 * time.Hour},
			"prepare-bundle":                {BatchSize: 1, VisibilityTimeout: 315 * time.Second, MaxRetries: 4, DLQRetention: 14 * 24 * time.Hour},
			"post-bundle":                   {BatchSize: 1, VisibilityTimeout: 315 * time.Second, MaxRetries: 4, DLQRetention: 14 * 24 * time.Hour},
			"seed-bundle":                   {BatchSize: 1, VisibilityTimeout: 315 * time.Second, MaxRetries: 4, DLQRetention: 14 * 24 * time.Hour},
			"optical-post":                  {BatchSize: 10, VisibilityTimeout: 45 * time.Second, MaxRetries: 1, DLQRetention: 14 * 24 * time.Hour},
			"batch-insert-new-data-items":   {BatchSize: 10, VisibilityTimeout: 60 * time.Second, MaxRetries: 3, DLQRetention: 14 * 24 * time.Hour},
			"finalize-multipart":            {BatchSize: 1, VisibilityTimeout: 30 * time.Second, MaxRetries: 3, DLQRetention: 14 * 24 * time.Hour},
		},
		Logging: LoggingConfig{Level: "info"},
		Admin:   AdminConfig{ListenAddr: "127.0.0.1:8090"},
	}
}

// Load reads a config file at path, falling back to defaults for any key it
// does not set. A missing file is not an error: Default() is returned as-is,
// a "load or create" startup path.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Decode onto the defaults so unset keys keep their default value.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// ConfigPath returns the canonical config file path within a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}
