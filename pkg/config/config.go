package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire control-plane configuration
type Config struct {
	// Server
	APIAddr string `yaml:"api_addr"`
	DataDir string `yaml:"data_dir"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	Balancer    BalancerConfig    `yaml:"balancer"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Breaker     BreakerConfig     `yaml:"circuit_breaker"`
	Consistency ConsistencyConfig `yaml:"consistency"`
}

// BalancerConfig controls imbalance detection and plan generation
type BalancerConfig struct {
	ImbalanceThreshold  float64       `yaml:"imbalance_threshold"`
	MaxStreamDifference int           `yaml:"max_stream_difference"`
	RebalanceCooldown   time.Duration `yaml:"rebalance_cooldown"`
	MinMigrationSize    int           `yaml:"min_migration_size"`
	MaxStreamsPerStep   int           `yaml:"max_streams_per_step"`

	// Distribution weights, must sum to 1.0
	CapacityWeight    float64 `yaml:"capacity_weight"`
	PerformanceWeight float64 `yaml:"performance_weight"`
	FailureWeight     float64 `yaml:"failure_weight"`
}

// HeartbeatConfig controls failure detection thresholds
type HeartbeatConfig struct {
	WarningThreshold   time.Duration `yaml:"warning_threshold"`
	TimeoutThreshold   time.Duration `yaml:"timeout_threshold"`
	EmergencyThreshold time.Duration `yaml:"emergency_threshold"`
	MonitorInterval    time.Duration `yaml:"monitor_interval"`
}

// RecoveryConfig controls retry behavior for failed-instance recovery
type RecoveryConfig struct {
	MaxRetryAttempts  int           `yaml:"max_retry_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay"`
	HealthInterval    time.Duration `yaml:"health_interval"`
}

// BreakerConfig controls the circuit breaker shim
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// ConsistencyConfig controls the consistency checker and its scheduler
type ConsistencyConfig struct {
	CheckInterval      time.Duration `yaml:"check_interval"`
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`
	AutoRecovery       bool          `yaml:"auto_recovery"`
	RecoveryAttempts   int           `yaml:"recovery_attempts"`
	HistorySize        int           `yaml:"history_size"`
}

// Default returns a Config populated with production defaults
func Default() *Config {
	return &Config{
		APIAddr:  ":8080",
		DataDir:  "/var/lib/conductor",
		LogLevel: "info",
		LogJSON:  true,
		Balancer: BalancerConfig{
			ImbalanceThreshold:  0.2,
			MaxStreamDifference: 5,
			RebalanceCooldown:   60 * time.Second,
			MinMigrationSize:    2,
			MaxStreamsPerStep:   10,
			CapacityWeight:      0.5,
			PerformanceWeight:   0.3,
			FailureWeight:       0.2,
		},
		Heartbeat: HeartbeatConfig{
			WarningThreshold:   30 * time.Second,
			TimeoutThreshold:   90 * time.Second,
			EmergencyThreshold: 600 * time.Second,
			MonitorInterval:    15 * time.Second,
		},
		Recovery: RecoveryConfig{
			MaxRetryAttempts:  5,
			RetryDelay:        5 * time.Second,
			BackoffMultiplier: 2.0,
			MaxRetryDelay:     5 * time.Minute,
			HealthInterval:    30 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
		Consistency: ConsistencyConfig{
			CheckInterval:      300 * time.Second,
			StalenessThreshold: 5 * time.Minute,
			AutoRecovery:       true,
			RecoveryAttempts:   3,
			HistorySize:        50,
		},
	}
}

// Load reads configuration from an optional YAML file, applies environment
// overrides, and validates the result. An empty path loads defaults plus
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides config fields from environment variables
func (c *Config) applyEnv() {
	if v := os.Getenv("CONDUCTOR_API_ADDR"); v != "" {
		c.APIAddr = v
	}
	if v := os.Getenv("CONDUCTOR_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CONDUCTOR_IMBALANCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Balancer.ImbalanceThreshold = f
		}
	}
	if v := os.Getenv("CONDUCTOR_MAX_STREAM_DIFFERENCE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Balancer.MaxStreamDifference = n
		}
	}
	if v := os.Getenv("CONDUCTOR_REBALANCE_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Balancer.RebalanceCooldown = d
		}
	}
	if v := os.Getenv("CONDUCTOR_HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Heartbeat.TimeoutThreshold = d
		}
	}
	if v := os.Getenv("CONDUCTOR_HEARTBEAT_WARNING"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Heartbeat.WarningThreshold = d
		}
	}
	if v := os.Getenv("CONDUCTOR_HEARTBEAT_EMERGENCY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Heartbeat.EmergencyThreshold = d
		}
	}
	if v := os.Getenv("CONDUCTOR_BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("CONDUCTOR_BREAKER_RECOVERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Breaker.RecoveryTimeout = d
		}
	}
	if v := os.Getenv("CONDUCTOR_CONSISTENCY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Consistency.CheckInterval = d
		}
	}
	if v := os.Getenv("CONDUCTOR_AUTO_RECOVERY"); v != "" {
		c.Consistency.AutoRecovery = v == "true" || v == "1"
	}
}

// Validate rejects out-of-range or contradictory settings. It runs once at
// startup so every component can trust its configuration afterwards.
func (c *Config) Validate() error {
	if c.Balancer.ImbalanceThreshold <= 0 || c.Balancer.ImbalanceThreshold >= 1 {
		return fmt.Errorf("imbalance_threshold must be in (0,1), got %v", c.Balancer.ImbalanceThreshold)
	}
	if c.Balancer.MaxStreamDifference < 1 {
		return fmt.Errorf("max_stream_difference must be >= 1, got %d", c.Balancer.MaxStreamDifference)
	}
	if c.Balancer.MinMigrationSize < 1 {
		return fmt.Errorf("min_migration_size must be >= 1, got %d", c.Balancer.MinMigrationSize)
	}
	if c.Balancer.MaxStreamsPerStep < 1 {
		return fmt.Errorf("max_streams_per_step must be >= 1, got %d", c.Balancer.MaxStreamsPerStep)
	}

	weightSum := c.Balancer.CapacityWeight + c.Balancer.PerformanceWeight + c.Balancer.FailureWeight
	if weightSum < 0.999 || weightSum > 1.001 {
		return fmt.Errorf("distribution weights must sum to 1.0, got %v", weightSum)
	}

	if c.Heartbeat.WarningThreshold <= 0 {
		return fmt.Errorf("heartbeat warning_threshold must be positive")
	}
	if c.Heartbeat.WarningThreshold >= c.Heartbeat.TimeoutThreshold {
		return fmt.Errorf("heartbeat warning_threshold (%v) must be below timeout_threshold (%v)",
			c.Heartbeat.WarningThreshold, c.Heartbeat.TimeoutThreshold)
	}
	if c.Heartbeat.TimeoutThreshold >= c.Heartbeat.EmergencyThreshold {
		return fmt.Errorf("heartbeat timeout_threshold (%v) must be below emergency_threshold (%v)",
			c.Heartbeat.TimeoutThreshold, c.Heartbeat.EmergencyThreshold)
	}

	if c.Recovery.MaxRetryAttempts < 1 {
		return fmt.Errorf("max_retry_attempts must be >= 1, got %d", c.Recovery.MaxRetryAttempts)
	}
	if c.Recovery.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1, got %v", c.Recovery.BackoffMultiplier)
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit breaker failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("circuit breaker recovery_timeout must be positive")
	}

	if c.Consistency.CheckInterval <= 0 {
		return fmt.Errorf("consistency check_interval must be positive")
	}
	if c.Consistency.RecoveryAttempts < 1 {
		return fmt.Errorf("consistency recovery_attempts must be >= 1, got %d", c.Consistency.RecoveryAttempts)
	}
	if c.Consistency.HistorySize < 1 {
		return fmt.Errorf("consistency history_size must be >= 1, got %d", c.Consistency.HistorySize)
	}

	return nil
}
