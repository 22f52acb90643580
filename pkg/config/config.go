package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Redis        RedisConfig        `json:"redis"`
	Logging      LoggingConfig      `json:"logging"`
	Breaker      BreakerConfig      `json:"breaker"`
	Degradation  DegradationConfig  `json:"degradation"`
	Recovery     RecoveryConfig     `json:"recovery"`
	Coordination CoordinationConfig `json:"coordination"`
}

// ServerConfig contains the ops HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// DatabaseConfig contains database connection configuration
type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// BreakerConfig tunes circuit breaker behavior. The heuristic constants are
// tunable, not load-bearing; defaults mirror the production values.
type BreakerConfig struct {
	ErrorThresholdPercent float64       `json:"error_threshold_percent"`
	MinimumThroughput     int           `json:"minimum_throughput"`
	RecoveryTimeout       time.Duration `json:"recovery_timeout"`
	RollingWindow         time.Duration `json:"rolling_window"`
	EvalInterval          time.Duration `json:"eval_interval"`
	AdaptiveMinThreshold  float64       `json:"adaptive_min_threshold"`
	AdaptiveMaxThreshold  float64       `json:"adaptive_max_threshold"`
	TransientWidenRatio   float64       `json:"transient_widen_ratio"`
	TransientNarrowRatio  float64       `json:"transient_narrow_ratio"`
	PercentileWindow      int           `json:"percentile_window"`
	PercentileMinSamples  int           `json:"percentile_min_samples"`
}

// DegradationConfig tunes the degradation controller
type DegradationConfig struct {
	AssessInterval    time.Duration `json:"assess_interval"`
	RecoveryQuiet     time.Duration `json:"recovery_quiet"`
	MaxChangesPerHour int           `json:"max_changes_per_hour"`

	// Escalation trigger thresholds used by the background loop
	ErrorRateTrigger    float64       `json:"error_rate_trigger"`
	ResponseTimeTrigger time.Duration `json:"response_time_trigger"`
	CPUTrigger          float64       `json:"cpu_trigger"`
	MemoryTrigger       float64       `json:"memory_trigger"`

	// Double-step thresholds for severe stress
	SevereErrorRate float64 `json:"severe_error_rate"`
	SevereCPU       float64 `json:"severe_cpu"`
	SevereMemory    float64 `json:"severe_memory"`

	// Recovery gate conditions
	RecoveryErrorRate    float64       `json:"recovery_error_rate"`
	RecoveryResponseTime time.Duration `json:"recovery_response_time"`
	RecoveryCPU          float64       `json:"recovery_cpu"`
	RecoveryMemory       float64       `json:"recovery_memory"`
}

// RecoveryConfig tunes the single-error recovery manager
type RecoveryConfig struct {
	DefaultTimeout      time.Duration `json:"default_timeout"`
	PrerequisiteTimeout time.Duration `json:"prerequisite_timeout"`
	VerificationTimeout time.Duration `json:"verification_timeout"`
}

// CoordinationConfig tunes multi-agent recovery coordination
type CoordinationConfig struct {
	MonitorInterval    time.Duration `json:"monitor_interval"`
	StallTimeout       time.Duration `json:"stall_timeout"`
	HealthCheckTimeout time.Duration `json:"health_check_timeout"`
	NotifyTimeout      time.Duration `json:"notify_timeout"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8090),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "fleetguard"),
			User:            getEnvString("DB_USER", "fleetguard"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Breaker: BreakerConfig{
			ErrorThresholdPercent: getEnvFloat("BREAKER_ERROR_THRESHOLD_PCT", 50),
			MinimumThroughput:     getEnvInt("BREAKER_MIN_THROUGHPUT", 10),
			RecoveryTimeout:       getEnvDuration("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
			RollingWindow:         getEnvDuration("BREAKER_ROLLING_WINDOW", time.Minute),
			EvalInterval:          getEnvDuration("BREAKER_EVAL_INTERVAL", 5*time.Second),
			AdaptiveMinThreshold:  getEnvFloat("BREAKER_ADAPTIVE_MIN", 20),
			AdaptiveMaxThreshold:  getEnvFloat("BREAKER_ADAPTIVE_MAX", 80),
			TransientWidenRatio:   getEnvFloat("BREAKER_TRANSIENT_WIDEN_RATIO", 0.7),
			TransientNarrowRatio:  getEnvFloat("BREAKER_TRANSIENT_NARROW_RATIO", 0.3),
			PercentileWindow:      getEnvInt("BREAKER_PERCENTILE_WINDOW", 100),
			PercentileMinSamples:  getEnvInt("BREAKER_PERCENTILE_MIN_SAMPLES", 20),
		},
		Degradation: DegradationConfig{
			AssessInterval:       getEnvDuration("DEGRADATION_ASSESS_INTERVAL", 30*time.Second),
			RecoveryQuiet:        getEnvDuration("DEGRADATION_RECOVERY_QUIET", 5*time.Minute),
			MaxChangesPerHour:    getEnvInt("DEGRADATION_MAX_CHANGES_PER_HOUR", 5),
			ErrorRateTrigger:     getEnvFloat("DEGRADATION_ERROR_RATE_TRIGGER", 0.1),
			ResponseTimeTrigger:  getEnvDuration("DEGRADATION_RESPONSE_TIME_TRIGGER", 10*time.Second),
			CPUTrigger:           getEnvFloat("DEGRADATION_CPU_TRIGGER", 90),
			MemoryTrigger:        getEnvFloat("DEGRADATION_MEMORY_TRIGGER", 95),
			SevereErrorRate:      getEnvFloat("DEGRADATION_SEVERE_ERROR_RATE", 0.2),
			SevereCPU:            getEnvFloat("DEGRADATION_SEVERE_CPU", 95),
			SevereMemory:         getEnvFloat("DEGRADATION_SEVERE_MEMORY", 95),
			RecoveryErrorRate:    getEnvFloat("DEGRADATION_RECOVERY_ERROR_RATE", 0.05),
			RecoveryResponseTime: getEnvDuration("DEGRADATION_RECOVERY_RESPONSE_TIME", 5*time.Second),
			RecoveryCPU:          getEnvFloat("DEGRADATION_RECOVERY_CPU", 80),
			RecoveryMemory:       getEnvFloat("DEGRADATION_RECOVERY_MEMORY", 85),
		},
		Recovery: RecoveryConfig{
			DefaultTimeout:      getEnvDuration("RECOVERY_DEFAULT_TIMEOUT", 2*time.Minute),
			PrerequisiteTimeout: getEnvDuration("RECOVERY_PREREQUISITE_TIMEOUT", 10*time.Second),
			VerificationTimeout: getEnvDuration("RECOVERY_VERIFICATION_TIMEOUT", 30*time.Second),
		},
		Coordination: CoordinationConfig{
			MonitorInterval:    getEnvDuration("COORDINATION_MONITOR_INTERVAL", 30*time.Second),
			StallTimeout:       getEnvDuration("COORDINATION_STALL_TIMEOUT", 5*time.Minute),
			HealthCheckTimeout: getEnvDuration("COORDINATION_HEALTH_CHECK_TIMEOUT", 10*time.Second),
			NotifyTimeout:      getEnvDuration("COORDINATION_NOTIFY_TIMEOUT", 5*time.Second),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Breaker.ErrorThresholdPercent <= 0 || c.Breaker.ErrorThresholdPercent > 100 {
		return fmt.Errorf("breaker error threshold must be in (0, 100]")
	}
	if c.Breaker.MinimumThroughput <= 0 {
		return fmt.Errorf("breaker minimum throughput must be positive")
	}
	if c.Breaker.AdaptiveMinThreshold > c.Breaker.AdaptiveMaxThreshold {
		return fmt.Errorf("breaker adaptive min threshold exceeds max")
	}
	if c.Degradation.MaxChangesPerHour <= 0 {
		return fmt.Errorf("degradation max changes per hour must be positive")
	}
	return nil
}

// DatabaseURL returns the database connection URL
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
