// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv        string
	AppName       string
	DBHost        string
	DBPort        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBSSLMode     string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	AppPort       string
	MetricsPort   string
	LogLevel      string

	// StepTimeout bounds a single action-executor call.
	StepTimeout time.Duration
	// StepRetryBudget is the number of retries after the first attempt.
	StepRetryBudget uint64
	// RetryInterval is the constant wait between step attempts.
	RetryInterval time.Duration
	// SampleInterval is the monitor's recurring sampler period.
	SampleInterval time.Duration
	// RecentWindow bounds the dashboard's recent-operations list.
	RecentWindow time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:        os.Getenv("APP_ENV"),
		AppName:       os.Getenv("APP_NAME"),
		DBHost:        os.Getenv("DB_HOST"),
		DBPort:        os.Getenv("DB_PORT"),
		DBUser:        os.Getenv("DB_USER"),
		DBPassword:    os.Getenv("DB_PASSWORD"),
		DBName:        os.Getenv("DB_NAME"),
		DBSSLMode:     os.Getenv("DB_SSL_MODE"),
		RedisHost:     os.Getenv("REDIS_HOST"),
		RedisPort:     os.Getenv("REDIS_PORT"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		AppPort:       os.Getenv("APP_PORT"),
		MetricsPort:   os.Getenv("METRICS_PORT"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
	}
	if cfg.AppName == "" {
		cfg.AppName = "dayops"
	}
	if cfg.DBSSLMode == "" {
		cfg.DBSSLMode = "disable"
	}
	if cfg.DBPort == "" {
		cfg.DBPort = "5432"
	}
	if cfg.RedisPort == "" {
		cfg.RedisPort = "6379"
	}
	if cfg.AppPort == "" {
		cfg.AppPort = "8080"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}

	var err error
	if v := os.Getenv("REDIS_DB"); v != "" {
		cfg.RedisDB, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
	}
	if cfg.StepTimeout, err = durationEnv("STEP_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RetryInterval, err = durationEnv("STEP_RETRY_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.SampleInterval, err = durationEnv("MONITOR_SAMPLE_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RecentWindow, err = durationEnv("DASHBOARD_RECENT_WINDOW", 24*time.Hour); err != nil {
		return nil, err
	}
	cfg.StepRetryBudget = 2
	if v := os.Getenv("STEP_RETRY_BUDGET"); v != "" {
		budget, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid STEP_RETRY_BUDGET: %w", err)
		}
		cfg.StepRetryBudget = budget
	}
	return cfg, nil
}

// DatabaseDSN assembles the postgres connection string.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// RedisAddr assembles the redis address.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
