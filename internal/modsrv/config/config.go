package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type DBConfig struct {
	DSN            string `toml:"dsn"`
	ConnectRetries int    `toml:"connect_retries"`
}

type ConfigParam struct {
	WorkerCount      int      `toml:"worker_count"`
	JobQueueSize     int      `toml:"job_queue_size"`
	PublishTimeoutMs int      `toml:"publish_timeout_ms"`
	DB               DBConfig `toml:"db"`
}

// PublishTimeout returns the notification send timeout as a duration.
func (c *ConfigParam) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutMs) * time.Millisecond
}

var cfg *ConfigParam

func Config() *ConfigParam {
	return cfg
}

func LoadConfig(filename string) error {
	if filename == "" {
		cfg = &ConfigParam{
			WorkerCount:      4,
			JobQueueSize:     64,
			PublishTimeoutMs: 100,
			DB: DBConfig{
				ConnectRetries: 3,
			},
		}
		return nil
	}
	// Read the config file
	content, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}
	// Parse the config file
	var cp ConfigParam
	if _, err := toml.Decode(string(content), &cp); err != nil {
		return fmt.Errorf("error parsing config file: %v", err)
	}
	if cp.WorkerCount <= 0 {
		cp.WorkerCount = 4
	}
	if cp.JobQueueSize <= 0 {
		cp.JobQueueSize = 64
	}
	if cp.PublishTimeoutMs <= 0 {
		cp.PublishTimeoutMs = 100
	}
	// assign config to global cfg
	cfg = &cp
	return nil
}

func init() {
	err := LoadConfig("")
	if err != nil {
		panic(err)
	}
}
