/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zapcore"
)

const (
	defaultPrefix             = "fmq_shm_"
	defaultManagementSize     = 65536
	defaultOpenRetries        = 5
	defaultOpenRetryInterval  = time.Second
	defaultAllocRetryInterval = 50 * time.Millisecond
	defaultAckQueueCapacity   = 10000
	defaultAckSendTimeout     = time.Second
	defaultAckReceiveTimeout  = 200 * time.Millisecond
	defaultControlWaitTimeout = 300 * time.Millisecond
	defaultMaxRegions         = 64

	minManagementSize = managementHeaderSize
)

// Config holds the tunables of a Manager. Environment variables are read by LoadConfig.
type Config struct {
	// Prefix is prepended to every OS object name. The management segment is
	// <Prefix>management and region objects are <Prefix>region_<id> and
	// <Prefix>region_queue_<id>.
	Prefix         string `envconfig:"FMQ_SHM_PREFIX" default:"fmq_shm_"`
	ManagementSize int    `envconfig:"FMQ_SHM_MANAGEMENT_SIZE" default:"65536"`

	OpenRetries        int           `envconfig:"FMQ_SHM_OPEN_RETRIES" default:"5"`
	OpenRetryInterval  time.Duration `envconfig:"FMQ_SHM_OPEN_RETRY_INTERVAL" default:"1s"`
	AllocRetryInterval time.Duration `envconfig:"FMQ_SHM_ALLOC_RETRY_INTERVAL" default:"50ms"`

	AckQueueCapacity   int           `envconfig:"FMQ_SHM_ACK_QUEUE_CAPACITY" default:"10000"`
	AckSendTimeout     time.Duration `envconfig:"FMQ_SHM_ACK_SEND_TIMEOUT" default:"1s"`
	AckReceiveTimeout  time.Duration `envconfig:"FMQ_SHM_ACK_RECEIVE_TIMEOUT" default:"200ms"`
	ControlWaitTimeout time.Duration `envconfig:"FMQ_SHM_CONTROL_WAIT_TIMEOUT" default:"300ms"`
	RetryFailedAcks    bool          `envconfig:"FMQ_SHM_RETRY_FAILED_ACKS" default:"true"`

	// MaxRegions bounds the number of regions this process can create.
	MaxRegions int `envconfig:"FMQ_SHM_MAX_REGIONS" default:"64"`

	// LogLevel overrides the package log level when set.
	LogLevel string `envconfig:"FMQ_SHM_LOG_LEVEL"`

	Registerer prometheus.Registerer `ignored:"true"`
	Meter      metric.Meter          `ignored:"true"`
	Tracer     trace.Tracer          `ignored:"true"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:             defaultPrefix,
		ManagementSize:     defaultManagementSize,
		OpenRetries:        defaultOpenRetries,
		OpenRetryInterval:  defaultOpenRetryInterval,
		AllocRetryInterval: defaultAllocRetryInterval,
		AckQueueCapacity:   defaultAckQueueCapacity,
		AckSendTimeout:     defaultAckSendTimeout,
		AckReceiveTimeout:  defaultAckReceiveTimeout,
		ControlWaitTimeout: defaultControlWaitTimeout,
		RetryFailedAcks:    true,
		MaxRegions:         defaultMaxRegions,
	}
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, VerifyConfig(cfg)
}

// VerifyConfig checks that every field holds a usable value.
func VerifyConfig(cfg Config) error {
	var errs []error
	if cfg.Prefix == "" {
		errs = append(errs, errors.New("prefix must not be empty"))
	}
	if cfg.ManagementSize < minManagementSize {
		errs = append(errs, fmt.Errorf("management size %d is below minimum %d", cfg.ManagementSize, minManagementSize))
	}
	if cfg.OpenRetries < 1 {
		errs = append(errs, fmt.Errorf("open retries must be at least 1, got %d", cfg.OpenRetries))
	}
	if cfg.AckQueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("ack queue capacity must be at least 1, got %d", cfg.AckQueueCapacity))
	}
	if cfg.MaxRegions < 1 {
		errs = append(errs, fmt.Errorf("max regions must be at least 1, got %d", cfg.MaxRegions))
	}
	if cfg.LogLevel != "" {
		if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid log level %q", cfg.LogLevel))
		}
	}
	for name, d := range map[string]time.Duration{
		"open retry interval":  cfg.OpenRetryInterval,
		"alloc retry interval": cfg.AllocRetryInterval,
		"ack send timeout":     cfg.AckSendTimeout,
		"ack receive timeout":  cfg.AckReceiveTimeout,
		"control wait timeout": cfg.ControlWaitTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	return errors.Join(errs...)
}

func (c Config) managementName() string {
	return c.Prefix + "management"
}

func (c Config) regionName(id uint64) string {
	return fmt.Sprintf("%sregion_%d", c.Prefix, id)
}

func (c Config) regionQueueName(id uint64) string {
	return fmt.Sprintf("%sregion_queue_%d", c.Prefix, id)
}

// readyTimeout bounds how long a mapper waits for a peer to size or format
// an object it is creating.
func (c Config) readyTimeout() time.Duration {
	return c.OpenRetryInterval * time.Duration(c.OpenRetries)
}
