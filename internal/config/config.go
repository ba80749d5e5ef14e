// Package config loads and validates the transfer-engine configuration.
//
// Configuration is resolved from three sources with the usual precedence:
//
//  1. Environment variables (ASTATE_* prefix)
//  2. Configuration file (YAML)
//  3. Defaults
//
// Every TRANSFER_ENGINE_* / TRANSPORT_* option of the engine maps to a
// `transfer_engine.*` / `transport.*` key, e.g.
// TRANSFER_ENGINE_LOCAL_PORT -> transfer_engine.local_port ->
// ASTATE_TRANSFER_ENGINE_LOCAL_PORT.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Backend selector values accepted by transfer_engine.backend.
const (
	BackendUtrans = "utrans"
	BackendUCX    = "ucx"
)

// Config is the full configuration snapshot. It is built before the engine
// starts and immutable afterwards.
type Config struct {
	// TransferEngine configures context bring-up and the control plane.
	TransferEngine TransferEngineConfig `mapstructure:"transfer_engine"`

	// Transport configures data-plane retry behavior.
	Transport TransportConfig `mapstructure:"transport"`

	// AdminPort serves /metrics.
	AdminPort int `mapstructure:"admin_port"`

	// LogLevel is the zerolog level name.
	LogLevel string `mapstructure:"log_level"`
}

// TransferEngineConfig mirrors the TRANSFER_ENGINE_* option group.
type TransferEngineConfig struct {
	// MetaServiceAddress is stored for the tensor-table layer above; the
	// engine itself never dials it.
	MetaServiceAddress string `mapstructure:"meta_service_address"`

	// LocalAddress is the address the control-plane listener binds to.
	// Empty means all interfaces.
	LocalAddress string `mapstructure:"local_address"`

	// LocalPort is the listener port in fixed-port mode.
	LocalPort int `mapstructure:"local_port"`

	// FixedPort selects fixed-port versus randomized port-scan bring-up.
	FixedPort bool `mapstructure:"fixed_port"`

	// ReadTimeoutMs / WriteTimeoutMs bound a single transfer attempt per
	// direction; -1 waits forever.
	ReadTimeoutMs  int `mapstructure:"read_timeout_ms"`
	WriteTimeoutMs int `mapstructure:"write_timeout_ms"`

	// NumPollers is the backend's completion-polling concurrency.
	NumPollers int `mapstructure:"rdma_num_pollers"`

	// MaxRDMADevices caps the number of NICs selected for this process.
	MaxRDMADevices int `mapstructure:"max_rdma_devices"`

	// EnableNumaAllocation pins the process to the primary NIC's NUMA node.
	EnableNumaAllocation bool `mapstructure:"enable_numa_allocation"`

	// EnablePerfMetrics starts the background perf sampler.
	EnablePerfMetrics bool `mapstructure:"enable_perf_metrics"`

	// PerfStatsIntervalMs is the sampler period; tunable at runtime.
	PerfStatsIntervalMs int64 `mapstructure:"perf_stats_interval_ms"`

	// Backend selects the verbs implementation: utrans or ucx.
	Backend string `mapstructure:"backend"`
}

// TransportConfig mirrors the TRANSPORT_* option group.
type TransportConfig struct {
	SendRetryCount      int `mapstructure:"send_retry_count"`
	ReceiveRetryCount   int `mapstructure:"receive_retry_count"`
	SendRetrySleepMs    int `mapstructure:"send_retry_sleep_ms"`
	ReceiveRetrySleepMs int `mapstructure:"receive_retry_sleep_ms"`
}

// Load reads configuration from the optional file path, applies ASTATE_*
// environment overrides, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("astate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/astate")
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("ASTATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("admin_port", 9101)
	v.SetDefault("log_level", "info")

	v.SetDefault("transfer_engine.meta_service_address", "")
	v.SetDefault("transfer_engine.local_address", "")
	v.SetDefault("transfer_engine.local_port", 19001)
	v.SetDefault("transfer_engine.fixed_port", false)
	v.SetDefault("transfer_engine.read_timeout_ms", -1)
	v.SetDefault("transfer_engine.write_timeout_ms", -1)
	v.SetDefault("transfer_engine.rdma_num_pollers", 4)
	v.SetDefault("transfer_engine.max_rdma_devices", 2)
	v.SetDefault("transfer_engine.enable_numa_allocation", false)
	v.SetDefault("transfer_engine.enable_perf_metrics", true)
	v.SetDefault("transfer_engine.perf_stats_interval_ms", 500)
	v.SetDefault("transfer_engine.backend", BackendUtrans)

	v.SetDefault("transport.send_retry_count", 3)
	v.SetDefault("transport.receive_retry_count", 3)
	v.SetDefault("transport.send_retry_sleep_ms", 100)
	v.SetDefault("transport.receive_retry_sleep_ms", 100)
}

// Validate checks the snapshot for values the engine would otherwise trip
// over at Start.
func (c *Config) Validate() error {
	te := &c.TransferEngine
	if te.FixedPort && (te.LocalPort <= 0 || te.LocalPort > 65535) {
		return fmt.Errorf("transfer_engine.local_port %d invalid for fixed-port mode", te.LocalPort)
	}
	if te.ReadTimeoutMs < -1 {
		return fmt.Errorf("transfer_engine.read_timeout_ms must be >= -1, got %d", te.ReadTimeoutMs)
	}
	if te.WriteTimeoutMs < -1 {
		return fmt.Errorf("transfer_engine.write_timeout_ms must be >= -1, got %d", te.WriteTimeoutMs)
	}
	if te.NumPollers <= 0 {
		return fmt.Errorf("transfer_engine.rdma_num_pollers must be positive, got %d", te.NumPollers)
	}
	if te.MaxRDMADevices < 0 {
		return fmt.Errorf("transfer_engine.max_rdma_devices must be >= 0, got %d", te.MaxRDMADevices)
	}
	if te.PerfStatsIntervalMs <= 0 {
		return fmt.Errorf("transfer_engine.perf_stats_interval_ms must be positive, got %d", te.PerfStatsIntervalMs)
	}
	if te.Backend != BackendUtrans && te.Backend != BackendUCX {
		return fmt.Errorf("transfer_engine.backend must be %q or %q, got %q", BackendUtrans, BackendUCX, te.Backend)
	}

	tr := &c.Transport
	for name, val := range map[string]int{
		"transport.send_retry_count":        tr.SendRetryCount,
		"transport.receive_retry_count":     tr.ReceiveRetryCount,
		"transport.send_retry_sleep_ms":     tr.SendRetrySleepMs,
		"transport.receive_retry_sleep_ms":  tr.ReceiveRetrySleepMs,
	} {
		if val < 0 {
			return fmt.Errorf("%s must be >= 0, got %d", name, val)
		}
	}
	return nil
}
