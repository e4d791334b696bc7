// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/irqbridge/internal/core"
)

// Config is the top-level configuration.
// Maps to the `irqbridge:` root key in YAML.
type Config struct {
	Node       NodeConfig       `mapstructure:"node" yaml:"node"`
	Peer       PeerConfig       `mapstructure:"peer" yaml:"peer"`
	Device     DeviceConfig     `mapstructure:"device" yaml:"device"`
	Ring       RingConfig       `mapstructure:"ring" yaml:"ring"`
	Flow       FlowConfig       `mapstructure:"flow" yaml:"flow"`
	Clock      ClockConfig      `mapstructure:"clock" yaml:"clock"`
	Engine     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	Throughput ThroughputConfig `mapstructure:"throughput" yaml:"throughput"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

// ─── Addressing ───

// NodeConfig is the local endpoint.
type NodeConfig struct {
	IP   string `mapstructure:"ip" yaml:"ip"`
	MAC  string `mapstructure:"mac" yaml:"mac"` // frame device only
	Port uint16 `mapstructure:"port" yaml:"port"`
}

// PeerConfig is the only remote endpoint frames are accepted from.
type PeerConfig struct {
	IP   string `mapstructure:"ip" yaml:"ip"`
	Port uint16 `mapstructure:"port" yaml:"port"`
}

// ─── Device ───

// DeviceConfig selects and tunes the network device.
type DeviceConfig struct {
	Type         string        `mapstructure:"type" yaml:"type"`           // udp | pcap
	Interface    string        `mapstructure:"interface" yaml:"interface"` // pcap only
	Bind         string        `mapstructure:"bind" yaml:"bind"`           // udp only
	SnapLen      int           `mapstructure:"snap_len" yaml:"snap_len"`
	HWQueueDepth int           `mapstructure:"hw_queue_depth" yaml:"hw_queue_depth"`
	ARPTimeout   time.Duration `mapstructure:"arp_timeout" yaml:"arp_timeout"`
	ARPRetries   int           `mapstructure:"arp_retries" yaml:"arp_retries"`
	ARPCacheTTL  time.Duration `mapstructure:"arp_cache_ttl" yaml:"arp_cache_ttl"`
}

// ─── Bridge ───

// RingConfig sets the receive ring geometry.
type RingConfig struct {
	Slots    int `mapstructure:"slots" yaml:"slots"`
	SlotSize int `mapstructure:"slot_size" yaml:"slot_size"`
}

// FlowConfig controls inbound invalidation.
type FlowConfig struct {
	FlushOnSend bool `mapstructure:"flush_on_send" yaml:"flush_on_send"`
}

// ClockConfig describes the cycle counter.
type ClockConfig struct {
	FrequencyHz uint64 `mapstructure:"frequency_hz" yaml:"frequency_hz"`
}

// ─── Session ───

// EngineConfig tunes the secure channel.
type EngineConfig struct {
	RetransmitTimeout time.Duration `mapstructure:"retransmit_timeout" yaml:"retransmit_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"` // 0 = unbounded
	// CompletionMessage is written once the handshake completes; empty skips it.
	CompletionMessage string `mapstructure:"completion_message" yaml:"completion_message"`
}

// ThroughputConfig configures the bulk-transfer test that follows the handshake.
type ThroughputConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	TotalBytes   int    `mapstructure:"total_bytes" yaml:"total_bytes"`
	ChunkSize    int    `mapstructure:"chunk_size" yaml:"chunk_size"`
	FinalMessage string `mapstructure:"final_message" yaml:"final_message"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Loading ───

const (
	// maxChunk is the largest plaintext one record carries.
	maxChunk = 1447
	// maxSlotSize is the largest UDP payload.
	maxSlotSize = 65507
)

// configRoot is the top-level wrapper matching the YAML structure `irqbridge: ...`.
type configRoot struct {
	IRQBridge Config `mapstructure:"irqbridge"`
}

// Load loads configuration from file. An empty path yields the defaults
// with environment overrides applied.
// The YAML file uses `irqbridge:` as root key; env vars map through the key
// replacer (e.g., key "irqbridge.ring.slots" → env "IRQBRIDGE_RING_SLOTS").
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.IRQBridge

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration, ignoring the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		panic(fmt.Sprintf("default config does not decode: %v", err))
	}
	cfg := root.IRQBridge
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return &cfg
}

// setDefaults sets default values for configuration.
// All keys use "irqbridge." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Addressing defaults
	v.SetDefault("irqbridge.node.ip", "192.168.1.50")
	v.SetDefault("irqbridge.node.mac", "02:00:00:00:00:01")
	v.SetDefault("irqbridge.node.port", 15000)
	v.SetDefault("irqbridge.peer.ip", "192.168.1.100")
	v.SetDefault("irqbridge.peer.port", 4444)

	// Device defaults
	v.SetDefault("irqbridge.device.type", "udp")
	v.SetDefault("irqbridge.device.interface", "tap0")
	v.SetDefault("irqbridge.device.bind", "0.0.0.0")
	v.SetDefault("irqbridge.device.snap_len", 1600)
	v.SetDefault("irqbridge.device.hw_queue_depth", 8)
	v.SetDefault("irqbridge.device.arp_timeout", "2s")
	v.SetDefault("irqbridge.device.arp_retries", 1000)
	v.SetDefault("irqbridge.device.arp_cache_ttl", "5m")

	// Bridge defaults
	v.SetDefault("irqbridge.ring.slots", 16)
	v.SetDefault("irqbridge.ring.slot_size", 1500)
	v.SetDefault("irqbridge.flow.flush_on_send", true)
	v.SetDefault("irqbridge.clock.frequency_hz", 100_000_000)

	// Session defaults
	v.SetDefault("irqbridge.engine.retransmit_timeout", "1s")
	v.SetDefault("irqbridge.engine.handshake_timeout", "0s")
	v.SetDefault("irqbridge.engine.completion_message", "RISC-V Simulation complete\n\n")
	v.SetDefault("irqbridge.throughput.enabled", true)
	v.SetDefault("irqbridge.throughput.total_bytes", 50*1024)
	v.SetDefault("irqbridge.throughput.chunk_size", 1200)
	v.SetDefault("irqbridge.throughput.final_message", "RISC-V Simulation complete\n")

	// Metrics defaults
	v.SetDefault("irqbridge.metrics.enabled", false)
	v.SetDefault("irqbridge.metrics.listen", ":9091")
	v.SetDefault("irqbridge.metrics.path", "/metrics")

	// Log defaults
	v.SetDefault("irqbridge.log.level", "info")
	v.SetDefault("irqbridge.log.format", "text")
	v.SetDefault("irqbridge.log.outputs.file.enabled", false)
	v.SetDefault("irqbridge.log.outputs.file.path", "/var/log/irqbridge/irqbridge.log")
	v.SetDefault("irqbridge.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("irqbridge.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("irqbridge.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("irqbridge.log.outputs.file.rotation.compress", true)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return invalid("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	// ── Addressing ──
	if _, err := cfg.Node.Endpoint(); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if _, err := cfg.Peer.Endpoint(); err != nil {
		return fmt.Errorf("peer: %w", err)
	}
	if cfg.Peer.Port == 0 {
		return invalid("peer.port is required")
	}

	// ── Device ──
	switch cfg.Device.Type {
	case "udp":
		if _, err := netip.ParseAddr(cfg.Device.Bind); err != nil {
			return invalid("invalid device.bind %q: %v", cfg.Device.Bind, err)
		}
	case "pcap":
		if cfg.Device.Interface == "" {
			return invalid("device.interface is required when device.type=pcap")
		}
		if _, err := cfg.Node.HardwareAddr(); err != nil {
			return fmt.Errorf("node: %w", err)
		}
		if cfg.Node.Port == 0 {
			return invalid("node.port is required when device.type=pcap")
		}
	default:
		return invalid("unsupported device.type: %s (must be udp/pcap)", cfg.Device.Type)
	}
	if cfg.Device.HWQueueDepth <= 0 {
		cfg.Device.HWQueueDepth = 8
	}
	if cfg.Device.SnapLen <= 0 {
		cfg.Device.SnapLen = 1600
	}
	if cfg.Device.ARPRetries <= 0 {
		cfg.Device.ARPRetries = 1
	}

	// ── Bridge ──
	if cfg.Ring.Slots <= 0 {
		return invalid("ring.slots must be positive, got %d", cfg.Ring.Slots)
	}
	if cfg.Ring.SlotSize <= 0 || cfg.Ring.SlotSize > maxSlotSize {
		return invalid("ring.slot_size must be in 1..%d, got %d", maxSlotSize, cfg.Ring.SlotSize)
	}
	if cfg.Clock.FrequencyHz < 1000 {
		return invalid("clock.frequency_hz must be at least 1000, got %d", cfg.Clock.FrequencyHz)
	}

	// ── Session ──
	if cfg.Engine.RetransmitTimeout <= 0 {
		cfg.Engine.RetransmitTimeout = time.Second
	}
	if cfg.Engine.HandshakeTimeout < 0 {
		return invalid("engine.handshake_timeout must not be negative")
	}
	if len(cfg.Engine.CompletionMessage) > maxChunk {
		return invalid("engine.completion_message longer than %d bytes", maxChunk)
	}
	if len(cfg.Throughput.FinalMessage) > maxChunk {
		return invalid("throughput.final_message longer than %d bytes", maxChunk)
	}
	if cfg.Throughput.Enabled {
		if cfg.Throughput.TotalBytes < 0 {
			return invalid("throughput.total_bytes must not be negative")
		}
		if cfg.Throughput.ChunkSize <= 0 || cfg.Throughput.ChunkSize > maxChunk {
			return invalid("throughput.chunk_size must be in 1..%d, got %d", maxChunk, cfg.Throughput.ChunkSize)
		}
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return invalid("metrics.listen is required when metrics.enabled=true")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// Endpoint parses the node address.
func (n NodeConfig) Endpoint() (core.Endpoint, error) {
	return core.ParseEndpoint(n.IP, n.Port)
}

// HardwareAddr parses the node MAC address.
func (n NodeConfig) HardwareAddr() (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(n.MAC)
	if err != nil || len(mac) != 6 {
		return nil, invalid("invalid mac %q", n.MAC)
	}
	return mac, nil
}

// Endpoint parses the peer address.
func (p PeerConfig) Endpoint() (core.Endpoint, error) {
	return core.ParseEndpoint(p.IP, p.Port)
}
