package config

// Configuration loading and validation for ecuprobe scan and vecu runs.

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ecuprobe/internal/ranges"
	"ecuprobe/internal/scan"
	"ecuprobe/internal/uds"
	"ecuprobe/internal/vecu"
)

// LoggingConfig selects log level and optional log file.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"`
}

// UDSConfig tunes the request/retry timing of the UDS client.
type UDSConfig struct {
	TimeoutMs      int `yaml:"timeout_ms"`
	MaxPending     int `yaml:"max_pending"`
	MaxRetry       int `yaml:"max_retry"`
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
}

// RequestConfig converts the yaml fields into the client's native form.
func (c UDSConfig) RequestConfig() uds.RequestConfig {
	return uds.RequestConfig{
		Timeout:      time.Duration(c.TimeoutMs) * time.Millisecond,
		MaxPending:   c.MaxPending,
		MaxRetry:     c.MaxRetry,
		RetryBackoff: time.Duration(c.RetryBackoffMs) * time.Millisecond,
	}
}

// DiscoverConfig controls XCP endpoint discovery on CAN and ethernet.
type DiscoverConfig struct {
	IDs            string `yaml:"ids"`
	SniffTimeMs    int    `yaml:"sniff_time_ms"`
	ProbeTimeoutMs int    `yaml:"probe_timeout_ms"`
	Ports          string `yaml:"ports,omitempty"`
	ParallelProbes int    `yaml:"parallel_probes,omitempty"`
}

// CANScan converts the yaml fields into the scan engine's native form.
func (c DiscoverConfig) CANScan() (scan.CANDiscoveryConfig, error) {
	ids, err := ranges.Parse(c.IDs)
	if err != nil {
		return scan.CANDiscoveryConfig{}, fmt.Errorf("discover ids: %w", err)
	}
	return scan.CANDiscoveryConfig{
		SniffTime:    time.Duration(c.SniffTimeMs) * time.Millisecond,
		ProbeTimeout: time.Duration(c.ProbeTimeoutMs) * time.Millisecond,
		IDs:          ids,
	}, nil
}

// EthScan converts the yaml fields into the scan engine's native form.
func (c DiscoverConfig) EthScan(host string) (scan.EthDiscoveryConfig, error) {
	ports, err := ranges.Parse(c.Ports)
	if err != nil {
		return scan.EthDiscoveryConfig{}, fmt.Errorf("discover ports: %w", err)
	}
	return scan.EthDiscoveryConfig{
		Host:     host,
		Ports:    ports,
		Timeout:  time.Duration(c.ProbeTimeoutMs) * time.Millisecond,
		Parallel: c.ParallelProbes,
	}, nil
}

// IdentifiersConfig controls the identifier scan.
type IdentifiersConfig struct {
	Service          int      `yaml:"service"`
	Sessions         []int    `yaml:"sessions,omitempty"`
	IDs              string   `yaml:"ids"`
	Skips            []string `yaml:"skips,omitempty"`
	PayloadHex       string   `yaml:"payload_hex,omitempty"`
	CheckSession     int      `yaml:"check_session,omitempty"`
	SkipNotSupported bool     `yaml:"skip_not_supported,omitempty"`
	ProbeRetries     int      `yaml:"probe_retries,omitempty"`
}

// Scan converts the yaml fields into the scan engine's native form.
func (c IdentifiersConfig) Scan() (scan.IdentifiersConfig, error) {
	ids, err := ranges.Parse(c.IDs)
	if err != nil {
		return scan.IdentifiersConfig{}, fmt.Errorf("scan ids: %w", err)
	}
	skips, err := ranges.ParseSkips(c.Skips)
	if err != nil {
		return scan.IdentifiersConfig{}, fmt.Errorf("skips: %w", err)
	}
	payload, err := hexField("payload_hex", c.PayloadHex)
	if err != nil {
		return scan.IdentifiersConfig{}, err
	}
	return scan.IdentifiersConfig{
		Service:          byte(c.Service),
		Sessions:         uint32Slice(c.Sessions),
		IDs:              ids,
		Skips:            skips,
		Payload:          payload,
		CheckSession:     c.CheckSession,
		SkipNotSupported: c.SkipNotSupported,
		ProbeRetries:     c.ProbeRetries,
	}, nil
}

// SeedsConfig controls the security-access seed dump.
type SeedsConfig struct {
	Level        int   `yaml:"level"`
	Sessions     []int `yaml:"sessions,omitempty"`
	Count        int   `yaml:"count"`
	IntervalMs   int   `yaml:"interval_ms,omitempty"`
	ProbeRetries int   `yaml:"probe_retries,omitempty"`
}

// Scan converts the yaml fields into the scan engine's native form.
func (c SeedsConfig) Scan() scan.SeedsConfig {
	return scan.SeedsConfig{
		Level:        byte(c.Level),
		Sessions:     uint32Slice(c.Sessions),
		Count:        c.Count,
		Interval:     time.Duration(c.IntervalMs) * time.Millisecond,
		ProbeRetries: c.ProbeRetries,
	}
}

// FuzzConfig controls the PDU fuzzer.
type FuzzConfig struct {
	TemplateHex  string `yaml:"template_hex"`
	Iterations   int    `yaml:"iterations"`
	Seed         int64  `yaml:"seed"`
	MaxMutations int    `yaml:"max_mutations,omitempty"`
	PingEvery    int    `yaml:"ping_every,omitempty"`
	ProbeRetries int    `yaml:"probe_retries,omitempty"`
}

// Scan converts the yaml fields into the scan engine's native form.
func (c FuzzConfig) Scan() (scan.FuzzConfig, error) {
	template, err := hexField("template_hex", c.TemplateHex)
	if err != nil {
		return scan.FuzzConfig{}, err
	}
	return scan.FuzzConfig{
		Template:     template,
		Iterations:   c.Iterations,
		Seed:         c.Seed,
		MaxMutations: c.MaxMutations,
		PingEvery:    c.PingEvery,
		ProbeRetries: c.ProbeRetries,
	}, nil
}

// VECUConfig selects and parameterizes a virtual ECU.
type VECUConfig struct {
	Variant   string           `yaml:"variant"`
	Listen    string           `yaml:"listen"`
	Seed      int64            `yaml:"seed,omitempty"`
	Dataset   string           `yaml:"dataset,omitempty"`
	ECU       string           `yaml:"ecu,omitempty"`
	Overrides *vecu.Properties `yaml:"overrides,omitempty"`
}

// Config is the top-level yaml configuration for a run.
type Config struct {
	Target      string            `yaml:"target"`
	OutputDir   string            `yaml:"output_dir"`
	PCAP        bool              `yaml:"pcap,omitempty"`
	Logging     LoggingConfig     `yaml:"logging"`
	UDS         UDSConfig         `yaml:"uds"`
	Discover    DiscoverConfig    `yaml:"discover"`
	Identifiers IdentifiersConfig `yaml:"identifiers"`
	Seeds       SeedsConfig       `yaml:"seeds"`
	Fuzz        FuzzConfig        `yaml:"fuzz"`
	VECU        VECUConfig        `yaml:"vecu"`
}

// Default returns a configuration with workable timing and ranges.
func Default() *Config {
	return &Config{
		OutputDir: "artifacts",
		Logging:   LoggingConfig{Level: "info"},
		UDS: UDSConfig{
			TimeoutMs:      2000,
			MaxPending:     120,
			MaxRetry:       3,
			RetryBackoffMs: 100,
		},
		Discover: DiscoverConfig{
			IDs:            "0x000-0x7FF",
			SniffTimeMs:    2000,
			ProbeTimeoutMs: 200,
			Ports:          "5555",
			ParallelProbes: 16,
		},
		Identifiers: IdentifiersConfig{
			Service:      0x22,
			IDs:          "0x0000-0xFFFF",
			CheckSession: 16,
			ProbeRetries: 1,
		},
		Seeds: SeedsConfig{
			Level:        0x01,
			Count:        10,
			IntervalMs:   100,
			ProbeRetries: 1,
		},
		Fuzz: FuzzConfig{
			TemplateHex:  "2ef190aabbccdd",
			Iterations:   1000,
			Seed:         1,
			MaxMutations: 4,
			PingEvery:    50,
			ProbeRetries: 1,
		},
		VECU: VECUConfig{
			Variant: "random",
			Listen:  "tcp://127.0.0.1:20162",
			Seed:    1,
		},
	}
}

// Load reads path and overlays it onto the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values no command could run with.
func Validate(cfg *Config) error {
	if cfg.UDS.TimeoutMs <= 0 {
		return fmt.Errorf("uds.timeout_ms must be positive, got %d", cfg.UDS.TimeoutMs)
	}
	if cfg.UDS.MaxPending < 0 || cfg.UDS.MaxRetry < 0 {
		return fmt.Errorf("uds.max_pending and uds.max_retry must not be negative")
	}
	if cfg.Identifiers.Service < 0 || cfg.Identifiers.Service > 0xFF {
		return fmt.Errorf("identifiers.service %#x out of range", cfg.Identifiers.Service)
	}
	for _, session := range cfg.Identifiers.Sessions {
		if session <= 0 || session > 0xFF {
			return fmt.Errorf("identifiers session %#x out of range", session)
		}
	}
	if cfg.Seeds.Level < 1 || cfg.Seeds.Level > 0xFF || cfg.Seeds.Level%2 == 0 {
		return fmt.Errorf("seeds.level must be an odd request-seed level, got %#x", cfg.Seeds.Level)
	}
	if cfg.Fuzz.Iterations < 0 {
		return fmt.Errorf("fuzz.iterations must not be negative")
	}
	if cfg.Identifiers.ProbeRetries < 0 || cfg.Seeds.ProbeRetries < 0 || cfg.Fuzz.ProbeRetries < 0 {
		return fmt.Errorf("probe_retries must not be negative")
	}
	switch cfg.VECU.Variant {
	case "random":
	case "db":
		if cfg.VECU.Dataset == "" {
			return fmt.Errorf("vecu.dataset is required for the db variant")
		}
	default:
		return fmt.Errorf("unknown vecu.variant %q (want random or db)", cfg.VECU.Variant)
	}
	return nil
}

// WriteDefault writes the default configuration to path for editing.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

func uint32Slice(values []int) []uint32 {
	if len(values) == 0 {
		return nil
	}
	out := make([]uint32, len(values))
	for i, v := range values {
		out[i] = uint32(v)
	}
	return out
}

func hexField(name, value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	data, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return data, nil
}
