// Package config carries the builder's endpoint-level tunables: MTU,
// batching limits, key-update thresholds, and padding policy. A
// DefaultConfig constructor plus a Validate that clamps out-of-range
// values instead of returning an error for them.
package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/pelletier/go-toml"
)

// PaddingPolicy names how aggressively an endpoint pads a packet beyond
// the minimum-size floor. The values below describe each policy; the
// builder's Finalize does not consult them (see Config.Padding).
type PaddingPolicy int32

const (
	// PaddingMinimal pads only to the 4-byte PN+payload floor and, for
	// Initial packets, to the 1200-byte datagram floor.
	PaddingMinimal PaddingPolicy = 0

	// PaddingFull pads every non-final-in-batch packet to the full
	// datagram ceiling, trading bandwidth for resistance to
	// traffic-analysis on packet-size boundaries.
	PaddingFull PaddingPolicy = 1
)

// Config is the builder's full set of endpoint tunables.
type Config struct {
	// MTU is the default datagram ceiling before PMTUD or a
	// pathmtu.RouteHint raises it. Range 576-1500.
	MTU uint32 `json:"mtu" toml:"mtu"`

	// MaxDatagramsPerSend bounds how many datagrams one flush may send
	// before Prepare reports batch full (passed to builder.New).
	MaxDatagramsPerSend uint32 `json:"maxDatagramsPerSend" toml:"max_datagrams_per_send"`

	// MaxBytesPerKey is the byte budget that triggers a 1-RTT key-phase
	// update once exceeded.
	MaxBytesPerKey uint64 `json:"maxBytesPerKey" toml:"max_bytes_per_key"`

	// ConnectionIDLength is the length in bytes of locally-generated
	// connection IDs. Range 4-20, matching RFC 9000.
	ConnectionIDLength uint32 `json:"connectionIdLength" toml:"connection_id_length"`

	// Padding records the operator's padding policy. The builder does not
	// read it: Finalize's padding follows Datapath.IsPaddingPreferred and
	// the minimum-length rules only.
	Padding PaddingPolicy `json:"padding" toml:"padding"`

	// HandshakeTimeoutSeconds records a handshake timeout in seconds. No
	// package in this module reads it or enforces a timeout.
	HandshakeTimeoutSeconds uint32 `json:"handshakeTimeout" toml:"handshake_timeout_seconds"`

	// KeepAliveIntervalSeconds records a keep-alive interval in seconds (0
	// meaning none). No package in this module reads it or schedules
	// keep-alive flushes.
	KeepAliveIntervalSeconds uint32 `json:"keepAliveInterval" toml:"keep_alive_interval_seconds"`
}

// DefaultConfig returns tunables sized for a general-purpose endpoint.
func DefaultConfig() *Config {
	return &Config{
		MTU:                      1400,
		MaxDatagramsPerSend:      16,
		MaxBytesPerKey:           1 << 34, // 16 GiB, a conservative AEAD confidentiality limit
		ConnectionIDLength:       8,
		Padding:                  PaddingFull,
		HandshakeTimeoutSeconds:  10,
		KeepAliveIntervalSeconds: 15,
	}
}

// Validate clamps out-of-range fields to their defaults rather than
// failing — a malformed config file should still produce a working
// endpoint.
func (c *Config) Validate() error {
	if c.MTU < 576 || c.MTU > 1500 {
		c.MTU = 1400
	}
	if c.MaxDatagramsPerSend == 0 || c.MaxDatagramsPerSend > 64 {
		c.MaxDatagramsPerSend = 16
	}
	if c.MaxBytesPerKey == 0 {
		c.MaxBytesPerKey = 1 << 34
	}
	if c.ConnectionIDLength < 4 || c.ConnectionIDLength > 20 {
		c.ConnectionIDLength = 8
	}
	if c.HandshakeTimeoutSeconds == 0 {
		c.HandshakeTimeoutSeconds = 10
	}
	return nil
}

// LoadYAML reads endpoint configuration from a YAML file, using
// ghodss/yaml so the same `json:"..."` struct tags serve both the YAML
// loader and any JSON-based control-plane API.
func LoadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TuningOverrides holds the subset of knobs operators adjust per
// deployment without touching the main YAML file — congestion and loss
// detection parameters that benefit from a separate, hot-reloadable
// file in TOML.
type TuningOverrides struct {
	InitialWindowDatagrams uint32 `toml:"initial_window_datagrams"`
	MaxWindowBytes         uint64 `toml:"max_window_bytes"`
	PacketThreshold        uint32 `toml:"packet_threshold"`
}

// LoadTuningOverrides reads a secondary TOML file of congestion/loss
// tunables, using github.com/pelletier/go-toml.
func LoadTuningOverrides(path string) (*TuningOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var overrides TuningOverrides
	if err := toml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &overrides, nil
}
