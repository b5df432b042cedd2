// Package config loads the YAML-backed settings that replace the source
// implementation's module of global constants. It is the single place
// defaults from spec.md §3/§4 are declared.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport holds every tunable the transport package threads explicitly
// through transport.New, instead of reading package-level constants.
type Transport struct {
	MTU               int           `yaml:"mtu"`
	InitialWindowSize int           `yaml:"initial_window_size"`
	RetransmitSleep   time.Duration `yaml:"retransmit_sleep"`
	WindowProbeSleep  time.Duration `yaml:"window_probe_sleep"`
	EOCAckTimeout     time.Duration `yaml:"eoc_ack_timeout"`
	Workers           int           `yaml:"workers"`
	RecvPollTimeout   time.Duration `yaml:"recv_poll_timeout"`

	// ReassemblyTTL bounds how long a fragment may sit in the reorder
	// buffer waiting for its siblings. Zero disables the bound, matching
	// the source implementation's indefinite wait (spec.md §4.9, §9).
	ReassemblyTTL time.Duration `yaml:"reassembly_ttl"`
}

// Config is the top-level document a host process loads from disk.
type Config struct {
	Transport    Transport `yaml:"transport"`
	UDPListen    string    `yaml:"udp_listen"`
	TCPListen    string    `yaml:"tcp_listen"`
	MetricsListen string   `yaml:"metrics_listen"`
	Identifier   string    `yaml:"identifier"`
	ServerAddr   string    `yaml:"server_addr"`
}

// Default returns spec.md's constants unchanged, matching the source
// implementation's constants module.
func Default() Config {
	return Config{
		Transport: Transport{
			MTU:               1500,
			InitialWindowSize: 64,
			RetransmitSleep:   5 * time.Second,
			WindowProbeSleep:  5 * time.Second,
			EOCAckTimeout:     15 * time.Second,
			Workers:           8,
			RecvPollTimeout:   time.Second,
			ReassemblyTTL:     0,
		},
		UDPListen:     ":9000",
		TCPListen:     ":9001",
		MetricsListen: ":9100",
	}
}

// Load reads a YAML document at path, overlaying it on Default() so an
// omitted field keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
