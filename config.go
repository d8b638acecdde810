package streaming

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config holds the settings needed to run a StreamingRegistry: where
// local destination identities live on disk, how many hops their
// tunnels should use, and how strict inbound packet validation should
// be. It is loaded from a TOML file, following the teacher stack's
// convention of keeping daemon configuration in a flat, hand-editable
// document rather than flags alone.
type Config struct {
	// DataDir holds one ".dat" file per local destination. It is
	// scanned at startup and watched afterward for files added while
	// the process is running.
	DataDir string `toml:"data_dir"`

	// TunnelHops is the hop count requested for every local
	// destination's tunnel pool. Zero means DefaultTunnelHops.
	TunnelHops int `toml:"tunnel_hops"`

	// VerifyInboundSignatures turns on DSA verification of signed
	// inbound packets (SYN and FIN) against the peer identity learned
	// from a FROM option; a signed packet arriving before any identity
	// is known is not checked. A packet that fails verification is
	// dropped before it advances the stream's sequence tracking, receive
	// queue or CLOSE state. Off by default,
	// matching the original implementation, since the substrate's
	// tunnel routing already authenticates the path the packet arrived
	// on.
	VerifyInboundSignatures bool `toml:"verify_inbound_signatures"`

	// LogLevel is a zerolog level name: "debug", "info", "warn",
	// "error". Defaults to "info" if empty.
	LogLevel string `toml:"log_level"`

	// Profile is a hint to remote peers about this destination's
	// expected traffic pattern: "bulk" (the default, optimizing for
	// throughput) or "interactive" (optimizing for latency). Only
	// "interactive" has any wire effect: it sets PROFILE_INTERACTIVE on
	// outgoing SYN packets. Peers are free to ignore it.
	Profile string `toml:"profile"`
}

// DefaultConfig returns the configuration used when no file is
// supplied.
func DefaultConfig() *Config {
	return &Config{
		DataDir:                 "./data",
		TunnelHops:              DefaultTunnelHops,
		VerifyInboundSignatures: false,
		LogLevel:                "info",
		Profile:                 "bulk",
	}
}

// LoadConfig reads and parses a TOML configuration file at path,
// starting from DefaultConfig so unset fields keep their defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}
