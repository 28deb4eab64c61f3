// Package config holds the session options spec.md §6 lists as recognized
// by the Agent Channel Manager's core, loaded from YAML and overridden by a
// fixed set of environment variables read once at construction — never read
// ad hoc later by the core components themselves.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/spicevd/agentchannel/internal/validation"
)

// DisplayColorDepth enumerates the color depths spec.md §6 allows for
// display-color-depth; 0 means "negotiate with the guest", matching the
// spec's own {0,8,16,24,32} set.
type DisplayColorDepth int

const (
	defaultMaxClipboard = 100 * 1024 * 1024 // 100 MiB, spec.md §6 default
)

// Config is the plain struct DefaultConfig/LoadConfig build; the core reads
// its fields directly rather than calling back into this package at
// runtime.
type Config struct {
	MaxClipboard int `yaml:"max_clipboard"`

	DisableDisplayPosition bool              `yaml:"disable_display_position"`
	DisableDisplayAlign    bool              `yaml:"disable_display_align"`
	DisplayColorDepth      DisplayColorDepth `yaml:"display_color_depth"`
	DisableWallpaper       bool              `yaml:"disable_wallpaper"`
	DisableFontSmooth      bool              `yaml:"disable_font_smooth"`
	DisableAnimation       bool              `yaml:"disable_animation"`

	RedirectedRemotePorts []string `yaml:"redirected_remote_ports"`
	RedirectedLocalPorts  []string `yaml:"redirected_local_ports"`
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxClipboard:      defaultMaxClipboard,
		DisplayColorDepth: 0,
	}
}

// LoadConfig reads a YAML file at path over DefaultConfig, applies the
// SPICE_MAX_CLIPBOARD environment override, validates display-color-depth
// and every redirection entry, and returns the result. A path of "" returns
// DefaultConfig with just the environment override applied.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if v := os.Getenv("SPICE_MAX_CLIPBOARD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("SPICE_MAX_CLIPBOARD: %w", err)
		}
		cfg.MaxClipboard = n
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DisplayColorDepth {
	case 0, 8, 16, 24, 32:
	default:
		return fmt.Errorf("display_color_depth must be one of 0,8,16,24,32, got %d", c.DisplayColorDepth)
	}
	if c.MaxClipboard < -1 {
		return fmt.Errorf("max_clipboard must be -1 (unlimited) or >= 0, got %d", c.MaxClipboard)
	}
	if _, err := c.RemotePortRedirections(); err != nil {
		return fmt.Errorf("redirected_remote_ports: %w", err)
	}
	if _, err := c.LocalPortRedirections(); err != nil {
		return fmt.Errorf("redirected_local_ports: %w", err)
	}
	return nil
}

// RemotePortRedirections parses RedirectedRemotePorts, for the Port
// Forwarder's associate_remote replay on agent reconnect (spec.md §4.5.5).
func (c *Config) RemotePortRedirections() ([]validation.Redirection, error) {
	return parseRedirections(c.RedirectedRemotePorts)
}

// LocalPortRedirections parses RedirectedLocalPorts, for the Port
// Forwarder's associate_local replay on agent reconnect.
func (c *Config) LocalPortRedirections() ([]validation.Redirection, error) {
	return parseRedirections(c.RedirectedLocalPorts)
}

func parseRedirections(specs []string) ([]validation.Redirection, error) {
	out := make([]validation.Redirection, 0, len(specs))
	for _, s := range specs {
		r, err := validation.ParseRedirection(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
