// Package loader reads tailor configuration and domain descriptors from disk.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/tailor/internal/config"
)

// LoadFromFile loads, defaults and validates a configuration file. A relative
// descriptor path is taken relative to the file's directory.
func LoadFromFile(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}

	if cfg.Descriptor != "" && !filepath.IsAbs(cfg.Descriptor) {
		cfg.Descriptor = filepath.Join(filepath.Dir(path), cfg.Descriptor)
	}

	return finish(cfg)
}

// LoadFromYAML loads, defaults and validates configuration bytes.
func LoadFromYAML(data []byte) (*config.Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// LoadDescriptor reads the libvirt domain XML a configuration points at.
func LoadDescriptor(cfg *config.Config) (string, error) {
	data, err := os.ReadFile(cfg.Descriptor)
	if err != nil {
		return "", fmt.Errorf("failed to read descriptor %s: %w", cfg.Descriptor, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return "", fmt.Errorf("descriptor %s is empty", cfg.Descriptor)
	}
	return string(data), nil
}

// decode rejects unknown keys so typos do not silently fall back to defaults.
func decode(data []byte) (*config.Config, error) {
	var cfg config.Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("configuration is empty")
		}
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	return &cfg, nil
}

func finish(cfg *config.Config) (*config.Config, error) {
	cfg.Normalize()
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// applyDefaults sets default values for optional fields.
func applyDefaults(cfg *config.Config) {
	if cfg.ProbeAttempts == 0 {
		cfg.ProbeAttempts = config.DefaultProbeAttempts
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = config.DefaultWorkDir
	}

	if cfg.SSH.PrivateKey == "" {
		cfg.SSH.PrivateKey = config.DefaultKeyPath
	}
	if cfg.SSH.User == "" {
		cfg.SSH.User = config.DefaultSSHUser
	}
	if cfg.SSH.Port == 0 {
		cfg.SSH.Port = config.DefaultSSHPort
	}

	t := &cfg.Timeouts
	if t.Boot == 0 {
		t.Boot = config.DefaultBootTimeout
	}
	if t.Shutdown == 0 {
		t.Shutdown = config.DefaultShutdownTimeout
	}
	if t.Command == 0 {
		t.Command = config.DefaultCommandTimeout
	}
	if t.Probe == 0 {
		t.Probe = config.DefaultProbeTimeout
	}
	if t.Inventory == 0 {
		t.Inventory = config.DefaultInventoryTimeout
	}

	if cfg.Announce.Host == "" {
		cfg.Announce.Host = config.DefaultAnnounceHost
	}
	if cfg.Guestfs.Mode == "" {
		cfg.Guestfs.Mode = config.GuestfsModeMount
	}
	if cfg.Output.Format == "" {
		cfg.Output.Format = "xml"
	}
}
