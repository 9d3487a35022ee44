// Package config defines the YAML configuration of a tailor run.
package config

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jbweber/tailor/internal/output"
)

// Defaults applied by the loader to omitted fields.
const (
	DefaultKeyPath          = "/etc/tailor/id_rsa-icicle-gen"
	DefaultSSHUser          = "root"
	DefaultSSHPort          = 22
	DefaultBootTimeout      = 5 * time.Minute
	DefaultShutdownTimeout  = 90 * time.Second
	DefaultCommandTimeout   = 10 * time.Second
	DefaultProbeTimeout     = time.Second
	DefaultInventoryTimeout = 30 * time.Second
	DefaultProbeAttempts    = 30
	DefaultAnnounceHost     = "127.0.0.1"
	DefaultWorkDir          = "/var/lib/tailor"
)

// Guest filesystem modes.
const (
	GuestfsModeMount = "guestmount"
	GuestfsModeDir   = "dir"
)

// Config is the complete configuration of one customization run.
type Config struct {
	Name          string          `yaml:"name"`
	Descriptor    string          `yaml:"descriptor"`               // Path to the libvirt domain XML
	Description   string          `yaml:"description,omitempty"`    // Copied into the inventory artifact
	WorkDir       string          `yaml:"work_dir,omitempty"`       // Parent of the per-run scratch directory
	ProbeAttempts int             `yaml:"probe_attempts,omitempty"` // Reachability probes before giving up
	Libvirt       LibvirtConfig   `yaml:"libvirt,omitempty"`
	SSH           SSHConfig       `yaml:"ssh,omitempty"`
	Timeouts      TimeoutConfig   `yaml:"timeouts,omitempty"`
	Announce      AnnounceConfig  `yaml:"announce,omitempty"`
	Guestfs       GuestfsConfig   `yaml:"guestfs,omitempty"`
	Customize     CustomizeConfig `yaml:"customize,omitempty"`
	Output        OutputConfig    `yaml:"output,omitempty"`
	Metrics       MetricsConfig   `yaml:"metrics,omitempty"`
}

// LibvirtConfig selects the daemon connection.
type LibvirtConfig struct {
	Socket  string        `yaml:"socket,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// SSHConfig describes how the guest is reached.
type SSHConfig struct {
	PrivateKey string `yaml:"private_key,omitempty"` // Regenerated on every run; <key>.pub is installed in the guest
	User       string `yaml:"user,omitempty"`
	Port       int    `yaml:"port,omitempty"`
}

// TimeoutConfig bounds each blocking step.
type TimeoutConfig struct {
	Boot      time.Duration `yaml:"boot,omitempty"`
	Shutdown  time.Duration `yaml:"shutdown,omitempty"`
	Command   time.Duration `yaml:"command,omitempty"`
	Probe     time.Duration `yaml:"probe,omitempty"`
	Inventory time.Duration `yaml:"inventory,omitempty"`
}

// AnnounceConfig is where the guest's serial announcement socket listens.
// Port 0 picks a free port.
type AnnounceConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// GuestfsConfig selects how the offline image is opened.
type GuestfsConfig struct {
	Mode string `yaml:"mode,omitempty"`
	Root string `yaml:"root,omitempty"` // Only for mode "dir": an already-mounted guest tree
}

// CustomizeConfig lists the changes made in the running guest.
type CustomizeConfig struct {
	Repositories []string          `yaml:"repositories,omitempty"`
	Packages     []string          `yaml:"packages,omitempty"`
	Files        map[string]string `yaml:"files,omitempty"` // Guest path -> content
	Commands     []string          `yaml:"commands,omitempty"`
}

// OutputConfig controls where the inventory artifact goes.
type OutputConfig struct {
	Format string `yaml:"format,omitempty"`
	Path   string `yaml:"path,omitempty"` // Empty writes to stdout
}

// MetricsConfig enables the node-exporter textfile.
type MetricsConfig struct {
	Textfile string `yaml:"textfile,omitempty"`
}

// IsEmpty reports whether there is nothing to change in the guest.
// Repositories alone do not count: they only matter for packages.
func (c *CustomizeConfig) IsEmpty() bool {
	return len(c.Packages) == 0 && len(c.Files) == 0 && len(c.Commands) == 0
}

// FilePaths returns the guest paths of Files in a stable order.
func (c *CustomizeConfig) FilePaths() []string {
	paths := make([]string, 0, len(c.Files))
	for p := range c.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

var namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)

// Validate checks the configuration for errors. It does not touch the host:
// the descriptor, key and disks are checked when the run starts.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !namePattern.MatchString(c.Name) {
		return fmt.Errorf("name must start and end with alphanumeric characters and contain only alphanumeric, hyphens, or underscores, got %q", c.Name)
	}
	if c.Descriptor == "" {
		return fmt.Errorf("descriptor is required")
	}
	if c.ProbeAttempts <= 0 {
		return fmt.Errorf("probe_attempts must be > 0, got %d", c.ProbeAttempts)
	}

	if err := c.SSH.Validate(); err != nil {
		return fmt.Errorf("ssh: %w", err)
	}
	if err := c.Timeouts.Validate(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	if c.Announce.Port < 0 || c.Announce.Port > 65535 {
		return fmt.Errorf("announce.port must be between 0 and 65535, got %d", c.Announce.Port)
	}
	if err := c.Guestfs.Validate(); err != nil {
		return fmt.Errorf("guestfs: %w", err)
	}
	if err := c.Customize.Validate(); err != nil {
		return fmt.Errorf("customize: %w", err)
	}
	if err := output.ValidateFormat(c.Output.Format); err != nil {
		return fmt.Errorf("output: %w", err)
	}

	return nil
}

// Validate checks SSH settings.
func (s *SSHConfig) Validate() error {
	if s.PrivateKey == "" {
		return fmt.Errorf("private_key is required")
	}
	if s.User == "" {
		return fmt.Errorf("user is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	return nil
}

// Validate checks that every timeout is positive.
func (t *TimeoutConfig) Validate() error {
	for name, d := range map[string]time.Duration{
		"boot":      t.Boot,
		"shutdown":  t.Shutdown,
		"command":   t.Command,
		"probe":     t.Probe,
		"inventory": t.Inventory,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", name, d)
		}
	}
	return nil
}

// Validate checks the guest filesystem mode.
func (g *GuestfsConfig) Validate() error {
	switch g.Mode {
	case GuestfsModeMount:
		return nil
	case GuestfsModeDir:
		if g.Root == "" {
			return fmt.Errorf("root is required for mode %q", GuestfsModeDir)
		}
		return nil
	default:
		return fmt.Errorf("unsupported mode %q (supported: %s, %s)", g.Mode, GuestfsModeMount, GuestfsModeDir)
	}
}

// Validate checks customization entries.
func (c *CustomizeConfig) Validate() error {
	for i, pkg := range c.Packages {
		if strings.TrimSpace(pkg) == "" || strings.ContainsAny(pkg, " \t'\"") {
			return fmt.Errorf("packages[%d] is not a valid package name: %q", i, pkg)
		}
	}
	for i, repo := range c.Repositories {
		if strings.Trim(repo, `'" `) == "" {
			return fmt.Errorf("repositories[%d] is empty", i)
		}
	}
	for _, p := range c.FilePaths() {
		if !path.IsAbs(p) || path.Clean(p) == "/" {
			return fmt.Errorf("files: %q must be an absolute file path", p)
		}
	}
	for i, cmd := range c.Commands {
		if strings.TrimSpace(cmd) == "" {
			return fmt.Errorf("commands[%d] is empty", i)
		}
	}
	return nil
}

// Normalize sanitizes user input to consistent formats.
func (c *Config) Normalize() {
	c.Name = strings.ToLower(strings.TrimSpace(c.Name))
	c.Output.Format = strings.ToLower(strings.TrimSpace(c.Output.Format))
	c.Guestfs.Mode = strings.ToLower(strings.TrimSpace(c.Guestfs.Mode))
}
