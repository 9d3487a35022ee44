package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbweber/tailor/internal/config"
	"github.com/jbweber/tailor/internal/guest"
	"github.com/jbweber/tailor/internal/inventory"
	"github.com/jbweber/tailor/internal/libvirt"
	"github.com/jbweber/tailor/internal/loader"
	"github.com/jbweber/tailor/internal/metrics"
	"github.com/jbweber/tailor/internal/output"
	"github.com/jbweber/tailor/internal/remote"
	"github.com/jbweber/tailor/internal/storage"
)

// Flags shared by customize and inventory
var (
	withInventory bool
	outputPath    string
	outputFormat  string
)

var customizeCmd = &cobra.Command{
	Use:   "customize <config.yaml>",
	Short: "Customize a guest image",
	Long: `Customize the guest described by a configuration file.

This will:
- Install a temporary root key, sshd start link and address announcement job
- Boot the guest as a transient domain and wait for it to report its address
- Add repositories, install packages, upload files and run commands
- Shut the guest down and revert the temporary changes

With --inventory the installed packages are recorded before shutdown.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		action := guest.ActionModOnly
		if withInventory {
			action = guest.ActionGenAndMod
		}
		return runTransaction(cmd.Context(), args[0], action)
	},
}

var inventoryCmd = &cobra.Command{
	Use:   "inventory <config.yaml>",
	Short: "Record the packages installed in a guest image",
	Long: `Boot the guest described by a configuration file and record its installed
packages without customizing it.

Output formats:
  --format xml    ICICLE document (default)
  --format json   JSON document
  --format yaml   YAML document
  --format table  Human-readable table`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransaction(cmd.Context(), args[0], guest.ActionGenOnly)
	},
}

func init() {
	customizeCmd.Flags().BoolVar(&withInventory, "inventory", false, "Record the package inventory after customizing")
	for _, c := range []*cobra.Command{customizeCmd, inventoryCmd} {
		c.Flags().StringVarP(&outputPath, "output", "o", "", "Write the inventory to this file instead of stdout")
		c.Flags().StringVar(&outputFormat, "format", "", "Inventory format (xml, json, yaml, table)")
	}
}

func runTransaction(ctx context.Context, configPath string, action guest.Action) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logrus.StandardLogger()

	cfg, err := loader.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if outputPath != "" {
		cfg.Output.Path = outputPath
	}
	if outputFormat != "" {
		if err := output.ValidateFormat(outputFormat); err != nil {
			return err
		}
		cfg.Output.Format = outputFormat
	}

	var m *metrics.Metrics
	if cfg.Metrics.Textfile != "" {
		m = metrics.New()
		defer func() {
			if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
				log.Warnf("%v", err)
			}
		}()
	}

	g, cleanup, err := newGuest(ctx, cfg, m, log)
	if err != nil {
		return err
	}
	defer cleanup()

	art, err := g.Run(ctx, action)
	if err != nil {
		return err
	}
	if art == nil {
		fmt.Println("✓ Guest customized successfully!")
		return nil
	}
	return writeArtifact(cfg.Output, art)
}

// newGuest connects to libvirt and wires a guest transaction for cfg. The
// returned cleanup closes the libvirt connection.
func newGuest(ctx context.Context, cfg *config.Config, m *metrics.Metrics, log logrus.FieldLogger) (*guest.Guest, func(), error) {
	xml, err := loader.LoadDescriptor(cfg)
	if err != nil {
		return nil, nil, err
	}

	port := cfg.Announce.Port
	if port == 0 {
		if port, err = guest.FreePort(cfg.Announce.Host); err != nil {
			return nil, nil, err
		}
	}
	desc, err := libvirt.PrepareDescriptor(xml, libvirt.DescriptorOptions{
		AnnounceHost: cfg.Announce.Host,
		AnnouncePort: port,
	})
	if err != nil {
		return nil, nil, err
	}
	log = log.WithField("domain", desc.Name)

	client, err := libvirt.ConnectWithContext(ctx, cfg.Libvirt.Socket, cfg.Libvirt.Timeout)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := client.Close(); err != nil {
			log.Warnf("failed to close libvirt connection: %v", err)
		}
	}

	if err := os.MkdirAll(cfg.WorkDir, 0o700); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	workDir, err := os.MkdirTemp(cfg.WorkDir, desc.OriginalName+"-")
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	var open guest.HandleOpener
	switch cfg.Guestfs.Mode {
	case config.GuestfsModeDir:
		open = guest.DirOpener(cfg.Guestfs.Root)
	default:
		disks, err := storage.NewResolver(client.Libvirt()).Resolve(ctx, desc.Disks)
		if err != nil {
			cleanup()
			_ = os.RemoveAll(workDir)
			return nil, nil, err
		}
		open = guest.MountOpener(disks, workDir, nil, log)
	}

	g, err := guest.New(guest.Options{
		Config:     cfg,
		Descriptor: desc,
		Libvirt:    client.Libvirt(),
		Remote: remote.NewExecutor(remote.Options{
			KeyPath: cfg.SSH.PrivateKey,
			User:    cfg.SSH.User,
			Port:    cfg.SSH.Port,
			Log:     log,
		}),
		OpenHandle: open,
		WorkDir:    workDir,
		Metrics:    m,
		Log:        log,
	})
	if err != nil {
		cleanup()
		_ = os.RemoveAll(workDir)
		return nil, nil, err
	}
	return g, cleanup, nil
}

func writeArtifact(cfg config.OutputConfig, art *inventory.Artifact) error {
	formatter, err := output.NewFormatter(output.Options{Format: output.Format(cfg.Format)})
	if err != nil {
		return err
	}
	result, err := formatter.FormatArtifact(art)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}

	if cfg.Path == "" {
		fmt.Print(result)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(cfg.Path, []byte(result), 0o644); err != nil {
		return fmt.Errorf("failed to write inventory: %w", err)
	}
	fmt.Printf("✓ Inventory of %d packages written to %s\n", len(art.Packages), cfg.Path)
	return nil
}
