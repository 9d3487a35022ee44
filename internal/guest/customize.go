package guest

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jbweber/tailor/internal/inventory"
	"github.com/jbweber/tailor/internal/scratch"
	"github.com/jbweber/tailor/internal/status"
)

// Commands run in the guest during customization.
const (
	aptUpdateCommand  = "apt-get update"
	aptInstallCommand = "apt-get install -y"
)

// FileMode is the mode custom files are created with in the guest.
const FileMode os.FileMode = 0o644

// AddRepositoryCommand returns the command registering an apt repository.
// Quotes around the repository line are stripped before it is re-quoted.
func AddRepositoryCommand(repo string) string {
	return fmt.Sprintf("apt-add-repository '%s'", strings.Trim(repo, `'"`))
}

// InstallCommand returns the single batch install command for packages, or
// "" when there is nothing to install.
func InstallCommand(packages []string) string {
	if len(packages) == 0 {
		return ""
	}
	return aptInstallCommand + " " + strings.Join(packages, " ")
}

// Customize registers repositories, installs packages, uploads files and
// runs commands in the guest at addr, in that order. Any failure stops it.
func (g *Guest) Customize(ctx context.Context, addr string) error {
	g.enter(status.PhaseCustomizing, "customizing")

	c := g.cfg.Customize
	if c.IsEmpty() {
		g.log.Info("Nothing to customize")
		return nil
	}

	log := g.log.WithField("address", addr)
	timeout := g.cfg.Timeouts.Command

	log.Debug("Installing additional repositories")
	for _, repo := range c.Repositories {
		for _, cmd := range []string{AddRepositoryCommand(repo), aptUpdateCommand} {
			if err := g.run(ctx, addr, cmd); err != nil {
				return err
			}
		}
	}

	if cmd := InstallCommand(c.Packages); cmd != "" {
		log.Infof("Installing %d packages", len(c.Packages))
		if err := g.run(ctx, addr, cmd); err != nil {
			return err
		}
	}

	log.Info("Uploading custom files")
	for _, dest := range c.FilePaths() {
		err := scratch.WithFileMode(g.workDir, "file-*", []byte(c.Files[dest]), FileMode, func(local string) error {
			return g.remote.Upload(ctx, addr, local, dest, timeout)
		})
		if err != nil {
			err = fmt.Errorf("failed to upload %s: %w", dest, err)
			g.status.Fail(err)
			return err
		}
	}

	log.Debug("Running custom commands")
	for _, cmd := range c.Commands {
		if err := g.run(ctx, addr, cmd); err != nil {
			return err
		}
	}

	return nil
}

// CollectInventory lists the packages installed in the guest at addr.
func (g *Guest) CollectInventory(ctx context.Context, addr string) (*inventory.Artifact, error) {
	g.enter(status.PhaseCollectingInventory, "collecting inventory")
	g.log.WithField("address", addr).Info("Generating package inventory")

	artifact, err := inventory.Collect(ctx, g.remote, addr, g.cfg.Description, g.cfg.Timeouts.Inventory)
	if err != nil {
		g.status.Fail(err)
		return nil, err
	}
	return artifact, nil
}

func (g *Guest) run(ctx context.Context, addr, cmd string) error {
	if _, err := g.remote.Execute(ctx, addr, cmd, g.cfg.Timeouts.Command); err != nil {
		err = fmt.Errorf("customization command %q failed: %w", cmd, err)
		g.status.Fail(err)
		return err
	}
	return nil
}
