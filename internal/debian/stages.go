// Package debian defines the reversible guest changes that let tailor reach
// a Debian guest over SSH, and the undo that strips first-boot identity.
package debian

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/tailor/internal/guestfs"
	"github.com/jbweber/tailor/internal/naming"
	"github.com/jbweber/tailor/internal/pipeline"
	"github.com/jbweber/tailor/internal/remote"
	"github.com/jbweber/tailor/internal/scratch"
)

// ErrServiceNotInstalled means a service the stages depend on is missing from
// the image. It cannot be worked around and is never retried.
var ErrServiceNotInstalled = errors.New("required service not installed on the image")

// Stage IDs in apply order.
const (
	StageAuthorizedKeys = "authorized-keys"
	StageSSHD           = "sshd"
	StageAnnounce       = "announce"
	StageHostKeys       = "host-keys"
)

// Options configures a Tx.
type Options struct {
	// KeyPath is where the transaction's private key is written.
	KeyPath string
	// GuestUUID tags the guest's address announcements.
	GuestUUID string
	// WorkDir holds local temporary files.
	WorkDir string
	// Ledger records backups; a new one is created when nil.
	Ledger *guestfs.Ledger
	// GenerateKey writes a keypair to a path. Defaults to remote.GenerateKeyPair.
	GenerateKey func(path string) error
	Log         logrus.FieldLogger
}

// Tx holds the state of one customization transaction: its backups and the
// runlevel links resolved during setup, which teardown must reuse rather than
// recompute from an already modified image.
type Tx struct {
	keyPath     string
	guestUUID   string
	workDir     string
	ledger      *guestfs.Ledger
	generateKey func(string) error
	log         logrus.FieldLogger

	mu    sync.Mutex
	links map[string]string
}

// NewTx returns transaction state for one guest.
func NewTx(opts Options) (*Tx, error) {
	if opts.KeyPath == "" {
		return nil, fmt.Errorf("key path is required")
	}
	if opts.GuestUUID == "" {
		return nil, fmt.Errorf("guest uuid is required")
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Ledger == nil {
		opts.Ledger = guestfs.NewLedger(opts.Log)
	}
	if opts.GenerateKey == nil {
		opts.GenerateKey = remote.GenerateKeyPair
	}

	return &Tx{
		keyPath:     opts.KeyPath,
		guestUUID:   opts.GuestUUID,
		workDir:     opts.WorkDir,
		ledger:      opts.Ledger,
		generateKey: opts.GenerateKey,
		log:         opts.Log,
		links:       make(map[string]string),
	}, nil
}

// Ledger returns the transaction's backup ledger.
func (tx *Tx) Ledger() *guestfs.Ledger {
	return tx.ledger
}

// Link returns the cached runlevel link for service, if setup resolved one.
func (tx *Tx) Link(service string) (string, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	link, ok := tx.links[service]
	return link, ok
}

func (tx *Tx) cacheLink(service, link string) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.links[service] = link
}

// Stages returns the ordered stage list.
func (tx *Tx) Stages() []pipeline.Stage[guestfs.Handle] {
	return []pipeline.Stage[guestfs.Handle]{
		{ID: StageAuthorizedKeys, Apply: tx.applyAuthorizedKeys, Undo: tx.undoAuthorizedKeys},
		{ID: StageSSHD, Apply: tx.applySSHD, Undo: tx.undoSSHD},
		{ID: StageAnnounce, Apply: tx.applyAnnounce, Undo: tx.undoAnnounce, Irreversible: true},
		{ID: StageHostKeys, Undo: tx.undoHostKeys},
	}
}

// Pipeline builds the stage pipeline for this transaction.
func (tx *Tx) Pipeline(opts pipeline.Options) (*pipeline.Pipeline[guestfs.Handle], error) {
	if opts.Log == nil {
		opts.Log = tx.log
	}
	return pipeline.New(tx.Stages(), opts)
}

func (tx *Tx) applyAuthorizedKeys(_ context.Context, h guestfs.Handle) error {
	tx.log.Debug("Uploading ssh keys")

	if err := tx.ledger.Backup(h, SSHDir); err != nil {
		return err
	}
	if err := tx.ledger.Mutate(SSHDir, func() error { return h.Mkdir(SSHDir, 0o700) }); err != nil {
		return err
	}

	if err := tx.ledger.Backup(h, AuthorizedKeys); err != nil {
		return err
	}
	if err := tx.generateKey(tx.keyPath); err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	return tx.ledger.Mutate(AuthorizedKeys, func() error {
		if err := h.Upload(remote.PublicKeyPath(tx.keyPath), AuthorizedKeys); err != nil {
			return err
		}
		return h.Chmod(AuthorizedKeys, 0o600)
	})
}

func (tx *Tx) undoAuthorizedKeys(_ context.Context, h guestfs.Handle) error {
	tx.log.Debug("Resetting authorized_keys")

	var result *multierror.Error
	for _, p := range []string{AuthorizedKeys, SSHDir} {
		if err := tx.ledger.Restore(h, p); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (tx *Tx) applySSHD(_ context.Context, h guestfs.Handle) error {
	tx.log.Debug("Setting up sshd")

	if err := requireBinary(h, SSHDBinary); err != nil {
		return err
	}

	if err := tx.enableService(h, SSHService); err != nil {
		return err
	}

	return scratch.WithFile(tx.workDir, "sshd_config-*", []byte(SSHDConfig), func(local string) error {
		if err := tx.ledger.Backup(h, SSHDConfigPath); err != nil {
			return err
		}
		return tx.ledger.Mutate(SSHDConfigPath, func() error {
			return h.Upload(local, SSHDConfigPath)
		})
	})
}

func (tx *Tx) undoSSHD(_ context.Context, h guestfs.Handle) error {
	tx.log.Debug("Resetting sshd_config and sshd service")

	var result *multierror.Error
	if err := tx.ledger.Restore(h, SSHDConfigPath); err != nil {
		result = multierror.Append(result, err)
	}
	if link, ok := tx.Link(SSHService); ok {
		if err := tx.ledger.Restore(h, link); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (tx *Tx) applyAnnounce(_ context.Context, h guestfs.Handle) error {
	tx.log.Debug("Installing guest announcement")

	if err := requireBinary(h, CronBinary); err != nil {
		return err
	}

	// Neither file is backed up; undo deletes them.
	for _, p := range []string{AnnounceScript, AnnounceJob} {
		exists, err := h.Exists(p)
		if err != nil {
			return err
		}
		if exists {
			tx.log.WithField("path", p).Warn("Overwriting existing file, it will not be restored on teardown")
		}
	}

	script := []byte(AnnounceScriptContent(tx.guestUUID))
	err := scratch.WithFile(tx.workDir, "reportip-*", script, func(local string) error {
		if err := h.Upload(local, AnnounceScript); err != nil {
			return err
		}
		return h.Chmod(AnnounceScript, 0o755)
	})
	if err != nil {
		return err
	}

	err = scratch.WithFile(tx.workDir, "announce-*", []byte(CronEntry), func(local string) error {
		return h.Upload(local, AnnounceJob)
	})
	if err != nil {
		return err
	}

	return tx.enableService(h, CronService)
}

func (tx *Tx) undoAnnounce(_ context.Context, h guestfs.Handle) error {
	tx.log.Debug("Removing guest announcement")

	var result *multierror.Error
	for _, p := range []string{AnnounceJob, AnnounceScript} {
		if err := tx.ledger.RemoveIfExists(h, p); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if link, ok := tx.Link(CronService); ok {
		if err := tx.ledger.Restore(h, link); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (tx *Tx) undoHostKeys(_ context.Context, h guestfs.Handle) error {
	tx.log.Debug("Removing generated host keys")

	var result *multierror.Error
	for _, p := range HostKeyFiles {
		if err := tx.ledger.RemoveIfExists(h, p); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// enableService resolves, caches and backs up the runlevel link for service,
// then points it at the service's init script.
func (tx *Tx) enableService(h guestfs.Handle, service string) error {
	link, err := ServiceLink(h, service)
	if err != nil {
		return err
	}
	tx.cacheLink(service, link)
	tx.log.WithField("path", link).Debugf("enabling %s", service)

	if err := tx.ledger.Backup(h, link); err != nil {
		return err
	}
	return tx.ledger.Mutate(link, func() error {
		return h.Symlink(naming.InitScript(service), link)
	})
}

func requireBinary(h guestfs.Handle, path string) error {
	exists, err := h.Exists(path)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s not found", ErrServiceNotInstalled, path)
	}
	return nil
}
