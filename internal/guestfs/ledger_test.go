package guestfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger() *Ledger {
	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return NewLedger(log)
}

func TestLedger_BackupRestoreExistingFile(t *testing.T) {
	h, root := newTestHandle(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc", "ssh"), 0o755))
	require.NoError(t, h.WriteFile("/etc/ssh/sshd_config", []byte("original\n"), 0o644))
	l := newTestLedger()

	require.NoError(t, l.Backup(h, "/etc/ssh/sshd_config"))
	assert.True(t, l.Recorded("/etc/ssh/sshd_config"))

	exists, err := h.Exists("/etc/ssh/sshd_config")
	require.NoError(t, err)
	assert.False(t, exists, "backup moves the original aside")

	require.NoError(t, l.Mutate("/etc/ssh/sshd_config", func() error {
		return h.WriteFile("/etc/ssh/sshd_config", []byte("replacement\n"), 0o644)
	}))

	require.NoError(t, l.Restore(h, "/etc/ssh/sshd_config"))
	data, err := h.ReadFile("/etc/ssh/sshd_config")
	require.NoError(t, err)
	assert.Equal(t, "original\n", string(data))
	assert.False(t, l.Recorded("/etc/ssh/sshd_config"))
	assert.NoFileExists(t, filepath.Join(root, "etc", "ssh", "sshd_config.tailor-backup"))
}

func TestLedger_BackupRestoreMissingPath(t *testing.T) {
	h, root := newTestHandle(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "root"), 0o700))
	l := newTestLedger()

	require.NoError(t, l.Backup(h, "/root/.ssh"))
	require.NoError(t, h.Mkdir("/root/.ssh", 0o700))
	require.NoError(t, h.WriteFile("/root/.ssh/authorized_keys", []byte("key"), 0o600))

	require.NoError(t, l.Restore(h, "/root/.ssh"))
	assert.NoDirExists(t, filepath.Join(root, "root", ".ssh"))
}

func TestLedger_BackupRestoreDirectory(t *testing.T) {
	h, root := newTestHandle(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "root", ".ssh"), 0o700))
	require.NoError(t, h.WriteFile("/root/.ssh/known_hosts", []byte("host"), 0o600))
	l := newTestLedger()

	require.NoError(t, l.Backup(h, "/root/.ssh"))
	require.NoError(t, h.Mkdir("/root/.ssh", 0o700))
	require.NoError(t, h.WriteFile("/root/.ssh/authorized_keys", []byte("key"), 0o600))

	require.NoError(t, l.Restore(h, "/root/.ssh"))
	assert.NoFileExists(t, filepath.Join(root, "root", ".ssh", "authorized_keys"))
	data, err := h.ReadFile("/root/.ssh/known_hosts")
	require.NoError(t, err)
	assert.Equal(t, "host", string(data))
}

func TestLedger_FirstCaptureWins(t *testing.T) {
	h, root := newTestHandle(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, h.WriteFile("/etc/motd", []byte("first"), 0o644))
	l := newTestLedger()

	require.NoError(t, l.Backup(h, "/etc/motd"))
	require.NoError(t, h.WriteFile("/etc/motd", []byte("mutated"), 0o644))
	require.NoError(t, l.Backup(h, "/etc/motd"))

	require.NoError(t, l.Restore(h, "/etc/motd"))
	data, err := h.ReadFile("/etc/motd")
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestLedger_StaleBackupSuperseded(t *testing.T) {
	h, root := newTestHandle(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, h.WriteFile("/etc/motd", []byte("current"), 0o644))
	require.NoError(t, h.WriteFile("/etc/motd.tailor-backup", []byte("stale"), 0o644))
	l := newTestLedger()

	require.NoError(t, l.Backup(h, "/etc/motd"))
	require.NoError(t, l.Restore(h, "/etc/motd"))

	data, err := h.ReadFile("/etc/motd")
	require.NoError(t, err)
	assert.Equal(t, "current", string(data))
}

func TestLedger_RestoreWithoutRecordIsNoop(t *testing.T) {
	h, root := newTestHandle(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, h.WriteFile("/etc/motd", []byte("untouched"), 0o644))
	l := newTestLedger()

	require.NoError(t, l.Restore(h, "/etc/motd"))
	require.NoError(t, l.Restore(h, "/etc/motd"))

	data, err := h.ReadFile("/etc/motd")
	require.NoError(t, err)
	assert.Equal(t, "untouched", string(data))
}

func TestLedger_RecordsSurviveAcrossHandles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc", "motd"), []byte("before"), 0o644))
	l := newTestLedger()

	setup, err := NewDirHandle(root)
	require.NoError(t, err)
	require.NoError(t, l.Backup(setup, "/etc/motd"))
	require.NoError(t, setup.WriteFile("/etc/motd", []byte("during"), 0o644))
	require.NoError(t, setup.Close())

	teardown, err := NewDirHandle(root)
	require.NoError(t, err)
	require.NoError(t, l.Restore(teardown, "/etc/motd"))
	require.NoError(t, teardown.Close())

	data, err := os.ReadFile(filepath.Join(root, "etc", "motd"))
	require.NoError(t, err)
	assert.Equal(t, "before", string(data))
}

func TestLedger_FailedRestoreKeepsRecord(t *testing.T) {
	h, root := newTestHandle(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, h.WriteFile("/etc/motd", []byte("before"), 0o644))
	l := newTestLedger()
	require.NoError(t, l.Backup(h, "/etc/motd"))

	require.NoError(t, h.Close())
	assert.Error(t, l.Restore(h, "/etc/motd"))
	assert.Equal(t, []string{"/etc/motd"}, l.Pending())
}

func TestLedger_RemoveIfExists(t *testing.T) {
	h, root := newTestHandle(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc", "cron.d"), 0o755))
	require.NoError(t, h.WriteFile("/etc/cron.d/announce", []byte("* * * * *"), 0o644))
	l := newTestLedger()

	require.NoError(t, l.RemoveIfExists(h, "/etc/cron.d/announce"))
	assert.NoFileExists(t, filepath.Join(root, "etc", "cron.d", "announce"))

	require.NoError(t, l.RemoveIfExists(h, "/etc/cron.d/announce"))
}

func TestLedger_MutateWithoutBackup(t *testing.T) {
	l := newTestLedger()
	called := false

	err := l.Mutate("/etc/ssh/sshd_config", func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrUnrecordedMutation)
	assert.False(t, called)
}
