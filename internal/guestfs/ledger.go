package guestfs

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/tailor/internal/naming"
)

// ErrUnrecordedMutation indicates a guest path was about to be changed without
// a prior Backup. It is a programming error in the caller.
var ErrUnrecordedMutation = errors.New("mutation of guest path without backup record")

// record is the captured prior state of one guest path.
type record struct {
	existed bool
	backup  string
}

// Ledger tracks backups of guest paths for one transaction.
//
// Backup moves existing content aside to a sibling path; Restore removes
// whatever is at the path now and moves the original back. Records survive
// across handles, so setup and teardown may use different Handles.
type Ledger struct {
	mu      sync.Mutex
	records map[string]record
	log     logrus.FieldLogger
}

// NewLedger returns an empty ledger.
func NewLedger(log logrus.FieldLogger) *Ledger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ledger{
		records: make(map[string]record),
		log:     log,
	}
}

// Backup captures the current state of path. Only the first call for a path
// has any effect; later calls would capture already-mutated state.
func (l *Ledger) Backup(h Handle, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[path]; ok {
		l.log.WithField("path", path).Debug("backup already recorded, keeping first capture")
		return nil
	}

	exists, err := h.Exists(path)
	if err != nil {
		return fmt.Errorf("failed to back up %s: %w", path, err)
	}

	rec := record{existed: exists}
	if exists {
		rec.backup = naming.BackupPath(path)
		// A stale backup from an interrupted run is superseded by the current state.
		if err := h.RemoveAll(rec.backup); err != nil {
			return fmt.Errorf("failed to back up %s: %w", path, err)
		}
		if err := h.Rename(path, rec.backup); err != nil {
			return fmt.Errorf("failed to back up %s: %w", path, err)
		}
	}

	l.records[path] = rec
	l.log.WithFields(logrus.Fields{"path": path, "existed": exists}).Debug("backed up guest path")
	return nil
}

// Restore returns path to its captured state and consumes the record. It is a
// no-op when no record exists. A failed restore keeps the record so that a
// later teardown can retry.
func (l *Ledger) Restore(h Handle, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[path]
	if !ok {
		return nil
	}

	if err := h.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to restore %s: %w", path, err)
	}
	if rec.existed {
		if err := h.Rename(rec.backup, path); err != nil {
			return fmt.Errorf("failed to restore %s: %w", path, err)
		}
	}

	delete(l.records, path)
	l.log.WithFields(logrus.Fields{"path": path, "existed": rec.existed}).Debug("restored guest path")
	return nil
}

// RemoveIfExists deletes a purely additive path. Missing paths are ignored.
func (l *Ledger) RemoveIfExists(h Handle, path string) error {
	exists, err := h.Exists(path)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", path, err)
	}
	if !exists {
		return nil
	}
	if err := h.RemoveAll(path); err != nil {
		return err
	}
	l.log.WithField("path", path).Debug("removed guest path")
	return nil
}

// Mutate runs fn only if path has a backup record.
func (l *Ledger) Mutate(path string, fn func() error) error {
	if !l.Recorded(path) {
		return fmt.Errorf("%w: %s", ErrUnrecordedMutation, path)
	}
	return fn()
}

// Recorded reports whether path has an unconsumed backup record.
func (l *Ledger) Recorded(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.records[path]
	return ok
}

// Pending returns the paths whose records have not been consumed, sorted.
func (l *Ledger) Pending() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	paths := make([]string, 0, len(l.records))
	for p := range l.records {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
