// Package isolation implements the sandbox slot pool: the isolation
// primitive described in spec.md §4.B. A slot binds a scratch directory to
// a dedicated low-privilege UID/GID pair; a slot's UID cannot read another
// slot's files or signal another slot's processes.
package isolation

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrExhausted is returned by Acquire when no slot is free.
var ErrExhausted = errors.New("isolation: no free sandbox slot")

// Slot is a leased sandbox: a scratch directory owned by a dedicated
// UID/GID pair. At most one Job holds a given Slot at a time.
type Slot struct {
	ID  int
	UID int
	GID int
	Dir string
}

// Provider manages a fixed pool of Slots, numbered [0, N).
type Provider struct {
	root   string
	free   chan *Slot
	slots  []*Slot
	logger *logrus.Entry
}

// Config parameterizes slot allocation.
type Config struct {
	Root    string // parent directory; slot i lives at Root/<i>
	BaseUID int
	BaseGID int
	Count   int
}

// NewProvider creates the pool and the N scratch directories under root.
// Directories are created 0700, owned by their slot's UID/GID if the
// process has privilege to chown (best-effort otherwise, e.g. in tests
// running as a single non-root user with BaseUID/BaseGID == os.Getuid()).
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Count <= 0 {
		return nil, fmt.Errorf("isolation: slot count must be positive")
	}

	if err := os.MkdirAll(cfg.Root, 0711); err != nil {
		return nil, fmt.Errorf("isolation: create root %s: %w", cfg.Root, err)
	}

	p := &Provider{
		root:   cfg.Root,
		free:   make(chan *Slot, cfg.Count),
		slots:  make([]*Slot, cfg.Count),
		logger: logrus.WithField("component", "isolation"),
	}

	for i := 0; i < cfg.Count; i++ {
		slot := &Slot{
			ID:  i,
			UID: cfg.BaseUID + i,
			GID: cfg.BaseGID + i,
			Dir: filepath.Join(cfg.Root, strconv.Itoa(i)),
		}
		if err := resetDir(slot); err != nil {
			return nil, fmt.Errorf("isolation: prepare slot %d: %w", i, err)
		}
		p.slots[i] = slot
		p.free <- slot
	}

	return p, nil
}

// Acquire returns a free Slot, or ErrExhausted if none are available.
func (p *Provider) Acquire() (*Slot, error) {
	select {
	case slot := <-p.free:
		return slot, nil
	default:
		return nil, ErrExhausted
	}
}

// Release kills any process still owned by the slot's UID, empties the
// scratch directory, and returns the slot to the free set. Release is
// best-effort: failures are logged, never returned, so a caller can always
// treat cleanup as having happened (a leaked process or directory is
// logged loudly instead).
func (p *Provider) Release(slot *Slot) {
	if slot == nil {
		return
	}

	if err := killSlotProcesses(slot.UID); err != nil {
		p.logger.WithError(err).WithField("slot", slot.ID).Warn("failed to kill slot processes")
	}

	if err := resetDir(slot); err != nil {
		p.logger.WithError(err).WithField("slot", slot.ID).Error("failed to reset slot directory")
	}

	p.free <- slot
}

// Count returns the total number of slots managed by this provider.
func (p *Provider) Count() int {
	return len(p.slots)
}

// resetDir empties (or creates) a slot's scratch directory.
func resetDir(slot *Slot) error {
	if err := removeContentsRetrying(slot.Dir); err != nil {
		return err
	}
	if err := os.MkdirAll(slot.Dir, 0700); err != nil {
		return err
	}
	// Best-effort: only succeeds when running with privilege to chown to
	// an arbitrary UID/GID. In single-user test environments BaseUID/GID
	// equal the current user and this is a no-op.
	_ = os.Chown(slot.Dir, slot.UID, slot.GID)
	return nil
}

// removeContentsRetrying recursively removes dir's contents, retrying a
// bounded number of times on EBUSY (a process with a file open in the
// scratch dir may still be exiting).
func removeContentsRetrying(dir string) error {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		lastErr = os.RemoveAll(dir)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, syscall.EBUSY) {
			return lastErr
		}
		time.Sleep(20 * time.Millisecond)
	}
	return lastErr
}

// killSlotProcesses sends SIGKILL to every process on the system owned by
// the given UID, by scanning /proc (Linux-specific, as is the rest of
// this supervisor). Absence of /proc (non-Linux, or a process already
// gone) is not an error.
func killSlotProcesses(uid int) error {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var firstErr error
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		procUID, err := readProcUID(pid)
		if err != nil || procUID != uid {
			continue
		}

		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && firstErr == nil {
			if !errors.Is(err, syscall.ESRCH) {
				firstErr = err
			}
		}
	}
	return firstErr
}

// readProcUID reads the real UID of a process from /proc/<pid>/status.
func readProcUID(pid int) (int, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "status"))
	if err != nil {
		return -1, err
	}

	for _, line := range bytes.Split(data, []byte("\n")) {
		if !bytes.HasPrefix(line, []byte("Uid:")) {
			continue
		}
		fields := strings.Fields(string(line))
		if len(fields) < 2 {
			return -1, fmt.Errorf("malformed Uid line: %q", line)
		}
		return strconv.Atoi(fields[1])
	}
	return -1, fmt.Errorf("no Uid line in status for pid %d", pid)
}
