// Package boot implements commit/revert handling for A/B boot slots.
//
// After an update is finalized the boot loader points at the new slot with
// IsCommitted=false and the previous slot kept as RevertSlot. On the next
// boot BootFinish either commits right away or, when a commit timeout was
// persisted, arms a watchdog that reverts to the previous slot unless
// Commit is called first.
package boot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bigbag/papyrix-ota/internal/hal"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func defaultAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// State is the full boot state as reported to clients.
type State struct {
	hal.BootState `yaml:",inline"`
	CommitTimeout int `yaml:"commit_timeout" json:"commit_timeout"`
}

type updateFile struct {
	CommitTimeout int `yaml:"commit_timeout"`
}

// Manager owns boot-state transitions.
type Manager struct {
	mu         sync.Mutex
	loader     hal.BootLoader
	updatePath string
	restart    func()
	afterFunc  AfterFunc
	logger     *slog.Logger
	watchdog   Timer
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRestart sets the function used to reboot the device.
func WithRestart(restart func()) Option {
	return func(m *Manager) {
		m.restart = restart
	}
}

// WithAfterFunc replaces time.AfterFunc for the commit watchdog.
func WithAfterFunc(af AfterFunc) Option {
	return func(m *Manager) {
		m.afterFunc = af
	}
}

// NewManager creates a Manager. updatePath is the file holding the
// pending commit timeout.
func NewManager(loader hal.BootLoader, updatePath string, opts ...Option) *Manager {
	if loader == nil {
		panic("boot loader cannot be nil")
	}

	m := &Manager{
		loader:     loader,
		updatePath: updatePath,
		restart:    func() {},
		afterFunc:  defaultAfterFunc,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsCommitted reports whether the active slot is committed. Unreadable
// boot state counts as not committed.
func (m *Manager) IsCommitted() bool {
	st, err := m.loader.GetBootState()
	if err != nil {
		m.logger.Error("failed to read boot state", "error", err)
		return false
	}
	return st.IsCommitted
}

// Commit marks the active slot as good. It returns false when there was
// nothing to commit.
func (m *Manager) Commit() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.loader.GetBootState()
	if err != nil {
		return false, fmt.Errorf("get boot state: %w", err)
	}
	if st.IsCommitted {
		return false, nil
	}

	m.logger.Info("committing update", "slot", st.ActiveSlot)
	st.IsCommitted = true
	if err := m.loader.SetBootState(st); err != nil {
		return false, fmt.Errorf("set boot state: %w", err)
	}
	m.stopWatchdog()
	if err := os.Remove(m.updatePath); err != nil && !os.IsNotExist(err) {
		return true, fmt.Errorf("remove %s: %w", m.updatePath, err)
	}
	return true, nil
}

// Revert switches back to the revert slot of an uncommitted update and,
// if reboot is set, restarts the device. It returns false when the active
// slot is already committed.
func (m *Manager) Revert(reboot bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revertLocked(reboot)
}

func (m *Manager) revertLocked(reboot bool) (bool, error) {
	st, err := m.loader.GetBootState()
	if err != nil {
		return false, fmt.Errorf("get boot state: %w", err)
	}
	if st.IsCommitted {
		return false, nil
	}

	m.logger.Info("reverting update", "from", st.ActiveSlot, "to", st.RevertSlot)
	st.ActiveSlot = st.RevertSlot
	st.IsCommitted = true
	if err := m.loader.SetBootState(st); err != nil {
		return false, fmt.Errorf("set boot state: %w", err)
	}
	m.stopWatchdog()
	if err := os.Remove(m.updatePath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove update state", "path", m.updatePath, "error", err)
	}
	if reboot {
		m.restart()
	}
	return true, nil
}

// CommitTimeout returns the persisted commit timeout, zero if none.
func (m *Manager) CommitTimeout() (time.Duration, error) {
	data, err := os.ReadFile(m.updatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var f updateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse %s: %w", m.updatePath, err)
	}
	return time.Duration(f.CommitTimeout) * time.Second, nil
}

// ceilSeconds rounds d up to whole seconds so a short timeout never
// becomes zero, which means commit immediately.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// SetCommitTimeout persists the commit timeout for the next boot.
func (m *Manager) SetCommitTimeout(d time.Duration) error {
	data, err := yaml.Marshal(&updateFile{CommitTimeout: ceilSeconds(d)})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.updatePath), 0o755); err != nil {
		return err
	}
	tmp := m.updatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.updatePath)
}

// State returns the boot state together with the pending commit timeout.
func (m *Manager) State() (State, error) {
	st, err := m.loader.GetBootState()
	if err != nil {
		return State{}, err
	}
	timeout, err := m.CommitTimeout()
	if err != nil {
		return State{}, err
	}
	return State{BootState: st, CommitTimeout: int(timeout / time.Second)}, nil
}

// SetState overwrites the boot state. A negative commitTimeout leaves the
// persisted timeout untouched.
func (m *Manager) SetState(st hal.BootState, commitTimeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loader.SetBootState(st); err != nil {
		return fmt.Errorf("set boot state: %w", err)
	}
	if commitTimeout >= 0 {
		if err := m.SetCommitTimeout(commitTimeout); err != nil {
			return fmt.Errorf("set commit timeout: %w", err)
		}
	}
	return nil
}

// FirstBoot reports whether this is the first boot of an uncommitted slot.
func (m *Manager) FirstBoot() bool {
	return !m.IsCommitted()
}

// ErrBootFailed is returned by BootFinish after reverting a failed first boot.
var ErrBootFailed = errors.New("first boot after update failed")

// BootFinish runs once the system has started. On anything but the first
// boot after an update it does nothing.
func (m *Manager) BootFinish(successful, first bool) error {
	if !first {
		return nil
	}
	if !successful {
		m.mu.Lock()
		_, err := m.revertLocked(true)
		m.mu.Unlock()
		if err != nil {
			return err
		}
		return ErrBootFailed
	}

	timeout, err := m.CommitTimeout()
	if err != nil {
		return err
	}
	if timeout <= 0 {
		_, err := m.Commit()
		return err
	}

	m.logger.Info("arming commit watchdog", "timeout", timeout.String())
	m.mu.Lock()
	m.stopWatchdog()
	m.watchdog = m.afterFunc(timeout, m.commitExpired)
	m.mu.Unlock()
	return nil
}

func (m *Manager) commitExpired() {
	if m.IsCommitted() {
		return
	}
	m.logger.Error("update commit timeout expired")
	m.mu.Lock()
	m.watchdog = nil
	_, err := m.revertLocked(true)
	m.mu.Unlock()
	if err != nil {
		m.logger.Error("revert failed", "error", err)
	}
}

func (m *Manager) stopWatchdog() {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
}
