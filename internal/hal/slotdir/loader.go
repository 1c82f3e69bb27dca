package slotdir

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/bigbag/papyrix-ota/internal/hal"
)

// BootStateFile is the name of the boot state file inside the root.
const BootStateFile = "boot.yaml"

// Loader persists boot state as YAML next to the slot directories.
type Loader struct {
	path  string
	slots int
}

// NewLoader returns a Loader for the slot tree at root.
func NewLoader(root string, slots int) *Loader {
	return &Loader{path: filepath.Join(root, BootStateFile), slots: slots}
}

// GetBootState reads the boot state. A missing file means slot 0 is
// active and committed.
func (l *Loader) GetBootState() (hal.BootState, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return hal.BootState{IsCommitted: true}, nil
		}
		return hal.BootState{}, err
	}
	var st hal.BootState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return hal.BootState{}, fmt.Errorf("parse %s: %w", l.path, err)
	}
	return st, nil
}

// SetBootState validates and writes the boot state.
func (l *Loader) SetBootState(st hal.BootState) error {
	if st.ActiveSlot < 0 || st.ActiveSlot >= l.slots {
		return fmt.Errorf("invalid active slot %d", st.ActiveSlot)
	}
	if st.RevertSlot < 0 || st.RevertSlot >= l.slots {
		return fmt.Errorf("invalid revert slot %d", st.RevertSlot)
	}

	data, err := yaml.Marshal(&st)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}
