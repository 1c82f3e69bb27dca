// Package hal defines what a platform must provide to install an update:
// a flash-writing Device created per update session, and a BootLoader
// that reads and writes the persisted boot-slot state.
package hal

import (
	"fmt"

	"github.com/bigbag/papyrix-ota/internal/manifest"
)

// FileInfo describes the file currently streaming out of the package.
type FileInfo struct {
	Name      string
	Size      uint32
	Processed uint32
}

// Remaining returns the number of data bytes not yet handed out.
func (fi FileInfo) Remaining() uint32 {
	return fi.Size - fi.Processed
}

// FileAction is a device's decision about a file in the package.
type FileAction int

const (
	ActionAbort FileAction = iota
	ActionProcess
	ActionSkip
)

func (a FileAction) String() string {
	switch a {
	case ActionAbort:
		return "abort"
	case ActionProcess:
		return "process"
	case ActionSkip:
		return "skip"
	default:
		return fmt.Sprintf("FileAction(%d)", int(a))
	}
}

// Device writes one update. Calls arrive in order: Begin once, then for
// each file FileBegin, zero or more FileData and FileEnd, then Finalize.
// Close is always called last, whatever happened before.
//
// A device must leave the currently active slot bootable no matter where
// the sequence stops.
type Device interface {
	// Begin receives the parsed manifest. The device decides from its
	// parts which files it wants.
	Begin(m *manifest.Manifest) error

	// FileBegin returns ActionProcess to receive the file's data,
	// ActionSkip to ignore it, or ActionAbort (with an error) to stop.
	FileBegin(fi FileInfo) (FileAction, error)

	// FileData consumes a prefix of chunk and returns its length. Bytes
	// not consumed are offered again with the next chunk.
	FileData(fi FileInfo, chunk []byte) (int, error)

	// FileEnd receives the last bytes of the file and must consume all
	// of them.
	FileEnd(fi FileInfo, tail []byte) (int, error)

	// Finalize makes the newly written slot the boot target.
	Finalize() error

	// StatusMessage describes the last failure, if any.
	StatusMessage() string

	Close() error
}

// Factory creates a Device for a new update session.
type Factory func() (Device, error)

// BootState is the persisted slot selection.
type BootState struct {
	ActiveSlot  int  `yaml:"active_slot" json:"active_slot"`
	IsCommitted bool `yaml:"is_committed" json:"is_committed"`
	RevertSlot  int  `yaml:"revert_slot" json:"revert_slot"`
}

// BootLoader reads and writes boot state.
type BootLoader interface {
	GetBootState() (BootState, error)
	SetBootState(st BootState) error
}
