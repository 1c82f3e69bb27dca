package updater

import (
	"github.com/bigbag/papyrix-ota/internal/hal"
	"github.com/bigbag/papyrix-ota/internal/manifest"
)

// EventType identifies an update event.
type EventType int

const (
	// EventInit fires before a session is created. Returning false
	// declines the update.
	EventInit EventType = iota
	// EventBegin fires once the manifest is accepted. Returning false
	// declines the update.
	EventBegin
	// EventProgress fires as file data is processed or skipped.
	EventProgress
	// EventEnd fires when the session finishes, successfully or not.
	EventEnd
)

func (t EventType) String() string {
	switch t {
	case EventInit:
		return "init"
	case EventBegin:
		return "begin"
	case EventProgress:
		return "progress"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is passed to the EventFunc.
type Event struct {
	Type     EventType
	Manifest *manifest.Manifest
	File     hal.FileInfo
	Result   Result
}

// EventFunc observes update events. The return value only matters for
// EventInit and EventBegin.
type EventFunc func(Event) bool
