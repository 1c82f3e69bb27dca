package updater

import "fmt"

// State is a stage of the update state machine.
type State int

const (
	StateInited State = iota
	StateWaitingManifestHeader
	StateWaitingManifest
	StateWaitingFileHeader
	StateWaitingFile
	StateSkippingData
	StateSkippingDescriptor
	StateWriteFinished
	StateFinalize
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateInited:
		return "inited"
	case StateWaitingManifestHeader:
		return "waiting manifest header"
	case StateWaitingManifest:
		return "waiting manifest"
	case StateWaitingFileHeader:
		return "waiting file header"
	case StateWaitingFile:
		return "waiting file"
	case StateSkippingData:
		return "skipping data"
	case StateSkippingDescriptor:
		return "skipping descriptor"
	case StateWriteFinished:
		return "write finished"
	case StateFinalize:
		return "finalize"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
