package protocol

// OTA link commands
const (
	CmdSync         = 0x08
	CmdOTABegin     = 0x20
	CmdOTAData      = 0x21
	CmdOTAEnd       = 0x22
	CmdCommit       = 0x23
	CmdRevert       = 0x24
	CmdGetBootState = 0x25
)

// Direction byte values
const (
	DirRequest  = 0x00
	DirResponse = 0x01
)

// Link parameters
const (
	DefaultBlockSize = 0x1000 // 4KB data blocks
	MaxBlockSize     = 0x4000
	DefaultBaudRate  = 115200
)

// headerSize is direction, command, size and checksum/value.
const headerSize = 8

// Begin flags
const (
	FlagIgnoreSameVersion = 1 << 0
)

// CommandName returns a human-readable name for cmd.
func CommandName(cmd byte) string {
	switch cmd {
	case CmdSync:
		return "SYNC"
	case CmdOTABegin:
		return "OTA_BEGIN"
	case CmdOTAData:
		return "OTA_DATA"
	case CmdOTAEnd:
		return "OTA_END"
	case CmdCommit:
		return "COMMIT"
	case CmdRevert:
		return "REVERT"
	case CmdGetBootState:
		return "GET_BOOT_STATE"
	default:
		return "UNKNOWN"
	}
}

// Error codes reported by the receiver
const (
	ErrInvalidMessage = 0x05
	ErrFailedToAct    = 0x06
	ErrInvalidCRC     = 0x07
	ErrUpdateFailed   = 0x08
	ErrBadSequence    = 0x0C
	ErrBusy           = 0x0D
	ErrNotActive      = 0x0E
	ErrUnknownCommand = 0x0F
)

// ErrorMessage returns human-readable error message
func ErrorMessage(code byte) string {
	switch code {
	case ErrInvalidMessage:
		return "invalid message"
	case ErrFailedToAct:
		return "failed to act"
	case ErrInvalidCRC:
		return "invalid CRC"
	case ErrUpdateFailed:
		return "update failed"
	case ErrBadSequence:
		return "bad sequence number"
	case ErrBusy:
		return "update not allowed"
	case ErrNotActive:
		return "no update in progress"
	case ErrUnknownCommand:
		return "unknown command"
	default:
		return "unknown error"
	}
}
