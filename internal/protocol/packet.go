package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Request is a host to device packet.
type Request struct {
	Command  byte
	Data     []byte
	Checksum uint32
}

// Response is a device to host packet.
type Response struct {
	Command byte
	Data    []byte
	Value   uint32
	Status  byte
	Error   byte
}

// NewRequest creates a new request with calculated checksum.
func NewRequest(cmd byte, data []byte) *Request {
	r := &Request{
		Command: cmd,
		Data:    data,
	}
	r.Checksum = Checksum(data)
	return r
}

// Checksum is the XOR of all bytes of data, seeded with 0xEF.
func Checksum(data []byte) uint32 {
	var checksum byte = 0xEF
	for _, b := range data {
		checksum ^= b
	}
	return uint32(checksum)
}

// Valid reports whether the checksum matches the data.
func (r *Request) Valid() bool {
	return r.Checksum == Checksum(r.Data)
}

// Encode serializes the request to bytes (before SLIP encoding).
func (r *Request) Encode() []byte {
	// 0: direction (0x00 = request)
	// 1: command
	// 2-3: data size (little-endian)
	// 4-7: checksum (little-endian)
	// 8+: data
	packet := make([]byte, headerSize+len(r.Data))
	packet[0] = DirRequest
	packet[1] = r.Command
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(r.Data)))
	binary.LittleEndian.PutUint32(packet[4:8], r.Checksum)
	copy(packet[8:], r.Data)
	return packet
}

// DecodeRequest parses a request from raw bytes (after SLIP decoding).
func DecodeRequest(data []byte) (*Request, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("request too short: %d bytes", len(data))
	}
	if data[0] != DirRequest {
		return nil, fmt.Errorf("invalid direction byte: 0x%02X", data[0])
	}

	size := int(binary.LittleEndian.Uint16(data[2:4]))
	if size != len(data)-headerSize {
		return nil, fmt.Errorf("data size mismatch: expected %d, have %d", size, len(data)-headerSize)
	}

	return &Request{
		Command:  data[1],
		Checksum: binary.LittleEndian.Uint32(data[4:8]),
		Data:     data[headerSize:],
	}, nil
}

// NewResponse creates a successful response.
func NewResponse(cmd byte, value uint32, data []byte) *Response {
	return &Response{Command: cmd, Value: value, Data: data}
}

// NewErrorResponse creates a failed response carrying code and an
// optional message.
func NewErrorResponse(cmd byte, code byte, msg string) *Response {
	return &Response{Command: cmd, Data: []byte(msg), Status: 1, Error: code}
}

// Encode serializes the response. Status and error trail the data.
func (r *Response) Encode() []byte {
	size := len(r.Data) + 2
	packet := make([]byte, headerSize+size)
	packet[0] = DirResponse
	packet[1] = r.Command
	binary.LittleEndian.PutUint16(packet[2:4], uint16(size))
	binary.LittleEndian.PutUint32(packet[4:8], r.Value)
	copy(packet[8:], r.Data)
	packet[8+len(r.Data)] = r.Status
	packet[9+len(r.Data)] = r.Error
	return packet
}

// DecodeResponse parses a response from raw bytes (after SLIP decoding).
func DecodeResponse(data []byte) (*Response, error) {
	// Minimum response is 8 bytes header + 2 bytes status
	if len(data) < headerSize+2 {
		return nil, fmt.Errorf("response too short: %d bytes", len(data))
	}

	if data[0] != DirResponse {
		return nil, fmt.Errorf("invalid direction byte: 0x%02X", data[0])
	}

	resp := &Response{
		Command: data[1],
		Value:   binary.LittleEndian.Uint32(data[4:8]),
	}

	dataSize := int(binary.LittleEndian.Uint16(data[2:4]))
	if dataSize > len(data)-headerSize {
		return nil, fmt.Errorf("data size mismatch: expected %d, have %d", dataSize, len(data)-headerSize)
	}

	if dataSize >= 2 {
		resp.Data = data[8 : 8+dataSize-2]
		resp.Status = data[8+dataSize-2]
		resp.Error = data[8+dataSize-1]
	} else if dataSize > 0 {
		resp.Data = data[8 : 8+dataSize]
	}

	return resp, nil
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Status == 0 && r.Error == 0
}

// Code is Value read as a signed update result code.
func (r *Response) Code() int {
	return int(int32(r.Value))
}

// Err returns nil for a successful response and a *StatusError otherwise.
func (r *Response) Err() error {
	if r.IsSuccess() {
		return nil
	}
	return &StatusError{
		Command: r.Command,
		Status:  r.Status,
		Code:    r.Error,
		Result:  r.Code(),
		Message: string(r.Data),
	}
}

// StatusError is a non-success response from the device.
type StatusError struct {
	Command byte
	Status  byte
	Code    byte
	Result  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s failed: %s (%s)", CommandName(e.Command), e.Message, ErrorMessage(e.Code))
	}
	return fmt.Sprintf("%s failed: status=0x%02X error=0x%02X (%s)",
		CommandName(e.Command), e.Status, e.Code, ErrorMessage(e.Code))
}

// IsCode reports whether err is a *StatusError with the given code.
func IsCode(err error, code byte) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// SyncData returns the data payload for a SYNC command.
func SyncData() []byte {
	// 0x07 0x07 0x12 0x20 followed by 32 bytes of 0x55
	data := make([]byte, 36)
	data[0] = 0x07
	data[1] = 0x07
	data[2] = 0x12
	data[3] = 0x20
	for i := 4; i < 36; i++ {
		data[i] = 0x55
	}
	return data
}

// IsSyncData reports whether data is a SYNC payload.
func IsSyncData(data []byte) bool {
	want := SyncData()
	if len(data) != len(want) {
		return false
	}
	for i := range want {
		if data[i] != want[i] {
			return false
		}
	}
	return true
}

// Begin is the OTA_BEGIN payload.
type Begin struct {
	// Size is the total package size; zero when unknown.
	Size uint32
	// CommitTimeout in seconds; zero commits on first boot.
	CommitTimeout uint32
	Flags         uint32
}

// IgnoreSameVersion reports whether FlagIgnoreSameVersion is set.
func (b Begin) IgnoreSameVersion() bool {
	return b.Flags&FlagIgnoreSameVersion != 0
}

// BeginData creates the data payload for OTA_BEGIN.
func BeginData(b Begin) []byte {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], b.Size)
	binary.LittleEndian.PutUint32(data[4:8], b.CommitTimeout)
	binary.LittleEndian.PutUint32(data[8:12], b.Flags)
	return data
}

// ParseBegin decodes an OTA_BEGIN payload.
func ParseBegin(data []byte) (Begin, error) {
	if len(data) != 12 {
		return Begin{}, fmt.Errorf("begin payload: want 12 bytes, have %d", len(data))
	}
	return Begin{
		Size:          binary.LittleEndian.Uint32(data[0:4]),
		CommitTimeout: binary.LittleEndian.Uint32(data[4:8]),
		Flags:         binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

// DataData creates the data payload for OTA_DATA. Unlike a flash block
// the last block is not padded: every byte is package content.
func DataData(block []byte, seq uint32) []byte {
	// Header: size (4) + seq (4) + reserved (8)
	payload := make([]byte, 16+len(block))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(block)))
	binary.LittleEndian.PutUint32(payload[4:8], seq)
	copy(payload[16:], block)
	return payload
}

// ParseData decodes an OTA_DATA payload into its sequence number and block.
func ParseData(payload []byte) (uint32, []byte, error) {
	if len(payload) < 16 {
		return 0, nil, fmt.Errorf("data payload too short: %d bytes", len(payload))
	}
	size := binary.LittleEndian.Uint32(payload[0:4])
	if int(size) != len(payload)-16 {
		return 0, nil, fmt.Errorf("data size mismatch: expected %d, have %d", size, len(payload)-16)
	}
	return binary.LittleEndian.Uint32(payload[4:8]), payload[16:], nil
}

// EndData creates the data payload for OTA_END.
func EndData(reboot bool) []byte {
	data := make([]byte, 4)
	if reboot {
		binary.LittleEndian.PutUint32(data, 0) // 0 = reboot
	} else {
		binary.LittleEndian.PutUint32(data, 1) // 1 = stay
	}
	return data
}

// ParseEnd decodes an OTA_END payload and reports whether a reboot was
// requested. An empty payload means reboot.
func ParseEnd(data []byte) (bool, error) {
	switch len(data) {
	case 0:
		return true, nil
	case 4:
		return binary.LittleEndian.Uint32(data) == 0, nil
	default:
		return false, fmt.Errorf("end payload: want 4 bytes, have %d", len(data))
	}
}

// BootState is the GET_BOOT_STATE response payload.
type BootState struct {
	ActiveSlot    uint32
	RevertSlot    uint32
	CommitTimeout uint32
	IsCommitted   bool
}

// BootStateData encodes a GET_BOOT_STATE response payload.
func BootStateData(st BootState) []byte {
	data := make([]byte, 13)
	binary.LittleEndian.PutUint32(data[0:4], st.ActiveSlot)
	binary.LittleEndian.PutUint32(data[4:8], st.RevertSlot)
	binary.LittleEndian.PutUint32(data[8:12], st.CommitTimeout)
	if st.IsCommitted {
		data[12] = 1
	}
	return data
}

// ParseBootState decodes a GET_BOOT_STATE response payload.
func ParseBootState(data []byte) (BootState, error) {
	if len(data) != 13 {
		return BootState{}, fmt.Errorf("boot state payload: want 13 bytes, have %d", len(data))
	}
	return BootState{
		ActiveSlot:    binary.LittleEndian.Uint32(data[0:4]),
		RevertSlot:    binary.LittleEndian.Uint32(data[4:8]),
		CommitTimeout: binary.LittleEndian.Uint32(data[8:12]),
		IsCommitted:   data[12] != 0,
	}, nil
}
