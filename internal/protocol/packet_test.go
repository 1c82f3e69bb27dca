package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func TestNewRequest_Checksum_EmptyData(t *testing.T) {
	req := NewRequest(CmdSync, nil)
	// Checksum with no data should be 0xEF (initial value)
	if req.Checksum != 0xEF {
		t.Errorf("NewRequest checksum with empty data = 0x%X, want 0xEF", req.Checksum)
	}
}

func TestNewRequest_Checksum_MultipleBytes(t *testing.T) {
	req := NewRequest(CmdOTAData, []byte{0x01, 0x02, 0x04})
	expected := byte(0xEF) ^ 0x01 ^ 0x02 ^ 0x04
	if req.Checksum != uint32(expected) {
		t.Errorf("NewRequest checksum = 0x%X, want 0x%X", req.Checksum, expected)
	}
	if !req.Valid() {
		t.Error("Valid() = false for a fresh request")
	}
	req.Data[0] = 0xFF
	if req.Valid() {
		t.Error("Valid() = true after corrupting data")
	}
}

func TestRequest_Encode_Format(t *testing.T) {
	data := []byte{0xAA, 0xBB}
	req := NewRequest(CmdOTAEnd, data)
	encoded := req.Encode()

	if len(encoded) != 8+len(data) {
		t.Fatalf("Encode() length = %d, want %d", len(encoded), 8+len(data))
	}
	if encoded[0] != DirRequest {
		t.Errorf("Encode()[0] direction = 0x%02X, want 0x%02X", encoded[0], DirRequest)
	}
	if encoded[1] != CmdOTAEnd {
		t.Errorf("Encode()[1] command = 0x%02X, want 0x%02X", encoded[1], CmdOTAEnd)
	}
	if n := binary.LittleEndian.Uint16(encoded[2:4]); n != uint16(len(data)) {
		t.Errorf("Encode() data length = %d, want %d", n, len(data))
	}
	if cs := binary.LittleEndian.Uint32(encoded[4:8]); cs != req.Checksum {
		t.Errorf("Encode() checksum = 0x%X, want 0x%X", cs, req.Checksum)
	}
	if !bytes.Equal(encoded[8:], data) {
		t.Errorf("Encode() data = %v, want %v", encoded[8:], data)
	}
}

func TestDecodeRequest(t *testing.T) {
	payload := DataData([]byte("hello"), 7)
	req, err := DecodeRequest(NewRequest(CmdOTAData, payload).Encode())
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if req.Command != CmdOTAData {
		t.Errorf("Command = 0x%02X, want 0x%02X", req.Command, CmdOTAData)
	}
	if !req.Valid() {
		t.Error("decoded request has invalid checksum")
	}
	if !bytes.Equal(req.Data, payload) {
		t.Errorf("Data = %v, want %v", req.Data, payload)
	}
}

func TestDecodeRequest_Errors(t *testing.T) {
	good := NewRequest(CmdSync, SyncData()).Encode()

	wrongDir := append([]byte(nil), good...)
	wrongDir[0] = DirResponse

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"short", good[:5], "too short"},
		{"direction", wrongDir, "invalid direction"},
		{"truncated", good[:len(good)-1], "size mismatch"},
		{"trailing", append(append([]byte(nil), good...), 0x00), "size mismatch"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeRequest(tc.data)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("DecodeRequest() error = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestResponse_EncodeDecode(t *testing.T) {
	resp := NewResponse(CmdOTAEnd, 1, []byte("Update applied, finalizing"))
	got, err := DecodeResponse(resp.Encode())
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if !got.IsSuccess() {
		t.Error("IsSuccess() = false")
	}
	if got.Code() != 1 {
		t.Errorf("Code() = %d, want 1", got.Code())
	}
	if string(got.Data) != "Update applied, finalizing" {
		t.Errorf("Data = %q", got.Data)
	}
	if got.Err() != nil {
		t.Errorf("Err() = %v, want nil", got.Err())
	}
}

func TestResponse_NegativeCode(t *testing.T) {
	resp := NewErrorResponse(CmdOTAData, ErrUpdateFailed, "Invalid CRC")
	code := int32(-101)
	resp.Value = uint32(code)

	got, err := DecodeResponse(resp.Encode())
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if got.Code() != -101 {
		t.Errorf("Code() = %d, want -101", got.Code())
	}

	rerr := got.Err()
	var se *StatusError
	if !errors.As(rerr, &se) {
		t.Fatalf("Err() = %T, want *StatusError", rerr)
	}
	if se.Message != "Invalid CRC" || se.Result != -101 || se.Code != ErrUpdateFailed {
		t.Errorf("StatusError = %+v", se)
	}
	if !IsCode(rerr, ErrUpdateFailed) {
		t.Error("IsCode() = false")
	}
	if !strings.Contains(rerr.Error(), "OTA_DATA failed: Invalid CRC") {
		t.Errorf("Error() = %q", rerr.Error())
	}
}

func TestDecodeResponse_TooShort(t *testing.T) {
	_, err := DecodeResponse(make([]byte, 9))
	if err == nil {
		t.Fatal("DecodeResponse() expected error for short data")
	}
}

func TestDecodeResponse_SizeMismatch(t *testing.T) {
	resp := make([]byte, 10)
	resp[0] = DirResponse
	binary.LittleEndian.PutUint16(resp[2:4], 100)
	if _, err := DecodeResponse(resp); err == nil || !strings.Contains(err.Error(), "size mismatch") {
		t.Errorf("DecodeResponse() error = %v, want size mismatch", err)
	}
}

func TestBegin(t *testing.T) {
	b := Begin{Size: 123456, CommitTimeout: 300, Flags: FlagIgnoreSameVersion}
	got, err := ParseBegin(BeginData(b))
	if err != nil {
		t.Fatalf("ParseBegin() error = %v", err)
	}
	if got != b {
		t.Errorf("ParseBegin() = %+v, want %+v", got, b)
	}
	if !got.IgnoreSameVersion() {
		t.Error("IgnoreSameVersion() = false")
	}
	if _, err := ParseBegin(make([]byte, 8)); err == nil {
		t.Error("ParseBegin() accepted a short payload")
	}
}

func TestDataData_NoPadding(t *testing.T) {
	block := []byte{1, 2, 3}
	payload := DataData(block, 42)
	if len(payload) != 16+len(block) {
		t.Fatalf("DataData() length = %d, want %d", len(payload), 16+len(block))
	}

	seq, got, err := ParseData(payload)
	if err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}
	if seq != 42 || !bytes.Equal(got, block) {
		t.Errorf("ParseData() = %d, %v", seq, got)
	}

	if _, _, err := ParseData(payload[:len(payload)-1]); err == nil {
		t.Error("ParseData() accepted a truncated block")
	}
	if _, _, err := ParseData(payload[:10]); err == nil {
		t.Error("ParseData() accepted a short header")
	}
}

func TestEndData(t *testing.T) {
	for _, reboot := range []bool{true, false} {
		got, err := ParseEnd(EndData(reboot))
		if err != nil {
			t.Fatalf("ParseEnd() error = %v", err)
		}
		if got != reboot {
			t.Errorf("ParseEnd(EndData(%v)) = %v", reboot, got)
		}
	}
	if v := binary.LittleEndian.Uint32(EndData(true)); v != 0 {
		t.Errorf("EndData(true) = %d, want 0", v)
	}
	if reboot, err := ParseEnd(nil); err != nil || !reboot {
		t.Errorf("ParseEnd(nil) = %v, %v", reboot, err)
	}
	if _, err := ParseEnd([]byte{1}); err == nil {
		t.Error("ParseEnd() accepted a 1-byte payload")
	}
}

func TestBootState(t *testing.T) {
	st := BootState{ActiveSlot: 1, RevertSlot: 0, CommitTimeout: 60, IsCommitted: false}
	got, err := ParseBootState(BootStateData(st))
	if err != nil {
		t.Fatalf("ParseBootState() error = %v", err)
	}
	if got != st {
		t.Errorf("ParseBootState() = %+v, want %+v", got, st)
	}
	if _, err := ParseBootState(nil); err == nil {
		t.Error("ParseBootState(nil) expected error")
	}
}
