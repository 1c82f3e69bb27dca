// Package manifest interprets manifest.json, the first file of an update
// package, which names the target platform and version and maps logical
// parts to the files that follow it.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FileName is the required name of the first entry in a package.
const FileName = "manifest.json"

var (
	// ErrMalformed is returned when the manifest is not a JSON object.
	ErrMalformed = errors.New("Failed to parse manifest")

	// ErrMissingField is returned when a required field is absent or empty.
	ErrMissingField = errors.New("Required manifest field missing")
)

// PlatformMismatchError indicates a package built for another platform.
type PlatformMismatchError struct {
	Want string
	Got  string
}

func (e *PlatformMismatchError) Error() string {
	return fmt.Sprintf("Wrong platform: want %q, got %q", e.Want, e.Got)
}

// Firmware identifies the firmware currently running on the device.
type Firmware struct {
	Platform string
	Version  string
	BuildID  string
}

// Manifest is a parsed manifest.json. It owns a private copy of the
// source bytes, so nothing here aliases the caller's receive buffer.
type Manifest struct {
	Name     string
	Platform string
	Version  string
	BuildID  string
	Parts    json.RawMessage

	raw []byte
}

type document struct {
	Name     string          `json:"name"`
	Platform string          `json:"platform"`
	Version  string          `json:"version"`
	BuildID  string          `json:"build_id"`
	Parts    json.RawMessage `json:"parts"`
}

// Parse decodes a manifest. data is copied, so the caller may reuse it.
func Parse(data []byte) (*Manifest, error) {
	raw := bytes.Clone(data)

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	parts := bytes.TrimSpace(doc.Parts)
	if doc.Platform == "" || doc.Version == "" || doc.BuildID == "" ||
		len(parts) == 0 || bytes.Equal(parts, []byte("null")) {
		return nil, ErrMissingField
	}
	if parts[0] != '{' {
		return nil, fmt.Errorf("%w: parts must be an object", ErrMalformed)
	}

	return &Manifest{
		Name:     doc.Name,
		Platform: doc.Platform,
		Version:  doc.Version,
		BuildID:  doc.BuildID,
		Parts:    parts,
		raw:      raw,
	}, nil
}

// Raw returns the manifest bytes as received.
func (m *Manifest) Raw() []byte {
	return m.raw
}

// CheckPlatform verifies the manifest targets platform. The comparison
// ignores case.
func (m *Manifest) CheckPlatform(platform string) error {
	if !strings.EqualFold(m.Platform, platform) {
		return &PlatformMismatchError{Want: platform, Got: m.Platform}
	}
	return nil
}

// SameVersion reports whether the manifest describes exactly the running
// firmware build.
func (m *Manifest) SameVersion(fw Firmware) bool {
	return m.Version == fw.Version && m.BuildID == fw.BuildID
}

func (m *Manifest) String() string {
	return fmt.Sprintf("%s %s %s (%s)", m.Name, m.Platform, m.Version, m.BuildID)
}
