package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Part describes one logical image carried by a package, e.g.
//
//	"fw": {"src": "fw.bin", "cs_sha1": "...", "cs_blake3": "..."}
type Part struct {
	Src      string `json:"src"`
	Size     uint32 `json:"size,omitempty"`
	CsSHA1   string `json:"cs_sha1,omitempty"`
	CsBlake3 string `json:"cs_blake3,omitempty"`
}

// Parts maps logical part names to their descriptors.
type Parts map[string]Part

// DecodeParts decodes the parts object. Every part needs a src.
func (m *Manifest) DecodeParts() (Parts, error) {
	var parts Parts
	if err := json.Unmarshal(m.Parts, &parts); err != nil {
		return nil, fmt.Errorf("%w: parts: %v", ErrMalformed, err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: no parts", ErrMissingField)
	}
	for name, p := range parts {
		if p.Src == "" {
			return nil, fmt.Errorf("%w: parts.%s.src", ErrMissingField, name)
		}
	}
	return parts, nil
}

// BySrc returns the logical name of the part whose src is file.
func (p Parts) BySrc(file string) (string, Part, bool) {
	for name, part := range p {
		if part.Src == file {
			return name, part, true
		}
	}
	return "", Part{}, false
}

// Names returns the part names in sorted order.
func (p Parts) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
