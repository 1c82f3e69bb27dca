// Package pack builds update packages: a ZIP archive of stored entries
// whose first entry is manifest.json.
package pack

import (
	"archive/zip"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/bigbag/papyrix-ota/internal/manifest"
	"github.com/bigbag/papyrix-ota/internal/zipstream"
)

// Info identifies the firmware a package carries.
type Info struct {
	Name     string
	Platform string
	Version  string
	BuildID  string
}

type source struct {
	part string
	src  string
	open func() (io.ReadCloser, error)
}

// Builder collects parts and writes the package.
type Builder struct {
	info    Info
	sources []source
}

// NewBuilder returns an empty Builder.
func NewBuilder(info Info) *Builder {
	return &Builder{info: info}
}

// AddFile adds the file at path as part. The entry is named after the
// file's base name.
func (b *Builder) AddFile(part, path string) {
	b.sources = append(b.sources, source{
		part: part,
		src:  filepath.Base(path),
		open: func() (io.ReadCloser, error) { return os.Open(path) },
	})
}

// AddBytes adds data as part under the entry name src.
func (b *Builder) AddBytes(part, src string, data []byte) {
	b.sources = append(b.sources, source{
		part: part,
		src:  src,
		open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	})
}

type digest struct {
	crc  uint32
	size uint64
	part manifest.Part
}

func hashSource(s source) (digest, error) {
	r, err := s.open()
	if err != nil {
		return digest{}, err
	}
	defer r.Close()

	crc := crc32.NewIEEE()
	sh := sha1.New()
	b3 := blake3.New()
	n, err := io.Copy(io.MultiWriter(crc, sh, b3), r)
	if err != nil {
		return digest{}, fmt.Errorf("read %s: %w", s.src, err)
	}
	if n > int64(^uint32(0)) {
		return digest{}, fmt.Errorf("%s is too large (%d bytes)", s.src, n)
	}

	return digest{
		crc:  crc.Sum32(),
		size: uint64(n),
		part: manifest.Part{
			Src:      s.src,
			Size:     uint32(n),
			CsSHA1:   hex.EncodeToString(sh.Sum(nil)),
			CsBlake3: hex.EncodeToString(b3.Sum(nil)),
		},
	}, nil
}

type document struct {
	Name     string         `json:"name,omitempty"`
	Platform string         `json:"platform"`
	Version  string         `json:"version"`
	BuildID  string         `json:"build_id"`
	Parts    manifest.Parts `json:"parts"`
}

func (b *Builder) validate() error {
	switch {
	case b.info.Platform == "":
		return fmt.Errorf("platform is required")
	case b.info.Version == "":
		return fmt.Errorf("version is required")
	case b.info.BuildID == "":
		return fmt.Errorf("build_id is required")
	case len(b.sources) == 0:
		return fmt.Errorf("at least one part is required")
	}

	parts := make(map[string]bool, len(b.sources))
	srcs := make(map[string]bool, len(b.sources))
	for _, s := range b.sources {
		if parts[s.part] {
			return fmt.Errorf("duplicate part %q", s.part)
		}
		if srcs[s.src] {
			return fmt.Errorf("duplicate file %q", s.src)
		}
		if s.src == manifest.FileName {
			return fmt.Errorf("file name %q is reserved", s.src)
		}
		if len(zipstream.LeafName(s.src)) >= zipstream.MaxNameLen {
			return fmt.Errorf("file name %q is too long", s.src)
		}
		parts[s.part] = true
		srcs[s.src] = true
	}
	return nil
}

// Build writes the package to w and returns its manifest.
func (b *Builder) Build(w io.Writer) (*manifest.Manifest, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	digests := make([]digest, len(b.sources))
	doc := document{
		Name:     b.info.Name,
		Platform: b.info.Platform,
		Version:  b.info.Version,
		BuildID:  b.info.BuildID,
		Parts:    make(manifest.Parts, len(b.sources)),
	}
	for i, s := range b.sources {
		d, err := hashSource(s)
		if err != nil {
			return nil, err
		}
		digests[i] = d
		doc.Parts[s.part] = d.part
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		return nil, err
	}

	zw := zip.NewWriter(w)
	if err := writeEntry(zw, manifest.FileName, crc32.ChecksumIEEE(raw), uint64(len(raw)), bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	for i, s := range b.sources {
		if err := b.copySource(zw, s, digests[i]); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return m, nil
}

func (b *Builder) copySource(zw *zip.Writer, s source, d digest) error {
	r, err := s.open()
	if err != nil {
		return err
	}
	defer r.Close()
	return writeEntry(zw, s.src, d.crc, d.size, r)
}

// writeEntry writes a stored entry with CRC and sizes in its local
// header, which is what the streaming parser relies on.
func writeEntry(zw *zip.Writer, name string, crc uint32, size uint64, r io.Reader) error {
	fw, err := zw.CreateRaw(&zip.FileHeader{
		Name:               name,
		Method:             zip.Store,
		CRC32:              crc,
		CompressedSize64:   size,
		UncompressedSize64: size,
	})
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	n, err := io.Copy(fw, r)
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if uint64(n) != size {
		return fmt.Errorf("%s changed while packing: %d bytes, expected %d", name, n, size)
	}
	return nil
}

// WriteFile builds the package into path via a temporary file.
func (b *Builder) WriteFile(path string) (*manifest.Manifest, error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, err
	}

	m, err := b.Build(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}
	return m, nil
}
