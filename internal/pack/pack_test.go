package pack

import (
	"archive/zip"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/bigbag/papyrix-ota/internal/manifest"
	"github.com/bigbag/papyrix-ota/internal/zipstream"
)

var testInfo = Info{Name: "papyrix", Platform: "host", Version: "1.2.0", BuildID: "20261018-abc"}

func TestBuild(t *testing.T) {
	fw := bytes.Repeat([]byte{0xA5, 0x5A}, 2048)
	fs := []byte("filesystem image")

	b := NewBuilder(testInfo)
	b.AddBytes("fw", "fw.bin", fw)
	b.AddBytes("fs", "fs.img", fs)

	var out bytes.Buffer
	m, err := b.Build(&out)
	require.NoError(t, err)

	assert.Equal(t, "host", m.Platform)
	assert.Equal(t, "1.2.0", m.Version)
	parts, err := m.DecodeParts()
	require.NoError(t, err)
	assert.Equal(t, []string{"fs", "fw"}, parts.Names())

	sum := sha1.Sum(fw)
	b3 := blake3.Sum256(fw)
	assert.Equal(t, manifest.Part{
		Src:      "fw.bin",
		Size:     uint32(len(fw)),
		CsSHA1:   hex.EncodeToString(sum[:]),
		CsBlake3: hex.EncodeToString(b3[:]),
	}, parts["fw"])

	zr, err := zip.NewReader(bytes.NewReader(out.Bytes()), int64(out.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 3)
	assert.Equal(t, manifest.FileName, zr.File[0].Name)
	assert.Equal(t, "fw.bin", zr.File[1].Name)
	assert.Equal(t, "fs.img", zr.File[2].Name)

	for _, f := range zr.File {
		assert.Equal(t, zip.Store, f.Method, f.Name)
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err, f.Name)
		rc.Close()
		if f.Name == "fw.bin" {
			assert.Equal(t, fw, data)
		}
		if f.Name == manifest.FileName {
			assert.Equal(t, m.Raw(), data)
		}
	}
}

func TestBuild_LocalHeadersCarrySizes(t *testing.T) {
	b := NewBuilder(testInfo)
	b.AddBytes("fw", "fw.bin", []byte("firmware"))

	var out bytes.Buffer
	m, err := b.Build(&out)
	require.NoError(t, err)

	h, err := zipstream.ParseLocalHeader(out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, manifest.FileName, h.Name)
	assert.False(t, h.HasDataDescriptor())
	assert.Equal(t, uint32(len(m.Raw())), h.Size())

	next := out.Bytes()[h.Len+int(h.Size()):]
	h2, err := zipstream.ParseLocalHeader(next)
	require.NoError(t, err)
	assert.Equal(t, "fw.bin", h2.Name)
	assert.Equal(t, uint32(8), h2.Size())
	assert.NotZero(t, h2.CRC32)
}

func TestAddFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.bin")
	require.NoError(t, os.WriteFile(path, []byte("application"), 0644))

	b := NewBuilder(testInfo)
	b.AddFile("app", path)

	pkg := filepath.Join(dir, "update.zip")
	m, err := b.WriteFile(pkg)
	require.NoError(t, err)

	parts, err := m.DecodeParts()
	require.NoError(t, err)
	assert.Equal(t, "app.bin", parts["app"].Src)

	_, err = os.Stat(pkg)
	require.NoError(t, err)
	_, err = os.Stat(pkg + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestBuild_Validation(t *testing.T) {
	tests := []struct {
		name  string
		info  Info
		parts [][2]string
		want  string
	}{
		{"no platform", Info{Version: "1", BuildID: "b"}, [][2]string{{"fw", "fw.bin"}}, "platform is required"},
		{"no version", Info{Platform: "p", BuildID: "b"}, [][2]string{{"fw", "fw.bin"}}, "version is required"},
		{"no build id", Info{Platform: "p", Version: "1"}, [][2]string{{"fw", "fw.bin"}}, "build_id is required"},
		{"no parts", testInfo, nil, "at least one part"},
		{"duplicate part", testInfo, [][2]string{{"fw", "a.bin"}, {"fw", "b.bin"}}, "duplicate part"},
		{"duplicate file", testInfo, [][2]string{{"a", "fw.bin"}, {"b", "fw.bin"}}, "duplicate file"},
		{"reserved name", testInfo, [][2]string{{"m", "manifest.json"}}, "reserved"},
		{"long name", testInfo, [][2]string{{"fw", string(bytes.Repeat([]byte("x"), 60))}}, "too long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(tt.info)
			for _, p := range tt.parts {
				b.AddBytes(p[0], p[1], []byte("data"))
			}
			_, err := b.Build(io.Discard)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
