// Package slotdir is a host platform for the updater. Each boot slot is a
// directory holding one file per manifest part; an update is staged next
// to the slots and renamed over the inactive one at finalize.
package slotdir

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/zeebo/blake3"

	"github.com/bigbag/papyrix-ota/internal/hal"
	"github.com/bigbag/papyrix-ota/internal/manifest"
)

// stagingPrefix names the per-session staging directories under root.
const stagingPrefix = ".staging-"

// SlotPath returns the directory of slot n.
func SlotPath(root string, n int) string {
	return filepath.Join(root, "slot"+strconv.Itoa(n))
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Device) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Device stages an update into the slot that is not currently active.
type Device struct {
	root   string
	slots  int
	loader *Loader
	logger *slog.Logger

	boot      hal.BootState
	target    int
	manifest  *manifest.Manifest
	parts     manifest.Parts
	written   map[string]bool
	finalized bool
	stage     string

	out    *os.File
	part   string
	expect manifest.Part
	sha1   hash.Hash
	blake3 *blake3.Hasher

	status string
}

// Factory returns a hal.Factory creating Devices over root.
func Factory(root string, slots int, opts ...Option) hal.Factory {
	return func() (hal.Device, error) {
		return NewDevice(root, slots, opts...)
	}
}

// NewDevice creates a Device for the slot tree at root.
func NewDevice(root string, slots int, opts ...Option) (*Device, error) {
	if slots < 2 {
		return nil, fmt.Errorf("need at least 2 slots, got %d", slots)
	}
	d := &Device{
		root:   root,
		slots:  slots,
		loader: NewLoader(root, slots),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// sweepStaging removes staging directories left by earlier sessions. Only
// one session is live at a time, so none of them can still finalize.
func (d *Device) sweepStaging() {
	dirs, _ := filepath.Glob(filepath.Join(d.root, stagingPrefix+"*"))
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			d.logger.Warn("cannot remove stale staging area", "dir", dir, "error", err)
		}
	}
}

func (d *Device) setStatus(format string, args ...any) error {
	d.status = fmt.Sprintf(format, args...)
	return errors.New(d.status)
}

// Begin picks the target slot and creates this session's staging
// directory.
func (d *Device) Begin(m *manifest.Manifest) error {
	parts, err := m.DecodeParts()
	if err != nil {
		return d.setStatus("Invalid parts: %v", err)
	}

	st, err := d.loader.GetBootState()
	if err != nil {
		return d.setStatus("Cannot read boot state: %v", err)
	}

	if err := os.MkdirAll(d.root, 0755); err != nil {
		return d.setStatus("Cannot create slot root: %v", err)
	}
	d.sweepStaging()
	stage, err := os.MkdirTemp(d.root, stagingPrefix)
	if err != nil {
		return d.setStatus("Cannot create staging area: %v", err)
	}
	if err := os.Chmod(stage, 0755); err != nil {
		os.RemoveAll(stage)
		return d.setStatus("Cannot create staging area: %v", err)
	}
	d.stage = stage

	d.boot = st
	d.target = (st.ActiveSlot + 1) % d.slots
	d.manifest = m
	d.parts = parts
	d.written = make(map[string]bool, len(parts))

	d.logger.Info("staging update", "active_slot", st.ActiveSlot, "target_slot", d.target, "parts", parts.Names())
	return nil
}

// FileBegin opens the staging file for a part; files no part refers to
// are skipped.
func (d *Device) FileBegin(fi hal.FileInfo) (hal.FileAction, error) {
	name, part, ok := d.parts.BySrc(fi.Name)
	if !ok {
		d.logger.Debug("file is not a part", "file", fi.Name)
		return hal.ActionSkip, nil
	}
	if d.written[name] {
		return hal.ActionAbort, d.setStatus("Duplicate part %s", name)
	}
	if part.Size > 0 && part.Size != fi.Size {
		return hal.ActionAbort, d.setStatus("Part %s size mismatch: manifest %d, file %d", name, part.Size, fi.Size)
	}

	out, err := os.Create(filepath.Join(d.stage, name))
	if err != nil {
		return hal.ActionAbort, d.setStatus("Cannot create %s: %v", name, err)
	}

	d.out = out
	d.part = name
	d.expect = part
	d.sha1 = sha1.New()
	d.blake3 = blake3.New()
	return hal.ActionProcess, nil
}

func (d *Device) write(p []byte) error {
	if _, err := d.out.Write(p); err != nil {
		return d.setStatus("Write to %s failed: %v", d.part, err)
	}
	d.sha1.Write(p)
	d.blake3.Write(p)
	return nil
}

// FileData writes the whole chunk.
func (d *Device) FileData(fi hal.FileInfo, chunk []byte) (int, error) {
	if d.out == nil {
		return 0, d.setStatus("No file open for %s", fi.Name)
	}
	if err := d.write(chunk); err != nil {
		return 0, err
	}
	return len(chunk), nil
}

// FileEnd writes the tail and verifies the part checksums.
func (d *Device) FileEnd(fi hal.FileInfo, tail []byte) (int, error) {
	if d.out == nil {
		return 0, d.setStatus("No file open for %s", fi.Name)
	}
	if err := d.write(tail); err != nil {
		return 0, err
	}

	out := d.out
	d.out = nil
	if err := out.Sync(); err != nil {
		out.Close()
		return 0, d.setStatus("Sync %s failed: %v", d.part, err)
	}
	if err := out.Close(); err != nil {
		return 0, d.setStatus("Close %s failed: %v", d.part, err)
	}

	if want := d.expect.CsSHA1; want != "" {
		if got := hex.EncodeToString(d.sha1.Sum(nil)); got != want {
			return 0, d.setStatus("Part %s sha1 mismatch: want %s, got %s", d.part, want, got)
		}
	}
	if want := d.expect.CsBlake3; want != "" {
		if got := hex.EncodeToString(d.blake3.Sum(nil)); got != want {
			return 0, d.setStatus("Part %s blake3 mismatch: want %s, got %s", d.part, want, got)
		}
	}

	d.written[d.part] = true
	d.logger.Info("part staged", "part", d.part, "file", fi.Name, "size", fi.Size)
	return len(tail), nil
}

// Finalize moves the staged parts into the target slot and makes it the
// uncommitted boot target, keeping the previous slot for revert.
func (d *Device) Finalize() error {
	for _, name := range d.parts.Names() {
		if !d.written[name] {
			return d.setStatus("Part %s is missing from the package", name)
		}
	}

	if err := os.WriteFile(filepath.Join(d.stage, manifest.FileName), d.manifest.Raw(), 0644); err != nil {
		return d.setStatus("Cannot store manifest: %v", err)
	}

	slot := SlotPath(d.root, d.target)
	if err := os.RemoveAll(slot); err != nil {
		return d.setStatus("Cannot clear slot %d: %v", d.target, err)
	}
	if err := os.Rename(d.stage, slot); err != nil {
		return d.setStatus("Cannot install slot %d: %v", d.target, err)
	}

	st := hal.BootState{
		ActiveSlot:  d.target,
		IsCommitted: false,
		RevertSlot:  d.boot.ActiveSlot,
	}
	if err := d.loader.SetBootState(st); err != nil {
		return d.setStatus("Cannot switch boot slot: %v", err)
	}

	d.finalized = true
	d.logger.Info("slot installed", "slot", d.target, "revert_slot", st.RevertSlot)
	return nil
}

// StatusMessage returns the last failure.
func (d *Device) StatusMessage() string {
	return d.status
}

// Close drops a half-written update. It removes only this session's
// staging directory; the active slot is never touched before Finalize.
func (d *Device) Close() error {
	if d.out != nil {
		d.out.Close()
		d.out = nil
	}
	if d.finalized || d.stage == "" {
		return nil
	}
	return os.RemoveAll(d.stage)
}

// ReadManifest returns the manifest stored in slot n.
func ReadManifest(root string, n int) (*manifest.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(SlotPath(root, n), manifest.FileName))
	if err != nil {
		return nil, err
	}
	return manifest.Parse(data)
}
