package updater

import (
	"errors"
	"fmt"

	"github.com/bigbag/papyrix-ota/internal/hal"
	"github.com/bigbag/papyrix-ota/internal/manifest"
	"github.com/bigbag/papyrix-ota/internal/zipstream"
)

type step int

const (
	stepContinue step = iota
	stepNeedMore
	stepDone
)

// step runs one transition. The buffer only ever holds bytes the state
// machine has not consumed yet.
func (c *Context) step() (step, *Error) {
	switch c.state {
	case StateInited:
		c.setState(StateWaitingManifestHeader)
		return stepContinue, nil
	case StateWaitingManifestHeader:
		return c.waitManifestHeader()
	case StateWaitingManifest:
		return c.waitManifest()
	case StateWaitingFileHeader:
		return c.waitFileHeader()
	case StateWaitingFile:
		return c.waitFile()
	case StateSkippingData:
		return c.skipData()
	case StateSkippingDescriptor:
		return c.skipDescriptor()
	case StateWriteFinished:
		// Trailing bytes (central directory and end record) are of no use.
		c.buf.Reset()
		return stepNeedMore, nil
	case StateFinalize:
		return c.finalize()
	case StateFinished:
		return stepDone, nil
	default:
		return stepDone, newError(KindAborted, fmt.Sprintf("invalid state %s", c.state), nil)
	}
}

// parseHeader consumes a local file header and resets the per-file state.
func (c *Context) parseHeader() (bool, *Error) {
	h, err := zipstream.ParseLocalHeader(c.buf.Bytes())
	if errors.Is(err, zipstream.ErrShortBuffer) {
		return false, nil
	}
	if err != nil {
		return false, newError(KindMalformedContainer, err.Error(), err)
	}

	c.buf.Next(h.Len)
	c.file = hal.FileInfo{Name: h.Name, Size: h.Size()}
	c.crc.Reset(h.CRC32)
	c.hasDescriptor = h.HasDataDescriptor()

	c.logger.Debug("file header",
		"name", h.Name,
		"size", h.Size(),
		"crc32", fmt.Sprintf("0x%08x", h.CRC32),
		"descriptor", c.hasDescriptor,
	)
	return true, nil
}

func (c *Context) waitManifestHeader() (step, *Error) {
	ok, err := c.parseHeader()
	if err != nil || !ok {
		return stepNeedMore, err
	}

	if c.file.Name != manifest.FileName {
		return stepDone, newError(KindManifest,
			fmt.Sprintf("Expected %s, got %s", manifest.FileName, c.file.Name), nil)
	}
	if c.file.Size > c.engine.config.MaxManifestSize {
		return stepDone, newError(KindMalformedContainer,
			fmt.Sprintf("Manifest too large (%d bytes)", c.file.Size), nil)
	}

	c.setState(StateWaitingManifest)
	return stepContinue, nil
}

func (c *Context) waitManifest() (step, *Error) {
	if uint32(c.buf.Len()) < c.file.Size {
		return stepNeedMore, nil
	}

	data := c.buf.Next(int(c.file.Size))
	if err := c.crc.Verify(data); err != nil {
		return stepDone, newError(KindChecksumMismatch, "Invalid CRC", err)
	}

	m, err := manifest.Parse(data)
	if err != nil {
		return stepDone, newError(KindManifest, err.Error(), err)
	}
	c.manifest = m
	c.file.Processed = c.file.Size

	fw := c.engine.config.Firmware
	c.logger.Info("got manifest",
		"name", m.Name,
		"platform", m.Platform,
		"version", m.Version,
		"build_id", m.BuildID,
	)

	if err := m.CheckPlatform(fw.Platform); err != nil {
		return stepDone, newError(KindManifest, err.Error(), err)
	}

	if c.ignoreSameVersion && m.SameVersion(fw) {
		c.logger.Info("version is the same as current", "version", fw.Version, "build_id", fw.BuildID)
		c.succeed("Version is the same as current")
		return stepDone, nil
	}

	if !c.emit(Event{Type: EventBegin, Manifest: m}) {
		return stepDone, &Error{Kind: KindDeclined, Code: CodeDeclined, Msg: "Update declined by user callback"}
	}

	if err := c.dev.Begin(m); err != nil {
		return stepDone, newError(KindManifest, c.deviceMessage(err), err)
	}

	c.nextEntry()
	return stepContinue, nil
}

func (c *Context) waitFileHeader() (step, *Error) {
	if c.buf.Len() < 4 {
		return stepNeedMore, nil
	}
	if zipstream.IsCentralDirectory(c.buf.Bytes()) {
		c.logger.Debug("reached central directory")
		c.setState(StateWriteFinished)
		return stepContinue, nil
	}

	ok, err := c.parseHeader()
	if err != nil || !ok {
		return stepNeedMore, err
	}

	action, herr := c.dev.FileBegin(c.file)
	if herr != nil {
		return stepDone, newError(KindHalWrite, c.deviceMessage(herr), herr)
	}

	switch action {
	case hal.ActionProcess:
		c.logger.Info("processing file", "name", c.file.Name, "size", c.file.Size)
		c.emit(Event{Type: EventProgress, Manifest: c.manifest, File: c.file})
		c.setState(StateWaitingFile)
	case hal.ActionSkip:
		c.logger.Info("skipping file", "name", c.file.Name, "size", c.file.Size)
		c.setState(StateSkippingData)
	default:
		return stepDone, newError(KindHalWrite, c.deviceMessage(nil), nil)
	}
	return stepContinue, nil
}

func (c *Context) waitFile() (step, *Error) {
	if n := min(c.file.Remaining(), uint32(c.buf.Len())); n > 0 {
		chunk := c.buf.Bytes()[:n]
		consumed, err := c.dev.FileData(c.file, chunk)
		if err != nil {
			return stepDone, newError(KindHalWrite, c.deviceMessage(err), err)
		}
		if consumed < 0 || consumed > len(chunk) {
			return stepDone, newError(KindHalWrite,
				fmt.Sprintf("Invalid write length %d of %d", consumed, len(chunk)), nil)
		}
		if consumed > 0 {
			c.crc.Update(chunk[:consumed])
			c.buf.Next(consumed)
			c.file.Processed += uint32(consumed)
			c.logger.Debug("file data", "name", c.file.Name, "processed", c.file.Processed, "size", c.file.Size)
			c.emit(Event{Type: EventProgress, Manifest: c.manifest, File: c.file})
		}
	}

	left := c.file.Remaining()
	if left > uint32(c.buf.Len()) {
		return stepNeedMore, nil
	}

	tail := c.buf.Bytes()[:left]
	if err := c.crc.Verify(tail); err != nil {
		return stepDone, newError(KindChecksumMismatch, "Invalid CRC", err)
	}

	consumed, err := c.dev.FileEnd(c.file, tail)
	if err != nil {
		return stepDone, newError(KindHalWrite, c.deviceMessage(err), err)
	}
	if consumed != len(tail) {
		return stepDone, newError(KindHalWrite, "Not all data was processed", nil)
	}
	c.buf.Next(len(tail))
	c.file.Processed += left
	c.logger.Info("file written", "name", c.file.Name, "size", c.file.Size, "crc32", fmt.Sprintf("0x%08x", c.crc.Sum()))

	c.nextEntry()
	return stepContinue, nil
}

func (c *Context) skipData() (step, *Error) {
	n := min(c.file.Remaining(), uint32(c.buf.Len()))
	if n > 0 {
		c.buf.Next(int(n))
		c.file.Processed += n
		if c.file.Name != "" {
			c.emit(Event{Type: EventProgress, Manifest: c.manifest, File: c.file})
		}
	}
	if c.file.Remaining() > 0 {
		return stepNeedMore, nil
	}

	c.setState(StateSkippingDescriptor)
	return stepContinue, nil
}

// skipDescriptor drops the data descriptor trailing the entry just
// consumed, if the entry declared one.
func (c *Context) skipDescriptor() (step, *Error) {
	if !c.hasDescriptor {
		c.file = hal.FileInfo{}
		c.setState(StateWaitingFileHeader)
		return stepContinue, nil
	}

	c.hasDescriptor = false
	c.file = hal.FileInfo{Size: zipstream.DataDescriptorSize}
	c.setState(StateSkippingData)
	return stepContinue, nil
}

// nextEntry moves past a fully consumed entry, keeping the descriptor
// flag so its trailer is skipped.
func (c *Context) nextEntry() {
	c.setState(StateSkippingDescriptor)
}

func (c *Context) finalize() (step, *Error) {
	if c.commitTimeout > 0 {
		c.logger.Info("update requires commit", "timeout", c.commitTimeout.String())
		if err := c.engine.boot.SetCommitTimeout(c.commitTimeout); err != nil {
			return stepDone, newError(KindHalFinalize, "Cannot save update status", err)
		}
	}

	if err := c.dev.Finalize(); err != nil {
		return stepDone, newError(KindHalFinalize, c.deviceMessage(err), err)
	}

	c.needReboot = true
	c.succeed("Update applied, finalizing")
	return stepDone, nil
}

func (c *Context) deviceMessage(err error) string {
	if msg := c.dev.StatusMessage(); msg != "" {
		return msg
	}
	if err != nil {
		return err.Error()
	}
	return "Update aborted by device"
}
