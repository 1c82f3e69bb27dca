package updater

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/papyrix-ota/internal/checksum"
	"github.com/bigbag/papyrix-ota/internal/hal"
	"github.com/bigbag/papyrix-ota/internal/manifest"
	"github.com/bigbag/papyrix-ota/internal/zipstream"
)

const scenarioManifest = `{"platform":"X","version":"1.0","build_id":"b1","parts":{"fw":{"src":"fw.bin"}}}`

// fakeDevice writes the files named in the manifest parts into memory.
type fakeDevice struct {
	blockSize int

	parts     manifest.Parts
	begun     int
	fileBegin []string
	files     map[string]*bytes.Buffer
	finalized int
	closed    int

	beginErr    error
	dataErr     error
	finalizeErr error
}

func (d *fakeDevice) Begin(m *manifest.Manifest) error {
	d.begun++
	if d.beginErr != nil {
		return d.beginErr
	}
	parts, err := m.DecodeParts()
	if err != nil {
		return err
	}
	d.parts = parts
	return nil
}

func (d *fakeDevice) FileBegin(fi hal.FileInfo) (hal.FileAction, error) {
	d.fileBegin = append(d.fileBegin, fi.Name)
	if _, _, ok := d.parts.BySrc(fi.Name); !ok {
		return hal.ActionSkip, nil
	}
	if d.files == nil {
		d.files = map[string]*bytes.Buffer{}
	}
	d.files[fi.Name] = &bytes.Buffer{}
	return hal.ActionProcess, nil
}

func (d *fakeDevice) FileData(fi hal.FileInfo, chunk []byte) (int, error) {
	if d.dataErr != nil {
		return 0, d.dataErr
	}
	n := len(chunk)
	if d.blockSize > 0 {
		n -= n % d.blockSize
	}
	d.files[fi.Name].Write(chunk[:n])
	return n, nil
}

func (d *fakeDevice) FileEnd(fi hal.FileInfo, tail []byte) (int, error) {
	d.files[fi.Name].Write(tail)
	return len(tail), nil
}

func (d *fakeDevice) Finalize() error {
	d.finalized++
	return d.finalizeErr
}

func (d *fakeDevice) StatusMessage() string {
	return ""
}

func (d *fakeDevice) Close() error {
	d.closed++
	return nil
}

func (d *fakeDevice) written(name string) []byte {
	if b, ok := d.files[name]; ok {
		return b.Bytes()
	}
	return nil
}

type fakeBoot struct {
	committed     bool
	commitTimeout time.Duration
	err           error
}

func (b *fakeBoot) IsCommitted() bool {
	return b.committed
}

func (b *fakeBoot) SetCommitTimeout(d time.Duration) error {
	if b.err != nil {
		return b.err
	}
	b.commitTimeout = d
	return nil
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type fakeClock struct {
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

type entry struct {
	name       string
	data       []byte
	crc        *uint32
	descriptor bool
}

func buildPackage(entries ...entry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		crc := checksum.Checksum(e.data)
		if e.crc != nil {
			crc = *e.crc
		}
		var flags uint16
		if e.descriptor {
			flags |= zipstream.FlagDataDescriptor
		}
		buf.Write(zipstream.EncodeLocalHeader(e.name, flags, crc, uint32(len(e.data))))
		buf.Write(e.data)
		if e.descriptor {
			var desc [zipstream.DataDescriptorSize]byte
			binary.LittleEndian.PutUint32(desc[0:], crc)
			binary.LittleEndian.PutUint32(desc[4:], uint32(len(e.data)))
			binary.LittleEndian.PutUint32(desc[8:], uint32(len(e.data)))
			buf.Write(desc[:])
		}
	}
	var cdir [4]byte
	binary.LittleEndian.PutUint32(cdir[:], zipstream.CentralDirectorySignature)
	buf.Write(cdir[:])
	buf.WriteString("trailing central directory bytes")
	return buf.Bytes()
}

func firmwareData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

func scenarioPackage() []byte {
	return buildPackage(
		entry{name: "manifest.json", data: []byte(scenarioManifest)},
		entry{name: "fw.bin", data: firmwareData(1024)},
	)
}

type harness struct {
	engine *Engine
	dev    *fakeDevice
	boot   *fakeBoot
	clock  *fakeClock
	events []Event
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		dev:   &fakeDevice{},
		boot:  &fakeBoot{committed: true},
		clock: &fakeClock{},
	}
	base := []Option{
		WithFirmware(manifest.Firmware{Platform: "x", Version: "0.9", BuildID: "b0"}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAfterFunc(h.clock.AfterFunc),
		WithEventCallback(func(ev Event) bool {
			h.events = append(h.events, ev)
			return true
		}),
	}
	h.engine = New(func() (hal.Device, error) { return h.dev, nil }, h.boot, append(base, opts...)...)
	return h
}

func feed(c *Context, data []byte, sizes ...int) Result {
	res := needMore()
	i := 0
	for len(data) > 0 {
		n := len(data)
		if len(sizes) > 0 {
			n = min(sizes[i%len(sizes)], len(data))
			i++
		}
		res = c.Process(data[:n])
		data = data[n:]
		if res.Outcome != NeedMore {
			return res
		}
	}
	return c.Finalize()
}

func TestScenarioA_HappyPath(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	res := feed(c, scenarioPackage())

	assert.True(t, res.OK(), res.Message)
	assert.Equal(t, 1, res.Code)
	assert.Equal(t, "Update applied, finalizing", res.Message)
	assert.True(t, c.NeedsReboot())
	assert.Equal(t, StateFinished, c.State())
	require.NotNil(t, c.Manifest())
	assert.Equal(t, "1.0", c.Manifest().Version)
	assert.Equal(t, []string{"fw.bin"}, h.dev.fileBegin)
	assert.Equal(t, firmwareData(1024), h.dev.written("fw.bin"))
	assert.Equal(t, 1, h.dev.finalized)
}

func TestScenarioB_CompressedFileRejected(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	pkg := scenarioPackage()
	// method field of the second local header
	second := zipstream.LocalHeaderSize + len("manifest.json") + len(scenarioManifest)
	binary.LittleEndian.PutUint16(pkg[second+8:], 8)

	res := feed(c, pkg)

	assert.Equal(t, Failed, res.Outcome)
	assert.True(t, errors.Is(res.Err, ErrMalformedContainer))
	assert.Contains(t, res.Message, "File is compressed")
	assert.Empty(t, h.dev.fileBegin)
	assert.Zero(t, h.dev.finalized)
}

func TestScenarioC_Truncated(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	pkg := buildPackage(
		entry{name: "manifest.json", data: []byte(scenarioManifest)},
		entry{name: "fw.bin", data: firmwareData(1024)},
	)
	cut := zipstream.LocalHeaderSize*2 + len("manifest.json") + len(scenarioManifest) + len("fw.bin") + 1000

	res := c.Process(pkg[:cut])
	require.Equal(t, NeedMore, res.Outcome)

	res = c.Finalize()
	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, "Not all data was processed", res.Message)
	assert.Zero(t, h.dev.finalized)
	assert.False(t, c.NeedsReboot())
}

func TestChunkSizeInvariance(t *testing.T) {
	pkg := buildPackage(
		entry{name: "manifest.json", data: []byte(`{"platform":"X","version":"1.0","build_id":"b1","parts":{"fw":{"src":"fw.bin"},"fs":{"src":"fs.img"}}}`)},
		entry{name: "fw.bin", data: firmwareData(3000)},
		entry{name: "notes.txt", data: []byte("not part of the update"), descriptor: true},
		entry{name: "fs.img", data: firmwareData(777), descriptor: true},
	)

	splits := [][]int{
		nil,
		{1},
		{3, 7, 11},
		{29, 31},
		{64},
		{4096},
	}
	for _, blockSize := range []int{0, 128} {
		for _, sizes := range splits {
			h := newHarness(t)
			h.dev.blockSize = blockSize
			c, err := h.engine.Create()
			require.NoError(t, err)

			res := feed(c, pkg, sizes...)
			assert.True(t, res.OK(), "split %v block %d: %s", sizes, blockSize, res.Message)
			assert.Equal(t, firmwareData(3000), h.dev.written("fw.bin"), "split %v", sizes)
			assert.Equal(t, firmwareData(777), h.dev.written("fs.img"), "split %v", sizes)
			assert.Nil(t, h.dev.written("notes.txt"))
			assert.Equal(t, []string{"fw.bin", "notes.txt", "fs.img"}, h.dev.fileBegin)
			c.Free()
		}
	}
}

func TestChecksumMismatch(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	pkg := scenarioPackage()
	second := zipstream.LocalHeaderSize + len("manifest.json") + len(scenarioManifest)
	pkg[second+zipstream.LocalHeaderSize+len("fw.bin")+500] ^= 0xFF

	res := feed(c, pkg, 100)

	assert.Equal(t, Failed, res.Outcome)
	assert.True(t, errors.Is(res.Err, ErrChecksumMismatch))
	assert.Equal(t, "Invalid CRC", res.Message)
	var mismatch *checksum.MismatchError
	assert.True(t, errors.As(res.Err, &mismatch))
	assert.Zero(t, h.dev.finalized)
	assert.False(t, c.NeedsReboot())
}

func TestZeroCRCSkipsCheck(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	zero := uint32(0)
	res := feed(c, buildPackage(
		entry{name: "manifest.json", data: []byte(scenarioManifest)},
		entry{name: "fw.bin", data: firmwareData(64), crc: &zero},
	))
	assert.True(t, res.OK(), res.Message)
}

func TestConcurrencyGuard(t *testing.T) {
	h := newHarness(t)
	first, err := h.engine.Create()
	require.NoError(t, err)

	second, err := h.engine.Create()
	assert.Nil(t, second)
	assert.True(t, errors.Is(err, ErrConcurrentUpdate))
	assert.True(t, h.engine.Busy())

	first.Free()
	assert.False(t, h.engine.Busy())

	third, err := h.engine.Create()
	require.NoError(t, err)
	third.Free()
}

func TestCreateRejectsUncommittedFirmware(t *testing.T) {
	h := newHarness(t)
	h.boot.committed = false

	c, err := h.engine.Create()
	assert.Nil(t, c)
	assert.True(t, errors.Is(err, ErrConcurrentUpdate))
}

func TestSameVersionShortCircuit(t *testing.T) {
	h := newHarness(t, WithFirmware(manifest.Firmware{Platform: "X", Version: "1.0", BuildID: "b1"}))
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()
	c.SetIgnoreSameVersion(true)

	res := feed(c, scenarioPackage())

	assert.True(t, res.OK())
	assert.Equal(t, "Version is the same as current", res.Message)
	assert.False(t, c.NeedsReboot())
	assert.Zero(t, h.dev.begun)
	assert.Empty(t, h.dev.files)
	assert.Zero(t, h.dev.finalized)
}

func TestSameVersionWithoutIgnoreInstalls(t *testing.T) {
	h := newHarness(t, WithFirmware(manifest.Firmware{Platform: "X", Version: "1.0", BuildID: "b1"}))
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	res := feed(c, scenarioPackage())
	assert.True(t, res.OK())
	assert.True(t, c.NeedsReboot())
}

func TestPlatformMismatch(t *testing.T) {
	h := newHarness(t, WithFirmware(manifest.Firmware{Platform: "Y", Version: "0.9", BuildID: "b0"}))
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	res := feed(c, scenarioPackage())

	assert.Equal(t, Failed, res.Outcome)
	assert.True(t, errors.Is(res.Err, ErrManifest))
	var mismatch *manifest.PlatformMismatchError
	assert.True(t, errors.As(res.Err, &mismatch))
	assert.Zero(t, h.dev.begun)
	assert.Empty(t, h.dev.fileBegin)
}

func TestManifestMustComeFirst(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	res := feed(c, buildPackage(entry{name: "fw.bin", data: firmwareData(16)}))

	assert.True(t, errors.Is(res.Err, ErrManifest))
	assert.Contains(t, res.Message, "manifest.json")
}

func TestManifestTooLarge(t *testing.T) {
	h := newHarness(t, WithMaxManifestSize(16))
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	res := feed(c, scenarioPackage())
	assert.True(t, errors.Is(res.Err, ErrMalformedContainer))
}

func TestManifestInDirectory(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	res := feed(c, buildPackage(
		entry{name: "pkg/manifest.json", data: []byte(scenarioManifest)},
		entry{name: "pkg/fw.bin", data: firmwareData(32)},
	))
	assert.True(t, res.OK(), res.Message)
	assert.Equal(t, firmwareData(32), h.dev.written("fw.bin"))
}

func TestManifestWithDescriptor(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	res := feed(c, buildPackage(
		entry{name: "manifest.json", data: []byte(scenarioManifest), descriptor: true},
		entry{name: "fw.bin", data: firmwareData(100), descriptor: true},
	), 5)
	assert.True(t, res.OK(), res.Message)
	assert.Equal(t, firmwareData(100), h.dev.written("fw.bin"))
}

func TestEventDeclineOnInit(t *testing.T) {
	h := newHarness(t, WithEventCallback(func(ev Event) bool {
		return ev.Type != EventInit
	}))

	c, err := h.engine.Create()
	assert.Nil(t, c)
	assert.True(t, errors.Is(err, ErrDeclined))
	var uerr *Error
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, CodeDeclined, uerr.Code)
	assert.False(t, h.engine.Busy())
}

func TestEventDeclineOnBegin(t *testing.T) {
	h := newHarness(t, WithEventCallback(func(ev Event) bool {
		return ev.Type != EventBegin
	}))
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	res := feed(c, scenarioPackage())
	assert.Equal(t, CodeDeclined, res.Code)
	assert.Equal(t, "Update declined by user callback", res.Message)
	assert.Zero(t, h.dev.begun)
}

func TestEventsSequence(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	feed(c, scenarioPackage(), 256)

	require.NotEmpty(t, h.events)
	assert.Equal(t, EventInit, h.events[0].Type)
	assert.Equal(t, EventBegin, h.events[1].Type)
	last := h.events[len(h.events)-1]
	assert.Equal(t, EventEnd, last.Type)
	assert.True(t, last.Result.OK())

	var progress uint32
	for _, ev := range h.events {
		if ev.Type == EventProgress {
			assert.GreaterOrEqual(t, ev.File.Processed, progress)
			progress = ev.File.Processed
		}
	}
	assert.Equal(t, uint32(1024), progress)
}

func TestResultCallbackOnce(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	var calls []Result
	c.SetResultCallback(func(r Result) { calls = append(calls, r) })

	feed(c, scenarioPackage())
	c.Finalize()
	c.Abort("late")

	require.Len(t, calls, 1)
	assert.True(t, calls[0].OK())
}

func TestCommitTimeoutPersisted(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()
	c.SetCommitTimeout(90 * time.Second)

	res := feed(c, scenarioPackage())
	require.True(t, res.OK())
	assert.Equal(t, 90*time.Second, h.boot.commitTimeout)
}

func TestCommitTimeoutSaveFailure(t *testing.T) {
	h := newHarness(t)
	h.boot.err = errors.New("disk full")
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()
	c.SetCommitTimeout(time.Minute)

	res := feed(c, scenarioPackage())
	assert.True(t, errors.Is(res.Err, ErrHalFinalize))
	assert.Equal(t, "Cannot save update status", res.Message)
	assert.Zero(t, h.dev.finalized)
}

func TestFinalizeFailure(t *testing.T) {
	h := newHarness(t)
	h.dev.finalizeErr = errors.New("flip failed")
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	res := feed(c, scenarioPackage())
	assert.True(t, errors.Is(res.Err, ErrHalFinalize))
	assert.False(t, c.NeedsReboot())
}

func TestWriteFailure(t *testing.T) {
	h := newHarness(t)
	h.dev.dataErr = errors.New("flash write failed")
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	res := feed(c, scenarioPackage())
	assert.True(t, errors.Is(res.Err, ErrHalWrite))
	assert.Equal(t, "flash write failed", res.Message)
}

type closeRecorder struct{ closed int }

func (r *closeRecorder) Close() error {
	r.closed++
	return nil
}

func TestWatchdogExpires(t *testing.T) {
	h := newHarness(t, WithTimeout(time.Minute))
	c, err := h.engine.Create()
	require.NoError(t, err)
	conn := &closeRecorder{}
	c.AttachConn(conn)

	require.Len(t, h.clock.timers, 1)
	assert.Equal(t, time.Minute, h.clock.timers[0].d)

	pkg := scenarioPackage()
	require.Equal(t, NeedMore, c.Process(pkg[:100]).Outcome)

	h.clock.timers[0].f()
	assert.Equal(t, 1, conn.closed)
	assert.False(t, h.engine.Busy())

	next, err := h.engine.Create()
	require.NoError(t, err)
	defer next.Free()

	res := c.Process(pkg[100:])
	assert.True(t, errors.Is(res.Err, ErrTimeout))
	assert.Equal(t, "Update timed out", res.Message)

	c.Free()
	assert.Same(t, next, h.engine.Active())
}

func TestFreeNonTerminal(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.Create()
	require.NoError(t, err)

	c.Process(scenarioPackage()[:200])
	c.Free()
	c.Free()

	assert.Equal(t, 1, h.dev.closed)
	assert.True(t, h.clock.timers[0].stopped)
	assert.False(t, h.engine.Busy())
	assert.Zero(t, h.dev.finalized)

	res := c.Process([]byte{1})
	assert.True(t, errors.Is(res.Err, ErrAborted))
}

func TestAbort(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	c.Process(scenarioPackage()[:50])
	res := c.Abort("")
	assert.True(t, errors.Is(res.Err, ErrAborted))
	assert.Equal(t, "Update aborted", res.Message)
	assert.True(t, c.Finished())
}

type failingReader struct {
	r   io.Reader
	err error
}

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err == io.EOF {
		return n, f.err
	}
	return n, err
}

func TestStream(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	var total int
	res := Stream(c, bytes.NewReader(scenarioPackage()), 333, func(n int) { total += n })
	assert.True(t, res.OK(), res.Message)
	assert.Equal(t, len(scenarioPackage()), total)
}

func TestStreamReadError(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	r := &failingReader{r: bytes.NewReader(scenarioPackage()[:300]), err: errors.New("connection reset")}
	res := Stream(c, r, 0, nil)
	assert.True(t, errors.Is(res.Err, ErrAborted))
	assert.True(t, strings.Contains(res.Message, "connection reset"))
}

func TestStreamTruncatedIsAborted(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	res := Stream(c, bytes.NewReader(scenarioPackage()[:500]), 64, nil)
	assert.True(t, errors.Is(res.Err, ErrAborted))
	assert.Equal(t, "Update aborted", res.Message)
	assert.Zero(t, h.dev.finalized)
}

func TestFeedStopsAtEOF(t *testing.T) {
	h := newHarness(t)
	c, err := h.engine.Create()
	require.NoError(t, err)
	defer c.Free()

	res, err := Feed(c, bytes.NewReader(scenarioPackage()), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, NeedMore, res.Outcome)
	assert.True(t, c.WriteFinished())

	c.SetCommitTimeout(time.Minute)
	res = Complete(c)
	assert.True(t, res.OK())
	assert.Equal(t, time.Minute, h.boot.commitTimeout)
}
