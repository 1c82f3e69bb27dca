// Package flasher is the host side of the serial OTA link: it syncs with a
// device receiver and streams an update package to it in sequenced blocks.
package flasher

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/slip"
)

// Port is the serial link as the flasher uses it. *serial.Port
// satisfies it.
type Port interface {
	io.Writer
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Flush() error
}

// ProgressCallback is called to report bytes sent out of total. total is
// zero when the package size is unknown.
type ProgressCallback func(current, total int64)

// Option configures a Flasher.
type Option func(*Flasher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Flasher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithBlockSize sets the OTA_DATA block size.
func WithBlockSize(size int) Option {
	return func(f *Flasher) {
		if size > 0 && size <= protocol.MaxBlockSize {
			f.blockSize = size
		}
	}
}

// WithResponseTimeout sets how long to wait for each response.
func WithResponseTimeout(d time.Duration) Option {
	return func(f *Flasher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// Flasher sends update packages to a device.
type Flasher struct {
	port      Port
	dec       *slip.Decoder
	progress  ProgressCallback
	logger    *slog.Logger
	blockSize int
	timeout   time.Duration
}

// New creates a new Flasher for the given port.
func New(port Port, opts ...Option) *Flasher {
	f := &Flasher{
		port:      port,
		dec:       slip.NewDecoder(0),
		logger:    slog.Default(),
		blockSize: protocol.DefaultBlockSize,
		timeout:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
}

func (f *Flasher) reportProgress(current, total int64) {
	if f.progress != nil {
		f.progress(current, total)
	}
}

// Connect synchronizes with the receiver.
func (f *Flasher) Connect() error {
	req := protocol.NewRequest(protocol.CmdSync, protocol.SyncData())

	for attempt := 0; attempt < 10; attempt++ {
		f.port.Flush()
		f.dec.Reset()

		resp, err := f.roundTrip(req, 500*time.Millisecond)
		if err != nil {
			f.logger.Debug("sync attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		if resp.IsSuccess() {
			return nil
		}
	}

	return fmt.Errorf("sync failed after 10 attempts")
}

// SendOptions control a package transfer.
type SendOptions struct {
	// CommitTimeout is persisted by the device; zero commits on first boot.
	CommitTimeout time.Duration
	// IgnoreSameVersion skips a package matching the running build.
	IgnoreSameVersion bool
	// Reboot restarts the device into the new slot after a successful
	// install.
	Reboot bool
}

// Result is the device's verdict on an update.
type Result struct {
	Code    int
	Message string
}

// OK reports a successful update.
func (r Result) OK() bool {
	return r.Code > 0
}

// Send streams a package of size bytes from r. size may be zero when
// unknown. A package the device rejects yields the device's result
// together with a *protocol.StatusError.
func (f *Flasher) Send(r io.Reader, size int64, opts SendOptions) (Result, error) {
	begin := protocol.Begin{
		CommitTimeout: uint32(opts.CommitTimeout / time.Second),
	}
	if size > 0 && size <= int64(^uint32(0)) {
		begin.Size = uint32(size)
	}
	if opts.IgnoreSameVersion {
		begin.Flags |= protocol.FlagIgnoreSameVersion
	}
	if _, err := f.sendCommand(protocol.NewRequest(protocol.CmdOTABegin, protocol.BeginData(begin))); err != nil {
		return failure(err)
	}

	block := make([]byte, f.blockSize)
	var sent int64
	for seq := uint32(0); ; seq++ {
		n, rerr := io.ReadFull(r, block)
		if n > 0 {
			req := protocol.NewRequest(protocol.CmdOTAData, protocol.DataData(block[:n], seq))
			resp, err := f.sendCommand(req)
			if err != nil {
				return failure(fmt.Errorf("data block %d: %w", seq, err))
			}
			sent += int64(n)
			f.reportProgress(sent, size)

			if resp.Code() != 0 {
				// The device finished early, e.g. the same version is
				// already installed.
				f.logger.Debug("device finished before end of package", "seq", seq, "code", resp.Code())
				break
			}
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return Result{Code: -1, Message: "Read error: " + rerr.Error()}, rerr
		}
	}

	resp, err := f.sendCommand(protocol.NewRequest(protocol.CmdOTAEnd, protocol.EndData(opts.Reboot)))
	if err != nil {
		return failure(err)
	}
	return Result{Code: resp.Code(), Message: string(resp.Data)}, nil
}

func failure(err error) (Result, error) {
	var se *protocol.StatusError
	if errors.As(err, &se) && se.Result < 0 {
		return Result{Code: se.Result, Message: se.Message}, err
	}
	return Result{Code: -1, Message: err.Error()}, err
}

// Commit confirms the running firmware.
func (f *Flasher) Commit() error {
	_, err := f.sendCommand(protocol.NewRequest(protocol.CmdCommit, nil))
	return err
}

// Revert switches the device back to the previous slot; it reboots.
func (f *Flasher) Revert() error {
	_, err := f.sendCommand(protocol.NewRequest(protocol.CmdRevert, nil))
	return err
}

// BootState reads the device boot state.
func (f *Flasher) BootState() (protocol.BootState, error) {
	resp, err := f.sendCommand(protocol.NewRequest(protocol.CmdGetBootState, nil))
	if err != nil {
		return protocol.BootState{}, err
	}
	return protocol.ParseBootState(resp.Data)
}

// sendCommand sends a command and waits for a successful response.
func (f *Flasher) sendCommand(req *protocol.Request) (*protocol.Response, error) {
	resp, err := f.roundTrip(req, f.timeout)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return resp, err
	}
	return resp, nil
}

func (f *Flasher) roundTrip(req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	if _, err := f.port.Write(slip.Encode(req.Encode())); err != nil {
		return nil, err
	}
	return f.readResponse(req.Command, timeout)
}

// readResponse waits for the response to cmd, skipping stale frames.
func (f *Flasher) readResponse(cmd byte, timeout time.Duration) (*protocol.Response, error) {
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 256)

	for time.Now().Before(deadline) {
		n, err := f.port.ReadWithTimeout(chunk, 100*time.Millisecond)
		if err != nil && n == 0 {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil, err
			}
			continue
		}

		for _, frame := range f.dec.Feed(chunk[:n]) {
			resp, err := protocol.DecodeResponse(frame)
			if err != nil {
				f.logger.Debug("ignoring bad frame", "error", err)
				continue
			}
			if resp.Command != cmd {
				f.logger.Debug("ignoring stale response", "command", protocol.CommandName(resp.Command))
				continue
			}
			return resp, nil
		}
	}

	return nil, fmt.Errorf("timeout waiting for %s response", protocol.CommandName(cmd))
}
