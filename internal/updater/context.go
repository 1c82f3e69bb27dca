package updater

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bigbag/papyrix-ota/internal/checksum"
	"github.com/bigbag/papyrix-ota/internal/hal"
	"github.com/bigbag/papyrix-ota/internal/manifest"
)

// Context is one update session. Feed it the package bytes with Process,
// call Finalize once the input ends, and Free it when done.
//
// Callbacks (the result callback and the event callback) run with the
// context locked and must not call back into it.
type Context struct {
	id     string
	engine *Engine
	dev    hal.Device
	logger *slog.Logger

	mu                sync.Mutex
	state             State
	buf               bytes.Buffer
	manifest          *manifest.Manifest
	file              hal.FileInfo
	crc               *checksum.Verifier
	hasDescriptor     bool
	ignoreSameVersion bool
	commitTimeout     time.Duration
	needReboot        bool
	result            Result
	onResult          func(Result)
	wdt               Timer
	freed             bool

	connMu sync.Mutex
	conn   io.Closer

	expired atomic.Bool
}

func newContext(e *Engine, dev hal.Device) *Context {
	id := uuid.NewString()
	return &Context{
		id:     id,
		engine: e,
		dev:    dev,
		crc:    checksum.New(0),
		logger: e.config.Logger.With("session", id),
	}
}

// ID returns the session identifier.
func (c *Context) ID() string {
	return c.id
}

// SetIgnoreSameVersion makes the session finish successfully without
// writing anything when the package carries the running version.
func (c *Context) SetIgnoreSameVersion(ignore bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ignoreSameVersion = ignore
}

// SetCommitTimeout sets how long the new firmware has to be committed
// after its first boot. Zero commits it automatically.
func (c *Context) SetCommitTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.commitTimeout = d
}

// SetResultCallback registers fn to be called once with the final result.
func (c *Context) SetResultCallback(fn func(Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResult = fn
}

// AttachConn registers the transport connection feeding this session.
// The watchdog closes it when the session times out.
func (c *Context) AttachConn(conn io.Closer) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn = conn
}

// State returns the current state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Manifest returns the parsed manifest, or nil before it arrived.
func (c *Context) Manifest() *manifest.Manifest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manifest
}

// File returns the file being processed.
func (c *Context) File() hal.FileInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file
}

// Result returns the latest result.
func (c *Context) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateFinished {
		return needMore()
	}
	return c.result
}

// NeedsReboot reports whether a new firmware was installed and the
// device should restart into it.
func (c *Context) NeedsReboot() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needReboot
}

// WriteFinished reports whether every file of the package was consumed.
func (c *Context) WriteFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateWriteFinished
}

// Finished reports whether the session reached a final result.
func (c *Context) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateFinished
}

// Process consumes the next chunk of the package.
func (c *Context) Process(data []byte) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return failed(newError(KindAborted, "Update context released", nil))
	}
	return c.process(data)
}

// Finalize applies the update once all input was delivered. Calling it
// before the whole package was consumed fails the session.
func (c *Context) Finalize() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return failed(newError(KindAborted, "Update context released", nil))
	}

	switch c.state {
	case StateFinished:
		return c.result
	case StateWriteFinished:
		c.setState(StateFinalize)
		return c.process(nil)
	default:
		if c.expired.Load() {
			c.fail(newError(KindTimeout, "Update timed out", nil))
			return c.result
		}
		c.fail(newError(KindMalformedContainer, "Not all data was processed", nil))
		return c.result
	}
}

// Abort ends the session with a failure unless it already finished.
func (c *Context) Abort(msg string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateFinished {
		if c.expired.Load() {
			c.fail(newError(KindTimeout, "Update timed out", nil))
			return c.result
		}
		if msg == "" {
			msg = "Update aborted"
		}
		c.fail(newError(KindAborted, msg, nil))
	}
	return c.result
}

// Free releases the session. It is safe to call more than once.
func (c *Context) Free() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return
	}
	c.freed = true

	if c.state != StateFinished {
		c.logger.Error("update terminated unexpectedly", "state", c.state.String())
	}
	if c.wdt != nil {
		c.wdt.Stop()
	}
	if err := c.dev.Close(); err != nil {
		c.logger.Warn("failed to close device", "error", err)
	}
	c.buf = bytes.Buffer{}
	c.engine.release(c)
}

func (c *Context) expire() {
	if !c.engine.release(c) {
		return
	}
	c.expired.Store(true)
	c.logger.Error("update timed out")

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug("failed to close connection", "error", err)
		}
	}
}

func (c *Context) process(data []byte) Result {
	if c.state == StateFinished {
		return c.result
	}
	if c.expired.Load() {
		c.fail(newError(KindTimeout, "Update timed out", nil))
		return c.result
	}

	c.buf.Write(data)
	for {
		next, err := c.step()
		if err != nil {
			c.fail(err)
			return c.result
		}
		switch next {
		case stepNeedMore:
			return needMore()
		case stepDone:
			return c.result
		}
	}
}

func (c *Context) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("update state", "from", c.state.String(), "to", s.String())
	c.state = s
}

func (c *Context) fail(err *Error) {
	c.logger.Error("update failed", "kind", err.Kind.String(), "code", err.Code, "error", err)
	c.result = failed(err)
	c.finish()
}

func (c *Context) succeed(msg string) {
	c.result = succeeded(msg)
	c.finish()
}

func (c *Context) finish() {
	c.setState(StateFinished)
	c.buf.Reset()
	c.logger.Info("update finished", "code", c.result.Code, "message", c.result.Message)

	if cb := c.onResult; cb != nil {
		c.onResult = nil
		cb(c.result)
	}
	c.emit(Event{Type: EventEnd, Manifest: c.manifest, Result: c.result})
}

func (c *Context) emit(ev Event) bool {
	cb := c.engine.config.OnEvent
	if cb == nil {
		return true
	}
	return cb(ev)
}
