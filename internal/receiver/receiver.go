// Package receiver is the device side of the serial OTA link. It decodes
// SLIP frames from the port, feeds OTA_DATA blocks to an update context
// and answers boot-state commands.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bigbag/papyrix-ota/internal/boot"
	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/slip"
	"github.com/bigbag/papyrix-ota/internal/updater"
)

// BootControl is the boot manager as used by the receiver.
type BootControl interface {
	Commit() (bool, error)
	Revert(reboot bool) (bool, error)
	State() (boot.State, error)
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Receiver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRestart sets the hook run after an update or revert that needs a
// reboot.
func WithRestart(restart func()) Option {
	return func(r *Receiver) {
		r.restart = restart
	}
}

// Receiver serves one serial link.
type Receiver struct {
	port    io.ReadWriter
	engine  *updater.Engine
	boot    BootControl
	restart func()
	logger  *slog.Logger
	dec     *slip.Decoder

	session  *updater.Context
	seq      uint32
	received int64

	// last holds the verdict of the most recent update until the next
	// OTA_BEGIN so a late OTA_END can still collect it.
	last       *updater.Result
	lastReboot bool
}

// New creates a Receiver.
func New(port io.ReadWriter, engine *updater.Engine, bc BootControl, opts ...Option) *Receiver {
	r := &Receiver{
		port:   port,
		engine: engine,
		boot:   bc,
		logger: slog.Default(),
		dec:    slip.NewDecoder(0),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Serve handles requests until ctx is cancelled or the port reaches EOF.
// A read that returns no data (a serial read timeout) just loops.
func (r *Receiver) Serve(ctx context.Context) error {
	defer r.drop()

	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		n, err := r.port.Read(buf)
		if n > 0 {
			dropped := r.dec.Dropped()
			for _, frame := range r.dec.Feed(buf[:n]) {
				if werr := r.serveFrame(frame); werr != nil {
					return werr
				}
			}
			if d := r.dec.Dropped(); d > dropped {
				r.logger.Warn("dropped oversize frames", "count", d-dropped)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}

func (r *Receiver) serveFrame(frame []byte) error {
	resp, after := r.handle(frame)
	if _, err := r.port.Write(slip.Encode(resp.Encode())); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if after != nil {
		after()
	}
	return nil
}

// handle executes one request. after, if set, runs once the response has
// been written.
func (r *Receiver) handle(frame []byte) (resp *protocol.Response, after func()) {
	req, err := protocol.DecodeRequest(frame)
	if err != nil {
		var cmd byte
		if len(frame) > 1 {
			cmd = frame[1]
		}
		r.logger.Warn("malformed request", "error", err)
		return protocol.NewErrorResponse(cmd, protocol.ErrInvalidMessage, err.Error()), nil
	}
	if !req.Valid() {
		return protocol.NewErrorResponse(req.Command, protocol.ErrInvalidCRC, ""), nil
	}

	switch req.Command {
	case protocol.CmdSync:
		if !protocol.IsSyncData(req.Data) {
			return protocol.NewErrorResponse(req.Command, protocol.ErrInvalidMessage, ""), nil
		}
		return protocol.NewResponse(req.Command, 0, nil), nil
	case protocol.CmdOTABegin:
		return r.begin(req), nil
	case protocol.CmdOTAData:
		return r.data(req), nil
	case protocol.CmdOTAEnd:
		return r.end(req)
	case protocol.CmdCommit:
		return r.commit(req), nil
	case protocol.CmdRevert:
		return r.revert(req)
	case protocol.CmdGetBootState:
		return r.bootState(req), nil
	default:
		return protocol.NewErrorResponse(req.Command, protocol.ErrUnknownCommand, ""), nil
	}
}

func (r *Receiver) begin(req *protocol.Request) *protocol.Response {
	b, err := protocol.ParseBegin(req.Data)
	if err != nil {
		return protocol.NewErrorResponse(req.Command, protocol.ErrInvalidMessage, err.Error())
	}

	if r.session != nil {
		r.logger.Warn("restarting update", "session", r.session.ID())
		r.session.Abort("Update restarted")
		r.session.Free()
		r.session = nil
	}
	r.last = nil
	r.lastReboot = false

	c, err := r.engine.Create()
	if err != nil {
		return protocol.NewErrorResponse(req.Command, protocol.ErrBusy, err.Error())
	}
	c.SetCommitTimeout(time.Duration(b.CommitTimeout) * time.Second)
	c.SetIgnoreSameVersion(b.IgnoreSameVersion())

	r.session = c
	r.seq = 0
	r.received = 0
	r.logger.Info("serial update started", "session", c.ID(), "size", b.Size,
		"commit_timeout", b.CommitTimeout, "ignore_same_version", b.IgnoreSameVersion())
	return protocol.NewResponse(req.Command, 0, nil)
}

func (r *Receiver) data(req *protocol.Request) *protocol.Response {
	if r.session == nil {
		if r.last != nil {
			// Blocks still in flight after the update finished early.
			return resultResponse(req.Command, *r.last)
		}
		return protocol.NewErrorResponse(req.Command, protocol.ErrNotActive, "")
	}

	seq, block, err := protocol.ParseData(req.Data)
	if err != nil {
		return protocol.NewErrorResponse(req.Command, protocol.ErrInvalidMessage, err.Error())
	}
	if seq != r.seq {
		return protocol.NewErrorResponse(req.Command, protocol.ErrBadSequence,
			fmt.Sprintf("expected block %d, got %d", r.seq, seq))
	}
	r.seq++
	r.received += int64(len(block))

	res := r.session.Process(block)
	if res.Outcome != updater.NeedMore {
		r.finish(res)
	}
	return resultResponse(req.Command, res)
}

func (r *Receiver) end(req *protocol.Request) (*protocol.Response, func()) {
	reboot, err := protocol.ParseEnd(req.Data)
	if err != nil {
		return protocol.NewErrorResponse(req.Command, protocol.ErrInvalidMessage, err.Error()), nil
	}

	if r.session != nil {
		r.finish(updater.Complete(r.session))
	}
	if r.last == nil {
		return protocol.NewErrorResponse(req.Command, protocol.ErrNotActive, ""), nil
	}

	res := *r.last
	var after func()
	if res.OK() && r.lastReboot && reboot && r.restart != nil {
		r.lastReboot = false
		after = func() {
			r.logger.Info("rebooting device")
			r.restart()
		}
	}
	return resultResponse(req.Command, res), after
}

func (r *Receiver) finish(res updater.Result) {
	r.last = &res
	r.lastReboot = r.session.NeedsReboot()
	r.logger.Info("serial update finished", "session", r.session.ID(),
		"received", r.received, "code", res.Code, "message", res.Message)
	r.session.Free()
	r.session = nil
}

// drop releases an unfinished session when the link goes away.
func (r *Receiver) drop() {
	if r.session != nil {
		r.session.Free()
		r.session = nil
	}
}

func (r *Receiver) commit(req *protocol.Request) *protocol.Response {
	ok, err := r.boot.Commit()
	if err != nil {
		return protocol.NewErrorResponse(req.Command, protocol.ErrFailedToAct, err.Error())
	}
	if !ok {
		return protocol.NewErrorResponse(req.Command, protocol.ErrFailedToAct, "Nothing to commit")
	}
	return protocol.NewResponse(req.Command, 0, nil)
}

func (r *Receiver) revert(req *protocol.Request) (*protocol.Response, func()) {
	ok, err := r.boot.Revert(false)
	if err != nil {
		return protocol.NewErrorResponse(req.Command, protocol.ErrFailedToAct, err.Error()), nil
	}
	if !ok {
		return protocol.NewErrorResponse(req.Command, protocol.ErrFailedToAct, "Nothing to revert"), nil
	}
	return protocol.NewResponse(req.Command, 0, nil), r.restart
}

func (r *Receiver) bootState(req *protocol.Request) *protocol.Response {
	st, err := r.boot.State()
	if err != nil {
		return protocol.NewErrorResponse(req.Command, protocol.ErrFailedToAct, err.Error())
	}
	return protocol.NewResponse(req.Command, 0, protocol.BootStateData(protocol.BootState{
		ActiveSlot:    uint32(st.ActiveSlot),
		RevertSlot:    uint32(st.RevertSlot),
		CommitTimeout: uint32(st.CommitTimeout),
		IsCommitted:   st.IsCommitted,
	}))
}

// resultResponse maps an engine result onto the wire: Value carries the
// signed code and Data the message.
func resultResponse(cmd byte, res updater.Result) *protocol.Response {
	code := int32(res.Code)
	if res.Outcome == updater.Failed {
		resp := protocol.NewErrorResponse(cmd, protocol.ErrUpdateFailed, res.Message)
		resp.Value = uint32(code)
		return resp
	}
	return protocol.NewResponse(cmd, uint32(code), []byte(res.Message))
}
