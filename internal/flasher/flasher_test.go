package flasher

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/slip"
)

// scriptedPort decodes each written request, records it and queues the
// frames returned by reply.
type scriptedPort struct {
	reply    func(req *protocol.Request) []*protocol.Response
	requests []*protocol.Request
	pending  []byte
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	req, err := protocol.DecodeRequest(slip.Decode(b))
	if err != nil {
		return 0, err
	}
	p.requests = append(p.requests, req)
	for _, resp := range p.reply(req) {
		p.pending = append(p.pending, slip.Encode(resp.Encode())...)
	}
	return len(b), nil
}

func (p *scriptedPort) ReadWithTimeout(buf []byte, _ time.Duration) (int, error) {
	n := copy(buf, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *scriptedPort) Flush() error {
	p.pending = nil
	return nil
}

func (p *scriptedPort) commands() []byte {
	var cmds []byte
	for _, r := range p.requests {
		cmds = append(cmds, r.Command)
	}
	return cmds
}

func one(resp *protocol.Response) []*protocol.Response {
	return []*protocol.Response{resp}
}

func newFlasher(port Port, opts ...Option) *Flasher {
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithResponseTimeout(200 * time.Millisecond),
	}, opts...)
	return New(port, opts...)
}

func TestSend_Blocks(t *testing.T) {
	port := &scriptedPort{reply: func(req *protocol.Request) []*protocol.Response {
		if req.Command == protocol.CmdOTAEnd {
			return one(protocol.NewResponse(req.Command, 1, []byte("Update applied, finalizing")))
		}
		return one(protocol.NewResponse(req.Command, 0, nil))
	}}
	f := newFlasher(port, WithBlockSize(512))

	var last, total int64
	f.SetProgressCallback(func(current, t int64) { last, total = current, t })

	pkg := bytes.Repeat([]byte{0xA5}, 1300)
	res, err := f.Send(bytes.NewReader(pkg), int64(len(pkg)), SendOptions{
		CommitTimeout:     45 * time.Second,
		IgnoreSameVersion: true,
		Reboot:            true,
	})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "Update applied, finalizing", res.Message)
	assert.Equal(t, int64(1300), last)
	assert.Equal(t, int64(1300), total)

	assert.Equal(t, []byte{
		protocol.CmdOTABegin, protocol.CmdOTAData, protocol.CmdOTAData,
		protocol.CmdOTAData, protocol.CmdOTAEnd,
	}, port.commands())

	begin, err := protocol.ParseBegin(port.requests[0].Data)
	require.NoError(t, err)
	assert.Equal(t, uint32(1300), begin.Size)
	assert.Equal(t, uint32(45), begin.CommitTimeout)
	assert.True(t, begin.IgnoreSameVersion())

	var got []byte
	for i, req := range port.requests[1:4] {
		seq, block, err := protocol.ParseData(req.Data)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), seq)
		got = append(got, block...)
	}
	assert.Equal(t, pkg, got)
	assert.Len(t, port.requests[3].Data, 16+276)

	reboot, err := protocol.ParseEnd(port.requests[4].Data)
	require.NoError(t, err)
	assert.True(t, reboot)
}

func TestSend_StopsWhenDeviceFinishes(t *testing.T) {
	const msg = "Version is the same as current"
	port := &scriptedPort{reply: func(req *protocol.Request) []*protocol.Response {
		switch req.Command {
		case protocol.CmdOTAData, protocol.CmdOTAEnd:
			return one(protocol.NewResponse(req.Command, 1, []byte(msg)))
		}
		return one(protocol.NewResponse(req.Command, 0, nil))
	}}
	f := newFlasher(port, WithBlockSize(256))

	res, err := f.Send(bytes.NewReader(make([]byte, 4096)), 4096, SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, Result{Code: 1, Message: msg}, res)
	assert.Equal(t, []byte{protocol.CmdOTABegin, protocol.CmdOTAData, protocol.CmdOTAEnd}, port.commands())

	reboot, err := protocol.ParseEnd(port.requests[2].Data)
	require.NoError(t, err)
	assert.False(t, reboot)
}

func TestSend_BeginRejected(t *testing.T) {
	port := &scriptedPort{reply: func(req *protocol.Request) []*protocol.Response {
		return one(protocol.NewErrorResponse(req.Command, protocol.ErrBusy, "Update already in progress"))
	}}
	f := newFlasher(port)

	res, err := f.Send(bytes.NewReader([]byte("pkg")), 3, SendOptions{})
	require.Error(t, err)
	assert.True(t, protocol.IsCode(err, protocol.ErrBusy))
	assert.Equal(t, -1, res.Code)
	assert.Len(t, port.requests, 1)
}

func TestSend_UpdateFailed(t *testing.T) {
	port := &scriptedPort{reply: func(req *protocol.Request) []*protocol.Response {
		if req.Command == protocol.CmdOTAData {
			resp := protocol.NewErrorResponse(req.Command, protocol.ErrUpdateFailed, "Malformed archive")
			code := int32(-3)
			resp.Value = uint32(code)
			return one(resp)
		}
		return one(protocol.NewResponse(req.Command, 0, nil))
	}}
	f := newFlasher(port)

	res, err := f.Send(bytes.NewReader([]byte("not a zip")), 9, SendOptions{})
	require.Error(t, err)
	assert.True(t, protocol.IsCode(err, protocol.ErrUpdateFailed))
	assert.Equal(t, Result{Code: -3, Message: "Malformed archive"}, res)
	assert.Equal(t, []byte{protocol.CmdOTABegin, protocol.CmdOTAData}, port.commands())
}

func TestReadResponse_SkipsStaleFrames(t *testing.T) {
	want := protocol.BootState{ActiveSlot: 1, RevertSlot: 0, IsCommitted: true}
	port := &scriptedPort{reply: func(req *protocol.Request) []*protocol.Response {
		return []*protocol.Response{
			protocol.NewResponse(protocol.CmdSync, 0, nil),
			protocol.NewResponse(req.Command, 0, protocol.BootStateData(want)),
		}
	}}
	f := newFlasher(port)

	st, err := f.BootState()
	require.NoError(t, err)
	assert.Equal(t, want, st)
}

func TestReadResponse_Timeout(t *testing.T) {
	port := &scriptedPort{reply: func(*protocol.Request) []*protocol.Response { return nil }}
	f := newFlasher(port, WithResponseTimeout(50*time.Millisecond))

	err := f.Commit()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout waiting for")
}

func TestCommitRevert(t *testing.T) {
	port := &scriptedPort{reply: func(req *protocol.Request) []*protocol.Response {
		if req.Command == protocol.CmdCommit {
			return one(protocol.NewErrorResponse(req.Command, protocol.ErrFailedToAct, "Nothing to commit"))
		}
		return one(protocol.NewResponse(req.Command, 0, nil))
	}}
	f := newFlasher(port)

	err := f.Commit()
	require.Error(t, err)
	assert.True(t, protocol.IsCode(err, protocol.ErrFailedToAct))
	assert.Contains(t, err.Error(), "Nothing to commit")

	require.NoError(t, f.Revert())
}
