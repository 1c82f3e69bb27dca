package updater

import (
	"errors"
	"fmt"
	"io"
)

// DefaultChunkSize is the read size used by Feed and Stream.
const DefaultChunkSize = 4096

// Feed processes r until EOF or until the session finishes, without
// finalizing. progress, if set, is called with the size of every chunk
// read. A read error is returned as is and leaves the session running.
func Feed(c *Context, r io.Reader, chunkSize int, progress func(n int)) (Result, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			if progress != nil {
				progress(n)
			}
			if res := c.Process(buf[:n]); res.Outcome != NeedMore {
				return res, nil
			}
		}
		if errors.Is(err, io.EOF) {
			return needMore(), nil
		}
		if err != nil {
			return needMore(), err
		}
	}
}

// Complete ends a session whose transport delivered everything it had:
// a fully written package is finalized, anything else is aborted.
func Complete(c *Context) Result {
	if c.WriteFinished() {
		return c.Finalize()
	}
	return c.Abort("Update aborted")
}

// Stream feeds r into c and completes the session at EOF. Input left
// over after the session finished is not read.
func Stream(c *Context, r io.Reader, chunkSize int, progress func(n int)) Result {
	res, err := Feed(c, r, chunkSize, progress)
	if err != nil {
		return c.Abort(fmt.Sprintf("Read error: %v", err))
	}
	if res.Outcome != NeedMore {
		return res
	}
	return Complete(c)
}
