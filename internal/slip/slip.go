// Package slip implements RFC 1055 framing for the serial link.
package slip

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// DefaultMaxFrame bounds a decoded frame. It fits the largest OTA_DATA
// request with room to spare.
const DefaultMaxFrame = 64 * 1024

// Encode wraps data in SLIP framing.
// Adds END byte at start and end, escapes special bytes.
func Encode(data []byte) []byte {
	result := make([]byte, 0, len(data)+10)
	result = append(result, End)

	for _, b := range data {
		switch b {
		case End:
			result = append(result, Esc, EscEnd)
		case Esc:
			result = append(result, Esc, EscEsc)
		default:
			result = append(result, b)
		}
	}

	return append(result, End)
}

// Decode extracts data from a single complete SLIP frame.
func Decode(frame []byte) []byte {
	d := NewDecoder(len(frame))
	frames := d.Feed(frame)
	if len(frames) == 0 {
		return nil
	}
	return frames[0]
}

// Decoder reassembles frames from a byte stream delivered in arbitrary
// pieces. Bytes before the first END are line noise and are dropped;
// empty frames (back-to-back END bytes) are skipped.
type Decoder struct {
	max     int
	synced  bool
	escaped bool
	drop    bool
	buf     []byte
	dropped int
}

// NewDecoder creates a Decoder that discards frames longer than max
// decoded bytes. max <= 0 selects DefaultMaxFrame.
func NewDecoder(max int) *Decoder {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	return &Decoder{max: max}
}

// Feed consumes p and returns the frames it completed, in order. The
// returned slices are owned by the caller.
func (d *Decoder) Feed(p []byte) [][]byte {
	var frames [][]byte
	for _, b := range p {
		if b == End {
			if d.synced && !d.drop && len(d.buf) > 0 {
				frame := make([]byte, len(d.buf))
				copy(frame, d.buf)
				frames = append(frames, frame)
			}
			d.synced = true
			d.reset()
			continue
		}
		if !d.synced || d.drop {
			continue
		}

		if d.escaped {
			d.escaped = false
			switch b {
			case EscEnd:
				b = End
			case EscEsc:
				b = Esc
			}
		} else if b == Esc {
			d.escaped = true
			continue
		}

		if len(d.buf) >= d.max {
			d.drop = true
			d.dropped++
			d.buf = d.buf[:0]
			continue
		}
		d.buf = append(d.buf, b)
	}
	return frames
}

// Pending reports whether a frame is partially received.
func (d *Decoder) Pending() bool {
	return len(d.buf) > 0 || d.escaped
}

// Dropped returns the number of frames discarded for exceeding the limit.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// Reset discards any partial frame and waits for the next END.
func (d *Decoder) Reset() {
	d.synced = false
	d.reset()
}

func (d *Decoder) reset() {
	d.escaped = false
	d.drop = false
	d.buf = d.buf[:0]
}
