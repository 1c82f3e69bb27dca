package checksum

import (
	"fmt"
	"hash/crc32"
)

// MismatchError reports a file whose computed CRC32 differs from the
// value declared in its container header.
type MismatchError struct {
	Want uint32
	Got  uint32
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("Invalid CRC, want 0x%08x, got 0x%08x", e.Want, e.Got)
}

// Verifier keeps a running CRC32 (IEEE, as used by ZIP) for one file.
type Verifier struct {
	want uint32
	sum  uint32
}

// New returns a Verifier expecting the declared CRC want.
// A zero want disables the final comparison.
func New(want uint32) *Verifier {
	return &Verifier{want: want}
}

// Reset starts over for a new file.
func (v *Verifier) Reset(want uint32) {
	v.want = want
	v.sum = 0
}

// Update advances the running CRC over p.
func (v *Verifier) Update(p []byte) {
	if len(p) == 0 {
		return
	}
	v.sum = crc32.Update(v.sum, crc32.IEEETable, p)
}

// Sum returns the CRC computed so far.
func (v *Verifier) Sum() uint32 {
	return v.sum
}

// Verify folds tail into the running CRC and compares the result with
// the declared value.
func (v *Verifier) Verify(tail []byte) error {
	v.Update(tail)
	if v.want != 0 && v.want != v.sum {
		return &MismatchError{Want: v.want, Got: v.sum}
	}
	return nil
}

// Checksum computes the CRC32 of p in one go.
func Checksum(p []byte) uint32 {
	return crc32.ChecksumIEEE(p)
}
