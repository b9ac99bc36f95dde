package wire

import (
	"encoding/binary"
	"io"

	pkgerrors "github.com/diatomic/LowFive/pkg/errors"
)

// MaxFrameSize bounds a single length-prefixed frame.
const MaxFrameSize = 256 << 20

// WriteFrame writes a frame preceded by its 4-byte big-endian length.
func WriteFrame(w io.Writer, f *Frame) error {
	body := f.Marshal()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame. io.EOF is returned unchanged
// when the stream ends on a frame boundary.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return nil, pkgerrors.Newf(pkgerrors.ErrCodeProtocolMismatch, "frame of %d bytes exceeds limit", size).
			WithComponent("wire")
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Unmarshal(body)
}
