package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the size of the big-endian length prefix on every frame
const HeaderLen = 4

var (
	ErrIO            = errors.New("transport i/o error")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrClosed        = errors.New("transport closed")
)

// Limits constrains frame sizes in both directions
type Limits struct {
	MaxFrameBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: 4 << 20}
}

// ReadFrame reads one length-prefixed frame. It returns io.EOF only when the
// stream ends cleanly on a frame boundary.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: read header: %w", ErrIO, err)
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if limits.MaxFrameBytes > 0 && n > limits.MaxFrameBytes {
		return nil, fmt.Errorf("%w: %w: %d > %d", ErrIO, ErrFrameTooLarge, n, limits.MaxFrameBytes)
	}

	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrIO, err)
	}
	return frame, nil
}

// AppendFrame appends the length-prefixed encoding of frame to buf
func AppendFrame(buf, frame []byte, limits Limits) ([]byte, error) {
	if uint64(len(frame)) > uint64(^uint32(0)) ||
		(limits.MaxFrameBytes > 0 && uint32(len(frame)) > limits.MaxFrameBytes) {
		return nil, fmt.Errorf("%w: %w: %d bytes", ErrIO, ErrFrameTooLarge, len(frame))
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(frame)))
	return append(buf, frame...), nil
}

// WriteFrame writes one length-prefixed frame with a single Write call
func WriteFrame(w io.Writer, frame []byte, limits Limits) error {
	buf, err := AppendFrame(make([]byte, 0, HeaderLen+len(frame)), frame, limits)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: write: %w", ErrIO, err)
	}
	return nil
}
