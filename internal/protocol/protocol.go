package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Frame wire format on the bridge's stdio side, matching browser native
// messaging: [length:u32 LE][UTF-8 JSON payload]. No padding, no delimiter.
const (
	HeaderSize          = 4
	MaxFrameSize uint32 = 64 * 1024 * 1024 // 64 MB
)

// ErrFrameTooLarge is reported when a frame header declares a payload
// larger than MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame payload too large")

// AppendFrame appends the length-prefixed encoding of payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes a single frame with one Write call so that concurrent
// writers serialized by the caller never interleave a header and a payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(MaxFrameSize) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	if _, err := w.Write(AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload)); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// EncodeFrameJSON marshals v and returns its complete frame encoding.
func EncodeFrameJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding frame payload: %w", err)
	}
	return AppendFrame(make([]byte, 0, HeaderSize+len(data)), data), nil
}

// ReadFrame reads a single frame payload from a blocking reader.
// Returns (nil, nil) on clean EOF during the header read.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("reading frame payload: %w", err)
		}
	}
	return payload, nil
}

// FrameDecoder incrementally extracts frames from arbitrarily chunked input.
// Bytes are accumulated in a growable buffer with an explicit consumed
// offset; each byte is examined once on its way through.
//
// A FrameDecoder is not safe for concurrent use.
type FrameDecoder struct {
	buf  []byte
	off  int    // start of unconsumed data in buf
	skip uint64 // bytes still to discard from an oversized frame
}

// NewFrameDecoder returns an empty decoder.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{}
}

// Feed appends p to the decoder's buffer. The decoder does not retain p.
func (d *FrameDecoder) Feed(p []byte) {
	if d.skip > 0 {
		n := uint64(len(p))
		if n > d.skip {
			n = d.skip
		}
		p = p[n:]
		d.skip -= n
	}
	if len(p) == 0 {
		return
	}

	switch {
	case d.off == len(d.buf):
		d.buf = d.buf[:0]
		d.off = 0
	case d.off > 0 && d.off >= len(d.buf)-d.off:
		// Shift once the consumed prefix outweighs the live tail.
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes received but not yet decoded.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf) - d.off
}

// Next extracts the next complete frame payload. ok is false when more
// input is needed. An oversized frame yields ErrFrameTooLarge once; its
// payload bytes are discarded as they arrive and decoding resumes after it.
func (d *FrameDecoder) Next() (payload []byte, ok bool, err error) {
	avail := d.buf[d.off:]
	if len(avail) < HeaderSize {
		return nil, false, nil
	}

	length := binary.LittleEndian.Uint32(avail[:HeaderSize])
	if length > MaxFrameSize {
		d.off += HeaderSize
		d.skip = uint64(length)
		rest := uint64(len(d.buf) - d.off)
		if rest > d.skip {
			rest = d.skip
		}
		d.off += int(rest)
		d.skip -= rest
		return nil, false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	end := HeaderSize + int(length)
	if len(avail) < end {
		return nil, false, nil
	}

	payload = make([]byte, length)
	copy(payload, avail[HeaderSize:end])
	d.off += end
	return payload, true, nil
}

// CompactJSON validates data as a single JSON value and returns its compact
// encoding. Number literals and key order are preserved.
func CompactJSON(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	return buf.Bytes(), nil
}

// MaxLineSize bounds a single newline-delimited message on the local socket.
const MaxLineSize = int(MaxFrameSize)

// WriteLine marshals v as one JSON line terminated by '\n'. encoding/json
// escapes control characters, so the output never contains an inner newline.
func WriteLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding line: %w", err)
	}
	return WriteRawLine(w, data)
}

// WriteRawLine writes an already-encoded compact JSON value plus '\n'.
func WriteRawLine(w io.Writer, data []byte) error {
	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("writing line: %w", err)
	}
	return nil
}

// NewLineScanner returns a scanner splitting r into newline-delimited
// messages of up to MaxLineSize bytes.
func NewLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return sc
}
