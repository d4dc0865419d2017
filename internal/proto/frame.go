// Package proto implements the length-prefixed binary framing used on the
// control connection between tunnel clients and the server.
//
//	Frame := LENGTH(4, BE) TYPE(1) STREAM_ID(4, BE) PAYLOAD(LENGTH-5)
//
// LENGTH covers type, stream id and payload. Any change to a frame layout
// gets a new Type; fields are never inferred from size.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	lengthSize = 4
	// HeaderSize is the part of LENGTH taken by type and stream id.
	HeaderSize = 5
	// MaxFrameSize bounds LENGTH so a peer cannot make us allocate without limit.
	MaxFrameSize = 16 << 20
)

var (
	ErrNeedMore      = errors.New("proto: need more data")
	ErrFrameTooLarge = errors.New("proto: frame too large")
	ErrMalformed     = errors.New("proto: malformed frame")
)

func validate(t Type, streamID uint32, payloadLen int) error {
	if !t.known() {
		return fmt.Errorf("%w: unknown %s", ErrMalformed, t)
	}
	if t.streamScoped() != (streamID != 0) {
		return fmt.Errorf("%w: %s with stream id %d", ErrMalformed, t, streamID)
	}
	switch t {
	case TypeOpenStream:
		if payloadLen != 2 {
			return fmt.Errorf("%w: open_stream payload %d bytes", ErrMalformed, payloadLen)
		}
	case TypeCloseStream, TypeHeartbeat:
		if payloadLen != 0 {
			return fmt.Errorf("%w: %s carries payload", ErrMalformed, t)
		}
	case TypeAuthResult:
		if payloadLen < 1 {
			return fmt.Errorf("%w: empty auth_result", ErrMalformed)
		}
	case TypeExpose, TypeExposeResult:
		if payloadLen < 3 {
			return fmt.Errorf("%w: short %s", ErrMalformed, t)
		}
	}
	return nil
}

// AppendFrame appends the encoded form of m to dst.
func AppendFrame(dst []byte, m Message) ([]byte, error) {
	n := HeaderSize + len(m.Payload)
	if n > MaxFrameSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if err := validate(m.Type, m.StreamID, len(m.Payload)); err != nil {
		return dst, err
	}
	var hdr [lengthSize + HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(n))
	hdr[4] = byte(m.Type)
	binary.BigEndian.PutUint32(hdr[5:9], m.StreamID)
	dst = append(dst, hdr[:]...)
	return append(dst, m.Payload...), nil
}

// Encode returns m as a single wire frame.
func Encode(m Message) ([]byte, error) {
	return AppendFrame(make([]byte, 0, lengthSize+HeaderSize+len(m.Payload)), m)
}

// WriteMessage encodes m and writes it with a single Write call.
func WriteMessage(w io.Writer, m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Decoder reassembles frames from arbitrarily split chunks. A Decoder is
// not safe for concurrent use.
type Decoder struct {
	buf []byte
	off int
}

// Feed appends p to the pending input.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns how many input bytes have not been consumed yet.
func (d *Decoder) Buffered() int { return len(d.buf) - d.off }

// Next decodes one frame. It returns ErrNeedMore when the buffered input
// holds no complete frame; feeding more bytes and calling Next again resumes.
// The returned payload is a copy and stays valid after further calls.
func (d *Decoder) Next() (Message, error) {
	pending := d.buf[d.off:]
	if len(pending) < lengthSize {
		return Message{}, ErrNeedMore
	}
	n := binary.BigEndian.Uint32(pending)
	if n > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if n < HeaderSize {
		return Message{}, fmt.Errorf("%w: length %d", ErrMalformed, n)
	}
	if uint32(len(pending)-lengthSize) < n {
		return Message{}, ErrNeedMore
	}
	frame := pending[lengthSize : lengthSize+int(n)]
	m := Message{Type: Type(frame[0]), StreamID: binary.BigEndian.Uint32(frame[1:5])}
	if err := validate(m.Type, m.StreamID, len(frame)-HeaderSize); err != nil {
		return Message{}, err
	}
	if len(frame) > HeaderSize {
		m.Payload = append([]byte(nil), frame[HeaderSize:]...)
	}
	d.off += lengthSize + int(n)
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}
	return m, nil
}

// Reader reads whole messages from a byte stream.
type Reader struct {
	r     io.Reader
	dec   Decoder
	chunk []byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, chunk: make([]byte, 32*1024)}
}

// ReadMessage blocks until a full frame is available. Protocol errors are
// sticky: the connection must be dropped.
func (r *Reader) ReadMessage() (Message, error) {
	for {
		m, err := r.dec.Next()
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrNeedMore) {
			return Message{}, err
		}
		n, rerr := r.r.Read(r.chunk)
		if n > 0 {
			r.dec.Feed(r.chunk[:n])
		}
		if rerr != nil {
			if n > 0 {
				continue
			}
			if errors.Is(rerr, io.EOF) && r.dec.Buffered() > 0 {
				return Message{}, io.ErrUnexpectedEOF
			}
			return Message{}, rerr
		}
	}
}
