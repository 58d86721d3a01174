// Package wire defines the binary envelope workers use to stream payloads
// to the supervisor over the data channel.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PayloadType tags the body of an envelope.
type PayloadType uint8

const (
	TypeFrame  PayloadType = 1
	TypeSample PayloadType = 2
	TypeLog    PayloadType = 3
	// TypeHeartbeat rides the data path so liveness and data share one
	// stream: a silent stream and a dead process look the same, which is
	// exactly what the supervisor's crash handling wants.
	TypeHeartbeat PayloadType = 4
)

func (t PayloadType) Valid() bool { return t >= TypeFrame && t <= TypeHeartbeat }

func (t PayloadType) String() string {
	switch t {
	case TypeFrame:
		return "frame"
	case TypeSample:
		return "sample"
	case TypeLog:
		return "log"
	case TypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Fixed header layout (13 bytes), big-endian:
//
//	0 ..7   Timestamp  u64  monotonic nanoseconds at the producer
//	8       Type       u8
//	9 ..12  BodyLen    u32
//
// followed by BodyLen opaque bytes.
const headerSize = 13

// MaxBodyLen bounds a single envelope body. Frames from industrial
// cameras stay well under this; anything larger is a corrupt stream.
const MaxBodyLen = 64 << 20

var (
	ErrShortHeader  = errors.New("wire: short header")
	ErrBodyTooLarge = errors.New("wire: body exceeds max length")
	ErrBadType      = errors.New("wire: unknown payload type")
)

// Envelope is one unit on the data channel. Ownership transfers with the
// value: producers must not retain Body after writing.
type Envelope struct {
	Timestamp int64 // monotonic ns at the producer
	Type      PayloadType
	Body      []byte
}

// Append encodes e onto buf and returns the extended slice.
func Append(buf []byte, e Envelope) []byte {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(e.Timestamp))
	hdr[8] = uint8(e.Type)
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(e.Body)))
	buf = append(buf, hdr[:]...)
	return append(buf, e.Body...)
}

// Write encodes e to w.
func Write(w io.Writer, e Envelope) error {
	if len(e.Body) > MaxBodyLen {
		return fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(e.Body))
	}
	_, err := w.Write(Append(make([]byte, 0, headerSize+len(e.Body)), e))
	return err
}

// Read decodes the next envelope from r. It returns io.EOF when the
// stream ends cleanly on an envelope boundary and io.ErrUnexpectedEOF when
// it ends mid-envelope.
func Read(r io.Reader) (Envelope, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Envelope{}, fmt.Errorf("%w: %v", ErrShortHeader, err)
		}
		return Envelope{}, err
	}
	e := Envelope{
		Timestamp: int64(binary.BigEndian.Uint64(hdr[0:8])),
		Type:      PayloadType(hdr[8]),
	}
	if !e.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: %d", ErrBadType, hdr[8])
	}
	n := binary.BigEndian.Uint32(hdr[9:13])
	if n > MaxBodyLen {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, n)
	}
	if n > 0 {
		e.Body = make([]byte, n)
		if _, err := io.ReadFull(r, e.Body); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Envelope{}, err
		}
	}
	return e, nil
}
