package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	in := Envelope{Timestamp: 1234567890, Type: TypeSample, Body: []byte("hello")}
	if err := Write(&buf, in); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	out, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if out.Timestamp != in.Timestamp || out.Type != in.Type || !bytes.Equal(out.Body, in.Body) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestReadEmptyBody(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := Write(&buf, Envelope{Timestamp: 1, Type: TypeHeartbeat}); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	out, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if out.Type != TypeHeartbeat || len(out.Body) != 0 {
		t.Fatalf("unexpected envelope: %+v", out)
	}
}

func TestReadCleanEOF(t *testing.T) {
	t.Parallel()
	_, err := Read(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestReadTruncatedHeader(t *testing.T) {
	t.Parallel()
	_, err := Read(bytes.NewReader([]byte{0x01, 0x02, 0x03}))
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("err = %v, want ErrShortHeader", err)
	}
}

func TestReadTruncatedBody(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := Write(&buf, Envelope{Type: TypeFrame, Body: []byte("payload")}); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	b := buf.Bytes()
	_, err := Read(bytes.NewReader(b[:len(b)-2]))
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestReadBadType(t *testing.T) {
	t.Parallel()
	enc := Append(nil, Envelope{Type: TypeFrame})
	enc[8] = 0xFF
	_, err := Read(bytes.NewReader(enc))
	if !errors.Is(err, ErrBadType) {
		t.Fatalf("err = %v, want ErrBadType", err)
	}
}

func TestWriteBodyTooLarge(t *testing.T) {
	t.Parallel()
	err := Write(io.Discard, Envelope{Type: TypeFrame, Body: make([]byte, MaxBodyLen+1)})
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("err = %v, want ErrBodyTooLarge", err)
	}
}
