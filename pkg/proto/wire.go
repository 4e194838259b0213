package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Each message travels in its own frame:
//
//	"PL" | version uint16 | payload length uint32 | payload
//
// Integers are big endian. The payload is one encoded Request or Response.
const (
	Version    = 1
	MaxPayload = 1 << 20

	headerLen = 8
)

var magic = [2]byte{'P', 'L'}

var (
	ErrBadMagic      = errors.New("bad frame magic")
	ErrBadVersion    = errors.New("unsupported protocol version")
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrMalformed marks a frame that arrived whole but whose payload does not
	// decode. The stream is still in sync after it.
	ErrMalformed = errors.New("malformed message")
)

// WriteRequest sends req in a single Write.
func WriteRequest(w io.Writer, req *Request) error {
	return writeFrame(w, req.Marshal())
}

// WriteResponse sends resp in a single Write.
func WriteResponse(w io.Writer, resp *Response) error {
	return writeFrame(w, resp.Marshal())
}

// ReadRequest reads the next request from r. It returns io.EOF when the peer
// closed the stream between two frames.
func ReadRequest(r io.Reader) (*Request, error) {
	payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalRequest(payload)
}

// ReadResponse reads the next response from r, with the same end of stream
// rule as ReadRequest.
func ReadResponse(r io.Reader) (*Response, error) {
	payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(payload)
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, 0, headerLen+len(payload))
	frame = append(frame, magic[:]...)
	frame = binary.BigEndian.AppendUint16(frame, Version)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	if [2]byte(hdr[:2]) != magic {
		return nil, fmt.Errorf("%w: %q", ErrBadMagic, hdr[:2])
	}
	if v := binary.BigEndian.Uint16(hdr[2:4]); v != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	n := binary.BigEndian.Uint32(hdr[4:])
	if n > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading %d byte payload: %w", n, err)
	}
	return payload, nil
}
