package apns

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ErrorFrameSize is the length of a gateway error response.
const ErrorFrameSize = 6

// ParseErrorFrame splits an error response into command, status and the
// identifier of the rejected notification.
func ParseErrorFrame(b [ErrorFrameSize]byte) (command uint8, status Status, id int32) {
	return b[0], Status(b[1]), int32(binary.BigEndian.Uint32(b[2:6]))
}

// ErrorFrame encodes an error response. Gateway fakes use it.
func ErrorFrame(status Status, id int32) [ErrorFrameSize]byte {
	var b [ErrorFrameSize]byte
	b[0] = CommandErrorReply
	b[1] = byte(status)
	binary.BigEndian.PutUint32(b[2:], uint32(id))
	return b
}

// Frame is a decoded command-1 notification frame.
type Frame struct {
	Identifier int32
	Expiry     int32
	Token      []byte
	Payload    []byte
}

// ReadFrame reads one command-1 frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [1 + 4 + 4 + 2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	if hdr[0] != CommandNotification {
		return Frame{}, fmt.Errorf("apns: unexpected command %d", hdr[0])
	}
	f := Frame{
		Identifier: int32(binary.BigEndian.Uint32(hdr[1:5])),
		Expiry:     int32(binary.BigEndian.Uint32(hdr[5:9])),
	}
	tokLen := binary.BigEndian.Uint16(hdr[9:11])
	f.Token = make([]byte, tokLen)
	if _, err := io.ReadFull(r, f.Token); err != nil {
		return Frame{}, fmt.Errorf("%w: token: %v", ErrShortFrame, err)
	}
	var plen [2]byte
	if _, err := io.ReadFull(r, plen[:]); err != nil {
		return Frame{}, fmt.Errorf("%w: payload length: %v", ErrShortFrame, err)
	}
	f.Payload = make([]byte, binary.BigEndian.Uint16(plen[:]))
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, fmt.Errorf("%w: payload: %v", ErrShortFrame, err)
	}
	return f, nil
}
