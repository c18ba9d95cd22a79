// Package protocol implements the binary frame protocol that carries port
// messages over a byte stream.
//
// A fixed-size 14-byte header is followed by a variable-length body. The
// receiver reads the header first to learn the body length, then reads
// exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│ channel │ bodyLen │    body ...    │
//	│ prp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"portrpc/codec"
)

// Magic number bytes: "prp" (port rpc protocol).
// Rejects non-protocol connections early, e.g. an HTTP client on the wrong port.
const (
	MagicNumber byte = 0x70 // 'p'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (channel) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame body.
	MaxBodyLen = 16 << 20
)

// MsgType distinguishes data, close and heartbeat frames.
type MsgType byte

const (
	MsgTypeData      MsgType = 0 // One port message on a channel
	MsgTypeClose     MsgType = 1 // The sender's end of a channel closed (no body)
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeData:
		return "data"
	case MsgTypeClose:
		return "close"
	case MsgTypeHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("msgtype(%d)", byte(t))
}

// Header represents the fixed 14-byte frame header.
type Header struct {
	Codec   codec.Type // Body format: 0=JSON, 1=Proto
	MsgType MsgType
	Channel uint32 // Sub-channel the frame belongs to; 0 is the root channel
	BodyLen uint32
}

// Encode writes a complete frame (header + body) to w and sets h.BodyLen.
// Callers sharing a writer must serialize calls, otherwise frames interleave
// and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if len(body) > MaxBodyLen {
		return fmt.Errorf("body too large: %d bytes", len(body))
	}
	h.BodyLen = uint32(len(body))

	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.Codec)
	buf[5] = byte(h.MsgType)
	// big-endian (network byte order)
	binary.BigEndian.PutUint32(buf[6:10], h.Channel)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)

	// one write per frame
	_, err := w.Write(append(buf, body...))
	return err
}

// Decode reads a complete frame (header + body) from r, validating the magic
// number, version, codec type, message type and body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	ct := codec.Type(headerBuf[4])
	if ct != codec.TypeJSON && ct != codec.TypeProto {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType != MsgTypeData && msgType != MsgTypeClose && msgType != MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	channel := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		Codec:   ct,
		MsgType: msgType,
		Channel: channel,
		BodyLen: bodyLen,
	}, body, nil
}
