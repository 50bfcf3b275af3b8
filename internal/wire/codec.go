package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// -------------------------------------------------------------------------
// Encoder
// -------------------------------------------------------------------------

// EncodeFrame serializes a frame into a fresh byte slice, length prefix
// included. The returned slice is exactly one wire frame and is safe to
// hand to multiple writers (the broker shares one encoding among all
// subscribers of a channel).
func EncodeFrame(f Frame) ([]byte, error) {
	return AppendFrame(nil, f)
}

// AppendFrame appends the encoded frame to dst and returns the extended
// slice. The length field is 5 + len(body), big-endian.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	// Reserve the header; the length is patched in after the body is known.
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0, byte(f.Op()))

	dst, err := f.appendBody(dst)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Op(), err)
	}

	total := len(dst) - start
	if total > MaxMessageSize {
		return nil, fmt.Errorf("encode %s frame: %d bytes: %w", f.Op(), total, ErrMessageTooLarge)
	}
	binary.BigEndian.PutUint32(dst[start:start+LengthSize], uint32(total))

	return dst, nil
}

// appendString8 appends a counted string: one unsigned length byte
// followed by the string bytes. Strings longer than 255 bytes are
// rejected.
func appendString8(dst []byte, s string) ([]byte, error) {
	if len(s) > MaxStringLen {
		return nil, fmt.Errorf("%q is %d bytes: %w", s[:32]+"...", len(s), ErrStringTooLong)
	}
	dst = append(dst, byte(len(s)))
	return append(dst, s...), nil
}

func (f ErrorFrame) appendBody(dst []byte) ([]byte, error) {
	return append(dst, f.Message...), nil
}

func (f InfoFrame) appendBody(dst []byte) ([]byte, error) {
	dst, err := appendString8(dst, f.Name)
	if err != nil {
		return nil, err
	}
	return append(dst, f.Rand...), nil
}

func (f AuthFrame) appendBody(dst []byte) ([]byte, error) {
	dst, err := appendString8(dst, f.Ident)
	if err != nil {
		return nil, err
	}
	return append(dst, f.SecretHash...), nil
}

func (f PublishFrame) appendBody(dst []byte) ([]byte, error) {
	dst, err := appendString8(dst, f.Ident)
	if err != nil {
		return nil, err
	}
	dst, err = appendString8(dst, f.Channel)
	if err != nil {
		return nil, err
	}
	return append(dst, f.Payload...), nil
}

func (f SubscribeFrame) appendBody(dst []byte) ([]byte, error) {
	dst, err := appendString8(dst, f.Ident)
	if err != nil {
		return nil, err
	}
	// Channel is the raw remainder, not a counted string.
	return append(dst, f.Channel...), nil
}

func (f UnsubscribeFrame) appendBody(dst []byte) ([]byte, error) {
	dst, err := appendString8(dst, f.Ident)
	if err != nil {
		return nil, err
	}
	return append(dst, f.Channel...), nil
}

// -------------------------------------------------------------------------
// Decoder — streaming frame reader
// -------------------------------------------------------------------------

// Decoder reads hpfeeds frames from a byte stream with incremental
// buffering and bounded message sizes.
//
// Size limits are enforced before the body is buffered: the MAXBUF check
// happens right after the 4-byte length prefix is read, and the tighter
// per-opcode ceiling right after the opcode byte. An attacker therefore
// cannot make the decoder allocate a body for an oversized or
// unknown-opcode frame.
//
// Decoded frames are zero-copy: byte-slice fields (Publish payloads in
// particular) reference the decoder's internal buffer and remain valid
// only until the next ReadFrame call.
type Decoder struct {
	br  *bufio.Reader
	buf []byte
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		br: bufio.NewReaderSize(r, 32*1024),
	}
}

// ReadFrame blocks until one complete frame has been read and decoded,
// the stream ends, or a framing error occurs. Framing errors are fatal:
// the caller must discard the connection, since the stream position is
// no longer trustworthy.
func (d *Decoder) ReadFrame() (Frame, error) {
	var hdr [LengthSize]byte
	if _, err := io.ReadFull(d.br, hdr[:]); err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint32(hdr[:]))
	if length > MaxMessageSize {
		return nil, fmt.Errorf("frame length %d: %w", length, ErrMessageTooLarge)
	}
	if length < HeaderSize {
		return nil, fmt.Errorf("frame length %d: %w", length, ErrTruncated)
	}

	opByte, err := d.br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read opcode: %w", err)
	}
	op := Opcode(opByte)
	if op > OpUnsubscribe {
		return nil, fmt.Errorf("opcode %d: %w", opByte, ErrUnknownOpcode)
	}
	if length > maxFrameLen(op) {
		return nil, fmt.Errorf("frame length %d for opcode %s: %w", length, op, ErrMessageTooLarge)
	}

	bodyLen := length - HeaderSize
	if cap(d.buf) < bodyLen {
		d.buf = make([]byte, bodyLen)
	}
	body := d.buf[:bodyLen]
	if _, err := io.ReadFull(d.br, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	return parseBody(op, body)
}

// parseBody dispatches on the opcode and decodes the frame body.
func parseBody(op Opcode, body []byte) (Frame, error) {
	switch op {
	case OpError:
		return ErrorFrame{Message: body}, nil

	case OpInfo:
		name, rest, err := readString8(body)
		if err != nil {
			return nil, fmt.Errorf("decode Info name: %w", err)
		}
		return InfoFrame{Name: name, Rand: rest}, nil

	case OpAuth:
		ident, rest, err := readString8(body)
		if err != nil {
			return nil, fmt.Errorf("decode Auth ident: %w", err)
		}
		return AuthFrame{Ident: ident, SecretHash: rest}, nil

	case OpPublish:
		ident, rest, err := readString8(body)
		if err != nil {
			return nil, fmt.Errorf("decode Publish ident: %w", err)
		}
		channel, payload, err := readString8(rest)
		if err != nil {
			return nil, fmt.Errorf("decode Publish channel: %w", err)
		}
		return PublishFrame{Ident: ident, Channel: channel, Payload: payload}, nil

	case OpSubscribe:
		ident, rest, err := readString8(body)
		if err != nil {
			return nil, fmt.Errorf("decode Subscribe ident: %w", err)
		}
		channel, err := textRemainder(rest)
		if err != nil {
			return nil, fmt.Errorf("decode Subscribe channel: %w", err)
		}
		return SubscribeFrame{Ident: ident, Channel: channel}, nil

	case OpUnsubscribe:
		ident, rest, err := readString8(body)
		if err != nil {
			return nil, fmt.Errorf("decode Unsubscribe ident: %w", err)
		}
		channel, err := textRemainder(rest)
		if err != nil {
			return nil, fmt.Errorf("decode Unsubscribe channel: %w", err)
		}
		return UnsubscribeFrame{Ident: ident, Channel: channel}, nil

	default:
		return nil, fmt.Errorf("opcode %d: %w", op, ErrUnknownOpcode)
	}
}

// readString8 decodes one counted string from the front of data and
// returns it together with the remaining bytes. The declared length
// must leave at least that many bytes in the buffer.
func readString8(data []byte) (string, []byte, error) {
	if len(data) == 0 {
		return "", nil, ErrStringBufferTooShort
	}
	strLen := int(data[0])
	if len(data) < 1+strLen {
		return "", nil, fmt.Errorf("declared %d bytes, %d remain: %w",
			strLen, len(data)-1, ErrStringBufferTooShort)
	}
	raw := data[1 : 1+strLen]
	if !utf8.Valid(raw) {
		return "", nil, ErrInvalidUTF8
	}
	return string(raw), data[1+strLen:], nil
}

// textRemainder interprets the remaining frame body as a text field
// (channel names are compared as strings, so invalid UTF-8 is fatal).
func textRemainder(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", ErrInvalidUTF8
	}
	return string(data), nil
}
