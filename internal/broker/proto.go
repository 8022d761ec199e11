// Package broker speaks the key-value broker's line protocol over a
// single TCP connection. Frames are typed by their first byte:
// '+' simple string, '-' error, ':' integer, '$' bulk string,
// '*' array. Bulk strings and arrays use a length of -1 as the null
// sentinel. Every line ends with \r\n.
package broker

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrConnectionLost fails every outstanding reply when the TCP
	// connection drops.
	ErrConnectionLost = errors.New("broker: connection lost")

	// ErrInvalidMessage marks bytes that cannot be a protocol frame.
	ErrInvalidMessage = errors.New("broker: invalid message")
)

// ReplyError is an error frame ('-') returned by the broker as a
// regular reply value.
type ReplyError string

func (e ReplyError) Error() string { return string(e) }

// Encode serializes a command as an array of bulk strings, the only
// shape clients ever send.
func Encode(argv ...string) []byte {
	buf := make([]byte, 0, 16+len(argv)*16)
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(argv)), 10)
	buf = append(buf, '\r', '\n')
	for _, arg := range argv {
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(arg)), 10)
		buf = append(buf, '\r', '\n')
		buf = append(buf, arg...)
		buf = append(buf, '\r', '\n')
	}
	return buf
}

// Decode parses one frame from the head of buf.
//
// It returns the number of bytes consumed and the decoded value:
// string for simple and bulk strings, ReplyError for errors, int64
// for integers, []any for arrays and nil for null bulk/array.
// consumed == 0 with a nil error means the buffer holds a truncated
// frame and more bytes are needed; the caller keeps the buffer.
func Decode(buf []byte) (int, any, error) {
	end := indexCRLF(buf)
	if end == -1 {
		return 0, nil, nil
	}

	switch buf[0] {
	case '+':
		return end + 2, string(buf[1:end]), nil

	case '-':
		return end + 2, ReplyError(buf[1:end]), nil

	case ':':
		n, err := strconv.ParseInt(string(buf[1:end]), 10, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: bad integer %q", ErrInvalidMessage, buf[1:end])
		}
		return end + 2, n, nil

	case '$':
		length, err := strconv.Atoi(string(buf[1:end]))
		if err != nil {
			return 0, nil, fmt.Errorf("%w: bad bulk length %q", ErrInvalidMessage, buf[1:end])
		}
		if length == -1 { // null bulk string
			return end + 2, nil, nil
		}
		if len(buf) < end+4+length {
			return 0, nil, nil
		}
		return end + 4 + length, string(buf[end+2 : end+2+length]), nil

	case '*':
		length, err := strconv.Atoi(string(buf[1:end]))
		if err != nil {
			return 0, nil, fmt.Errorf("%w: bad array length %q", ErrInvalidMessage, buf[1:end])
		}
		if length == -1 { // null array
			return end + 2, nil, nil
		}

		array := make([]any, 0, length)
		offset := end + 2
		for i := 0; i < length; i++ {
			consumed, item, err := Decode(buf[offset:])
			if err != nil {
				return 0, nil, err
			}
			if consumed == 0 {
				return 0, nil, nil
			}
			offset += consumed
			array = append(array, item)
		}
		return offset, array, nil

	default:
		return 0, nil, fmt.Errorf("%w: unknown starting byte %q", ErrInvalidMessage, buf[0])
	}
}

func indexCRLF(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return i
		}
	}
	return -1
}
