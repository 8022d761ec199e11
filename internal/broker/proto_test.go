package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSimpleTypes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		want     any
		consumed int
	}{
		{"simple string", "+OK\r\n", "OK", 5},
		{"error", "-ERR boom\r\n", ReplyError("ERR boom"), 11},
		{"integer", ":1000\r\n", int64(1000), 7},
		{"bulk string", "$5\r\nhello\r\n", "hello", 11},
		{"empty bulk", "$0\r\n\r\n", "", 6},
		{"null bulk", "$-1\r\n", nil, 5},
		{"null array", "*-1\r\n", nil, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			consumed, value, err := Decode([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.consumed, consumed)
			assert.Equal(t, tt.want, value)
		})
	}
}

func TestDecodeArray(t *testing.T) {
	input := []byte("*3\r\n$7\r\nmessage\r\n$4\r\nchan\r\n$2\r\nhi\r\n")

	consumed, value, err := Decode(input)
	require.NoError(t, err)
	assert.Equal(t, len(input), consumed)
	assert.Equal(t, []any{"message", "chan", "hi"}, value)
}

func TestDecodeNestedArray(t *testing.T) {
	input := []byte("*2\r\n*2\r\n:1\r\n:2\r\n$1\r\na\r\n")

	consumed, value, err := Decode(input)
	require.NoError(t, err)
	assert.Equal(t, len(input), consumed)
	assert.Equal(t, []any{[]any{int64(1), int64(2)}, "a"}, value)
}

func TestDecodeTruncated(t *testing.T) {
	// Every prefix of a valid frame must report "need more bytes"
	// without consuming anything.
	full := "*2\r\n$4\r\nchan\r\n$5\r\nhello\r\n"
	for i := 0; i < len(full); i++ {
		consumed, _, err := Decode([]byte(full[:i]))
		require.NoError(t, err, "prefix of %d bytes", i)
		assert.Zero(t, consumed, "prefix of %d bytes", i)
	}

	consumed, value, err := Decode([]byte(full))
	require.NoError(t, err)
	assert.Equal(t, len(full), consumed)
	assert.Equal(t, []any{"chan", "hello"}, value)
}

func TestDecodeTrailingBytesUntouched(t *testing.T) {
	input := []byte("+OK\r\n:42\r\n")

	consumed, value, err := Decode(input)
	require.NoError(t, err)
	assert.Equal(t, 5, consumed)
	assert.Equal(t, "OK", value)

	consumed, value, err = Decode(input[consumed:])
	require.NoError(t, err)
	assert.Equal(t, 5, consumed)
	assert.Equal(t, int64(42), value)
}

func TestDecodeUnknownPrefix(t *testing.T) {
	_, _, err := Decode([]byte("!bogus\r\n"))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][]string{
		{"publish", "service:auth@0", `{"type":"request"}`},
		{"subscribe", "service:healthcheck"},
		{"ping"},
		{"set", "key", ""},
		{"set", "key", "value with \r\n inside"},
		{"set", "key", "ünïcödé"},
	}

	for _, argv := range cases {
		frame := Encode(argv...)
		consumed, value, err := Decode(frame)
		require.NoError(t, err)
		require.Equal(t, len(frame), consumed)

		array, ok := value.([]any)
		require.True(t, ok)
		require.Len(t, array, len(argv))
		for i, arg := range argv {
			assert.Equal(t, arg, array[i])
		}
	}
}
