package resp

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf []byte
	buf = AppendCommandStrings(buf, "SET", "key", "value")
	buf = AppendCommand(buf, []byte("DEL"), []byte("key"))

	r := NewReader(bytes.NewReader(buf))

	cmd, err := r.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("SET"), []byte("key"), []byte("value")}, cmd)

	cmd, err = r.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("DEL"), []byte("key")}, cmd)

	_, err = r.ReadCommand()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, int64(len(buf)), r.ValidOffset())
}

func TestBinarySafePayload(t *testing.T) {
	payload := []byte("with\r\nCRLF\x00and nul")
	buf := AppendCommand(nil, []byte("SET"), []byte("k"), payload)

	r := NewReader(bytes.NewReader(buf))
	cmd, err := r.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, payload, cmd[2])
}

func TestEncodedForm(t *testing.T) {
	buf := AppendCommandStrings(nil, "GET", "k")
	assert.Equal(t, "*2\r\n$3\r\nGET\r\n$1\r\nk\r\n", string(buf))
}

func TestTruncationMidRecord(t *testing.T) {
	full := AppendCommandStrings(nil, "SET", "key", "value")
	good := AppendCommandStrings(nil, "SET", "a", "b")

	for cut := 1; cut < len(full); cut++ {
		data := append(append([]byte(nil), good...), full[:cut]...)
		r := NewReader(bytes.NewReader(data))

		_, err := r.ReadCommand()
		require.NoError(t, err)

		_, err = r.ReadCommand()
		require.ErrorIs(t, err, ErrTruncated, "cut at %d", cut)
		assert.Equal(t, int64(len(good)), r.ValidOffset(), "cut at %d", cut)
	}
}

func TestMalformedInput(t *testing.T) {
	cases := map[string]string{
		"WrongLeadByte":  "+OK\r\n",
		"BadArgc":        "*x\r\n",
		"ZeroArgc":       "*0\r\n",
		"NegativeArgc":   "*-1\r\n",
		"MissingDollar":  "*1\r\n3\r\nfoo\r\n",
		"BadBulkLen":     "*1\r\n$x\r\nfoo\r\n",
		"HugeBulkLen":    "*1\r\n$999999999999\r\nfoo\r\n",
		"LFOnlyLine":     "*1\n$3\r\nfoo\r\n",
		"PayloadNoCRLF":  "*1\r\n$3\r\nfooXX",
		"PayloadBadTail": "*1\r\n$3\r\nfooXY*1\r\n",
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewReader(bytes.NewReader([]byte(input)))
			_, err := r.ReadCommand()
			require.Error(t, err)

			var fe *FormatError
			assert.ErrorAs(t, err, &fe)
		})
	}
}

func TestFormatErrorCarriesOffset(t *testing.T) {
	good := AppendCommandStrings(nil, "SET", "a", "b")
	data := append(append([]byte(nil), good...), []byte("+garbage\r\n")...)

	r := NewReader(bytes.NewReader(data))
	_, err := r.ReadCommand()
	require.NoError(t, err)

	_, err = r.ReadCommand()
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, int64(len(good)), fe.Offset)
}
