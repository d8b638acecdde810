package streaming

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func TestDataMessageRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	msg, err := CreateDataMessage(payload)
	require.NoError(t, err)

	got, ok, err := ParseDataMessage(msg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestParseDataMessageWrongProtocol(t *testing.T) {
	payload := []byte("irrelevant")

	inner := make([]byte, dataMessageHeaderLength, dataMessageHeaderLength+len(payload))
	inner[dataMessageProtocolOffset] = protocolStreaming + 1
	inner = append(inner, payload...)

	compressed, err := gzipBytes(inner)
	require.NoError(t, err)

	framed := make([]byte, 4, 4+len(compressed))
	framed[0] = byte(len(compressed) >> 24)
	framed[1] = byte(len(compressed) >> 16)
	framed[2] = byte(len(compressed) >> 8)
	framed[3] = byte(len(compressed))
	framed = append(framed, compressed...)

	got, ok, err := ParseDataMessage(framed)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestParseDataMessageTruncatesOversizedPayload(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, MaxPacketSize*2)

	msg, err := CreateDataMessage(payload)
	require.NoError(t, err)

	got, ok, err := ParseDataMessage(msg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got, MaxPacketSize-dataMessageHeaderLength)
	assert.Equal(t, payload[:MaxPacketSize-dataMessageHeaderLength], got)
}

func TestParseDataMessageTooShortForLength(t *testing.T) {
	_, ok, err := ParseDataMessage([]byte{1, 2})
	assert.Error(t, err)
	assert.False(t, ok)
}
