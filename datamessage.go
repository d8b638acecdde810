package streaming

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

// protocolStreaming is the application-data protocol id this layer
// occupies within the substrate's data message framing.
const protocolStreaming = 6

// dataMessagePortsOffset and dataMessageProtocolOffset locate the
// reserved port fields and protocol id byte within the decompressed
// inner payload, counted from its start.
const (
	dataMessagePortsOffset    = 4
	dataMessageProtocolOffset = 9
	dataMessageHeaderLength   = 10
)

// CreateDataMessage compresses a stream's outbound packet bytes into
// the substrate's application-data message format: a 4-byte
// big-endian length, followed by a gzip stream whose first 10
// decompressed bytes are reserved port fields (zeroed; port
// assignment happens above this layer) and the streaming protocol id.
//
// gzip is used at its fastest (least-compressing) setting, favoring
// latency over ratio for what is usually a small packet.
func CreateDataMessage(payload []byte) ([]byte, error) {
	inner := make([]byte, dataMessageHeaderLength, dataMessageHeaderLength+len(payload))
	inner[dataMessageProtocolOffset] = protocolStreaming
	inner = append(inner, payload...)

	var compressed bytes.Buffer
	gz, err := gzip.NewWriterLevel(&compressed, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("create data message: new gzip writer: %w", err)
	}
	if _, err := gz.Write(inner); err != nil {
		return nil, fmt.Errorf("create data message: gzip write: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("create data message: gzip close: %w", err)
	}

	out := make([]byte, 4, 4+compressed.Len())
	binary.BigEndian.PutUint32(out, uint32(compressed.Len()))
	out = append(out, compressed.Bytes()...)
	return out, nil
}

// ParseDataMessage reverses CreateDataMessage: it reads the 4-byte
// length, gunzips the payload (capped at MaxPacketSize), checks the
// protocol byte, and returns the streaming packet bytes that followed
// the port/protocol header.
//
// Returns (nil, false, nil) if the protocol byte does not identify
// this layer's traffic; that is not an error, just not ours.
func ParseDataMessage(buf []byte) (packetBytes []byte, ok bool, err error) {
	if len(buf) < 4 {
		return nil, false, fmt.Errorf("parse data message: too short for length prefix")
	}
	length := binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	if uint64(len(buf)) < uint64(length) {
		return nil, false, fmt.Errorf("parse data message: declared length %d exceeds available %d bytes", length, len(buf))
	}
	buf = buf[:length]

	gz, err := gzip.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, false, fmt.Errorf("parse data message: new gzip reader: %w", err)
	}
	defer gz.Close()

	decompressed, truncated, err := readCapped(gz, MaxPacketSize)
	if err != nil {
		return nil, false, fmt.Errorf("parse data message: gunzip: %w", err)
	}
	if truncated {
		log.Warn().Int("cap", MaxPacketSize).Msg("decompressed data message exceeded max packet size, truncated")
	}

	if len(decompressed) < dataMessageHeaderLength {
		return nil, false, fmt.Errorf("parse data message: decompressed payload too short")
	}
	if decompressed[dataMessageProtocolOffset] != protocolStreaming {
		log.Debug().Uint8("protocol", decompressed[dataMessageProtocolOffset]).Msg("data message protocol not supported, dropping")
		return nil, false, nil
	}

	return decompressed[dataMessageHeaderLength:], true, nil
}

// readCapped reads all of r, up to cap bytes, reporting whether more
// data existed beyond the cap.
func readCapped(r io.Reader, cap int) ([]byte, bool, error) {
	limited := io.LimitReader(r, int64(cap)+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, false, err
	}
	if len(data) > cap {
		return data[:cap], true, nil
	}
	return data, false, nil
}
