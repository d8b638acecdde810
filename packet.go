package streaming

import (
	"encoding/binary"
	"fmt"
)

// Packet flags, per the streaming wire format.
const (
	FlagSynchronize           uint16 = 1 << 0
	FlagClose                 uint16 = 1 << 1
	FlagReset                 uint16 = 1 << 2
	FlagSignatureIncluded     uint16 = 1 << 3
	FlagSignatureRequested    uint16 = 1 << 4
	FlagFromIncluded          uint16 = 1 << 5
	FlagDelayRequested        uint16 = 1 << 6
	FlagMaxPacketSizeIncluded uint16 = 1 << 7
	FlagProfileInteractive    uint16 = 1 << 8
	FlagEcho                  uint16 = 1 << 9
	FlagNoAck                 uint16 = 1 << 10
)

// MaxPacketSize is a safe ceiling on the on-wire packet size.
// ParseDataMessage truncates decompressed packets to it; Marshal and
// Unmarshal do not check it.
const MaxPacketSize = 4096

// StreamingMTU is the maximum payload size advertised to peers in the
// MAX_PACKET_SIZE option.
const StreamingMTU = 1730

// headerLength is the size, in bytes, of the fixed fields preceding
// any NACKs: send_stream_id, recv_stream_id, sequence_number,
// ack_through, nack_count, resend_delay.
const headerLength = 4 + 4 + 4 + 4 + 1 + 1

// Packet is a single streaming protocol packet: header, options, and
// payload, exactly as tabulated in the wire format specification.
// Accessors read fixed offsets; Unmarshal never mutates its input.
type Packet struct {
	SendStreamID    uint32
	RecvStreamID    uint32
	SequenceNumber  uint32
	AckThrough      uint32
	NACKs           []uint32 // always empty on send; parsed and ignored on receive
	ResendDelay     uint8
	Flags           uint16
	FromIdentity    *Identity
	MaxPacketSize   uint16
	Signature       [SignatureLength]byte
	Payload         []byte
}

// IsSYN reports whether the packet carries the SYNCHRONIZE flag.
func (p *Packet) IsSYN() bool {
	return p.Flags&FlagSynchronize != 0
}

// IsPureAck reports whether the packet is a zero-payload
// acknowledgement: sequence number 0 and not a SYN.
func (p *Packet) IsPureAck() bool {
	return p.SequenceNumber == 0 && !p.IsSYN()
}

// optionsSize returns the byte length of the options block implied by
// the packet's flags.
func (p *Packet) optionsSize() int {
	size := 0
	if p.Flags&FlagFromIncluded != 0 {
		size += IdentityLength
	}
	if p.Flags&FlagMaxPacketSizeIncluded != 0 {
		size += 2
	}
	if p.Flags&FlagSignatureIncluded != 0 {
		size += SignatureLength
	}
	return size
}

// Marshal serializes the packet into wire bytes. Field order in the
// header is send_stream_id, recv_stream_id, sequence_number,
// ack_through, nack_count, resend_delay, NACKs, flags, options_size,
// options; options are ordered FROM, MAX_PACKET_SIZE, SIGNATURE when
// present, matching the byte-for-byte layout of the original
// implementation this protocol is modeled on.
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.NACKs) > 255 {
		return nil, fmt.Errorf("marshal packet: too many NACKs: got %d, max 255", len(p.NACKs))
	}
	if p.Flags&FlagFromIncluded != 0 && p.FromIdentity == nil {
		return nil, fmt.Errorf("marshal packet: FlagFromIncluded set but FromIdentity is nil")
	}

	optSize := p.optionsSize()
	buf := make([]byte, 0, headerLength+len(p.NACKs)*4+2+2+optSize+len(p.Payload))

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], p.SendStreamID)
	buf = append(buf, u32[:]...)
	binary.BigEndian.PutUint32(u32[:], p.RecvStreamID)
	buf = append(buf, u32[:]...)
	binary.BigEndian.PutUint32(u32[:], p.SequenceNumber)
	buf = append(buf, u32[:]...)
	binary.BigEndian.PutUint32(u32[:], p.AckThrough)
	buf = append(buf, u32[:]...)

	buf = append(buf, byte(len(p.NACKs)))
	buf = append(buf, p.ResendDelay)
	for _, n := range p.NACKs {
		binary.BigEndian.PutUint32(u32[:], n)
		buf = append(buf, u32[:]...)
	}

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], p.Flags)
	buf = append(buf, u16[:]...)
	binary.BigEndian.PutUint16(u16[:], uint16(optSize))
	buf = append(buf, u16[:]...)

	if p.Flags&FlagFromIncluded != 0 {
		buf = append(buf, p.FromIdentity.Marshal()...)
	}
	if p.Flags&FlagMaxPacketSizeIncluded != 0 {
		binary.BigEndian.PutUint16(u16[:], p.MaxPacketSize)
		buf = append(buf, u16[:]...)
	}
	if p.Flags&FlagSignatureIncluded != 0 {
		buf = append(buf, p.Signature[:]...)
	}

	buf = append(buf, p.Payload...)
	return buf, nil
}

// signatureOffset returns the byte offset at which the SIGNATURE
// option begins in a marshaled form of the packet. It is used to
// overwrite the signature in place after signing, per the
// reserve-then-overwrite recipe: signing covers the whole packet with
// the signature bytes zeroed, so the signature itself cannot be
// computed until everything else is fixed, but its position can be.
func (p *Packet) signatureOffset() int {
	offset := headerLength + len(p.NACKs)*4 + 2 + 2
	if p.Flags&FlagFromIncluded != 0 {
		offset += IdentityLength
	}
	if p.Flags&FlagMaxPacketSizeIncluded != 0 {
		offset += 2
	}
	return offset
}

// Unmarshal parses wire bytes into the packet, leaving data untouched.
func (p *Packet) Unmarshal(data []byte) error {
	if len(data) < headerLength+2+2 {
		return fmt.Errorf("unmarshal packet: too short: got %d bytes, need at least %d", len(data), headerLength+4)
	}

	offset := 0
	p.SendStreamID = binary.BigEndian.Uint32(data[offset:])
	offset += 4
	p.RecvStreamID = binary.BigEndian.Uint32(data[offset:])
	offset += 4
	p.SequenceNumber = binary.BigEndian.Uint32(data[offset:])
	offset += 4
	p.AckThrough = binary.BigEndian.Uint32(data[offset:])
	offset += 4

	nackCount := int(data[offset])
	offset++
	p.ResendDelay = data[offset]
	offset++

	if nackCount > 0 {
		if len(data) < offset+nackCount*4 {
			return fmt.Errorf("unmarshal packet: too short for %d NACKs", nackCount)
		}
		p.NACKs = make([]uint32, nackCount)
		for i := 0; i < nackCount; i++ {
			p.NACKs[i] = binary.BigEndian.Uint32(data[offset:])
			offset += 4
		}
	} else {
		p.NACKs = nil
	}

	if len(data) < offset+4 {
		return fmt.Errorf("unmarshal packet: too short for flags/options_size")
	}
	p.Flags = binary.BigEndian.Uint16(data[offset:])
	offset += 2
	optionsSize := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2

	if len(data) < offset+optionsSize {
		return fmt.Errorf("unmarshal packet: too short for options: need %d, have %d", optionsSize, len(data)-offset)
	}
	optionsEnd := offset + optionsSize

	if p.Flags&FlagFromIncluded != 0 {
		if offset+IdentityLength > optionsEnd {
			return fmt.Errorf("unmarshal packet: options too short for FROM identity")
		}
		id, err := UnmarshalIdentity(data[offset : offset+IdentityLength])
		if err != nil {
			return fmt.Errorf("unmarshal packet: FROM identity: %w", err)
		}
		p.FromIdentity = id
		offset += IdentityLength
	} else {
		p.FromIdentity = nil
	}

	if p.Flags&FlagMaxPacketSizeIncluded != 0 {
		if offset+2 > optionsEnd {
			return fmt.Errorf("unmarshal packet: options too short for MAX_PACKET_SIZE")
		}
		p.MaxPacketSize = binary.BigEndian.Uint16(data[offset:])
		offset += 2
	} else {
		p.MaxPacketSize = 0
	}

	if p.Flags&FlagSignatureIncluded != 0 {
		if offset+SignatureLength > optionsEnd {
			return fmt.Errorf("unmarshal packet: options too short for SIGNATURE")
		}
		copy(p.Signature[:], data[offset:offset+SignatureLength])
		offset += SignatureLength
	} else {
		p.Signature = [SignatureLength]byte{}
	}

	// Any remaining, unrecognized option bytes are skipped rather than
	// interpreted; only the three flags above are meaningful here.
	offset = optionsEnd

	if offset < len(data) {
		p.Payload = data[offset:]
	} else {
		p.Payload = nil
	}
	return nil
}
