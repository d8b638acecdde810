package streaming

import "golang.org/x/exp/slices"

// MaxReorderBufferEntries bounds how many out-of-order packets a
// stream will hold while waiting for a gap to fill. A packet that
// would exceed the bound is dropped and logged rather than kept, so a
// stalled peer cannot grow a stream's memory usage without limit.
const MaxReorderBufferEntries = 512

// reorderBuffer holds packets received ahead of the next expected
// sequence number, ordered by sequence number with no duplicates.
// Insertion and peek/pop-lowest are the only operations a stream
// needs, so a sorted slice with binary-search insertion is used
// rather than a general-purpose tree.
type reorderBuffer struct {
	packets []*Packet
}

// newReorderBuffer returns an empty reorder buffer.
func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{}
}

// Len returns the number of buffered packets.
func (b *reorderBuffer) Len() int {
	return len(b.packets)
}

// Full reports whether the buffer is at its capacity.
func (b *reorderBuffer) Full() bool {
	return len(b.packets) >= MaxReorderBufferEntries
}

// Insert adds packet to the buffer in sequence order. It is a no-op
// (returning false) if a packet with the same sequence number is
// already present, or if the buffer is full.
func (b *reorderBuffer) Insert(packet *Packet) bool {
	if b.Full() {
		return false
	}
	idx, found := slices.BinarySearchFunc(b.packets, packet.SequenceNumber, func(p *Packet, seq uint32) int {
		switch {
		case p.SequenceNumber < seq:
			return -1
		case p.SequenceNumber > seq:
			return 1
		default:
			return 0
		}
	})
	if found {
		return false
	}
	b.packets = slices.Insert(b.packets, idx, packet)
	return true
}

// PopIfNext removes and returns the lowest-sequence packet if its
// sequence number equals expected. It returns nil, false otherwise.
func (b *reorderBuffer) PopIfNext(expected uint32) (*Packet, bool) {
	if len(b.packets) == 0 || b.packets[0].SequenceNumber != expected {
		return nil, false
	}
	p := b.packets[0]
	b.packets = b.packets[1:]
	return p, true
}
