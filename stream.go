package streaming

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// StreamState is the lifecycle state of a Stream: INIT for an
// outgoing stream that has not yet sent its opening packet, OPEN once
// a SYN has gone out (outgoing) or a stream has been born from an
// inbound SYN (incoming), and CLOSED, terminal, once either side has
// sent or received a CLOSE.
type StreamState int

const (
	StreamInit StreamState = iota
	StreamOpen
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamInit:
		return "INIT"
	case StreamOpen:
		return "OPEN"
	case StreamClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Stream is a single reliable, ordered, bidirectional message stream.
// All of its state is mutated only from its destination's dispatch
// loop; the public methods below schedule work onto that loop rather
// than mutating state directly, per the concurrency model.
type Stream struct {
	traceID string // ulid, for correlating log lines across the dispatch loop

	recvStreamID uint32
	sendStreamID uint32 // 0 until the peer's first packet is observed

	remoteIdentity *Identity
	remoteLeaseSet *LeaseSet
	currentRemoteLease Lease

	sequenceNumber             uint32 // next outbound sequence number
	lastReceivedSequenceNumber uint32

	reorderBuf   *reorderBuffer
	receiveQueue []*Packet

	state                    StreamState
	isOutgoing               bool
	leaseSetPiggybackPending bool

	destination *StreamingDestination
	submit      func(func())
}

// newStream constructs a Stream registered under a fresh, unique
// (within its destination) recvStreamID. Called only from the
// dispatch loop, by StreamingDestination.
func newStream(dest *StreamingDestination, remote *LeaseSet, outgoing bool) (*Stream, error) {
	id, err := generateStreamID()
	if err != nil {
		return nil, fmt.Errorf("new stream: %w", err)
	}

	s := &Stream{
		traceID:        ulid.Make().String(),
		recvStreamID:   id,
		remoteLeaseSet: remote,
		reorderBuf:     newReorderBuffer(),
		isOutgoing:     outgoing,
		destination:    dest,
		submit:         dest.submit,
	}
	if outgoing {
		s.state = StreamInit
	} else {
		s.state = StreamOpen
	}
	return s, nil
}

// generateStreamID returns a random, non-zero stream id: 0 is
// reserved to mean "first packet of a new incoming stream".
func generateStreamID() (uint32, error) {
	for {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate stream id: %w", err)
		}
		id := binary.BigEndian.Uint32(buf[:])
		if id != 0 {
			return id, nil
		}
	}
}

func (s *Stream) String() string {
	return fmt.Sprintf("Stream(%s recv=%d send=%d %s)", s.traceID, s.recvStreamID, s.sendStreamID, s.state)
}

// GetRecvStreamID returns this stream's local (receive) stream id.
func (s *Stream) GetRecvStreamID() uint32 { return s.recvStreamID }

// GetSendStreamID returns the peer's stream id, or 0 if not yet known.
// Reads round-trip through the dispatch loop since sendStreamID is
// learned asynchronously from the first inbound packet.
func (s *Stream) GetSendStreamID() uint32 {
	id := make(chan uint32, 1)
	s.submit(func() { id <- s.sendStreamID })
	return <-id
}

// GetLocalDestination returns the destination this stream belongs to.
func (s *Stream) GetLocalDestination() *StreamingDestination { return s.destination }

// SetLeaseSetUpdated marks that the next outbound packet on this
// stream should piggyback a fresh local lease-set advertisement.
func (s *Stream) SetLeaseSetUpdated() {
	s.submit(func() {
		s.leaseSetPiggybackPending = true
	})
}

// IsOpen reports whether the stream is currently in the OPEN state.
func (s *Stream) IsOpen() bool {
	open := make(chan bool, 1)
	s.submit(func() { open <- s.state == StreamOpen })
	return <-open
}

// Send builds and schedules a single packet carrying data. The first
// Send on an outgoing stream produces the opening SYN packet, signed
// and carrying the local identity and advertised MTU; later sends (or
// the first send on an already-open incoming stream) carry no flags
// or options. Returns the number of payload bytes accepted; 0 if the
// stream is closed. Transmission failures are logged, not reported
// through this return value.
//
// timeoutMs is the caller's deadline for this send, counted from the
// moment Send is called. This layer does not retransmit and does not
// act on the deadline by dropping or delaying anything; it is stored
// only so that if the dispatch loop is backed up enough that the
// deadline has already passed by the time this send is actually
// processed, that fact is logged rather than silently ignored.
// timeoutMs <= 0 means no deadline.
func (s *Stream) Send(data []byte, timeoutMs int) int {
	enqueuedAt := time.Now()
	accepted := make(chan int, 1)
	s.submit(func() {
		if timeoutMs > 0 {
			if elapsed := time.Since(enqueuedAt); elapsed > time.Duration(timeoutMs)*time.Millisecond {
				log.Warn().Str("stream", s.traceID).
					Dur("elapsed", elapsed).
					Int("timeoutMs", timeoutMs).
					Msg("send reached the dispatch loop after its deadline had already elapsed")
			}
		}

		if s.state == StreamClosed {
			log.Warn().Str("stream", s.traceID).Msg("send on closed stream rejected")
			accepted <- 0
			return
		}

		pkt := &Packet{
			SendStreamID:   s.sendStreamID,
			RecvStreamID:   s.recvStreamID,
			SequenceNumber: s.sequenceNumber,
			AckThrough:     0,
			Payload:        data,
		}
		s.sequenceNumber++

		var wire []byte
		var err error
		if s.state == StreamInit {
			s.state = StreamOpen
			pkt.Flags = FlagSynchronize | FlagFromIncluded | FlagSignatureIncluded |
				FlagMaxPacketSizeIncluded | FlagNoAck
			if s.destination.profileInteractive {
				pkt.Flags |= FlagProfileInteractive
			}
			pkt.FromIdentity = s.destination.identity
			pkt.MaxPacketSize = StreamingMTU
			wire, err = signPacket(pkt, s.destination.signer)
		} else {
			wire, err = pkt.Marshal()
		}
		if err != nil {
			log.Error().Err(err).Str("stream", s.traceID).Msg("failed to build outbound packet")
			accepted <- 0
			return
		}

		s.transmit(wire)
		accepted <- len(data)
	})
	return <-accepted
}

// Close is idempotent. If the stream is open, it emits one signed FIN
// packet (CLOSE|SIGNATURE_INCLUDED) and marks the stream closed;
// otherwise it does nothing.
func (s *Stream) Close() {
	done := make(chan struct{})
	s.submit(func() {
		defer close(done)
		if s.state != StreamOpen {
			return
		}

		pkt := &Packet{
			SendStreamID:   s.sendStreamID,
			RecvStreamID:   s.recvStreamID,
			SequenceNumber: s.sequenceNumber,
			AckThrough:     s.lastReceivedSequenceNumber,
			Flags:          FlagClose | FlagSignatureIncluded,
		}
		s.sequenceNumber++

		wire, err := signPacket(pkt, s.destination.signer)
		s.state = StreamClosed
		if err != nil {
			log.Error().Err(err).Str("stream", s.traceID).Msg("failed to sign FIN packet")
			return
		}
		log.Debug().Str("stream", s.traceID).Msg("FIN sent")
		s.transmit(wire)
	})
	<-done
}

// ConcatenatePackets drains up to len(out) bytes from the head of the
// receive queue into out, advancing per-packet offsets and freeing
// packets as they are fully consumed. Non-blocking; returns 0 if the
// queue is empty.
func (s *Stream) ConcatenatePackets(out []byte) int {
	n := make(chan int, 1)
	s.submit(func() {
		pos := 0
		for pos < len(out) && len(s.receiveQueue) > 0 {
			p := s.receiveQueue[0]
			copied := copy(out[pos:], p.Payload)
			pos += copied
			p.Payload = p.Payload[copied:]
			if len(p.Payload) == 0 {
				s.receiveQueue = s.receiveQueue[1:]
			}
		}
		n <- pos
	})
	return <-n
}

// HandleNextPacket processes an inbound packet already demultiplexed
// to this stream. Must be called from the dispatch loop.
func (s *Stream) HandleNextPacket(p *Packet) {
	if s.sendStreamID == 0 {
		s.sendStreamID = p.RecvStreamID
	}

	r := p.SequenceNumber
	if r == 0 && !p.IsSYN() {
		log.Trace().Str("stream", s.traceID).Msg("plain ack received")
		return
	}

	switch {
	case r == 0 || r == s.lastReceivedSequenceNumber+1:
		s.processPacket(p)
		for {
			next, ok := s.reorderBuf.PopIfNext(s.lastReceivedSequenceNumber + 1)
			if !ok {
				break
			}
			s.processPacket(next)
		}
		if s.state == StreamOpen {
			s.sendQuickAck()
		}
	case r <= s.lastReceivedSequenceNumber:
		log.Debug().Str("stream", s.traceID).Uint32("seqn", r).Msg("duplicate packet received, refreshing lease")
		s.updateCurrentRemoteLease()
		s.sendQuickAck()
	default:
		log.Debug().Str("stream", s.traceID).
			Uint32("from", s.lastReceivedSequenceNumber+1).
			Uint32("to", r-1).
			Msg("missing packets, buffering out-of-order arrival")
		if !s.reorderBuf.Insert(p) {
			log.Warn().Str("stream", s.traceID).Uint32("seqn", r).Msg("reorder buffer full or duplicate, dropping packet")
		}
	}
}

// processPacket applies a single, next-in-sequence packet: identity
// binding, delivery to the receive queue, and CLOSE handling. It
// updates lastReceivedSequenceNumber unconditionally per packet, unless
// signature verification is enabled and fails: the packet is then
// dropped before it updates lastReceivedSequenceNumber, the receive
// queue or the CLOSE state. A FROM identity the packet carries is bound
// (and checked against the bound lease-set) before verification, so
// that binding stays in place even when verification fails.
func (s *Stream) processPacket(p *Packet) {
	if p.Flags&FlagFromIncluded != 0 {
		s.remoteIdentity = p.FromIdentity
		if s.remoteLeaseSet != nil && s.remoteIdentity != nil {
			if s.remoteIdentity.Hash() != s.remoteLeaseSet.IdentHash() {
				log.Warn().Str("stream", s.traceID).Msg("FROM identity does not match bound lease-set, dropping binding")
				s.remoteLeaseSet = nil
			}
		} else if s.remoteIdentity != nil {
			log.Debug().Str("stream", s.traceID).Str("from", s.remoteIdentity.Hash().String()).Msg("incoming stream identity learned")
		}
	}

	if p.Flags&FlagSignatureIncluded != 0 && s.destination.verifyInboundSignatures && s.remoteIdentity != nil {
		if err := verifyPacketSignature(p, s.remoteIdentity, s.destination.verifier); err != nil {
			log.Warn().Err(err).Str("stream", s.traceID).Uint32("seqn", p.SequenceNumber).Msg("inbound signature verification failed, dropping packet")
			return
		}
	}

	s.lastReceivedSequenceNumber = p.SequenceNumber

	if len(p.Payload) > 0 {
		s.receiveQueue = append(s.receiveQueue, p)
	}

	if p.Flags&FlagClose != 0 {
		log.Debug().Str("stream", s.traceID).Msg("stream closed by peer")
		s.sendQuickAck()
		s.state = StreamClosed
	}
}

// sendQuickAck emits a zero-payload packet reporting ack_through as
// lastReceivedSequenceNumber. It must run on the dispatch loop.
func (s *Stream) sendQuickAck() {
	pkt := &Packet{
		SendStreamID:   s.sendStreamID,
		RecvStreamID:   s.recvStreamID,
		SequenceNumber: 0,
		AckThrough:     s.lastReceivedSequenceNumber,
	}
	wire, err := pkt.Marshal()
	if err != nil {
		log.Error().Err(err).Str("stream", s.traceID).Msg("failed to build quick ack")
		return
	}
	log.Trace().Str("stream", s.traceID).Uint32("ackThrough", s.lastReceivedSequenceNumber).Msg("quick ack sent")
	s.transmit(wire)
}

// transmit performs the outbound send path of section 4.2: resolve or
// refresh the remote lease-set, piggyback a local lease-set update if
// pending, garlic-wrap addressed to the remote lease-set, refresh the
// current lease if expired, and hand off to an outbound tunnel.
// Any failure is logged and the send is dropped; this layer does not
// retry.
func (s *Stream) transmit(payload []byte) {
	dest := s.destination

	if s.remoteLeaseSet == nil {
		s.updateCurrentRemoteLease()
		if s.remoteLeaseSet == nil {
			log.Warn().Str("stream", s.traceID).Msg("can't send packet: missing remote lease-set")
			return
		}
	}

	var piggyback []byte
	if s.leaseSetPiggybackPending {
		piggyback = dest.leaseSetMessage()
		s.leaseSetPiggybackPending = false
	}

	dataMsg, err := CreateDataMessage(payload)
	if err != nil {
		log.Error().Err(err).Str("stream", s.traceID).Msg("failed to build data message")
		return
	}

	wrapped, err := dest.garlic.Wrap(s.remoteLeaseSet, dataMsg, piggyback)
	if err != nil {
		log.Error().Err(err).Str("stream", s.traceID).Msg("garlic wrap failed")
		return
	}

	if s.currentRemoteLease.Expired(nowMs()) {
		s.updateCurrentRemoteLease()
	}
	if s.currentRemoteLease.Expired(nowMs()) {
		log.Warn().Str("stream", s.traceID).Msg("all leases are expired")
		return
	}

	tunnel, ok := dest.tunnelPool.NextOutboundTunnel()
	if !ok {
		log.Warn().Str("stream", s.traceID).Msg("no outbound tunnels in the pool")
		return
	}

	if err := tunnel.SendTunnelDataMessage(s.currentRemoteLease.TunnelGateway, s.currentRemoteLease.TunnelID, wrapped); err != nil {
		log.Error().Err(err).Str("stream", s.traceID).Msg("failed to send tunnel data message")
	}
}

// updateCurrentRemoteLease resolves the remote lease-set if unbound,
// then picks a lease uniformly at random from the non-expired set. If
// none exist, the current lease is marked with EndDate 0, a sentinel
// meaning no viable path exists.
func (s *Stream) updateCurrentRemoteLease() {
	if s.remoteLeaseSet == nil {
		if s.remoteIdentity == nil {
			s.currentRemoteLease = Lease{EndDate: 0}
			return
		}
		if ls, ok := s.destination.leaseSetDB.FindLeaseSet(s.remoteIdentity.Hash()); ok {
			s.remoteLeaseSet = ls
		} else {
			log.Debug().Str("stream", s.traceID).Str("identity", s.remoteIdentity.Hash().String()).Msg("lease-set not found")
		}
	}

	if s.remoteLeaseSet != nil {
		leases := s.remoteLeaseSet.NonExpiredLeases(nowMs())
		if len(leases) > 0 {
			idx := randomLeaseIndex(len(leases))
			s.currentRemoteLease = leases[idx]
			return
		}
	}
	s.currentRemoteLease = Lease{EndDate: 0}
}

// randomLeaseIndex returns a uniformly random index in [0, n).
func randomLeaseIndex(n int) int {
	if n <= 1 {
		return 0
	}
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(idx.Int64())
}
