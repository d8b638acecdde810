package streaming

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// DefaultTunnelHops is the hop count used for a destination's tunnel
// pool unless Config overrides it.
const DefaultTunnelHops = 3

// AcceptorFunc is invoked, on the dispatch loop, whenever a new
// incoming stream is created from an inbound packet with
// send_stream_id 0. It is the
// server-role hook: implementations typically hand the stream off to
// application code (e.g. by sending it down a channel) rather than
// blocking the dispatch loop.
type AcceptorFunc func(*Stream)

// StreamingDestination is an endpoint: an identity plus its signing
// and encryption keys, an owned tunnel pool, and a table of active
// streams indexed by local (receive) stream id. It demultiplexes
// inbound packets by send-stream id and publishes its own lease-set.
type StreamingDestination struct {
	signer    Signer
	verifier  Verifier
	identity  *Identity
	identHash IdentHash

	tunnelPool TunnelPool
	leaseSetDB LeaseSetDB
	garlic     GarlicWrapper

	leaseSet *LeaseSet
	streams  map[uint32]*Stream
	acceptor AcceptorFunc

	verifyInboundSignatures bool
	profileInteractive      bool

	submit func(func())
}

// newStreamingDestination constructs a destination around an existing
// signer (loaded from disk or freshly generated) and its collaborator
// interfaces. Called only from the dispatch loop, by
// StreamingRegistry.
func newStreamingDestination(signer Signer, verifier Verifier, pool TunnelPool, db LeaseSetDB, garlic GarlicWrapper, verifySignatures bool, submit func(func())) *StreamingDestination {
	identity := signer.Identity()
	return &StreamingDestination{
		signer:                  signer,
		verifier:                verifier,
		identity:                identity,
		identHash:               identity.Hash(),
		tunnelPool:              pool,
		leaseSetDB:              db,
		garlic:                  garlic,
		streams:                 make(map[uint32]*Stream),
		verifyInboundSignatures: verifySignatures,
		submit:                  submit,
	}
}

// GetIdentHash returns the destination's address.
func (d *StreamingDestination) GetIdentHash() IdentHash { return d.identHash }

// GetIdentity returns the destination's public identity.
func (d *StreamingDestination) GetIdentity() *Identity { return d.identity }

// SetAcceptor installs the server-role callback invoked for new
// incoming streams.
func (d *StreamingDestination) SetAcceptor(fn AcceptorFunc) {
	d.submit(func() { d.acceptor = fn })
}

// Sign signs buf with the destination's signing key.
func (d *StreamingDestination) Sign(buf []byte) ([SignatureLength]byte, error) {
	return d.signer.Sign(buf)
}

// CreateNewOutgoingStream allocates a client-role stream bound to
// remote, registers it by its recvStreamID, and returns it. Must run
// on the dispatch loop.
func (d *StreamingDestination) CreateNewOutgoingStream(remote *LeaseSet) (*Stream, error) {
	s, err := newStream(d, remote, true)
	if err != nil {
		return nil, err
	}
	d.streams[s.recvStreamID] = s
	return s, nil
}

// CreateNewIncomingStream allocates a server-role stream with no
// remote binding yet, registers it, and returns it. Must run on the
// dispatch loop.
func (d *StreamingDestination) CreateNewIncomingStream() (*Stream, error) {
	s, err := newStream(d, nil, false)
	if err != nil {
		return nil, err
	}
	d.streams[s.recvStreamID] = s
	return s, nil
}

// DeleteStream unregisters and releases stream. Must run on the
// dispatch loop.
func (d *StreamingDestination) DeleteStream(s *Stream) {
	if s == nil {
		return
	}
	delete(d.streams, s.recvStreamID)
}

// HandleNextPacket demultiplexes an inbound packet: if it names a
// known stream by send_stream_id, forwards it there; if send_stream_id
// is 0, it is the first packet of a new incoming stream, so one is
// created, the acceptor (if any) is invoked, and the packet is
// forwarded to it. Must run on the dispatch loop.
func (d *StreamingDestination) HandleNextPacket(p *Packet) {
	if p.SendStreamID != 0 {
		s, ok := d.streams[p.SendStreamID]
		if !ok {
			log.Debug().Uint32("sendStreamID", p.SendStreamID).Msg("unknown stream, dropping packet")
			return
		}
		s.HandleNextPacket(p)
		return
	}

	s, err := d.CreateNewIncomingStream()
	if err != nil {
		log.Error().Err(err).Msg("failed to create incoming stream")
		return
	}
	if d.acceptor != nil {
		d.acceptor(s)
	}
	s.HandleNextPacket(p)
}

// GetLeaseSet returns the cached lease-set, rebuilding it from the
// tunnel pool if absent or if any of its leases have expired. On
// rebuild, every existing stream is marked to piggyback the new
// lease-set on its next outbound packet. Must run on the dispatch
// loop.
func (d *StreamingDestination) GetLeaseSet() *LeaseSet {
	if d.leaseSet == nil || d.leaseSet.HasExpiredLeases() {
		d.leaseSet = d.tunnelPool.CreateLeaseSet(d.identHash)
		for _, s := range d.streams {
			s.leaseSetPiggybackPending = true
		}
	}
	return d.leaseSet
}

// leaseSetMessage returns a piggyback-ready encoding of the current
// lease-set, or nil if none is available yet.
func (d *StreamingDestination) leaseSetMessage() []byte {
	ls := d.GetLeaseSet()
	if ls == nil {
		return nil
	}
	buf := make([]byte, 0, 32+4*len(ls.Leases))
	buf = append(buf, ls.Owner[:]...)
	for _, l := range ls.Leases {
		buf = append(buf, l.TunnelGateway[:]...)
		var idBuf [4]byte
		for i := 0; i < 4; i++ {
			idBuf[i] = byte(l.TunnelID >> (24 - 8*i))
		}
		buf = append(buf, idBuf[:]...)
	}
	return buf
}

func (d *StreamingDestination) String() string {
	return fmt.Sprintf("StreamingDestination(%s)", d.identHash)
}
