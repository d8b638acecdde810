package streaming

import "time"

// Lease names one inbound tunnel of some destination: the gateway
// router's identity hash, the tunnel id at that gateway, and the
// millisecond-epoch time after which the tunnel should no longer be
// used.
type Lease struct {
	TunnelGateway IdentHash
	TunnelID      uint32
	EndDate       int64 // milliseconds since epoch
}

// Expired reports whether the lease is no longer valid at the given
// time (in milliseconds since epoch).
func (l Lease) Expired(nowMs int64) bool {
	return nowMs >= l.EndDate
}

// LeaseSet is a signed, expiring advertisement of a destination's
// inbound tunnels. Signature verification and network-database
// storage are handled by the external lease-set directory (spec
// section 1); this type only carries the fields this layer consumes.
type LeaseSet struct {
	Owner  IdentHash
	Leases []Lease
}

// IdentHash returns the identity hash of the destination this
// lease-set advertises.
func (ls *LeaseSet) IdentHash() IdentHash {
	return ls.Owner
}

// NonExpiredLeases returns the leases in the set that have not yet
// passed their end date, evaluated at the given time.
func (ls *LeaseSet) NonExpiredLeases(nowMs int64) []Lease {
	out := make([]Lease, 0, len(ls.Leases))
	for _, l := range ls.Leases {
		if !l.Expired(nowMs) {
			out = append(out, l)
		}
	}
	return out
}

// HasExpiredLeases reports whether any lease in the set has passed
// its end date, evaluated at the current time.
func (ls *LeaseSet) HasExpiredLeases() bool {
	now := nowMs()
	for _, l := range ls.Leases {
		if l.Expired(now) {
			return true
		}
	}
	return false
}

// nowMs returns the current time in milliseconds since epoch. Kept as
// a single indirection point so tests can reason about lease
// expiration without sleeping.
func nowMs() int64 {
	return time.Now().UnixMilli()
}

// LeaseSetDB is the lease-set database / directory: an external
// collaborator (spec section 1) that resolves a destination hash to
// its currently known lease-set.
type LeaseSetDB interface {
	FindLeaseSet(dest IdentHash) (*LeaseSet, bool)
}

// OutboundTunnel is a single outbound tunnel obtained from a
// TunnelPool, able to hand a wrapped message to a specific gateway on
// a peer's inbound tunnel.
type OutboundTunnel interface {
	SendTunnelDataMessage(gateway IdentHash, tunnelID uint32, msg []byte) error
}

// TunnelPool is the tunnel pool: an external collaborator (spec
// section 1) that manages a destination's inbound/outbound tunnels
// and can build a fresh LeaseSet advertising the current inbound set.
type TunnelPool interface {
	NextOutboundTunnel() (OutboundTunnel, bool)
	CreateLeaseSet(owner IdentHash) *LeaseSet
}

// GarlicWrapper is the garlic/onion encryption layer: an external
// collaborator (spec section 1) that wraps an outbound payload for a
// destination, optionally piggybacking a second message (typically a
// fresh lease-set advertisement) in the same garlic clove set.
type GarlicWrapper interface {
	Wrap(remote *LeaseSet, inner []byte, piggyback []byte) ([]byte, error)
}
