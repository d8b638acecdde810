package streaming

import (
	"fmt"
	"sync"
)

// LoopbackNetwork is a fake substrate for local testing and the
// cmd/streamingd demo daemon: it stands in for the tunnel pool, lease
// set database, and garlic wrapper collaborators, delivering data
// messages directly between registries in the same process instead of
// building real tunnels. It is not part of the protocol; it exists so
// this layer can be exercised end to end without a live router.
type LoopbackNetwork struct {
	mu    sync.Mutex
	nodes map[IdentHash]*StreamingRegistry
}

// NewLoopbackNetwork returns an empty loopback network.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{nodes: make(map[IdentHash]*StreamingRegistry)}
}

// Register makes dest's traffic deliverable through the network.
func (n *LoopbackNetwork) Register(dest IdentHash, registry *StreamingRegistry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[dest] = registry
}

// Unregister removes dest from the network.
func (n *LoopbackNetwork) Unregister(dest IdentHash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, dest)
}

// deliver hands buf to dest's registry as an inbound data message, if
// dest is known to the network.
func (n *LoopbackNetwork) deliver(dest IdentHash, buf []byte) error {
	n.mu.Lock()
	registry, ok := n.nodes[dest]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("loopback: no such destination %s", dest)
	}
	registry.HandleDataMessage(dest, buf)
	return nil
}

// NewTunnelPool returns a TunnelPool that advertises a single
// loopback lease, valid for ten minutes from each CreateLeaseSet call,
// for whichever owner CreateLeaseSet is called with.
func (n *LoopbackNetwork) NewTunnelPool() TunnelPool {
	return &loopbackTunnelPool{network: n}
}

// LeaseSetDB returns the network's shared lease-set directory: every
// registered destination resolves to whatever lease-set the shared
// local destination of its registry last published.
func (n *LoopbackNetwork) LeaseSetDB() LeaseSetDB {
	return &loopbackLeaseSetDB{network: n}
}

// GarlicWrapper returns a pass-through garlic layer for the loopback
// network. Real garlic wrapping splits inner and piggyback into
// separate cloves that the receiving router delivers as independent
// data messages; the loopback network has no router to do that
// splitting, so it delivers inner alone and drops any piggyback,
// which is enough to exercise the streaming layer itself but not
// lease-set piggyback delivery.
func (n *LoopbackNetwork) GarlicWrapper() GarlicWrapper {
	return loopbackGarlicWrapper{}
}

type loopbackTunnelPool struct {
	network *LoopbackNetwork

	mu       sync.Mutex
	leaseSet *LeaseSet
	nextID   uint32
}

func (p *loopbackTunnelPool) NextOutboundTunnel() (OutboundTunnel, bool) {
	return loopbackOutboundTunnel{network: p.network}, true
}

func (p *loopbackTunnelPool) CreateLeaseSet(owner IdentHash) *LeaseSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	ls := &LeaseSet{
		Owner: owner,
		Leases: []Lease{{
			TunnelGateway: owner,
			TunnelID:      p.nextID,
			EndDate:       nowMs() + int64(10*60*1000),
		}},
	}
	p.leaseSet = ls
	return ls
}

func (p *loopbackTunnelPool) currentLeaseSet() (*LeaseSet, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leaseSet == nil {
		return nil, false
	}
	return p.leaseSet, true
}

type loopbackOutboundTunnel struct {
	network *LoopbackNetwork
}

func (t loopbackOutboundTunnel) SendTunnelDataMessage(gateway IdentHash, tunnelID uint32, msg []byte) error {
	return t.network.deliver(gateway, msg)
}

type loopbackLeaseSetDB struct {
	network *LoopbackNetwork
}

func (db *loopbackLeaseSetDB) FindLeaseSet(dest IdentHash) (*LeaseSet, bool) {
	db.network.mu.Lock()
	registry, ok := db.network.nodes[dest]
	db.network.mu.Unlock()
	if !ok {
		return nil, false
	}
	sharedDest := registry.GetSharedLocalDestination()
	if sharedDest == nil {
		return nil, false
	}
	pool, ok := sharedDest.tunnelPool.(*loopbackTunnelPool)
	if !ok {
		return nil, false
	}
	return pool.currentLeaseSet()
}

type loopbackGarlicWrapper struct{}

func (loopbackGarlicWrapper) Wrap(remote *LeaseSet, inner []byte, piggyback []byte) ([]byte, error) {
	return inner, nil
}
