package streaming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, network *LoopbackNetwork) *StreamingRegistry {
	t.Helper()
	cfg := &Config{TunnelHops: 1}
	registry, err := NewStreamingRegistry(cfg, func(hops int) TunnelPool { return network.NewTunnelPool() }, network.LeaseSetDB(), network.GarlicWrapper())
	require.NoError(t, err)
	require.NoError(t, registry.Start())
	t.Cleanup(func() { registry.Stop() })

	shared := registry.GetSharedLocalDestination()
	require.NotNil(t, shared)
	network.Register(shared.GetIdentHash(), registry)
	return registry
}

func leaseSetOf(t *testing.T, registry *StreamingRegistry) *LeaseSet {
	t.Helper()
	dest := registry.GetSharedLocalDestination()
	ls := make(chan *LeaseSet, 1)
	registry.loop.PostSync(func() { ls <- dest.GetLeaseSet() })
	return <-ls
}

func TestRegistryStartCreatesSharedDestination(t *testing.T) {
	network := NewLoopbackNetwork()
	registry := newTestRegistry(t, network)

	shared := registry.GetSharedLocalDestination()
	require.NotNil(t, shared)
	assert.NotEqual(t, IdentHash{}, shared.GetIdentHash())
}

func TestRegistryEndToEndStreamRoundTrip(t *testing.T) {
	network := NewLoopbackNetwork()
	client := newTestRegistry(t, network)
	server := newTestRegistry(t, network)

	accepted := make(chan *Stream, 1)
	server.GetSharedLocalDestination().SetAcceptor(func(s *Stream) {
		accepted <- s
	})

	remote := leaseSetOf(t, server)

	clientStream, err := client.CreateClientStream(remote)
	require.NoError(t, err)

	n := clientStream.Send([]byte("ping"), 0)
	assert.Equal(t, 4, n)

	var serverStream *Stream
	select {
	case serverStream = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted an incoming stream")
	}

	buf := make([]byte, 4)
	require.Eventually(t, func() bool {
		return serverStream.ConcatenatePackets(buf) == 4
	}, time.Second, time.Millisecond)
	assert.Equal(t, []byte("ping"), buf)

	clientStream.Close()
}

func TestRegistryBuildDestinationAppliesInteractiveProfile(t *testing.T) {
	network := NewLoopbackNetwork()
	cfg := &Config{TunnelHops: 1, Profile: "interactive"}
	registry, err := NewStreamingRegistry(cfg, func(hops int) TunnelPool { return network.NewTunnelPool() }, network.LeaseSetDB(), network.GarlicWrapper())
	require.NoError(t, err)
	require.NoError(t, registry.Start())
	t.Cleanup(func() { registry.Stop() })

	shared := registry.GetSharedLocalDestination()
	require.NotNil(t, shared)
	assert.True(t, shared.profileInteractive)
}

func TestRegistryHandleNextPacketDropsUnknownDestination(t *testing.T) {
	network := NewLoopbackNetwork()
	registry := newTestRegistry(t, network)

	// Should not panic; there is simply no destination to route to.
	registry.HandleNextPacket(IdentHash{0xFF}, &Packet{SequenceNumber: 1})
	require.NotNil(t, registry)
}
