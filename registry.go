package streaming

import (
	"context"
	"fmt"
	"sync"

	"github.com/armon/circbuf"
	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
)

// dispatchLoop is the single worker goroutine that owns every
// mutation of stream tables, reorder buffers, receive queues, lease
// caches, and destination tables, per the concurrency model. Public
// entry points invoked from other goroutines submit closures here
// rather than touching state directly.
type dispatchLoop struct {
	work   chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDispatchLoop() *dispatchLoop {
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatchLoop{
		work:   make(chan func(), 256),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (d *dispatchLoop) Start() {
	d.wg.Add(1)
	go d.run()
}

func (d *dispatchLoop) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case fn := <-d.work:
			fn()
		}
	}
}

// Post schedules fn to run on the loop. If the loop has already been
// stopped, fn is dropped.
func (d *dispatchLoop) Post(fn func()) {
	select {
	case d.work <- fn:
	case <-d.ctx.Done():
	}
}

// PostSync schedules fn and blocks until it has run. Used by public
// Stream/Destination methods so their synchronous-looking API can
// still route all state mutation through the single loop.
func (d *dispatchLoop) PostSync(fn func()) {
	done := make(chan struct{})
	d.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-d.ctx.Done():
	}
}

func (d *dispatchLoop) Stop() {
	d.cancel()
	d.wg.Wait()
}

// StreamingRegistry is the process root: a mapping from destination
// hash to StreamingDestination, running a single I/O dispatch loop.
// It receives inbound application datagrams already delivered by the
// tunnel transport, decompresses them, and routes them to the right
// destination.
type StreamingRegistry struct {
	loop *dispatchLoop

	destinations map[IdentHash]*StreamingDestination
	shared       *StreamingDestination

	config *Config

	tunnelPoolFactory func(hops int) TunnelPool
	leaseSetDB        LeaseSetDB
	garlic            GarlicWrapper

	watcher *fsnotify.Watcher

	// recentEvents is a bounded diagnostic ring of recent dispatch
	// activity, useful for a status endpoint or post-mortem logging;
	// it is not on the packet-delivery path.
	recentEvents *circbuf.Buffer

	running bool
}

// NewStreamingRegistry constructs a registry. tunnelPoolFactory builds
// a fresh TunnelPool for each destination at the configured hop
// count; leaseSetDB and garlic are shared collaborators used by every
// destination the registry owns.
func NewStreamingRegistry(cfg *Config, tunnelPoolFactory func(hops int) TunnelPool, leaseSetDB LeaseSetDB, garlic GarlicWrapper) (*StreamingRegistry, error) {
	events, err := circbuf.NewBuffer(16 * 1024)
	if err != nil {
		return nil, fmt.Errorf("new streaming registry: recent-events buffer: %w", err)
	}

	return &StreamingRegistry{
		loop:              newDispatchLoop(),
		destinations:      make(map[IdentHash]*StreamingDestination),
		config:            cfg,
		tunnelPoolFactory: tunnelPoolFactory,
		leaseSetDB:        leaseSetDB,
		garlic:            garlic,
		recentEvents:      events,
	}, nil
}

// recordEvent appends a line to the bounded recent-events ring for
// diagnostics. Safe to call from any goroutine.
func (r *StreamingRegistry) recordEvent(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...) + "\n"
	if _, err := r.recentEvents.Write([]byte(line)); err != nil {
		log.Warn().Err(err).Msg("failed to record diagnostic event")
	}
}

// RecentEvents returns the current contents of the diagnostic ring.
func (r *StreamingRegistry) RecentEvents() string {
	return string(r.recentEvents.Bytes())
}

// Start ensures a shared local destination exists, loads persisted
// local destinations from the configured data directory, watches that
// directory for destinations added later, and starts the dispatch
// loop.
func (r *StreamingRegistry) Start() error {
	r.loop.Start()

	var errs *multierror.Error

	r.loop.PostSync(func() {
		if r.shared == nil {
			dest, err := r.newLocalDestination()
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("create shared local destination: %w", err))
				return
			}
			r.shared = dest
			r.destinations[dest.identHash] = dest
			r.recordEvent("shared local destination started: %s", dest.identHash)
		}
	})

	if err := r.loadLocalDestinations(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if r.config != nil && r.config.DataDir != "" {
		if err := r.watchDataDir(); err != nil {
			log.Warn().Err(err).Msg("could not watch data directory for new destinations")
		}
	}

	r.running = true
	return errs.ErrorOrNil()
}

// Stop deletes every destination, stops the dispatch loop, and joins
// its goroutine.
func (r *StreamingRegistry) Stop() error {
	var errs *multierror.Error

	if r.watcher != nil {
		if err := r.watcher.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close directory watcher: %w", err))
		}
	}

	r.loop.PostSync(func() {
		for hash, dest := range r.destinations {
			for _, s := range dest.streams {
				dest.DeleteStream(s)
			}
			delete(r.destinations, hash)
		}
		r.shared = nil
		r.running = false
	})

	r.loop.Stop()
	return errs.ErrorOrNil()
}

// HandleNextPacket schedules delivery of an inbound packet, already
// parsed, to the destination named by dest.
func (r *StreamingRegistry) HandleNextPacket(dest IdentHash, p *Packet) {
	r.loop.Post(func() {
		d, ok := r.destinations[dest]
		if !ok {
			log.Debug().Str("destination", dest.String()).Msg("local destination not found, dropping packet")
			return
		}
		d.HandleNextPacket(p)
	})
}

// HandleDataMessage is the substrate callback: decompress buf,
// validate the protocol byte, and route the resulting packet to dest.
// Errors are logged; unsupported-protocol messages are silently
// ignored since they are not this layer's traffic.
func (r *StreamingRegistry) HandleDataMessage(dest IdentHash, buf []byte) {
	packetBytes, ok, err := ParseDataMessage(buf)
	if err != nil {
		log.Error().Err(err).Str("destination", dest.String()).Msg("failed to parse data message")
		return
	}
	if !ok {
		return
	}

	pkt := &Packet{}
	if err := pkt.Unmarshal(packetBytes); err != nil {
		log.Error().Err(err).Str("destination", dest.String()).Msg("failed to unmarshal packet")
		return
	}
	r.HandleNextPacket(dest, pkt)
}

// CreateClientStream is a shortcut for
// GetSharedLocalDestination().CreateNewOutgoingStream(remote).
func (r *StreamingRegistry) CreateClientStream(remote *LeaseSet) (*Stream, error) {
	result := make(chan struct {
		s   *Stream
		err error
	}, 1)
	r.loop.Post(func() {
		if r.shared == nil {
			result <- struct {
				s   *Stream
				err error
			}{nil, fmt.Errorf("create client stream: registry not started")}
			return
		}
		s, err := r.shared.CreateNewOutgoingStream(remote)
		result <- struct {
			s   *Stream
			err error
		}{s, err}
	})
	out := <-result
	return out.s, out.err
}

// DeleteStream schedules stream's removal from its owning destination.
func (r *StreamingRegistry) DeleteStream(s *Stream) {
	if s == nil {
		return
	}
	r.loop.Post(func() {
		s.GetLocalDestination().DeleteStream(s)
	})
}

// GetSharedLocalDestination returns the registry's shared,
// outbound-only local destination, or nil if the registry has not
// been started.
func (r *StreamingRegistry) GetSharedLocalDestination() *StreamingDestination {
	result := make(chan *StreamingDestination, 1)
	r.loop.PostSync(func() { result <- r.shared })
	return <-result
}

// AddLocalDestination builds a destination around signer and registers
// it under its identity hash, for callers loading identities themselves
// (e.g. tests, or a caller with its own persistence strategy).
func (r *StreamingRegistry) AddLocalDestination(signer Signer) (*StreamingDestination, error) {
	result := make(chan struct {
		d   *StreamingDestination
		err error
	}, 1)
	r.loop.Post(func() {
		dest, err := r.buildDestination(signer)
		if err != nil {
			result <- struct {
				d   *StreamingDestination
				err error
			}{nil, err}
			return
		}
		r.destinations[dest.identHash] = dest
		result <- struct {
			d   *StreamingDestination
			err error
		}{dest, nil}
	})
	out := <-result
	return out.d, out.err
}

// newLocalDestination builds a destination around a freshly generated
// signer. Must run on the dispatch loop.
func (r *StreamingRegistry) newLocalDestination() (*StreamingDestination, error) {
	signer, err := NewDSASigner()
	if err != nil {
		return nil, fmt.Errorf("generate destination keys: %w", err)
	}
	return r.buildDestination(signer)
}

// buildDestination wires a signer into a StreamingDestination using
// the registry's shared collaborators. Must run on the dispatch loop.
func (r *StreamingRegistry) buildDestination(signer Signer) (*StreamingDestination, error) {
	hops := DefaultTunnelHops
	verifySignatures := false
	interactive := false
	if r.config != nil {
		if r.config.TunnelHops > 0 {
			hops = r.config.TunnelHops
		}
		verifySignatures = r.config.VerifyInboundSignatures
		interactive = r.config.Profile == "interactive"
	}

	pool := r.tunnelPoolFactory(hops)
	verifier := DSASigner{}
	dest := newStreamingDestination(signer, verifier, pool, r.leaseSetDB, r.garlic, verifySignatures, r.loop.PostSync)
	dest.profileInteractive = interactive
	return dest, nil
}
