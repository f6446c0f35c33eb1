// Package raknet implements the client side of the RakNet datagram
// transport: connection handshake with MTU negotiation, per-session
// reliability, ordering and fragmentation over UDP, and passive LAN
// discovery.
package raknet

import (
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/appnet-org/raknet/pkg/logging"
	"github.com/appnet-org/raknet/pkg/protocol"
	"github.com/appnet-org/raknet/pkg/transport"
)

// updateTick is the cadence of the dedicated update worker in threaded
// mode.
const updateTick = 10 * time.Millisecond

var (
	guidMu   sync.Mutex
	guidRand = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// newGUID draws a process-unique 64-bit peer identity.
func newGUID() uint64 {
	guidMu.Lock()
	defer guidMu.Unlock()
	return guidRand.Uint64()
}

// Client owns one endpoint and at most one connection: idle, preparing
// (handshake in flight), or connected (session installed). Inbound
// datagrams are classified by packet ID and dispatched to discovery, the
// handshake driver, or the session.
type Client struct {
	guid     uint64
	start    time.Time
	cfg      Config
	endpoint transport.Endpoint
	metrics  *Metrics
	timers   *transport.TimerManager
	bus      *DiscoveryBus

	discovered *gocache.Cache

	// listener is read from the receive path, the discovery worker, and
	// teardown callbacks that may already hold mu, so it lives outside
	// the lock.
	listener atomic.Pointer[Listener]

	mu         sync.Mutex
	prep       *preparation
	mode       DiscoveryMode
	registered bool
	closed     bool

	session atomic.Pointer[Session]
}

// NewClient binds a UDP endpoint and returns an idle client. Install a
// listener before calling Connect or SetDiscoveryMode.
func NewClient(cfg Config) (*Client, error) {
	cfg.normalize()
	endpoint, err := transport.Bind(cfg.LocalAddress)
	if err != nil {
		return nil, err
	}
	return newClient(cfg, endpoint), nil
}

// newClient wires a client onto an already bound endpoint.
func newClient(cfg Config, endpoint transport.Endpoint) *Client {
	cfg.normalize()

	c := &Client{
		guid:     newGUID(),
		start:    time.Now(),
		cfg:      cfg,
		endpoint: endpoint,
		metrics:  cfg.Metrics,
		timers:   transport.NewTimerManager(),
		bus:      cfg.Bus,
		mode:     cfg.DiscoveryMode,
	}
	if c.bus == nil {
		c.bus = DefaultDiscoveryBus()
	}
	c.discovered = newDiscoveryStore(serverTimeout, c.serverForgotten)

	endpoint.SetHandler(c.handleDatagram, c.handleTransportError)

	if cfg.Threaded {
		c.timers.SchedulePeriodic("client_update", updateTick, c.Update)
	}

	logging.Info("raknet client created",
		zap.Uint64("guid", c.guid),
		zap.Stringer("local", endpoint.LocalAddr()),
		zap.Bool("threaded", cfg.Threaded))
	return c
}

// GUID returns this peer's 64-bit identity.
func (c *Client) GUID() uint64 { return c.guid }

// LocalAddr returns the endpoint's bound address.
func (c *Client) LocalAddr() *net.UDPAddr { return c.endpoint.LocalAddr() }

// Session returns the active session, or nil while idle or handshaking.
func (c *Client) Session() *Session { return c.session.Load() }

// clockMillis returns milliseconds since client construction, the
// relative timestamp embedded in outgoing pings.
func (c *Client) clockMillis() uint64 {
	return uint64(time.Since(c.start).Milliseconds())
}

// SetListener installs the event listener. Must be called before
// Connect or SetDiscoveryMode.
func (c *Client) SetListener(l Listener) {
	c.listener.Store(&l)
}

func (c *Client) getListener() Listener {
	if p := c.listener.Load(); p != nil {
		return *p
	}
	return nil
}

// SetDiscoveryMode switches the broadcast loop on or off. A client
// without a configured discovery port stays in DiscoveryNone.
func (c *Client) SetDiscoveryMode(mode DiscoveryMode) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.cfg.DiscoveryPort == 0 {
		mode = DiscoveryNone
	}
	if mode != DiscoveryNone && c.getListener() == nil {
		c.mu.Unlock()
		return ErrNoListener
	}
	c.mode = mode
	register := mode != DiscoveryNone && !c.registered
	unregister := mode == DiscoveryNone && c.registered
	c.registered = mode != DiscoveryNone
	c.mu.Unlock()

	if register {
		c.bus.register(c)
	}
	if unregister {
		c.bus.unregister(c)
	}
	return nil
}

// DiscoveryMode returns the current discovery mode.
func (c *Client) DiscoveryMode() DiscoveryMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Connect performs the full handshake against addr and installs the
// session. It blocks until the session is established, the ladder is
// exhausted (ErrServerOffline), the server rejects our protocol
// (ErrProtocolMismatch), or a parallel Disconnect/Close cancels it
// (ErrConnectionCancelled). In cooperative mode Connect drives the
// handshake itself in 500 ms quanta.
func (c *Client) Connect(addr string) error {
	remote, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return err
	}

	if c.getListener() == nil {
		return ErrNoListener
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClientClosed
	case c.prep != nil || c.session.Load() != nil:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	prep := newPreparation(c, remote)
	c.prep = prep
	prep.start(time.Now())
	threaded := c.cfg.Threaded
	c.mu.Unlock()

	err = c.awaitHandshake(prep, threaded)

	c.mu.Lock()
	c.prep = nil
	if err == nil {
		c.session.Store(prep.session)
	}
	c.mu.Unlock()

	if err != nil {
		logging.Info("connect failed",
			zap.Stringer("remote", remote),
			zap.Error(err))
		return err
	}
	logging.Info("connected",
		zap.Stringer("remote", remote),
		zap.Uint16("mtu", prep.session.MTU()))
	c.getListener().OnConnect()
	return nil
}

// sessionClosed is the session teardown callback: it clears the session
// slot and surfaces the disconnect to the listener.
func (c *Client) sessionClosed(s *Session, reason string) {
	c.session.CompareAndSwap(s, nil)
	if l := c.getListener(); l != nil {
		l.OnDisconnect(reason)
	}
}

func (c *Client) awaitHandshake(prep *preparation, threaded bool) error {
	if threaded {
		return <-prep.done
	}
	for {
		select {
		case err := <-prep.done:
			return err
		case <-time.After(handshakeRetryInterval):
			c.Update()
		}
	}
}

// Update advances the handshake and session state machines. The
// threaded worker calls it automatically; cooperative-mode callers must
// pump it themselves.
func (c *Client) Update() {
	now := time.Now()
	c.mu.Lock()
	if c.prep != nil {
		c.prep.step(now)
	}
	c.mu.Unlock()

	if s := c.session.Load(); s != nil {
		s.update(now)
	}
}

// Send enqueues one user payload on the active session.
func (c *Client) Send(rel protocol.Reliability, channel byte, payload []byte) error {
	s := c.session.Load()
	if s == nil {
		return ErrNotConnected
	}
	return s.Send(rel, channel, payload)
}

// Disconnect cancels an in-flight handshake and tears down the session,
// flushing one best-effort DISCONNECT_NOTIFICATION without waiting for
// acknowledgement. A second call is a no-op.
func (c *Client) Disconnect(reason string) {
	c.mu.Lock()
	if c.prep != nil {
		c.prep.cancel(ErrConnectionCancelled)
	}
	c.mu.Unlock()

	if s := c.session.Load(); s != nil {
		s.close(reason, true)
	}
}

// Close releases every resource: the update worker, the session, the
// discovery registration, and the socket. Double close is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.prep != nil {
		c.prep.cancel(ErrConnectionCancelled)
	}
	registered := c.registered
	c.registered = false
	c.mu.Unlock()

	if registered {
		c.bus.unregister(c)
	}
	if s := c.session.Load(); s != nil {
		s.close("client closed", true)
	}
	c.timers.Stop()
	c.discovered.Flush()
	return c.endpoint.Close()
}

// sendPacket encodes and transmits one packet through the endpoint.
func (c *Client) sendPacket(remote *net.UDPAddr, p protocol.Packet) {
	if err := c.endpoint.Send(remote, protocol.Encode(p)); err == nil {
		c.metrics.DatagramsSent.Inc()
	}
}

// handleDatagram is the endpoint receive callback; it classifies each
// inbound datagram and dispatches to discovery, the handshake driver, or
// the session. Anything else is dropped.
func (c *Client) handleDatagram(sender *net.UDPAddr, b []byte) {
	pkt, err := protocol.Decode(b)
	if err != nil {
		c.metrics.MalformedDatagrams.Inc()
		logging.Debug("dropped malformed datagram",
			zap.Stringer("sender", sender),
			zap.Error(err))
		return
	}
	c.metrics.DatagramsReceived.Inc()
	now := time.Now()

	if pong, ok := pkt.(*protocol.UnconnectedPong); ok {
		c.handlePong(sender, pong)
		return
	}

	c.mu.Lock()
	if prep := c.prep; prep != nil && sameAddr(sender, prep.addr) {
		prep.handle(pkt, now)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if s := c.session.Load(); s != nil && sameAddr(sender, s.remote) {
		switch pkt.(type) {
		case *protocol.CustomPacket, *protocol.ACK, *protocol.NAK:
			s.handleDatagram(pkt, now)
		}
		return
	}
}

// handleTransportError reports endpoint failures to the listener and
// cancels an in-flight handshake.
func (c *Client) handleTransportError(sender *net.UDPAddr, err error) {
	te := &TransportError{Addr: sender, Err: err}
	if l := c.getListener(); l != nil {
		l.OnHandlerException(sender, te)
	}
	c.mu.Lock()
	if c.prep != nil {
		c.prep.cancel(te)
	}
	c.mu.Unlock()
}

// serverForgotten is the discovery store eviction callback.
func (c *Client) serverForgotten(ds *discoveredServer) {
	c.metrics.DiscoveredServers.Dec()
	if l := c.getListener(); l != nil {
		l.OnServerForgotten(ds.addr)
	}
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
