package raknet

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appnet-org/raknet/pkg/logging"
	"github.com/appnet-org/raknet/pkg/protocol"
	"github.com/appnet-org/raknet/pkg/transport"
)

const (
	// keepaliveInterval is how long the session tolerates inbound
	// silence before probing with a connected ping.
	keepaliveInterval = 2500 * time.Millisecond

	// sessionTimeout is how long the session tolerates inbound silence
	// before tearing down.
	sessionTimeout = 10 * time.Second
)

// Session is an established connection to one server: the reliability
// engine plus keepalive and teardown handling. Sessions are created by
// the handshake driver and owned by the client.
type Session struct {
	remote     *net.UDPAddr
	serverGUID uint64
	mtu        uint16

	endpoint    transport.Endpoint
	listener    func() Listener
	metrics     *Metrics
	clockMillis func() uint64

	// onClosed transitions the owning client back to idle. Invoked at
	// most once, without the session lock held.
	onClosed func(s *Session, reason string)

	mu           sync.Mutex
	engine       *reliabilityEngine
	lastInbound  time.Time
	lastPingSent time.Time
	latency      time.Duration
	closed       bool

	// pendingTeardown is set by handleMessage when an encapsulated
	// DISCONNECT_NOTIFICATION arrives; the teardown runs after the
	// engine call stack unwinds and the lock is released.
	pendingTeardown string

	// onAccepted intercepts CONNECTION_REQUEST_ACCEPTED while the
	// handshake driver still owns this session; nil afterwards.
	onAccepted func(*protocol.ConnectionRequestAccepted)
}

func newSession(remote *net.UDPAddr, serverGUID uint64, mtu uint16, endpoint transport.Endpoint,
	listener func() Listener, metrics *Metrics, clockMillis func() uint64,
	onClosed func(*Session, string), now time.Time) *Session {

	s := &Session{
		remote:      remote,
		serverGUID:  serverGUID,
		mtu:         mtu,
		endpoint:    endpoint,
		listener:    listener,
		metrics:     metrics,
		clockMillis: clockMillis,
		onClosed:    onClosed,
		lastInbound: now,
	}
	s.engine = newReliabilityEngine(mtu, s.handleMessage, s.transmit, metrics)
	return s
}

// Addr returns the remote address.
func (s *Session) Addr() *net.UDPAddr { return s.remote }

// ServerGUID returns the remote peer's GUID learned in the handshake.
func (s *Session) ServerGUID() uint64 { return s.serverGUID }

// MTU returns the negotiated maximum transfer unit.
func (s *Session) MTU() uint16 { return s.mtu }

// Latency returns the last round-trip estimate from the keepalive
// exchange, zero before the first pong.
func (s *Session) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

func (s *Session) transmit(p protocol.Packet) {
	if err := s.endpoint.Send(s.remote, protocol.Encode(p)); err == nil {
		s.metrics.DatagramsSent.Inc()
	}
}

// Send enqueues one user payload for the next update flush.
func (s *Session) Send(rel protocol.Reliability, channel byte, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	return s.engine.Send(rel, channel, payload)
}

// handleDatagram feeds one decoded inbound packet into the session.
// Only CustomPackets count as activity for the keepalive clock.
func (s *Session) handleDatagram(pkt protocol.Packet, now time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var teardown string
	switch p := pkt.(type) {
	case *protocol.CustomPacket:
		s.lastInbound = now
		s.engine.HandleCustomPacket(p)
		teardown = s.pendingTeardown
		s.pendingTeardown = ""
	case *protocol.ACK:
		s.engine.HandleACK(p.Ranges)
	case *protocol.NAK:
		s.engine.HandleNAK(p.Ranges)
	}
	s.mu.Unlock()

	if teardown != "" {
		s.close(teardown, false)
	}
}

// handleMessage receives each delivered payload from the engine,
// consuming connected-mode control packets and forwarding user payloads
// to the listener.
func (s *Session) handleMessage(payload []byte, rel protocol.Reliability, channel byte) {
	if len(payload) == 0 {
		return
	}
	switch payload[0] {
	case protocol.IDConnectedPing:
		pkt, err := protocol.Decode(payload)
		if err != nil {
			return
		}
		ping := pkt.(*protocol.ConnectedPing)
		pong := &protocol.ConnectedPong{
			PingTimestamp: ping.PingTimestamp,
			PongTimestamp: s.clockMillis(),
		}
		_ = s.engine.Send(protocol.Unreliable, 0, protocol.Encode(pong))

	case protocol.IDConnectedPong:
		pkt, err := protocol.Decode(payload)
		if err != nil {
			return
		}
		pong := pkt.(*protocol.ConnectedPong)
		if now := s.clockMillis(); now >= pong.PingTimestamp {
			s.latency = time.Duration(now-pong.PingTimestamp) * time.Millisecond
		}

	case protocol.IDConnectionRequestAccepted:
		if s.onAccepted == nil {
			return
		}
		pkt, err := protocol.Decode(payload)
		if err != nil {
			logging.Debug("bad connection request accepted", zap.Error(err))
			return
		}
		hook := s.onAccepted
		s.onAccepted = nil
		hook(pkt.(*protocol.ConnectionRequestAccepted))

	case protocol.IDDisconnectNotification:
		s.pendingTeardown = "disconnected by server"

	default:
		s.listener().OnPacketReceive(payload, rel, channel)
	}
}

// update drives keepalive, timeout, and the engine's outbound side.
func (s *Session) update(now time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	silence := now.Sub(s.lastInbound)
	if silence >= sessionTimeout {
		s.mu.Unlock()
		s.close("timeout", false)
		return
	}
	if silence >= keepaliveInterval && now.Sub(s.lastPingSent) >= keepaliveInterval {
		ping := &protocol.ConnectedPing{PingTimestamp: s.clockMillis()}
		_ = s.engine.Send(protocol.Unreliable, 0, protocol.Encode(ping))
		s.lastPingSent = now
	}
	s.engine.Update(now)
	s.mu.Unlock()
}

// close tears the session down once. With notify set a best-effort
// DISCONNECT_NOTIFICATION is flushed unreliably first; acknowledgement is
// never awaited.
func (s *Session) close(reason string, notify bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if notify {
		_ = s.engine.Send(protocol.Unreliable, 0, []byte{protocol.IDDisconnectNotification})
		s.engine.Update(time.Now())
	}
	s.engine.reset()
	s.mu.Unlock()

	logging.Info("session closed",
		zap.Stringer("remote", s.remote),
		zap.String("reason", reason))
	if s.onClosed != nil {
		s.onClosed(s, reason)
	}
}
