package raknet

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/appnet-org/raknet/pkg/logging"
	"github.com/appnet-org/raknet/pkg/protocol"
)

const (
	// handshakeRetryInterval spaces handshake probes and bounds the
	// cooperative wait quantum.
	handshakeRetryInterval = 500 * time.Millisecond

	// requestTwoRetries bounds OPEN_CONNECTION_REQUEST_2 attempts after
	// the MTU has been agreed.
	requestTwoRetries = 5

	// loginTimeout bounds the wait for CONNECTION_REQUEST_ACCEPTED. The
	// request itself is reliable, so the engine keeps retransmitting it
	// underneath this deadline.
	loginTimeout = 5 * time.Second
)

type handshakeState int

const (
	stateRequestOne handshakeState = iota
	stateRequestTwo
	stateLogin
	stateDone
	stateFailed
)

// preparation is the transient handshake state machine between Connect
// and an installed session. All methods run under the owning client's
// lock; only the done channel is touched from outside it.
type preparation struct {
	client *Client
	addr   *net.UDPAddr

	state        handshakeState
	ladder       []MTUCandidate
	ladderIdx    int
	attemptsLeft int
	deadline     time.Time

	mtu         uint16
	serverGUID  uint64
	gotReplyOne bool
	gotReplyTwo bool

	// session is the nascent session created on REPLY_2; custom traffic
	// is routed into it so the reliable CONNECTION_REQUEST exchange can
	// complete before the session is installed on the client.
	session *Session

	done chan error
}

func newPreparation(c *Client, addr *net.UDPAddr) *preparation {
	return &preparation{
		client: c,
		addr:   addr,
		ladder: c.cfg.MTULadder,
		done:   make(chan error, 1),
	}
}

// start fires the first MTU probe.
func (p *preparation) start(now time.Time) {
	p.attemptsLeft = p.ladder[0].Retries
	p.sendRequestOne(now)
}

func (p *preparation) terminal() bool {
	return p.state == stateDone || p.state == stateFailed
}

func (p *preparation) sendRequestOne(now time.Time) {
	p.attemptsLeft--
	p.deadline = now.Add(handshakeRetryInterval)
	cand := p.ladder[p.ladderIdx]
	p.client.sendPacket(p.addr, &protocol.OpenConnectionRequest1{
		Protocol: p.client.cfg.ProtocolVersion,
		MTU:      cand.MTU,
	})
	logging.Debug("sent open connection request 1",
		zap.Uint16("mtu", cand.MTU),
		zap.Int("attemptsLeft", p.attemptsLeft))
}

func (p *preparation) sendRequestTwo(now time.Time) {
	p.attemptsLeft--
	p.deadline = now.Add(handshakeRetryInterval)
	p.client.sendPacket(p.addr, &protocol.OpenConnectionRequest2{
		ServerAddress: p.addr,
		MTU:           p.mtu,
		ClientGUID:    p.client.guid,
	})
}

// step advances the state machine when a deadline passes. Called on
// every update tick.
func (p *preparation) step(now time.Time) {
	if p.terminal() {
		return
	}
	switch p.state {
	case stateRequestOne:
		if now.Before(p.deadline) {
			return
		}
		if p.attemptsLeft > 0 {
			p.sendRequestOne(now)
			return
		}
		p.ladderIdx++
		if p.ladderIdx >= len(p.ladder) {
			p.fail(ErrServerOffline)
			return
		}
		p.attemptsLeft = p.ladder[p.ladderIdx].Retries
		p.sendRequestOne(now)

	case stateRequestTwo:
		if now.Before(p.deadline) {
			return
		}
		if p.attemptsLeft > 0 {
			p.sendRequestTwo(now)
			return
		}
		p.fail(ErrServerOffline)

	case stateLogin:
		if !now.Before(p.deadline) {
			p.fail(ErrServerOffline)
			return
		}
		// The reliable engine retransmits the login packet.
		p.session.update(now)
	}
}

// handle routes one inbound packet from the handshake peer.
func (p *preparation) handle(pkt protocol.Packet, now time.Time) {
	if p.state == stateFailed {
		return
	}
	switch pk := pkt.(type) {
	case *protocol.IncompatibleProtocol:
		logging.Warn("server rejected protocol version",
			zap.Uint8("serverProtocol", pk.Protocol))
		p.fail(ErrProtocolMismatch)

	case *protocol.OpenConnectionReply1:
		if p.state != stateRequestOne {
			return
		}
		p.gotReplyOne = true
		p.serverGUID = pk.ServerGUID
		p.mtu = pk.MTU
		if cand := p.ladder[p.ladderIdx].MTU; p.mtu > cand {
			p.mtu = cand
		}
		p.state = stateRequestTwo
		p.attemptsLeft = requestTwoRetries
		p.sendRequestTwo(now)

	case *protocol.OpenConnectionReply2:
		if p.state != stateRequestTwo {
			return
		}
		p.gotReplyTwo = true
		p.mtu = pk.MTU
		p.beginLogin(now)

	case *protocol.CustomPacket, *protocol.ACK, *protocol.NAK:
		if p.state == stateLogin || p.state == stateDone {
			p.session.handleDatagram(pkt, now)
		}
	}
}

// beginLogin creates the nascent session and sends CONNECTION_REQUEST
// reliably through it.
func (p *preparation) beginLogin(now time.Time) {
	c := p.client
	p.session = newSession(p.addr, p.serverGUID, p.mtu, c.endpoint,
		c.getListener, c.metrics, c.clockMillis, c.sessionClosed, now)
	p.session.onAccepted = p.onAccepted

	req := &protocol.ConnectionRequest{
		ClientGUID:       c.guid,
		RequestTimestamp: c.clockMillis(),
	}
	_ = p.session.Send(protocol.ReliableOrdered, 0, protocol.Encode(req))
	p.state = stateLogin
	p.deadline = now.Add(loginTimeout)
	p.session.update(now)
}

// onAccepted runs when CONNECTION_REQUEST_ACCEPTED is delivered by the
// nascent session's engine.
func (p *preparation) onAccepted(*protocol.ConnectionRequestAccepted) {
	if p.terminal() {
		return
	}
	p.state = stateDone
	p.done <- nil
}

// fail moves to the terminal failed state; no further outbound packets
// are issued afterwards.
func (p *preparation) fail(reason error) {
	if p.terminal() {
		return
	}
	p.state = stateFailed
	p.done <- reason
}

// cancel aborts the handshake externally (Disconnect, Close, or a
// transport error).
func (p *preparation) cancel(reason error) {
	p.fail(reason)
}
