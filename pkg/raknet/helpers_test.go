package raknet

import (
	"net"
	"sync"

	"github.com/appnet-org/raknet/pkg/protocol"
	"github.com/appnet-org/raknet/pkg/transport"
)

// fakeEndpoint captures outbound datagrams in memory and lets tests
// inject inbound traffic through the installed handler.
type fakeEndpoint struct {
	mu      sync.Mutex
	handler transport.DatagramHandler
	onError transport.ErrorHandler
	sent    []fakeDatagram
	closed  bool
}

type fakeDatagram struct {
	remote *net.UDPAddr
	data   []byte
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{}
}

func (e *fakeEndpoint) SetHandler(h transport.DatagramHandler, onError transport.ErrorHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
	e.onError = onError
}

func (e *fakeEndpoint) Send(remote *net.UDPAddr, b []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	data := make([]byte, len(b))
	copy(data, b)
	e.sent = append(e.sent, fakeDatagram{remote: remote, data: data})
	return nil
}

func (e *fakeEndpoint) LocalAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (e *fakeEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// sentPackets decodes every captured datagram.
func (e *fakeEndpoint) sentPackets() []protocol.Packet {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.Packet, 0, len(e.sent))
	for _, d := range e.sent {
		pkt, err := protocol.Decode(d.data)
		if err != nil {
			continue
		}
		out = append(out, pkt)
	}
	return out
}

// sentDatagrams returns the raw captured sends.
func (e *fakeEndpoint) sentDatagrams() []fakeDatagram {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]fakeDatagram(nil), e.sent...)
}

// firstPacket returns the first decoded packet matching pred, or nil.
func (e *fakeEndpoint) firstPacket(pred func(protocol.Packet) bool) protocol.Packet {
	for _, p := range e.sentPackets() {
		if pred(p) {
			return p
		}
	}
	return nil
}

// customPayloads flattens every encapsulated payload sent so far.
func (e *fakeEndpoint) customPayloads() [][]byte {
	var out [][]byte
	for _, p := range e.sentPackets() {
		if cp, ok := p.(*protocol.CustomPacket); ok {
			for _, ep := range cp.Messages {
				out = append(out, ep.Payload)
			}
		}
	}
	return out
}

type discoveryEvent struct {
	addr       *net.UDPAddr
	identifier []byte
}

// recordingListener captures every listener callback for assertions.
type recordingListener struct {
	mu          sync.Mutex
	connects    int
	disconnects []string
	packets     []deliveredMessage
	discovered  []discoveryEvent
	forgotten   []*net.UDPAddr
	updated     []discoveryEvent
	exceptions  []error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{}
}

func (l *recordingListener) OnServerDiscovered(addr *net.UDPAddr, identifier []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.discovered = append(l.discovered, discoveryEvent{addr, identifier})
}

func (l *recordingListener) OnServerForgotten(addr *net.UDPAddr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forgotten = append(l.forgotten, addr)
}

func (l *recordingListener) OnServerIdentifierUpdate(addr *net.UDPAddr, identifier []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updated = append(l.updated, discoveryEvent{addr, identifier})
}

func (l *recordingListener) OnConnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects++
}

func (l *recordingListener) OnDisconnect(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects = append(l.disconnects, reason)
}

func (l *recordingListener) OnPacketReceive(payload []byte, rel protocol.Reliability, channel byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.packets = append(l.packets, deliveredMessage{payload, rel, channel})
}

func (l *recordingListener) OnHandlerException(addr *net.UDPAddr, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exceptions = append(l.exceptions, err)
}

func (l *recordingListener) connectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connects
}

func (l *recordingListener) disconnectReasons() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.disconnects...)
}

func (l *recordingListener) receivedPackets() []deliveredMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]deliveredMessage(nil), l.packets...)
}

func (l *recordingListener) discoveredEvents() []discoveryEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]discoveryEvent(nil), l.discovered...)
}

func (l *recordingListener) forgottenAddrs() []*net.UDPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*net.UDPAddr(nil), l.forgotten...)
}

func (l *recordingListener) updatedEvents() []discoveryEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]discoveryEvent(nil), l.updated...)
}

// wrapEncapsulated packs one payload into a CustomPacket the way a
// remote peer would.
func wrapEncapsulated(seq, msgIdx uint32, rel protocol.Reliability, payload []byte) *protocol.CustomPacket {
	ep := &protocol.EncapsulatedPacket{
		Reliability: rel,
		Payload:     payload,
	}
	if rel.IsReliable() {
		ep.MessageIndex = msgIdx
	}
	if rel.IsOrdered() || rel.IsSequenced() {
		ep.OrderIndex = msgIdx
	}
	return &protocol.CustomPacket{Sequence: seq, Messages: []*protocol.EncapsulatedPacket{ep}}
}
