package protocol

import "net"

// mtuOverhead is the IP + UDP header size assumed when padding an
// OPEN_CONNECTION_REQUEST_1 probe: a probe for MTU m produces a datagram
// of m-mtuOverhead payload bytes so the whole IP packet is m bytes.
const mtuOverhead = 28

// systemAddressCount is the number of system addresses carried by
// CONNECTION_REQUEST_ACCEPTED.
const systemAddressCount = 10

// Packet is the sum type over the RakNet packet universe. The codec
// produces and consumes values of this type; dispatch is on the wire ID.
type Packet interface {
	// ID returns the single-byte packet identifier.
	ID() byte

	marshal(w *Writer)
}

// Encode serializes p into a datagram, ID byte first.
func Encode(p Packet) []byte {
	w := NewWriter()
	w.Uint8(p.ID())
	p.marshal(w)
	return w.Bytes()
}

// Decode parses a full inbound datagram into its packet value. Unknown
// identifiers and any structural failure yield *MalformedPacketError.
func Decode(data []byte) (Packet, error) {
	if len(data) == 0 {
		return nil, &MalformedPacketError{Offset: 0, Reason: "empty datagram"}
	}
	id := data[0]
	r := &Reader{data: data, off: 1}

	if IsCustom(id) {
		return readCustom(r)
	}
	switch id {
	case IDConnectedPing:
		return readConnectedPing(r)
	case IDConnectedPong:
		return readConnectedPong(r)
	case IDUnconnectedPing, IDUnconnectedPingOpenConnections:
		return readUnconnectedPing(r, id == IDUnconnectedPingOpenConnections)
	case IDUnconnectedPong:
		return readUnconnectedPong(r)
	case IDOpenConnectionRequest1:
		return readOpenConnectionRequest1(r)
	case IDOpenConnectionReply1:
		return readOpenConnectionReply1(r)
	case IDOpenConnectionRequest2:
		return readOpenConnectionRequest2(r)
	case IDOpenConnectionReply2:
		return readOpenConnectionReply2(r)
	case IDConnectionRequest:
		return readConnectionRequest(r)
	case IDConnectionRequestAccepted:
		return readConnectionRequestAccepted(r)
	case IDIncompatibleProtocol:
		return readIncompatibleProtocol(r)
	case IDDisconnectNotification:
		return &DisconnectNotification{}, nil
	case IDACK:
		ranges, err := readAckBody(r)
		if err != nil {
			return nil, err
		}
		return &ACK{Ranges: ranges}, nil
	case IDNAK:
		ranges, err := readAckBody(r)
		if err != nil {
			return nil, err
		}
		return &NAK{Ranges: ranges}, nil
	}
	return nil, &MalformedPacketError{Offset: 0, Reason: "unknown packet id"}
}

// UnconnectedPing is the periodic discovery broadcast. OpenConnections
// selects the 0x02 variant answered only by servers with free slots.
type UnconnectedPing struct {
	SendTimestamp   uint64
	ClientGUID      uint64
	OpenConnections bool
}

func (p *UnconnectedPing) ID() byte {
	if p.OpenConnections {
		return IDUnconnectedPingOpenConnections
	}
	return IDUnconnectedPing
}

func (p *UnconnectedPing) marshal(w *Writer) {
	w.Uint64(p.SendTimestamp)
	w.Magic()
	w.Uint64(p.ClientGUID)
}

func readUnconnectedPing(r *Reader, open bool) (*UnconnectedPing, error) {
	p := &UnconnectedPing{OpenConnections: open}
	var err error
	if p.SendTimestamp, err = r.Uint64(); err != nil {
		return nil, err
	}
	if err = r.Magic(); err != nil {
		return nil, err
	}
	if p.ClientGUID, err = r.Uint64(); err != nil {
		return nil, err
	}
	return p, nil
}

// UnconnectedPong is a server's answer to a discovery ping. Identifier is
// the opaque application payload advertised by the server.
type UnconnectedPong struct {
	SendTimestamp uint64
	ServerGUID    uint64
	Identifier    []byte
}

func (p *UnconnectedPong) ID() byte { return IDUnconnectedPong }

func (p *UnconnectedPong) marshal(w *Writer) {
	w.Uint64(p.SendTimestamp)
	w.Uint64(p.ServerGUID)
	w.Magic()
	w.String(string(p.Identifier))
}

func readUnconnectedPong(r *Reader) (*UnconnectedPong, error) {
	p := &UnconnectedPong{}
	var err error
	if p.SendTimestamp, err = r.Uint64(); err != nil {
		return nil, err
	}
	if p.ServerGUID, err = r.Uint64(); err != nil {
		return nil, err
	}
	if err = r.Magic(); err != nil {
		return nil, err
	}
	id, err := r.String()
	if err != nil {
		return nil, err
	}
	p.Identifier = []byte(id)
	return p, nil
}

// OpenConnectionRequest1 probes the path with a datagram padded out to the
// candidate MTU.
type OpenConnectionRequest1 struct {
	Protocol byte
	MTU      uint16
}

func (p *OpenConnectionRequest1) ID() byte { return IDOpenConnectionRequest1 }

func (p *OpenConnectionRequest1) marshal(w *Writer) {
	w.Magic()
	w.Uint8(p.Protocol)
	pad := int(p.MTU) - mtuOverhead - w.Len()
	if pad > 0 {
		w.Write(make([]byte, pad))
	}
}

func readOpenConnectionRequest1(r *Reader) (*OpenConnectionRequest1, error) {
	if err := r.Magic(); err != nil {
		return nil, err
	}
	proto, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	mtu := uint16(r.Offset() + r.Remaining() + mtuOverhead)
	r.off = len(r.data)
	return &OpenConnectionRequest1{Protocol: proto, MTU: mtu}, nil
}

// OpenConnectionReply1 acknowledges the probe and states the MTU the
// server is willing to speak.
type OpenConnectionReply1 struct {
	ServerGUID uint64
	Secure     bool
	MTU        uint16
}

func (p *OpenConnectionReply1) ID() byte { return IDOpenConnectionReply1 }

func (p *OpenConnectionReply1) marshal(w *Writer) {
	w.Magic()
	w.Uint64(p.ServerGUID)
	if p.Secure {
		w.Uint8(1)
	} else {
		w.Uint8(0)
	}
	w.Uint16(p.MTU)
}

func readOpenConnectionReply1(r *Reader) (*OpenConnectionReply1, error) {
	p := &OpenConnectionReply1{}
	if err := r.Magic(); err != nil {
		return nil, err
	}
	var err error
	if p.ServerGUID, err = r.Uint64(); err != nil {
		return nil, err
	}
	sec, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	p.Secure = sec != 0
	if p.MTU, err = r.Uint16(); err != nil {
		return nil, err
	}
	return p, nil
}

// OpenConnectionRequest2 commits to the negotiated MTU and announces the
// client GUID.
type OpenConnectionRequest2 struct {
	ServerAddress *net.UDPAddr
	MTU           uint16
	ClientGUID    uint64
}

func (p *OpenConnectionRequest2) ID() byte { return IDOpenConnectionRequest2 }

func (p *OpenConnectionRequest2) marshal(w *Writer) {
	w.Magic()
	w.Address(p.ServerAddress)
	w.Uint16(p.MTU)
	w.Uint64(p.ClientGUID)
}

func readOpenConnectionRequest2(r *Reader) (*OpenConnectionRequest2, error) {
	p := &OpenConnectionRequest2{}
	if err := r.Magic(); err != nil {
		return nil, err
	}
	var err error
	if p.ServerAddress, err = r.Address(); err != nil {
		return nil, err
	}
	if p.MTU, err = r.Uint16(); err != nil {
		return nil, err
	}
	if p.ClientGUID, err = r.Uint64(); err != nil {
		return nil, err
	}
	return p, nil
}

// OpenConnectionReply2 completes the unconnected half of the handshake.
type OpenConnectionReply2 struct {
	ServerGUID    uint64
	ClientAddress *net.UDPAddr
	MTU           uint16
	Secure        bool
}

func (p *OpenConnectionReply2) ID() byte { return IDOpenConnectionReply2 }

func (p *OpenConnectionReply2) marshal(w *Writer) {
	w.Magic()
	w.Uint64(p.ServerGUID)
	w.Address(p.ClientAddress)
	w.Uint16(p.MTU)
	if p.Secure {
		w.Uint8(1)
	} else {
		w.Uint8(0)
	}
}

func readOpenConnectionReply2(r *Reader) (*OpenConnectionReply2, error) {
	p := &OpenConnectionReply2{}
	if err := r.Magic(); err != nil {
		return nil, err
	}
	var err error
	if p.ServerGUID, err = r.Uint64(); err != nil {
		return nil, err
	}
	if p.ClientAddress, err = r.Address(); err != nil {
		return nil, err
	}
	if p.MTU, err = r.Uint16(); err != nil {
		return nil, err
	}
	sec, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	p.Secure = sec != 0
	return p, nil
}

// ConnectionRequest is the first connected-mode packet, sent reliably
// inside a CustomPacket.
type ConnectionRequest struct {
	ClientGUID       uint64
	RequestTimestamp uint64
	Secure           bool
}

func (p *ConnectionRequest) ID() byte { return IDConnectionRequest }

func (p *ConnectionRequest) marshal(w *Writer) {
	w.Uint64(p.ClientGUID)
	w.Uint64(p.RequestTimestamp)
	if p.Secure {
		w.Uint8(1)
	} else {
		w.Uint8(0)
	}
}

func readConnectionRequest(r *Reader) (*ConnectionRequest, error) {
	p := &ConnectionRequest{}
	var err error
	if p.ClientGUID, err = r.Uint64(); err != nil {
		return nil, err
	}
	if p.RequestTimestamp, err = r.Uint64(); err != nil {
		return nil, err
	}
	sec, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	p.Secure = sec != 0
	return p, nil
}

// ConnectionRequestAccepted finishes the handshake.
type ConnectionRequestAccepted struct {
	ClientAddress     *net.UDPAddr
	SystemAddresses   [systemAddressCount]*net.UDPAddr
	RequestTimestamp  uint64
	AcceptedTimestamp uint64
}

func (p *ConnectionRequestAccepted) ID() byte { return IDConnectionRequestAccepted }

func (p *ConnectionRequestAccepted) marshal(w *Writer) {
	w.Address(p.ClientAddress)
	for _, addr := range p.SystemAddresses {
		if addr == nil {
			addr = &net.UDPAddr{IP: net.IPv4zero}
		}
		w.Address(addr)
	}
	w.Uint64(p.RequestTimestamp)
	w.Uint64(p.AcceptedTimestamp)
}

func readConnectionRequestAccepted(r *Reader) (*ConnectionRequestAccepted, error) {
	p := &ConnectionRequestAccepted{}
	var err error
	if p.ClientAddress, err = r.Address(); err != nil {
		return nil, err
	}
	for i := range p.SystemAddresses {
		if p.SystemAddresses[i], err = r.Address(); err != nil {
			return nil, err
		}
	}
	if p.RequestTimestamp, err = r.Uint64(); err != nil {
		return nil, err
	}
	if p.AcceptedTimestamp, err = r.Uint64(); err != nil {
		return nil, err
	}
	return p, nil
}

// ConnectedPing is the keepalive probe inside an established session.
type ConnectedPing struct {
	PingTimestamp uint64
}

func (p *ConnectedPing) ID() byte { return IDConnectedPing }

func (p *ConnectedPing) marshal(w *Writer) {
	w.Uint64(p.PingTimestamp)
}

func readConnectedPing(r *Reader) (*ConnectedPing, error) {
	ts, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	return &ConnectedPing{PingTimestamp: ts}, nil
}

// ConnectedPong answers a ConnectedPing, echoing its timestamp.
type ConnectedPong struct {
	PingTimestamp uint64
	PongTimestamp uint64
}

func (p *ConnectedPong) ID() byte { return IDConnectedPong }

func (p *ConnectedPong) marshal(w *Writer) {
	w.Uint64(p.PingTimestamp)
	w.Uint64(p.PongTimestamp)
}

func readConnectedPong(r *Reader) (*ConnectedPong, error) {
	p := &ConnectedPong{}
	var err error
	if p.PingTimestamp, err = r.Uint64(); err != nil {
		return nil, err
	}
	if p.PongTimestamp, err = r.Uint64(); err != nil {
		return nil, err
	}
	return p, nil
}

// IncompatibleProtocol is the server's rejection of an unsupported
// protocol version.
type IncompatibleProtocol struct {
	Protocol   byte
	ServerGUID uint64
}

func (p *IncompatibleProtocol) ID() byte { return IDIncompatibleProtocol }

func (p *IncompatibleProtocol) marshal(w *Writer) {
	w.Uint8(p.Protocol)
	w.Magic()
	w.Uint64(p.ServerGUID)
}

func readIncompatibleProtocol(r *Reader) (*IncompatibleProtocol, error) {
	p := &IncompatibleProtocol{}
	var err error
	if p.Protocol, err = r.Uint8(); err != nil {
		return nil, err
	}
	if err = r.Magic(); err != nil {
		return nil, err
	}
	if p.ServerGUID, err = r.Uint64(); err != nil {
		return nil, err
	}
	return p, nil
}

// DisconnectNotification is a best-effort teardown notice.
type DisconnectNotification struct{}

func (p *DisconnectNotification) ID() byte { return IDDisconnectNotification }

func (p *DisconnectNotification) marshal(*Writer) {}

// CustomPacket frames one or more encapsulated messages under a 24-bit
// datagram sequence number.
type CustomPacket struct {
	Sequence uint32
	Messages []*EncapsulatedPacket
}

func (p *CustomPacket) ID() byte { return 0x84 }

func (p *CustomPacket) marshal(w *Writer) {
	w.Uint24(p.Sequence)
	for _, ep := range p.Messages {
		ep.write(w)
	}
}

// TotalLen returns the encoded datagram size of the packet.
func (p *CustomPacket) TotalLen() int {
	n := 4 // id + sequence
	for _, ep := range p.Messages {
		n += ep.TotalLen()
	}
	return n
}

func readCustom(r *Reader) (*CustomPacket, error) {
	seq, err := r.Uint24()
	if err != nil {
		return nil, err
	}
	p := &CustomPacket{Sequence: seq}
	for r.Remaining() > 0 {
		ep, err := readEncapsulated(r)
		if err != nil {
			return nil, err
		}
		p.Messages = append(p.Messages, ep)
	}
	return p, nil
}

// ACK positively acknowledges received datagram sequence numbers.
type ACK struct {
	Ranges []AckRange
}

func (p *ACK) ID() byte { return IDACK }

func (p *ACK) marshal(w *Writer) { writeAckBody(w, p.Ranges) }

// NAK reports sequence-number gaps observed by the receiver.
type NAK struct {
	Ranges []AckRange
}

func (p *NAK) ID() byte { return IDNAK }

func (p *NAK) marshal(w *Writer) { writeAckBody(w, p.Ranges) }
