package protocol

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(ip string, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip).To4(), Port: port}
}

// TestPacketRoundTrip checks decode(encode(p)) == p for every packet
// kind.
func TestPacketRoundTrip(t *testing.T) {
	var system [systemAddressCount]*net.UDPAddr
	for i := range system {
		system[i] = addr("0.0.0.0", 0)
	}

	tests := []struct {
		name string
		pkt  Packet
	}{
		{"unconnected ping", &UnconnectedPing{SendTimestamp: 12345, ClientGUID: 0xA}},
		{"unconnected ping open", &UnconnectedPing{SendTimestamp: 1, ClientGUID: 2, OpenConnections: true}},
		{"unconnected pong", &UnconnectedPong{SendTimestamp: 7, ServerGUID: 9, Identifier: []byte("MCPE;server;45")}},
		{"open connection request 1", &OpenConnectionRequest1{Protocol: ProtocolVersion, MTU: 576}},
		{"open connection reply 1", &OpenConnectionReply1{ServerGUID: 0xB, MTU: 1400}},
		{"open connection request 2", &OpenConnectionRequest2{ServerAddress: addr("10.0.0.5", 19132), MTU: 1400, ClientGUID: 0xA}},
		{"open connection reply 2", &OpenConnectionReply2{ServerGUID: 0xB, ClientAddress: addr("192.168.1.2", 54321), MTU: 1400}},
		{"connection request", &ConnectionRequest{ClientGUID: 0xA, RequestTimestamp: 99}},
		{"connection request accepted", &ConnectionRequestAccepted{
			ClientAddress:     addr("192.168.1.2", 54321),
			SystemAddresses:   system,
			RequestTimestamp:  99,
			AcceptedTimestamp: 100,
		}},
		{"connected ping", &ConnectedPing{PingTimestamp: 42}},
		{"connected pong", &ConnectedPong{PingTimestamp: 42, PongTimestamp: 43}},
		{"incompatible protocol", &IncompatibleProtocol{Protocol: 9, ServerGUID: 0xB}},
		{"disconnect notification", &DisconnectNotification{}},
		{"ack", &ACK{Ranges: []AckRange{{Start: 0, End: 1}, {Start: 3, End: 3}}}},
		{"nak", &NAK{Ranges: []AckRange{{Start: 2, End: 2}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := Encode(tt.pkt)
			require.NotEmpty(t, data)
			require.Equal(t, tt.pkt.ID(), data[0])

			got, err := Decode(data)
			require.NoError(t, err)
			require.Equal(t, tt.pkt, got)
		})
	}
}

func TestCustomPacketRoundTrip(t *testing.T) {
	cp := &CustomPacket{
		Sequence: 0x123456,
		Messages: []*EncapsulatedPacket{
			{Reliability: Unreliable, Payload: []byte{0xFE, 1, 2, 3}},
			{Reliability: Reliable, MessageIndex: 7, Payload: []byte{0xFE, 9}},
			{Reliability: ReliableOrdered, MessageIndex: 8, OrderIndex: 3, OrderChannel: 5, Payload: []byte{0xFE}},
			{Reliability: UnreliableSequenced, OrderIndex: 11, OrderChannel: 1, Payload: []byte{0xFE, 0xFF}},
			{
				Reliability: ReliableOrdered, MessageIndex: 9, OrderIndex: 4, OrderChannel: 0,
				Split: true, SplitCount: 3, SplitID: 0x42, SplitIndex: 1,
				Payload: []byte("fragment"),
			},
		},
	}
	got, err := Decode(Encode(cp))
	require.NoError(t, err)
	require.Equal(t, cp, got)
}

// TestOpenConnectionRequest1Padding verifies the probe datagram is padded
// so the full IP packet matches the candidate MTU.
func TestOpenConnectionRequest1Padding(t *testing.T) {
	for _, mtu := range []uint16{576, 1200, 1492} {
		data := Encode(&OpenConnectionRequest1{Protocol: ProtocolVersion, MTU: mtu})
		require.Equal(t, int(mtu)-mtuOverhead, len(data))
	}
}

// TestAddressWireFormat pins the RakNet convention of bitwise-inverted
// IPv4 octets and a big-endian port.
func TestAddressWireFormat(t *testing.T) {
	w := NewWriter()
	w.Address(addr("10.0.0.5", 19132))
	require.Equal(t, []byte{4, ^byte(10), ^byte(0), ^byte(0), ^byte(5), 0x4A, 0xBC}, w.Bytes())

	r := NewReader(w.Bytes())
	got, err := r.Address()
	require.NoError(t, err)
	assert.True(t, got.IP.Equal(net.ParseIP("10.0.0.5")))
	assert.Equal(t, 19132, got.Port)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown id", []byte{0xEE, 1, 2, 3}},
		{"truncated pong", Encode(&UnconnectedPong{SendTimestamp: 1, ServerGUID: 2, Identifier: []byte("x")})[:10]},
		{"truncated reply 1", Encode(&OpenConnectionReply1{ServerGUID: 1, MTU: 1400})[:5]},
		{"truncated custom", []byte{0x84, 1, 0}},
		{"truncated encapsulation", []byte{0x84, 1, 0, 0, byte(Reliable) << 5, 0, 64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			var mpe *MalformedPacketError
			require.Error(t, err)
			require.ErrorAs(t, err, &mpe)
		})
	}
}

// TestDecodeBadMagic checks the failure offset points into the cookie.
func TestDecodeBadMagic(t *testing.T) {
	data := Encode(&UnconnectedPong{SendTimestamp: 1, ServerGUID: 2, Identifier: []byte("x")})
	data[1+8+8+3] ^= 0xFF // corrupt one magic byte

	_, err := Decode(data)
	var mpe *MalformedPacketError
	require.ErrorAs(t, err, &mpe)
	assert.Equal(t, 1+8+8+3, mpe.Offset)
}

func TestSequenceLess(t *testing.T) {
	assert.True(t, SequenceLess(0, 1))
	assert.True(t, SequenceLess(5, 100))
	assert.False(t, SequenceLess(1, 0))
	assert.False(t, SequenceLess(7, 7))

	// 2^24-1 followed by 0 is a forward step, not a reordering.
	assert.True(t, SequenceLess(SequenceMask, 0))
	assert.False(t, SequenceLess(0, SequenceMask))
}

func TestCoalesceSequences(t *testing.T) {
	tests := []struct {
		name string
		in   []uint32
		want []AckRange
	}{
		{"empty", nil, nil},
		{"single", []uint32{5}, []AckRange{{5, 5}}},
		{"run", []uint32{0, 1, 2}, []AckRange{{0, 2}}},
		{"gap", []uint32{0, 1, 3}, []AckRange{{0, 1}, {3, 3}}},
		{"unsorted with dup", []uint32{3, 0, 1, 1, 7}, []AckRange{{0, 1}, {3, 3}, {7, 7}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CoalesceSequences(tt.in))
		})
	}
}

func TestSequencesExpansionBounded(t *testing.T) {
	got := Sequences([]AckRange{{Start: 0, End: 1 << 23}})
	assert.Len(t, got, maxAckSequences)
}

func TestEncapsulatedHeaderLen(t *testing.T) {
	tests := []struct {
		rel   Reliability
		split bool
		want  int
	}{
		{Unreliable, false, 3},
		{UnreliableSequenced, false, 7},
		{Reliable, false, 6},
		{ReliableOrdered, false, 10},
		{ReliableSequenced, false, 10},
		{ReliableOrdered, true, 20},
	}
	for _, tt := range tests {
		ep := &EncapsulatedPacket{Reliability: tt.rel, Split: tt.split}
		assert.Equal(t, tt.want, ep.HeaderLen(), "reliability %v split %v", tt.rel, tt.split)
	}
}
