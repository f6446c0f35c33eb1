package raknet

import (
	"net"

	"github.com/appnet-org/raknet/pkg/protocol"
)

// Listener receives every observable event of a client: discovery
// lifecycle, connection lifecycle, inbound user payloads, and transport
// failures. Callbacks are invoked from the receive path or the discovery
// worker and must not block.
type Listener interface {
	// OnServerDiscovered fires for the first pong from a server.
	OnServerDiscovered(addr *net.UDPAddr, identifier []byte)

	// OnServerForgotten fires when a server stops answering pings for
	// the server timeout.
	OnServerForgotten(addr *net.UDPAddr)

	// OnServerIdentifierUpdate fires when a known server's advertised
	// identifier bytes change.
	OnServerIdentifierUpdate(addr *net.UDPAddr, identifier []byte)

	// OnConnect fires once the handshake completes.
	OnConnect()

	// OnDisconnect fires when the session ends, with the teardown
	// reason.
	OnDisconnect(reason string)

	// OnPacketReceive delivers one inbound user payload.
	OnPacketReceive(payload []byte, reliability protocol.Reliability, channel byte)

	// OnHandlerException reports endpoint-level I/O failures. addr is
	// nil when the failure is not tied to a peer.
	OnHandlerException(addr *net.UDPAddr, err error)
}
