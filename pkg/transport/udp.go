package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/appnet-org/raknet/pkg/logging"
)

// maxDatagramSize is the receive buffer size per datagram. RakNet never
// negotiates an MTU above 1492, so one 2048-byte buffer is plenty.
const maxDatagramSize = 2048

// DatagramHandler receives each inbound datagram, invoked serially from
// the endpoint's read loop. Implementations must not block beyond
// listener invocation.
type DatagramHandler func(sender *net.UDPAddr, b []byte)

// ErrorHandler receives transport-level I/O failures. The sender address
// is nil when the failure is not tied to a peer.
type ErrorHandler func(sender *net.UDPAddr, err error)

// Endpoint is the opaque datagram endpoint the client speaks through.
type Endpoint interface {
	// SetHandler installs the inbound datagram and error callbacks and
	// starts delivery.
	SetHandler(h DatagramHandler, onError ErrorHandler)

	// Send transmits one datagram, non-blocking.
	Send(remote *net.UDPAddr, b []byte) error

	// LocalAddr returns the bound local address.
	LocalAddr() *net.UDPAddr

	// Close releases the socket. Idempotent.
	Close() error
}

// UDPEndpoint is the production Endpoint over a net.UDPConn. The socket
// is bound with broadcast permitted and address reuse left disabled, and
// a single goroutine delivers inbound datagrams to the handler one at a
// time.
type UDPEndpoint struct {
	conn *net.UDPConn

	handler DatagramHandler
	onError ErrorHandler

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Bind opens a UDP socket on the given local address ("" or ":0" for an
// ephemeral port) with SO_BROADCAST enabled, so discovery pings to
// 255.255.255.255 are permitted by the kernel. Address reuse stays
// disabled. The read loop starts on the first SetHandler call.
func Bind(local string) (*UDPEndpoint, error) {
	if local == "" {
		local = ":0"
	}
	lc := net.ListenConfig{Control: enableBroadcast}
	pc, err := lc.ListenPacket(context.Background(), "udp4", local)
	if err != nil {
		return nil, fmt.Errorf("bind udp: %w", err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("bind udp: unexpected conn type %T", pc)
	}
	return &UDPEndpoint{
		conn:   conn,
		closed: make(chan struct{}),
	}, nil
}

// SetHandler installs the datagram and error callbacks and starts the
// read loop. Must be called exactly once before any traffic is expected.
func (e *UDPEndpoint) SetHandler(h DatagramHandler, onError ErrorHandler) {
	e.handler = h
	e.onError = onError
	e.wg.Add(1)
	go e.readLoop()
}

func (e *UDPEndpoint) readLoop() {
	defer e.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, sender, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.closed:
				return
			default:
			}
			logging.Warn("udp read failed", zap.Error(err))
			if e.onError != nil {
				e.onError(nil, err)
			}
			continue
		}
		b := make([]byte, n)
		copy(b, buf[:n])
		e.handler(sender, b)
	}
}

// Send transmits one datagram to remote.
func (e *UDPEndpoint) Send(remote *net.UDPAddr, b []byte) error {
	_, err := e.conn.WriteToUDP(b, remote)
	if err != nil {
		logging.Debug("udp write failed",
			zap.Stringer("remote", remote),
			zap.Error(err))
	}
	return err
}

// LocalAddr returns the bound local address.
func (e *UDPEndpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Close shuts the socket down and waits for the read loop to exit.
func (e *UDPEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		err = e.conn.Close()
		e.wg.Wait()
	})
	return err
}
