//go:build unix

package transport

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBindEnablesBroadcast reads SO_BROADCAST back off the bound socket:
// without it, sendto() on a broadcast address fails with EACCES and the
// discovery loop cannot work outside of loopback setups.
func TestBindEnablesBroadcast(t *testing.T) {
	e, err := Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer e.Close()

	raw, err := e.conn.SyscallConn()
	require.NoError(t, err)

	var (
		value   int
		sockErr error
	)
	require.NoError(t, raw.Control(func(fd uintptr) {
		value, sockErr = syscall.GetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST)
	}))
	require.NoError(t, sockErr)
	assert.NotZero(t, value, "SO_BROADCAST must be set on the bound socket")
}
