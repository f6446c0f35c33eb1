package transport

import "net"

// InterfaceMTU returns the largest MTU among up, non-loopback network
// interfaces, or 0 when none can be inspected. The handshake uses it to
// cap the probe ladder.
func InterfaceMTU() int {
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0
	}
	best := 0
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ifc.MTU > best {
			best = ifc.MTU
		}
	}
	return best
}
