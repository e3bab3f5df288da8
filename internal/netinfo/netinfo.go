// Package netinfo resolves free local ports and externally reachable
// addresses for spawned dev servers.
package netinfo

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// maxPortAttempts bounds the upward scan from the starting port.
const maxPortAttempts = 200

// Address describes where a dev server can be reached from the host network.
// Reachable is false when only the loopback interface was available.
type Address struct {
	IP        string
	Port      int
	URL       string
	Reachable bool
}

// FindFreePort returns the first TCP port at or above start that can be
// bound on the loopback interface.
func FindFreePort(ctx context.Context, start int) (int, error) {
	if start <= 0 || start > 65535 {
		return 0, fmt.Errorf("invalid start port %d", start)
	}
	lc := &net.ListenConfig{}
	last := start
	for port := start; port < start+maxPortAttempts && port <= 65535; port++ {
		last = port
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			_ = ln.Close()
			return port, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, last)
}

// Reachable reports the address clients on the local network should use for
// the given port. When no private LAN IPv4 exists, the loopback address is
// returned with Reachable false.
func Reachable(port int) Address {
	if ip, ok := lanIPv4(); ok {
		return Address{IP: ip, Port: port, URL: fmt.Sprintf("http://%s:%d", ip, port), Reachable: true}
	}
	return Address{IP: "127.0.0.1", Port: port, URL: fmt.Sprintf("http://127.0.0.1:%d", port), Reachable: false}
}

// lanIPv4 returns the first private IPv4 address on an up, non-loopback
// interface.
func lanIPv4() (string, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			ip4 := ip.To4()
			if ip4 == nil || !ip4.IsPrivate() {
				continue
			}
			return ip4.String(), true
		}
	}
	return "", false
}
