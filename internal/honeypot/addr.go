package honeypot

import (
	"net"
)

// RemoteHost returns the host part of addr exactly as the socket reports it.
// It is not normalized: the string is the key clients are tracked under.
func RemoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		host := tcp.IP.String()
		if tcp.Zone != "" {
			host += "%" + tcp.Zone
		}
		return host
	}

	s := addr.String()
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		return s
	}
	return host
}

// LocalPort returns the port of a local address, or 0 when it has none.
func LocalPort(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.Port
	case nil:
		return 0
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	p, err := net.LookupPort("tcp", port)
	if err != nil {
		return 0
	}
	return p
}
