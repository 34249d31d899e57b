package tempest

import "net"

// TargetAddress identifies a peer to connect to (spec.md §6). Resolution
// yields an IPv4 or IPv6 endpoint; a literal IP bypasses DNS entirely.
type TargetAddress struct {
	Hostname string
	Port     int
}

// Resolve returns the resolved IP endpoint for t, short-circuiting DNS
// when Hostname is already a literal IP (spec.md §6: "literal IPs bypass
// DNS").
func (t TargetAddress) Resolve() (*net.IPAddr, error) {
	if ip := net.ParseIP(t.Hostname); ip != nil {
		return &net.IPAddr{IP: ip}, nil
	}
	return net.ResolveIPAddr("ip", t.Hostname)
}

// TCPAddr resolves t to a *net.TCPAddr.
func (t TargetAddress) TCPAddr() (*net.TCPAddr, error) {
	ip, err := t.Resolve()
	if err != nil {
		return nil, err
	}
	return &net.TCPAddr{IP: ip.IP, Port: t.Port, Zone: ip.Zone}, nil
}

// UDPAddr resolves t to a *net.UDPAddr.
func (t TargetAddress) UDPAddr() (*net.UDPAddr, error) {
	ip, err := t.Resolve()
	if err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: ip.IP, Port: t.Port, Zone: ip.Zone}, nil
}
