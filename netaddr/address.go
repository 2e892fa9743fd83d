// Package netaddr implements the typed IPv4/IPv6 endpoint described in
// spec.md §3 "Endpoint": a tagged union carrying address bytes in
// network byte order and a host-order port, with parse/format and DNS
// resolution.
//
// Grounded on muduo/net/InetAddress.{h,cc} (original_source): family
// tag matches inhabitant, dotted-quad / colon-hex text forms, and a
// gethostbyname-style resolve-with-success-flag contract (spec.md §7
// category 6, "Address/DNS failures").
package netaddr

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Family identifies which union member an Endpoint holds.
type Family int

const (
	// FamilyV4 tags an IPv4 endpoint.
	FamilyV4 Family = iota
	// FamilyV6 tags an IPv6 endpoint.
	FamilyV6
)

// Endpoint is a typed IPv4/IPv6 network endpoint. The zero value is not
// meaningful; construct with New4, New6 or Parse.
type Endpoint struct {
	family Family
	ip4    [4]byte
	ip6    [16]byte
	port   uint16 // host byte order at the API surface
}

// New4 builds an IPv4 endpoint from four address bytes and a host-order port.
func New4(ip [4]byte, port uint16) Endpoint {
	return Endpoint{family: FamilyV4, ip4: ip, port: port}
}

// New6 builds an IPv6 endpoint from sixteen address bytes and a host-order port.
func New6(ip [16]byte, port uint16) Endpoint {
	return Endpoint{family: FamilyV6, ip6: ip, port: port}
}

// Loopback4 returns 127.0.0.1 with the given port, muduo's default
// "listen on loopback" convenience used throughout its examples.
func Loopback4(port uint16) Endpoint {
	return New4([4]byte{127, 0, 0, 1}, port)
}

// AnyV4 returns 0.0.0.0 with the given port.
func AnyV4(port uint16) Endpoint {
	return New4([4]byte{0, 0, 0, 0}, port)
}

// Parse accepts a bare IPv4 or IPv6 textual address (no port) and a
// host-order port, and determines the family from the text form.
func Parse(host string, port uint16) (Endpoint, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return Endpoint{}, fmt.Errorf("netaddr: invalid address %q", host)
	}
	if v4 := ip.To4(); v4 != nil {
		var b [4]byte
		copy(b[:], v4)
		return New4(b, port), nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return Endpoint{}, fmt.Errorf("netaddr: invalid address %q", host)
	}
	var b [16]byte
	copy(b[:], v6)
	return New6(b, port), nil
}

// ParseHostPort accepts "host:port" text in either family's form.
func ParseHostPort(hostport string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, fmt.Errorf("netaddr: %w", err)
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("netaddr: invalid port %q", portStr)
	}
	return Parse(host, uint16(p))
}

// Resolve performs DNS resolution of hostname, returning the first
// IPv4 address if there is one, otherwise the first address as IPv6,
// together with a success flag. Per spec.md §7
// category 6, resolution failures do not return a Go error to force
// error-path handling on the caller; instead they report ok=false the
// way muduo's InetAddress::resolve wraps gethostbyname_r's return code.
func Resolve(ctx context.Context, hostname string, port uint16) (Endpoint, bool) {
	var resolver net.Resolver
	addrs, err := resolver.LookupIPAddr(ctx, hostname)
	if err != nil || len(addrs) == 0 {
		return Endpoint{}, false
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			var b [4]byte
			copy(b[:], v4)
			return New4(b, port), true
		}
	}
	v6 := addrs[0].IP.To16()
	if v6 == nil {
		return Endpoint{}, false
	}
	var b [16]byte
	copy(b[:], v6)
	return New6(b, port), true
}

// Family reports which union member is inhabited.
func (e Endpoint) Family() Family { return e.family }

// IsV4 reports whether e holds an IPv4 address.
func (e Endpoint) IsV4() bool { return e.family == FamilyV4 }

// IsV6 reports whether e holds an IPv6 address.
func (e Endpoint) IsV6() bool { return e.family == FamilyV6 }

// Port returns the host-order port.
func (e Endpoint) Port() uint16 { return e.port }

// IP returns the address as a net.IP, useful for interop with net.Conn peers.
func (e Endpoint) IP() net.IP {
	if e.family == FamilyV4 {
		return net.IP(e.ip4[:])
	}
	return net.IP(e.ip6[:])
}

// String renders the endpoint per spec.md §6: dotted-quad or
// colon-hex followed by ":"+port. The colon-hex form is enclosed in
// square brackets ("[::1]:80"), as net.JoinHostPort writes it.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP().String(), strconv.Itoa(int(e.port)))
}

// SockaddrFamily returns the AF_INET/AF_INET6 constant for this endpoint.
func (e Endpoint) SockaddrFamily() int {
	if e.family == FamilyV4 {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// ToSockaddr converts the endpoint into a unix.Sockaddr suitable for
// bind(2)/connect(2).
func (e Endpoint) ToSockaddr() unix.Sockaddr {
	if e.family == FamilyV4 {
		return &unix.SockaddrInet4{Port: int(e.port), Addr: e.ip4}
	}
	return &unix.SockaddrInet6{Port: int(e.port), Addr: e.ip6}
}

// FromSockaddr converts a unix.Sockaddr (as returned by accept4(2) or
// getsockname(2)) back into an Endpoint.
func FromSockaddr(sa unix.Sockaddr) (Endpoint, error) {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return New4(s.Addr, uint16(s.Port)), nil
	case *unix.SockaddrInet6:
		return New6(s.Addr, uint16(s.Port)), nil
	default:
		return Endpoint{}, fmt.Errorf("netaddr: unsupported sockaddr type %T", sa)
	}
}
