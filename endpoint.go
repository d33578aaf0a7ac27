package coev

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Family tags an Endpoint's address family, per spec.md §3's "tagged
// union over {IPv4(addr,port), IPv6(addr,port), UnixPath(path)}".
type Family uint8

const (
	INET Family = iota
	INET6
	UNIX
)

func (f Family) String() string {
	switch f {
	case INET:
		return "inet"
	case INET6:
		return "inet6"
	case UNIX:
		return "unix"
	default:
		return "unknown"
	}
}

// Endpoint is a connection target: (family, socktype, addr). Socket
// type is always SOCK_STREAM — this runtime only deals in connection-
// oriented pooled connections.
type Endpoint struct {
	Family Family
	Host   string
	Port   int
	Path   string
}

// ParseEndpoint builds an Endpoint from a (host, port) pair, the
// shorthand 2-tuple from spec.md §6, auto-detecting IPv6 by the
// presence of ':' in host.
func ParseEndpoint(host string, port int) Endpoint {
	fam := INET
	if strings.Contains(host, ":") {
		fam = INET6
	}
	return Endpoint{Family: fam, Host: host, Port: port}
}

// UnixEndpoint builds a UnixPath Endpoint.
func UnixEndpoint(path string) Endpoint {
	return Endpoint{Family: UNIX, Path: path}
}

func (e Endpoint) String() string {
	switch e.Family {
	case UNIX:
		return "unix:" + e.Path
	case INET6:
		return "[" + e.Host + "]:" + strconv.Itoa(e.Port)
	default:
		return e.Host + ":" + strconv.Itoa(e.Port)
	}
}

// socket creates a non-blocking stream socket and sockaddr for e,
// ready to pass to unix.Connect.
func (e Endpoint) socket() (int, unix.Sockaddr, error) {
	switch e.Family {
	case INET:
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			return -1, nil, err
		}
		var addr [4]byte
		ip := parseIPv4(e.Host)
		copy(addr[:], ip)
		return fd, &unix.SockaddrInet4{Port: e.Port, Addr: addr}, nil
	case INET6:
		fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
		if err != nil {
			return -1, nil, err
		}
		var addr [16]byte
		ip := parseIPv6(e.Host)
		copy(addr[:], ip)
		return fd, &unix.SockaddrInet6{Port: e.Port, Addr: addr}, nil
	case UNIX:
		fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			return -1, nil, err
		}
		return fd, &unix.SockaddrUnix{Name: e.Path}, nil
	default:
		return -1, nil, fmt.Errorf("coev: unknown endpoint family %v", e.Family)
	}
}

func parseIPv4(host string) net.IP {
	ip := net.ParseIP(host).To4()
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err == nil {
			for _, c := range ips {
				if v4 := c.To4(); v4 != nil {
					return v4
				}
			}
		}
		return net.IPv4zero
	}
	return ip
}

func parseIPv6(host string) net.IP {
	ip := net.ParseIP(host).To16()
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err == nil {
			for _, c := range ips {
				if c.To4() == nil {
					return c.To16()
				}
			}
		}
		return net.IPv6zero
	}
	return ip
}
