package conn

import (
	"net"
	"strings"
)

// classifyAddr decides whether addr names a TCP endpoint ("<dotted-quad>:
// <port>") or a local (Unix domain) socket path, per spec.md §4.2/§6: "The
// connection string is <host>:<port> for TCP (host must be a dotted-quad),
// or a plain path for a local socket. Port 0 or missing port is permitted
// for the local-socket form." TCP is detected first; anything else is
// treated as a filesystem path.
func classifyAddr(addr string) (network, target string) {
	host, _, err := net.SplitHostPort(addr)
	if err == nil && isDottedQuad(host) {
		return "tcp", addr
	}
	return "unix", addr
}

// isDottedQuad reports whether host is a literal IPv4 address written as
// four dot-separated decimal octets (not a hostname, not IPv6).
func isDottedQuad(host string) bool {
	if strings.Count(host, ".") != 3 || strings.Contains(host, ":") {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() != nil
}
