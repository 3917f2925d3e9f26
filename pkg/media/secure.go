package media

import (
	"net"
	"net/netip"
)

// ErrInsecureContext is returned when media acquisition is attempted outside a
// secure context.
var ErrInsecureContext = &Error{Kind: KindSecurityContextInvalid, Name: NameSecurity, Detail: "media access requires TLS or a loopback listener"}

// SecureContext reports whether a control surface listening on addr is a
// secure context: it serves TLS, or it is bound to a loopback address.
// Wildcard binds (":8080", "0.0.0.0:8080") are not secure without TLS.
func SecureContext(addr string, tls bool) bool {
	if tls {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return ip.IsLoopback()
}
