package httpclient

import (
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// isConnectionRefused reports whether err ultimately wraps ECONNREFUSED.
func isConnectionRefused(err error) bool {
	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		return sysErr == syscall.ECONNREFUSED
	}
	return strings.Contains(err.Error(), "connection refused")
}

// isDNSFailure reports whether err is a DNS resolution failure.
func isDNSFailure(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return strings.Contains(err.Error(), "no such host")
}

// isClosedConn reports whether err indicates the connection was closed
// out from under the client (reset, EOF mid-read, use of closed network
// connection).
func isClosedConn(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) && strings.Contains(pathErr.Err.Error(), "closed") {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "EOF")
}
