package netutil

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
)

// ListenPort binds host:preferred, falling back to the candidate ports in
// order when autoFallback is set and the preferred port is taken. Port 0
// binds a free port. The returned listener is already bound, so callers
// can read the final port from its address.
func ListenPort(host string, preferred int, candidates []int, autoFallback bool) (net.Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(preferred)))
	if err == nil {
		return ln, nil
	}
	if !autoFallback {
		return nil, fmt.Errorf("preferred port in use: %d: %w", preferred, err)
	}
	slog.Warn("preferred port unavailable, trying fallbacks", "port", preferred, "error", err)

	for _, port := range candidates {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
		slog.Debug("fallback port unavailable", "port", port, "error", err)
	}
	return nil, errors.New("no available server ports")
}

// Port returns the TCP port ln is bound to.
func Port(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

// IsPortAvailable reports whether host:port can be listened on.
func IsPortAvailable(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	return ln.Close() == nil
}
