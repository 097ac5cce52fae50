// Package netutil picks a free address for the control API.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrNoFreeAddr is returned when neither the preferred address nor any
// fallback can be listened on.
var ErrNoFreeAddr = errors.New("no available bind address")

// SelectBindAddr returns preferred when it is free. Otherwise, with
// autoFallback, it returns the first free candidate.
func SelectBindAddr(preferred string, candidates []string, autoFallback bool) (string, error) {
	if preferred != "" {
		if IsAddrAvailable(preferred) {
			return preferred, nil
		}
		if !autoFallback {
			return "", fmt.Errorf("preferred bind address in use: %s", preferred)
		}
	}
	for _, addr := range candidates {
		if IsAddrAvailable(addr) {
			return addr, nil
		}
	}
	return "", ErrNoFreeAddr
}

// NextPorts returns the n addresses after addr on the same host.
func NextPorts(addr string, n int) ([]string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("bind address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("bind address %q: bad port", addr)
	}
	out := make([]string, 0, n)
	for i := 1; i <= n && port+i <= 65535; i++ {
		out = append(out, net.JoinHostPort(host, strconv.Itoa(port+i)))
	}
	return out, nil
}

// IsAddrAvailable reports whether addr can be listened on.
func IsAddrAvailable(addr string) bool {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
