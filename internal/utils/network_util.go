package utils

import (
	"fmt"
	"net"
	"strconv"
)

// ListenAddress validates host and port and checks that the address can be
// bound, returning it in host:port form.
func ListenAddress(host string, port string) (string, error) {
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("invalid port number: %w", err)
	}
	if portNum < 0 || portNum > 65535 {
		return "", fmt.Errorf("port %d out of range", portNum)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(portNum))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("address %s is not available: %w", addr, err)
	}
	if closeErr := ln.Close(); closeErr != nil {
		return "", fmt.Errorf("failed to close listener: %w", closeErr)
	}
	return addr, nil
}
