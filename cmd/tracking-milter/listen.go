package main

import (
	"net"
	"os"

	"github.com/d--j/tracking-milter/internal/config"
)

// listen binds the milter socket described by spec.
// The returned cleanup function removes unix domain sockets.
func listen(spec string) (net.Listener, func(), error) {
	network, address, err := config.ParseSocket(spec)
	if err != nil {
		return nil, nil, err
	}
	// make sure socket does not exist
	if network == "unix" {
		// ignore os.Remove errors
		_ = os.Remove(address)
	}
	socket, err := net.Listen(network, address)
	if err != nil {
		return nil, nil, err
	}
	if network != "unix" {
		return socket, func() {}, nil
	}
	// the MTA usually runs as a different user in the same group
	if err := os.Chmod(address, 0660); err != nil {
		_ = socket.Close()
		return nil, nil, err
	}
	return socket, func() { _ = os.Remove(address) }, nil
}
