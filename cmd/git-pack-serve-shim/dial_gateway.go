//go:build !linux

package main

import "net"

func dialByGatewayAddress(int) (*net.TCPConn, error) {
	return nil, errDialMethodUnavailable
}
