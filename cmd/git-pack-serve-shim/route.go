package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"strconv"
)

var linuxDefaultDestination = []byte("00000000")

// parseLinuxGatewayIPAddr finds the gateway of the default route in the
// format of /proc/net/route, where addresses are little endian hex.
func parseLinuxGatewayIPAddr(r io.Reader) (net.IP, bool) {
	s := bufio.NewScanner(r)
	if !s.Scan() { // skip header
		return nil, false
	}
	for s.Scan() {
		f := bytes.Fields(s.Bytes())
		if len(f) < 3 || !bytes.Equal(f[1], linuxDefaultDestination) {
			continue
		}
		if ip, ok := parseIPv4HexLittleEndian(f[2]); ok {
			return ip, true
		}
	}
	return nil, false
}

func parseIPv4HexLittleEndian(b []byte) (net.IP, bool) {
	if len(b) != net.IPv4len*2 {
		return nil, false
	}
	v, err := strconv.ParseUint(string(b), 16, 32)
	if err != nil {
		return nil, false
	}
	ip := make(net.IP, net.IPv4len)
	binary.LittleEndian.PutUint32(ip, uint32(v))
	return ip, true
}
