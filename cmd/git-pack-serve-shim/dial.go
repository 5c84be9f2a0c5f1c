package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

const (
	dialTimeout = 3 * time.Second
	defaultPort = 8004
)

var (
	errDialMethodUnavailable  = errors.New("dial method unavailable")
	errNoAvailableDialMethods = errors.New("unable to locate the daemon - try again with GIT_PACK_SERVE_HOST")
)

type dialMethod func(port int) (*net.TCPConn, error)

// see https://github.com/moby/moby/pull/40007 for related discussion

var dialMethods = []dialMethod{
	dialByEnvHost,        // manual GIT_PACK_SERVE_HOST override
	dialByLoopback,       // daemon on this host
	dialByGatewayAddress, // daemon on the Docker Engine host
}

func dial() (*net.TCPConn, error) {
	port, err := getenvInt("GIT_PACK_SERVE_PORT", defaultPort)
	if err != nil {
		return nil, err
	}
	for _, meth := range dialMethods {
		c, err := meth(port)
		if errors.Is(err, errDialMethodUnavailable) {
			continue
		}
		return c, err
	}
	return nil, errNoAvailableDialMethods
}

func dialTCP(host string, port int) (*net.TCPConn, error) {
	c, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), dialTimeout)
	if err != nil {
		return nil, err
	}
	return c.(*net.TCPConn), nil
}

func dialByEnvHost(port int) (*net.TCPConn, error) {
	host := os.Getenv("GIT_PACK_SERVE_HOST")
	if host == "" {
		return nil, errDialMethodUnavailable
	}
	return dialTCP(host, port)
}

func dialByLoopback(port int) (*net.TCPConn, error) {
	c, err := dialTCP("127.0.0.1", port)
	if err != nil {
		return nil, errDialMethodUnavailable
	}
	return c, nil
}

func getenvInt(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("environment: %s: %w", name, err)
	}
	return i, nil
}
