// Package proto describes the operations the server exposes and decodes the
// initial request of the native git:// transport.
package proto

import (
	"strconv"
	"strings"
)

type Service uint8

const (
	UploadPack  Service = iota // client <- fetch <- server
	ReceivePack                // client -> push -> server
)

var serviceNames = map[Service]string{
	UploadPack:  "git-upload-pack",
	ReceivePack: "git-receive-pack",
}

var services = map[string]Service{
	"git-upload-pack":  UploadPack,
	"git-receive-pack": ReceivePack,
}

// ParseService maps a request command such as "git-upload-pack" to a Service.
func ParseService(name string) (Service, bool) {
	svc, ok := services[name]
	return svc, ok
}

func (s Service) String() string {
	if name, ok := serviceNames[s]; ok {
		return name
	}
	return "git-unknown-" + strconv.Itoa(int(s))
}

// Subcommand is the repository tool subcommand serving s.
func (s Service) Subcommand() string {
	return strings.TrimPrefix(s.String(), "git-")
}

const versionParam = "version="

// ProtocolVersion extracts the protocol version from "version=<n>"
// parameters. Parameters that are not of that form are ignored.
func ProtocolVersion(params []string) (int, bool) {
	version, found := 0, false
	for _, p := range params {
		if !strings.HasPrefix(p, versionParam) {
			continue
		}
		v, err := strconv.Atoi(p[len(versionParam):])
		if err != nil || v < 0 {
			continue
		}
		version, found = v, true
	}
	return version, found
}
