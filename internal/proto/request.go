package proto

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/saj/git-pack-serve/internal/pktline"
)

// Bounds on the declared length of the initial request packet.
const (
	RequestMinLen = 5
	RequestMaxLen = 65524
)

// Host and port reported for requests that carry no host parameter. They
// are only used for diagnostics.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 9418
)

var (
	ErrMalformedRequest   = errors.New("malformed request")
	ErrUnsupportedCommand = errors.New("unsupported command")
	// ErrForbidden rejects a Smart HTTP request whose Accept header does
	// not name the result type of the requested service.
	ErrForbidden = errors.New("forbidden")
)

const hostParam = "host="

// Request is the decoded initial request of a native protocol session.
type Request struct {
	Service Service
	Path    string
	Host    string
	Port    int
	Extra   []string
}

// RepoName is the repository identifier carried by the request path.
func (r Request) RepoName() string {
	return strings.TrimPrefix(r.Path, "/")
}

// ProtocolVersion reports the version requested through the extra
// parameters, if any.
func (r Request) ProtocolVersion() (int, bool) {
	return ProtocolVersion(r.Extra)
}

// ReadRequest reads and decodes the initial request packet from r. It
// never reads past the end of that packet.
func ReadRequest(r io.Reader) (Request, error) {
	pkt, err := pktline.ReadBounded(r, RequestMinLen, RequestMaxLen)
	if err != nil {
		return Request{}, err
	}
	return ParseRequest(pkt.Data)
}

// ParseRequest decodes the payload of an initial request packet:
//
//	request-command SP pathname NUL [ host-parameter NUL ] [ NUL extra-parameters ]
func ParseRequest(payload []byte) (Request, error) {
	params := bytes.Split(payload, []byte{0})
	if len(params) < 2 {
		return Request{}, fmt.Errorf("%w: missing NUL terminator", ErrMalformedRequest)
	}
	parts := bytes.Split(params[0], []byte{' '})
	if len(parts) != 2 {
		return Request{}, fmt.Errorf("%w: %q", ErrMalformedRequest, params[0])
	}
	svc, ok := ParseService(string(parts[0]))
	if !ok {
		return Request{}, fmt.Errorf("%w: %q", ErrUnsupportedCommand, parts[0])
	}
	req := Request{
		Service: svc,
		Path:    string(parts[1]),
		Host:    DefaultHost,
		Port:    DefaultPort,
	}

	switch {
	case len(params) == 2:
		if len(params[1]) != 0 {
			return Request{}, fmt.Errorf("%w: trailing data after pathname", ErrMalformedRequest)
		}
	case len(params) == 3:
		if len(params[2]) != 0 {
			return Request{}, fmt.Errorf("%w: trailing data after host parameter", ErrMalformedRequest)
		}
		if !bytes.HasPrefix(params[1], []byte(hostParam)) {
			return Request{}, fmt.Errorf("%w: bad host parameter %q", ErrMalformedRequest, params[1])
		}
		if err := req.parseHost(string(params[1])); err != nil {
			return Request{}, err
		}
	default:
		if len(params[2]) != 0 || len(params[len(params)-1]) != 0 {
			return Request{}, fmt.Errorf("%w: bad extra parameters", ErrMalformedRequest)
		}
		// Only used for diagnostics, so a host parameter that does not
		// parse is left at the defaults.
		if bytes.HasPrefix(params[1], []byte(hostParam)) {
			_ = req.parseHost(string(params[1]))
		}
		for _, p := range params[3 : len(params)-1] {
			req.Extra = append(req.Extra, string(p))
		}
	}
	return req, nil
}

func (r *Request) parseHost(param string) error {
	host := strings.TrimPrefix(param, hostParam)
	h, p, err := net.SplitHostPort(host)
	if err != nil {
		r.Host = host
		return nil
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("%w: bad port %q", ErrMalformedRequest, p)
	}
	r.Host, r.Port = h, port
	return nil
}

// MarshalPktLine encodes r as an initial request packet.
func (r Request) MarshalPktLine() ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(r.Service.String())
	b.WriteByte(' ')
	b.WriteString(r.Path)
	b.WriteByte(0)
	host := r.Host
	if host == "" && len(r.Extra) > 0 {
		// extra parameters are only recognised after a host parameter
		host = DefaultHost
	}
	if host != "" {
		b.WriteString(hostParam)
		if r.Port != 0 && r.Port != DefaultPort {
			b.WriteString(net.JoinHostPort(host, strconv.Itoa(r.Port)))
		} else {
			b.WriteString(host)
		}
		b.WriteByte(0)
	}
	if len(r.Extra) > 0 {
		b.WriteByte(0)
		for _, p := range r.Extra {
			b.WriteString(p)
			b.WriteByte(0)
		}
	}
	return pktline.Encode(b.Bytes())
}
