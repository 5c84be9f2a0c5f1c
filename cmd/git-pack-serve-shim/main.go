// Command git-pack-serve-shim connects git to a git-pack-serve daemon
// through the ext:: remote helper:
//
//	git clone "ext::git-pack-serve-shim %S project.git"
//
// It writes the native initial request for the service and repository
// named on the command line, then relays stdin and stdout over the
// connection.
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/saj/git-pack-serve/internal/proto"
)

func usage() {
	prog := filepath.Base(os.Args[0])
	fmt.Fprintf(os.Stderr, "usage: %s <git-service> <repo>\n", prog)
	os.Exit(2)
}

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, PartsExclude: []string{zerolog.TimestampFieldName}}).
	With().Str("prog", "git-pack-serve-shim").Logger()

func main() {
	args := os.Args[1:]
	if len(args) != 2 {
		usage()
	}
	svc, ok := proto.ParseService(args[0])
	if !ok {
		log.Fatal().Str("service", args[0]).Msg("invalid git service")
	}
	c, err := dial()
	if err != nil {
		log.Fatal().Err(err).Msg("dial")
	}
	defer c.Close()

	req := newRequest(svc, args[1], c.RemoteAddr(), os.Getenv("GIT_PROTOCOL"))
	if err := proxy(req, c, os.Stdin, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("proxy")
	}
}

// newRequest builds the initial request. gitProtocol is the value git
// exports as GIT_PROTOCOL; its colon separated parameters are forwarded
// as extra parameters.
func newRequest(svc proto.Service, repo string, remote net.Addr, gitProtocol string) proto.Request {
	req := proto.Request{
		Service: svc,
		Path:    "/" + strings.TrimPrefix(repo, "/"),
	}
	if host, port, err := net.SplitHostPort(remote.String()); err == nil {
		req.Host = host
		req.Port, _ = strconv.Atoi(port)
	}
	for _, p := range strings.Split(gitProtocol, ":") {
		if p != "" {
			req.Extra = append(req.Extra, p)
		}
	}
	return req
}

type halfCloser interface {
	io.ReadWriter
	CloseWrite() error
}

// proxy sends req over rw and relays stdin to rw and rw to stdout. The
// write half of rw is closed once stdin is exhausted; proxy returns when
// the server ends the session.
func proxy(req proto.Request, rw halfCloser, stdin io.Reader, stdout io.Writer) error {
	b, err := req.MarshalPktLine()
	if err != nil {
		return err
	}
	if _, err := rw.Write(b); err != nil {
		return err
	}

	go func() {
		if _, err := io.Copy(rw, stdin); err != nil {
			log.Debug().Err(err).Msg("stdin copy")
		}
		rw.CloseWrite()
	}()
	_, err = io.Copy(stdout, rw)
	return err
}
