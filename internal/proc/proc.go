// Package proc runs the repository tool for a single operation and pumps
// its standard streams.
//
// Every process is served by three concurrent tasks: an inbound copy from
// the client into the tool's stdin, a drain of the tool's stderr into a
// buffer, and the outbound reads of the tool's stdout performed by the
// caller through Process.Next. The stderr buffer is written only by its
// drain task and read only after that task has finished. The outbound side
// never waits for the inbound copy unless the caller can stop it.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/saj/git-pack-serve/internal/proto"
)

// Tool is the external repository tool, normally git.
type Tool struct {
	// Path of the tool binary. Defaults to "git".
	Path string
}

func (t *Tool) path() string {
	if t == nil || t.Path == "" {
		return "git"
	}
	return t.Path
}

// Invocation describes one run of the repository tool.
type Invocation struct {
	Service proto.Service
	Dir     string
	// Version is the protocol version requested by the client. It is
	// only meaningful when HasVersion is set.
	Version       int
	HasVersion    bool
	Stateless     bool
	AdvertiseRefs bool
}

func (inv Invocation) Args() []string {
	args := []string{inv.Service.Subcommand()}
	if inv.Stateless {
		args = append(args, "--stateless-rpc")
	}
	if inv.AdvertiseRefs {
		args = append(args, "--advertise-refs")
	}
	return append(args, inv.Dir)
}

// Env is the environment of the tool process. A nil result means the
// server's own environment is inherited unchanged.
func (inv Invocation) Env() []string {
	if !inv.HasVersion {
		return nil
	}
	return append(os.Environ(), fmt.Sprintf("GIT_PROTOCOL=version=%d", inv.Version))
}

// CommandLine renders the invocation for diagnostics.
func (t *Tool) CommandLine(inv Invocation) string {
	return strings.Join(append([]string{t.path()}, inv.Args()...), " ")
}

func (t *Tool) command(ctx context.Context, inv Invocation) *exec.Cmd {
	cmd := exec.CommandContext(ctx, t.path(), inv.Args()...)
	cmd.Env = inv.Env()
	return cmd
}

// Stats counts the bytes moved through a process.
type Stats struct {
	In  int64 // client -> stdin
	Out int64 // stdout -> client
}

// Process is a running repository tool.
type Process struct {
	cmd    *exec.Cmd
	line   string
	log    *zerolog.Logger
	cancel context.CancelFunc
	tasks  errgroup.Group

	stdout io.ReadCloser
	stderr bytes.Buffer
	buf    []byte

	// stopInput, when set, unblocks the inbound copy once the outbound
	// stream has ended. finish then waits for the copy; otherwise the copy
	// is left to end on its own.
	stopInput func()
	inDone    chan struct{}
	inErr     error

	in, out int64
	done    bool
	err     error
}

// Start launches the tool described by inv with stdout and stderr piped.
// When stdin is not nil it is copied into the tool's standard input by a
// background task, and the tool's stdin is closed once stdin reports EOF.
// The logger is taken from ctx.
//
// The caller must either read the output with Next until it returns an
// error or call Close.
func (t *Tool) Start(ctx context.Context, inv Invocation, stdin io.Reader) (*Process, error) {
	ctx, cancel := context.WithCancel(ctx)
	p := &Process{
		cmd:    t.command(ctx, inv),
		line:   t.CommandLine(inv),
		log:    zerolog.Ctx(ctx),
		cancel: cancel,
		buf:    make([]byte, ChunkSize),
	}
	fail := func(err error) (*Process, error) {
		cancel()
		return nil, &SpawnError{Cmd: p.line, Err: err}
	}

	var (
		stdinPipe io.WriteCloser
		err       error
	)
	if stdin != nil {
		if stdinPipe, err = p.cmd.StdinPipe(); err != nil {
			return fail(err)
		}
	}
	if p.stdout, err = p.cmd.StdoutPipe(); err != nil {
		return fail(err)
	}
	stderrPipe, err := p.cmd.StderrPipe()
	if err != nil {
		return fail(err)
	}
	if err := p.cmd.Start(); err != nil {
		return fail(err)
	}
	p.log.Info().Str("cmd", p.line).Msg("execute command")

	if stdin != nil {
		p.inDone = make(chan struct{})
		go func() {
			err := p.pumpStdin(stdinPipe, stdin)
			p.inErr = err
			close(p.inDone)
			if err != nil {
				p.cancel()
			}
		}()
	}
	p.tasks.Go(func() error {
		_, err := copyChunks(&p.stderr, stderrPipe)
		return err
	})
	return p, nil
}

func (p *Process) pumpStdin(w io.WriteCloser, r io.Reader) error {
	n, err := copyChunks(w, r)
	atomic.AddInt64(&p.in, n)
	w.Close()
	switch {
	case err == nil:
		return nil
	case stoppedReading(err):
		p.log.Debug().Err(err).Str("cmd", p.line).Msg("tool closed stdin early")
		return nil
	default:
		return err
	}
}

// Next returns the next chunk of the tool's standard output. The chunk is
// only valid until the following call. Once stdout is exhausted Next waits
// for the process to exit, logs a diagnostic if it failed, and returns
// io.EOF regardless of the exit status; Err reports that status.
func (p *Process) Next() ([]byte, error) {
	if p.done {
		return nil, io.EOF
	}
	for {
		n, err := p.stdout.Read(p.buf)
		if n > 0 {
			p.out += int64(n)
			return p.buf[:n], nil
		}
		if err == io.EOF {
			p.finish()
			return nil, io.EOF
		}
		if err != nil {
			p.cancel()
			p.finish()
			return nil, &StreamError{Op: "read", Err: err}
		}
	}
}

// Close terminates the process if it is still running and waits for it
// and its stream tasks.
func (p *Process) Close() error {
	if !p.done {
		p.cancel()
		p.finish()
	}
	return p.err
}

// Err is the outcome of the process once Next has returned an error or
// Close has been called: nil, *ExitError, or *StreamError.
func (p *Process) Err() error { return p.err }

// Stats reports the bytes moved so far.
func (p *Process) Stats() Stats {
	return Stats{In: atomic.LoadInt64(&p.in), Out: p.out}
}

// Stderr is the captured standard error. It is complete once the process
// has finished.
func (p *Process) Stderr() []byte {
	if !p.done {
		return nil
	}
	return p.stderr.Bytes()
}

func (p *Process) finish() {
	p.done = true
	if p.stopInput != nil && p.inDone != nil {
		p.stopInput()
		<-p.inDone
	}
	taskErr := p.tasks.Wait()
	waitErr := p.cmd.Wait()
	p.cancel()
	if taskErr == nil && p.inDone != nil {
		select {
		case <-p.inDone:
			taskErr = p.inErr
		default:
		}
	}

	var ee *exec.ExitError
	switch {
	case errors.As(waitErr, &ee):
		e := &ExitError{Cmd: p.line, Code: ee.ExitCode(), Stderr: p.stderr.Bytes()}
		p.log.Error().Str("cmd", e.Cmd).Int("code", e.Code).Str("stderr", e.StderrText()).Msg("fail to execute")
		p.err = e
	case waitErr != nil:
		p.log.Error().Err(waitErr).Str("cmd", p.line).Msg("fail to wait")
		p.err = waitErr
	case taskErr != nil:
		p.log.Warn().Err(taskErr).Str("cmd", p.line).Msg("stream aborted")
		p.err = taskErr
	default:
		p.log.Debug().Str("cmd", p.line).Int64("in", atomic.LoadInt64(&p.in)).Int64("out", p.out).Msg("command finished")
	}
}
