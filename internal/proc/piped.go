package proc

import (
	"context"
	"io"
)

// Duplex is the client end of a native protocol session. CloseRead must
// make a pending or future Read return io.EOF without closing the write
// side.
type Duplex interface {
	io.ReadWriter
	CloseRead() error
}

// ExecPiped runs the tool with rw bridged to its standard streams: bytes
// read from rw are fed to stdin, stdout is written to rw verbatim. Once
// stdout is exhausted the read side of rw is closed so the inbound copy
// ends, and the process is waited for. rw stays open for writing so the
// caller may still send a reply.
func (t *Tool) ExecPiped(ctx context.Context, inv Invocation, rw Duplex) (Stats, error) {
	p, err := t.Start(ctx, inv, rw)
	if err != nil {
		return Stats{}, err
	}
	p.stopInput = func() { rw.CloseRead() }

	var streamErr error
	for {
		chunk, err := p.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		if _, err := rw.Write(chunk); err != nil {
			streamErr = &StreamError{Op: "write", Err: err}
			break
		}
	}
	p.Close()
	if streamErr != nil {
		return p.Stats(), streamErr
	}
	return p.Stats(), p.Err()
}
