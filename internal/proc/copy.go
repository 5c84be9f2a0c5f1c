package proc

import (
	"errors"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ChunkSize is the size of every read from a client or process stream.
const ChunkSize = 32768

var bufferPool = sync.Pool{New: func() interface{} {
	b := make([]byte, ChunkSize)
	return &b
}}

// copyChunks copies src to dst one ChunkSize read at a time until src
// reports io.EOF. It returns the number of bytes written.
func copyChunks(dst io.Writer, src io.Reader) (int64, error) {
	bp := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bp)
	buf := *bp

	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr == nil && nw != nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return written, &StreamError{Op: "write", Err: werr}
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, &StreamError{Op: "read", Err: rerr}
		}
	}
}

// stoppedReading reports whether err means the process closed its end of
// the stdin pipe.
func stoppedReading(err error) bool {
	var se *StreamError
	if !errors.As(err, &se) || se.Op != "write" {
		return false
	}
	return errors.Is(err, unix.EPIPE) || errors.Is(err, os.ErrClosed)
}
