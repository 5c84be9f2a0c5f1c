package proc

import (
	"fmt"
	"unicode/utf8"
)

// SpawnError reports that the repository tool could not be started.
type SpawnError struct {
	Cmd string
	Err error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %s", e.Cmd, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError reports that the repository tool exited unsuccessfully. Code is
// -1 when the process was terminated by a signal.
type ExitError struct {
	Cmd    string
	Code   int
	Stderr []byte
}

func (e *ExitError) Error() string {
	if len(e.Stderr) == 0 {
		return fmt.Sprintf("%s: exit status %d", e.Cmd, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Cmd, e.Code, e.StderrText())
}

// StderrText is the captured standard error as text, or as a quoted byte
// string when it is not valid UTF-8.
func (e *ExitError) StderrText() string {
	return decodeText(e.Stderr)
}

func decodeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return fmt.Sprintf("%q", b)
}

// StreamError reports an I/O failure while copying between the client and
// the repository tool.
type StreamError struct {
	Op  string // "read" or "write"
	Err error
}

func (e *StreamError) Error() string { return fmt.Sprintf("stream %s: %s", e.Op, e.Err) }
func (e *StreamError) Unwrap() error { return e.Err }
