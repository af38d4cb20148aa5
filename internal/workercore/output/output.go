// Package output implements the bounded, backpressured log channel the
// supervisor's streaming goroutine writes to and its flush goroutine
// drains (§4.2, C2).
package output

import (
	"fmt"
	"unicode/utf8"
)

const (
	// Capacity is the channel's buffer size. A full channel applies
	// backpressure to the line producer rather than growing without
	// bound.
	Capacity = 100

	// MaxChars is the maximum number of characters (not bytes) of log
	// content a single job may accumulate, matching the original
	// worker's `MAX_LOG_SIZE` character-count cap.
	MaxChars = 50_000
)

// ErrLineTooBig is the terminal message recorded when a single line by
// itself would exceed MaxChars.
const ErrLineTooBig = "Line is too big"

// ErrTooManyLines is the terminal message recorded when accumulated
// lines push total log content past MaxChars.
const ErrTooManyLines = "Too many logs lines"

// Channel buffers log lines produced by a running child process. A
// single writer goroutine (the supervisor's streaming task, T2) sends;
// a single reader goroutine (the supervisor's flush task, T4) receives
// and appends to the job's in-memory Logs string.
type Channel struct {
	lines chan string
}

// New creates a Channel with the standard Capacity.
func New() *Channel {
	return &Channel{lines: make(chan string, Capacity)}
}

// Send enqueues a line, blocking if the channel is full. Callers should
// race Send against the process-exit/cancellation signal so a stalled
// reader cannot wedge the child's stdout pipe forever.
func (c *Channel) Send(line string) {
	c.lines <- line
}

// Lines exposes the receive side for the flush goroutine's select loop.
func (c *Channel) Lines() <-chan string {
	return c.lines
}

// Close closes the channel. Callers must guarantee no further Send
// calls occur after Close; the supervisor enforces this by closing only
// after its waiter goroutine has observed process exit.
func (c *Channel) Close() {
	close(c.lines)
}

// Append adds line to logs, applying the size caps described above. It
// returns the updated logs, whether the job should terminate because of
// a cap violation, and (if so) the terminal message to record.
func Append(logs, line string) (updated string, terminal bool, message string) {
	if utf8.RuneCountInString(line) > MaxChars {
		return logs, true, ErrLineTooBig
	}
	sep := 0
	if logs != "" {
		sep = 1
	}
	if utf8.RuneCountInString(logs)+utf8.RuneCountInString(line)+sep > MaxChars {
		return logs, true, ErrTooManyLines
	}
	if logs == "" {
		return line, false, ""
	}
	return fmt.Sprintf("%s\n%s", logs, line), false, ""
}
