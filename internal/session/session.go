// Package session implements the per-client PTY session: it forks and
// execs the requested command under a pseudo-terminal, multiplexes
// bidirectional I/O between the client socket and the PTY master,
// interprets the client's control-frame protocol, runs a pattern detector
// over PTY output, enforces an inactivity watchdog, and reports the
// child's exit disposition.
package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/ianremillard/watchd/internal/ctrlframe"
	"github.com/ianremillard/watchd/internal/detect"
	"github.com/ianremillard/watchd/internal/notify"
	"github.com/ianremillard/watchd/internal/proto"
)

// readChunkSize is the size both the PTY master and the client socket
// are read in chunks of up to 4096 bytes.
const readChunkSize = 4096

// flushDelay is how long the client-frame accumulator waits for a newline
// before giving up and forwarding whatever raw bytes it is holding. This
// keeps un-terminated interactive input (arrow keys, Ctrl-C) from being
// held hostage behind a newline that will never arrive.
const flushDelay = 50 * time.Millisecond

// replacementChar substitutes for invalid UTF-8 sequences in PTY output.
const replacementChar = "�"

// Session owns one client connection, one PTY, and one child process for
// the lifetime of that child.
type Session struct {
	ID         string
	Command    []string
	CommandStr string

	client            net.Conn
	ptm               *os.File
	cmd               *exec.Cmd
	detector          *detect.Detector
	notifier          *notify.Notifier
	inactivityTimeout time.Duration // 0 disables the watchdog

	mu      sync.Mutex
	running bool
}

// New forks the requested command under a PTY and returns a Session ready
// to be run. The caller must call Run (typically in its own goroutine).
//
// If exec resolution fails, Go's os/exec reports the error before any
// child process is created — unlike a raw fork+exec there is no orphaned
// child left to reap with a 127 exit status. Callers should treat a
// non-nil error here as "the session never started" rather than as a
// session that immediately exited.
func New(id string, command []string, client net.Conn, notifier *notify.Notifier, inactivityTimeout time.Duration) (*Session, error) {
	cmd := exec.Command(command[0], command[1:]...)

	ptm, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:                id,
		Command:           command,
		CommandStr:        strings.Join(command, " "),
		client:            client,
		ptm:               ptm,
		cmd:               cmd,
		detector:          detect.New(detect.DefaultPatterns),
		notifier:          notifier,
		inactivityTimeout: inactivityTimeout,
		running:           true,
	}, nil
}

// Running reports whether the session's event loop is still active. The
// Supervisor polls this to reap terminated sessions.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

type readResult struct {
	data []byte
	err  error
}

// pump reads r in readChunkSize chunks and reports each read (or its
// terminal error) on ch. It returns after the first error, including EOF.
//
// Run only ever drains one of its two pump goroutines to completion: the
// other is still parked in Read when the loop exits and ends up racing
// teardown's Close of the same descriptor. done is closed by Run as it
// returns, so the send below has somewhere to go once Read unblocks
// instead of blocking forever on a channel nobody reads from again.
func pump(r io.Reader, ch chan<- readResult, done <-chan struct{}) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case ch <- readResult{data: chunk}:
			case <-done:
				return
			}
		}
		if err != nil {
			select {
			case ch <- readResult{err: err}:
			case <-done:
			}
			return
		}
	}
}

type exitResult struct {
	code int
}

// waitForExit blocks until cmd's process exits and reports its exit code:
// WEXITSTATUS for normal exits, 128+signal for signaled exits, 1 for any
// other disposition.
func waitForExit(cmd *exec.Cmd) *exitResult {
	cmd.Wait()
	return &exitResult{code: exitCodeFromProcessState(cmd.ProcessState)}
}

func exitCodeFromProcessState(ps *os.ProcessState) int {
	if ps == nil {
		return 1
	}
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok {
		return 1
	}
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	default:
		return 1
	}
}

// Run drives the session's event loop until the PTY or client connection
// closes, the child exits, or the peer disconnects. It blocks until the
// session ends; callers run it in its own goroutine.
func (s *Session) Run() {
	done := make(chan struct{})
	defer close(done)
	defer s.teardown()

	ptyCh := make(chan readResult)
	clientCh := make(chan readResult)
	exitCh := make(chan *exitResult, 1)

	go pump(s.ptm, ptyCh, done)
	go pump(s.client, clientCh, done)
	go func() { exitCh <- waitForExit(s.cmd) }()

	var watchdog *time.Timer
	var watchdogC <-chan time.Time
	if s.inactivityTimeout > 0 {
		watchdog = time.NewTimer(s.inactivityTimeout)
		watchdogC = watchdog.C
		defer watchdog.Stop()
	}
	inactivityNotified := false

	var flush *time.Timer
	var flushC <-chan time.Time
	var clientBuf []byte

	for {
		select {
		case r := <-ptyCh:
			if r.err != nil {
				// The PTY gave up its last byte; the child is gone or
				// going. Settle on its exit status so the client still
				// gets a single, final exit frame.
				s.finish(<-exitCh)
				return
			}
			resetTimer(watchdog, s.inactivityTimeout)
			inactivityNotified = false

			text := toValidUTF8(r.data)
			s.sendFrame(proto.ServerFrame{Type: proto.ServerFrameOutput, Data: text})
			for _, ev := range s.detector.Feed(text, s.CommandStr) {
				s.dispatch(ev)
			}

		case r := <-clientCh:
			if r.err != nil {
				// Peer is gone; close up without an exit frame — there is
				// no one left to send it to.
				return
			}
			clientBuf = append(clientBuf, r.data...)
			clientBuf = s.drainClientFrames(clientBuf)
			if len(clientBuf) > 0 {
				if flush == nil {
					flush = time.NewTimer(flushDelay)
				} else {
					resetTimer(flush, flushDelay)
				}
				flushC = flush.C
			} else {
				flushC = nil
			}

		case <-watchdogC:
			if !inactivityNotified {
				s.dispatch(proto.Event{
					Kind:      proto.KindInactivity,
					Message:   fmt.Sprintf("No output for %ds", int(s.inactivityTimeout.Seconds())),
					Priority:  proto.PriorityDefault,
					Tags:      []string{"hourglass_done"},
					Timestamp: time.Now().Unix(),
					Command:   s.CommandStr,
				})
				inactivityNotified = true
			}

		case <-flushC:
			if len(clientBuf) > 0 {
				s.ptm.Write(clientBuf)
				clientBuf = nil
			}
			flushC = nil

		case res := <-exitCh:
			s.finish(res)
			return
		}
	}
}

// resetTimer drains and resets t, the standard idiom for reusing a
// time.Timer from inside a select loop. A nil t is a no-op (watchdog
// disabled).
func resetTimer(t *time.Timer, d time.Duration) {
	if t == nil {
		return
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// toValidUTF8 decodes b as UTF-8, substituting the Unicode replacement
// character for invalid sequences.
func toValidUTF8(b []byte) string {
	return string(bytes.ToValidUTF8(b, []byte(replacementChar)))
}

// drainClientFrames consumes every newline-terminated line from buf,
// dispatching each as a control frame or raw PTY input, and returns
// whatever incomplete remainder is left (held for the next read or the
// flush timer). This treats each line as a candidate frame rather than
// an entire socket read, so a control frame split across two reads is
// still recognized.
func (s *Session) drainClientFrames(buf []byte) []byte {
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			return buf
		}
		line := buf[:i+1]
		buf = buf[i+1:]

		if frame, ok := ctrlframe.Parse(line); ok {
			switch frame.Type {
			case proto.ClientFrameResize:
				pty.Setsize(s.ptm, &pty.Winsize{Rows: uint16(frame.Rows), Cols: uint16(frame.Cols)})
			case proto.ClientFrameInput:
				s.ptm.Write([]byte(frame.Data))
			}
			continue
		}
		s.ptm.Write(line)
	}
}

// dispatch sends ev to the client as an event frame and to the notifier.
func (s *Session) dispatch(ev proto.Event) {
	if frame, err := proto.EventFrame(ev); err == nil {
		s.sendFrame(frame)
	}
	s.notifier.Send(ev)
}

func (s *Session) sendFrame(f proto.ServerFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	data = append(data, '\n')
	if _, err := s.client.Write(data); err != nil {
		log.Printf("session %s: write to client failed: %v", s.ID, err)
	}
}

// finish notifies on a nonzero exit code and sends the final exit frame;
// Run's deferred teardown then closes the session. It is the only path
// that ever sends an exit frame, and it sends exactly one.
//
// The exit_code event goes to the notifier only, not to the client as an
// event frame — unlike pattern_match and inactivity, the client is about
// to receive the exit frame itself, which already carries the code.
func (s *Session) finish(res *exitResult) {
	if res.code != 0 {
		s.notifier.Send(proto.Event{
			Kind:      proto.KindExitCode,
			Message:   fmt.Sprintf("Exited with code %d", res.code),
			Priority:  proto.PriorityHigh,
			Tags:      []string{"x"},
			Timestamp: time.Now().Unix(),
			Command:   s.CommandStr,
		})
	}
	s.sendFrame(proto.ServerFrame{Type: proto.ServerFrameExit, Data: strconv.Itoa(res.code)})
}

// teardown marks the session stopped and releases its descriptors, PTY
// master first and client socket second, each exactly once.
func (s *Session) teardown() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.ptm.Close()
	s.client.Close()
}
