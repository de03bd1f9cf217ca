// Package supervisor implements the SessionSupervisor: the Unix socket
// accept loop that reads each client's open frame, starts a Session for
// it, and keeps a registry of running sessions for diagnostics and
// eventual sweep.
package supervisor

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ianremillard/watchd/internal/notify"
	"github.com/ianremillard/watchd/internal/proto"
	"github.com/ianremillard/watchd/internal/session"
)

// openFrameTimeout bounds how long a connected client has to send its open
// frame before the supervisor gives up on it.
const openFrameTimeout = 5 * time.Second

// Supervisor accepts client connections on a Unix socket, starts a Session
// per connection, and tracks every session currently running.
type Supervisor struct {
	notifier *notify.Notifier

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// New returns a Supervisor that dispatches notifications through notifier.
func New(notifier *notify.Notifier) *Supervisor {
	return &Supervisor{
		notifier: notifier,
		sessions: make(map[string]*session.Session),
	}
}

// Run binds socketPath (removing any stale socket first), chmods it 0600,
// and accepts connections until the listener is closed. Other accept
// errors are logged and the loop continues. It blocks until the accept
// loop ends; on SIGINT/SIGTERM cmd/watchd removes the socket and exits the
// process without Run returning.
func (sv *Supervisor) Run(socketPath string) error {
	os.Remove(socketPath)

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer l.Close()

	if err := os.Chmod(socketPath, 0o600); err != nil {
		return fmt.Errorf("chmod %s: %w", socketPath, err)
	}

	log.Printf("watchd listening on %s", socketPath)

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// Listener closed out from under us: shutdown in progress.
				return nil
			}
			log.Printf("accept: %v", err)
			continue
		}
		go sv.handleConn(conn)
	}
}

func (sv *Supervisor) handleConn(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(openFrameTimeout))

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		conn.Close()
		return
	}

	var open proto.OpenFrame
	if err := json.Unmarshal(scanner.Bytes(), &open); err != nil || len(open.Command) == 0 || open.Command[0] == "" {
		conn.Close()
		return
	}

	conn.SetReadDeadline(time.Time{})

	var inactivityTimeout time.Duration
	if open.Timeout != nil && *open.Timeout > 0 {
		inactivityTimeout = time.Duration(*open.Timeout) * time.Second
	}

	id := sv.reserveSessionID()

	s, err := session.New(id, open.Command, conn, sv.notifier, inactivityTimeout)
	if err != nil {
		log.Printf("session %s: failed to start %v: %v", id, open.Command, err)
		sv.mu.Lock()
		delete(sv.sessions, id)
		sv.mu.Unlock()
		conn.Close()
		return
	}

	sv.mu.Lock()
	sv.sessions[id] = s
	sv.mu.Unlock()

	log.Printf("session %s: started %v", id, open.Command)
	s.Run()
	log.Printf("session %s: ended", id)

	sv.sweep()
}

// sweep removes every tracked session whose Running accessor reports false.
func (sv *Supervisor) sweep() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	for id, s := range sv.sessions {
		if s == nil {
			continue
		}
		if !s.Running() {
			delete(sv.sessions, id)
		}
	}
}

// Count returns the number of sessions currently tracked (including ones a
// concurrent sweep may be about to remove). Intended for tests and
// diagnostics.
func (sv *Supervisor) Count() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return len(sv.sessions)
}

// idAlphabet is the ordered set of characters used to build session IDs.
// Single-character IDs are assigned first (digits 1-9, then a-z), giving 35
// slots before falling back to two-character combinations.
var idAlphabet = []string{
	"1", "2", "3", "4", "5", "6", "7", "8", "9",
	"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m",
	"n", "o", "p", "q", "r", "s", "t", "u", "v", "w", "x", "y", "z",
}

// reserveSessionID picks the lowest unused session ID and immediately marks
// it taken with a nil placeholder, so two connections accepted back to back
// can never race each other onto the same ID.
func (sv *Supervisor) reserveSessionID() string {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	id := sv.nextSessionIDLocked()
	sv.sessions[id] = nil
	return id
}

// nextSessionIDLocked returns the lowest unused session ID. Callers must
// hold sv.mu.
func (sv *Supervisor) nextSessionIDLocked() string {
	for _, id := range idAlphabet {
		if _, taken := sv.sessions[id]; !taken {
			return id
		}
	}
	for _, a := range idAlphabet {
		for _, b := range idAlphabet {
			id := a + b
			if _, taken := sv.sessions[id]; !taken {
				return id
			}
		}
	}
	buf := make([]byte, 4)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
