package supervisor

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ianremillard/watchd/internal/notify"
	"github.com/ianremillard/watchd/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestSupervisor(t *testing.T) (string, *Supervisor) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "watchd.sock")
	sv := New(notify.New("http://127.0.0.1:1"))

	ready := make(chan struct{})
	go func() {
		// Run blocks until the listener is closed; poll for the socket
		// file's existence instead of synchronizing on Run's internals.
		for {
			if _, err := os.Stat(sockPath); err == nil {
				close(ready)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	go sv.Run(sockPath)

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never created its socket")
	}
	return sockPath, sv
}

func dial(t *testing.T, sockPath string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	return conn
}

func TestRunCreatesSocketWithRestrictedMode(t *testing.T) {
	sockPath, _ := startTestSupervisor(t)
	info, err := os.Stat(sockPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestOpenFrameStartsASessionAndRelaysOutput(t *testing.T) {
	sockPath, sv := startTestSupervisor(t)
	conn := dial(t, sockPath)
	defer conn.Close()

	open := proto.OpenFrame{Command: []string{"sh", "-c", "echo ready"}}
	data, err := json.Marshal(open)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	sawOutput := false
	for scanner.Scan() {
		var f proto.ServerFrame
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &f))
		if f.Type == proto.ServerFrameOutput {
			sawOutput = true
		}
		if f.Type == proto.ServerFrameExit {
			break
		}
	}
	assert.True(t, sawOutput)

	deadline := time.Now().Add(2 * time.Second)
	for sv.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, sv.Count(), "session is swept from the registry once it ends")
}

func TestMissingCommandClosesSocket(t *testing.T) {
	sockPath, _ := startTestSupervisor(t)
	conn := dial(t, sockPath)
	defer conn.Close()

	_, err := conn.Write([]byte(`{"timeout":30}` + "\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	assert.Equal(t, 0, n)
	assert.Error(t, err, "supervisor must close the connection without a response")
}

func TestEmptyCommandArrayClosesSocket(t *testing.T) {
	sockPath, _ := startTestSupervisor(t)
	conn := dial(t, sockPath)
	defer conn.Close()

	_, err := conn.Write([]byte(`{"command":[]}` + "\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, _ := conn.Read(buf)
	assert.Equal(t, 0, n)
}

func TestMalformedOpenFrameClosesSocket(t *testing.T) {
	sockPath, _ := startTestSupervisor(t)
	conn := dial(t, sockPath)
	defer conn.Close()

	_, err := conn.Write([]byte("not json\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, _ := conn.Read(buf)
	assert.Equal(t, 0, n)
}

func TestConcurrentSessionsGetDistinctIDs(t *testing.T) {
	sockPath, sv := startTestSupervisor(t)

	var conns []net.Conn
	for i := 0; i < 3; i++ {
		conn := dial(t, sockPath)
		conns = append(conns, conn)
		open := proto.OpenFrame{Command: []string{"sh", "-c", "sleep 1"}}
		data, _ := json.Marshal(open)
		_, err := conn.Write(append(data, '\n'))
		require.NoError(t, err)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sv.Count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 3, sv.Count())
}
