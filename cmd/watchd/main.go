// watchd – a background daemon that runs interactive commands inside a
// PTY on behalf of remote clients, relays their terminal I/O, scans
// output for failure signals, and pushes notifications to an HTTP
// endpoint.
//
// Usage:
//
//	watchd [--version]
//
// The daemon listens on a Unix domain socket (WATCHD_SOCKET, default
// /tmp/watchd.sock) and is normally started by whatever process spawns
// the commands it supervises; there is no interactive CLI in this
// repository's scope.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ianremillard/watchd/internal/notify"
	"github.com/ianremillard/watchd/internal/supervisor"
)

const version = "watchd 1.0.0"

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	socketPath := envOr("WATCHD_SOCKET", "/tmp/watchd.sock")
	ntfyURL := envOr("WATCHD_NTFY_URL", "https://ntfy.sh/watchd-alerts")
	logPath := envOr("WATCHD_LOG", "/tmp/watchd.log")

	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("open log file %s: %v", logPath, err)
	}
	defer logFile.Close()
	log.SetOutput(io.MultiWriter(os.Stderr, logFile))

	sv := supervisor.New(notify.New(ntfyURL))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %v, shutting down", sig)
		os.Remove(socketPath)
		os.Exit(0)
	}()

	if err := sv.Run(socketPath); err != nil {
		log.Fatalf("supervisor run: %v", err)
	}
}
