// Package notify sends rate-limited push notifications for watchd events
// to an external HTTP endpoint (ntfy.sh by default).
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ianremillard/watchd/internal/proto"
)

// rateLimit is the minimum spacing between deliveries for the same
// (kind, command) key.
const rateLimit = 10 * time.Second

// postTimeout bounds each HTTP POST.
const postTimeout = 5 * time.Second

// maxContextBytes is the most trailing context bytes included in a body.
const maxContextBytes = 500

// Notifier posts events to a fixed HTTP endpoint, rate-limited per
// (kind, command) key. A Notifier is safe for concurrent use by multiple
// Sessions.
type Notifier struct {
	url    string
	client *http.Client

	mu         sync.Mutex
	lastNotify map[string]time.Time
}

// New returns a Notifier posting to url.
func New(url string) *Notifier {
	return &Notifier{
		url:        url,
		client:     &http.Client{Timeout: postTimeout},
		lastNotify: make(map[string]time.Time),
	}
}

// Send POSTs ev to the configured endpoint and reports whether it was
// accepted. It returns false without making a request if the same
// (kind, command) key was attempted within the last 10 seconds.
//
// The rate-limit timestamp is updated before the request is attempted,
// regardless of outcome, to avoid retry storms against an unreachable
// endpoint; callers that need delivery guarantees should not rely on this
// method alone.
func (n *Notifier) Send(ev proto.Event) bool {
	key := ev.Kind + ":" + ev.Command

	n.mu.Lock()
	if last, ok := n.lastNotify[key]; ok && time.Since(last) < rateLimit {
		n.mu.Unlock()
		return false
	}
	n.lastNotify[key] = time.Now()
	n.mu.Unlock()

	return n.post(ev)
}

func (n *Notifier) post(ev proto.Event) bool {
	body := ev.Message + "\nCommand: " + ev.Command
	if ev.Context != "" {
		ctx := ev.Context
		if len(ctx) > maxContextBytes {
			ctx = ctx[len(ctx)-maxContextBytes:]
		}
		body += "\n\n" + ctx
	}

	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewBufferString(body))
	if err != nil {
		log.Printf("notify: build request: %v", err)
		return false
	}
	req.Header.Set("Title", fmt.Sprintf("[watchd] %s", ev.Kind))
	req.Header.Set("Priority", proto.PriorityLevel(ev.Priority))
	req.Header.Set("Tags", strings.Join(ev.Tags, ","))

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("notify: post failed: %v", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("notify: endpoint returned %d", resp.StatusCode)
		return false
	}
	return true
}
