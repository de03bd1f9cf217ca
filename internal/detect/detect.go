// Package detect implements a line-buffered scanner that watches a
// command's PTY output for failure signals (errors, panics, crashes) and
// produces match events with surrounding context.
package detect

import (
	"regexp"
	"strings"
	"time"

	"github.com/ianremillard/watchd/internal/proto"
)

// maxLines is the point at which the line history is truncated back down
// to keepLines. Truncation only discards already-reported history; new
// lines always receive indices larger than anything left in the reported
// set, so no false negatives result. The reported set itself is left
// unbounded rather than garbage-collected (see Detector.seen).
const (
	maxLines  = 500
	keepLines = 250
)

// contextLines is how many trailing lines (inclusive of the match) are
// joined to form an Event's Context.
const contextLines = 3

// DefaultPatterns is the baked-in set of failure signals watchd looks for,
// each matched as a whole word, case-insensitively.
var DefaultPatterns = []string{
	`error`,
	`failed`,
	`failure`,
	`traceback`,
	`panic`,
	`fatal`,
	`exception`,
	`segmentation fault`,
	`killed`,
	`oom`,
}

// Detector scans streaming text for pattern matches. A Detector is not
// safe for concurrent use; each Session owns exactly one.
type Detector struct {
	patterns []*regexp.Regexp
	sources  []string // pattern_source for each entry in patterns, same order
	lines    []string
	offset   int // number of lines dropped from the front of lines so far
	partial  string
	seen     map[int]struct{}
}

// New compiles patterns as case-insensitive whole-word regular expressions
// and returns a ready-to-use Detector.
func New(patterns []string) *Detector {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	sources := make([]string, 0, len(patterns))
	for _, p := range patterns {
		source := `\b` + p + `\b`
		compiled = append(compiled, regexp.MustCompile(`(?i)`+source))
		sources = append(sources, source)
	}
	return &Detector{
		patterns: compiled,
		sources:  sources,
		seen:     make(map[int]struct{}),
	}
}

// Feed appends chunk to the partial-line buffer, splits off every newly
// completed line, and tests each against every pattern. At most one Event
// is emitted per line, regardless of how many patterns match it.
func (d *Detector) Feed(chunk, command string) []proto.Event {
	var events []proto.Event
	d.partial += chunk

	for {
		i := strings.IndexByte(d.partial, '\n')
		if i < 0 {
			break
		}
		line := d.partial[:i]
		d.partial = d.partial[i+1:]

		d.lines = append(d.lines, line)
		idx := d.offset + len(d.lines) - 1 // monotonically increasing across truncation

		if _, reported := d.seen[idx]; !reported {
			for i, pattern := range d.patterns {
				if pattern.MatchString(line) {
					d.seen[idx] = struct{}{}
					events = append(events, proto.Event{
						Kind:      proto.KindPatternMatch,
						Message:   "Matched: " + d.sources[i],
						Priority:  proto.PriorityHigh,
						Tags:      []string{"warning"},
						Timestamp: time.Now().Unix(),
						Context:   d.context(idx),
						Command:   command,
					})
					break
				}
			}
		}

		if len(d.lines) > maxLines {
			d.offset += len(d.lines) - keepLines
			d.lines = append([]string(nil), d.lines[len(d.lines)-keepLines:]...)
		}
	}

	return events
}

// context joins lines [max(0, idx-contextLines+1) .. idx] with newlines,
// translating the monotonic idx back to a position in the (possibly
// truncated) lines slice via offset.
func (d *Detector) context(idx int) string {
	start := idx - (contextLines - 1)
	if start < d.offset {
		start = d.offset
	}
	return strings.Join(d.lines[start-d.offset:idx-d.offset+1], "\n")
}
