package detect

import (
	"testing"

	"github.com/ianremillard/watchd/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedWholeWordMatch(t *testing.T) {
	d := New(DefaultPatterns)
	events := d.Feed("build failed\n", "make")
	require.Len(t, events, 1)
	assert.Equal(t, proto.KindPatternMatch, events[0].Kind)
	assert.Equal(t, "Matched: \\bfailed\\b", events[0].Message)
	assert.Equal(t, proto.PriorityHigh, events[0].Priority)
	assert.Equal(t, []string{"warning"}, events[0].Tags)
	assert.Equal(t, "make", events[0].Command)
}

func TestFeedDoesNotMatchSubstring(t *testing.T) {
	d := New(DefaultPatterns)
	events := d.Feed("errorless output\n", "app")
	assert.Empty(t, events)
}

func TestFeedOneEventPerLineRegardlessOfMultipleMatches(t *testing.T) {
	d := New(DefaultPatterns)
	events := d.Feed("fatal error: panic\n", "app")
	assert.Len(t, events, 1)
}

func TestFeedNoNewlineProducesNoEventsAndKeepsPartial(t *testing.T) {
	d := New(DefaultPatterns)
	events := d.Feed("this has no terminator and mentions error", "app")
	assert.Empty(t, events)
	assert.Equal(t, "this has no terminator and mentions error", d.partial)
}

func TestFeedContextWindow(t *testing.T) {
	d := New(DefaultPatterns)
	d.Feed("line zero\n", "app")
	d.Feed("line one\n", "app")
	events := d.Feed("panic: oh no\n", "app")
	require.Len(t, events, 1)
	assert.Equal(t, "line zero\nline one\npanic: oh no", events[0].Context)
}

func TestFeedContextWindowClampsAtStart(t *testing.T) {
	d := New(DefaultPatterns)
	events := d.Feed("panic: immediately\n", "app")
	require.Len(t, events, 1)
	assert.Equal(t, "panic: immediately", events[0].Context)
}

func TestFeedDedupesSameLineAcrossCalls(t *testing.T) {
	// A single logical line split across two Feed calls is only completed
	// (and therefore only tested) once, by construction of the partial
	// buffer, so it can only ever produce one event.
	d := New(DefaultPatterns)
	d.Feed("fatal err", "app")
	events := d.Feed("or\n", "app")
	assert.Len(t, events, 1)
}

func TestFeedByteAtATimeMatchesSingleBlob(t *testing.T) {
	input := "starting up\nfatal: disk full\nretrying\ntraceback (most recent call last)\ndone\n"

	blobDetector := New(DefaultPatterns)
	blobEvents := blobDetector.Feed(input, "app")

	byteDetector := New(DefaultPatterns)
	var byteEvents []proto.Event
	for i := 0; i < len(input); i++ {
		byteEvents = append(byteEvents, byteDetector.Feed(string(input[i]), "app")...)
	}

	require.Len(t, byteEvents, len(blobEvents))
	for i := range blobEvents {
		assert.Equal(t, blobEvents[i].Message, byteEvents[i].Message)
		assert.Equal(t, blobEvents[i].Context, byteEvents[i].Context)
	}
}

func TestFeedTruncatesHistoryButKeepsDedup(t *testing.T) {
	d := New(DefaultPatterns)

	// Fill past the 500-line threshold with benign lines: the 501st line
	// cuts the history back to keepLines, and the 9 lines after it are
	// appended on top of that.
	for i := 0; i < 510; i++ {
		d.Feed("benign output line\n", "app")
	}
	assert.Len(t, d.lines, keepLines+9)

	// A fresh matching line still produces exactly one event, and a repeat
	// of the same content (now at a new index) is independent — truncation
	// does not resurrect or suppress indices incorrectly.
	events := d.Feed("panic: after truncation\n", "app")
	require.Len(t, events, 1)

	events = d.Feed("panic: after truncation\n", "app")
	require.Len(t, events, 1, "identical text on a new line is a new index and matches again")
}
