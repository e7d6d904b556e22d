package avatar

import (
	"time"

	"github.com/ent0n29/avatarchat/internal/media"
)

const (
	// SpeakingFrameThreshold is the frame edge, in pixels, both dimensions must
	// exceed for a frame to count as rendered speech.
	SpeakingFrameThreshold = 200
	// SpeakingEndDebounce is the minimum heuristic speaking time before a
	// small frame is read as end of speech.
	SpeakingEndDebounce = 500 * time.Millisecond
)

const (
	sourceControl   = "control"
	sourceHeuristic = "heuristic"
	sourceVisual    = "visual"
)

// speakingUpdate describes what a single piece of evidence changed.
type speakingUpdate struct {
	started         bool
	stopped         bool
	speakingChanged bool
	visualChanged   bool
	source          string
}

func (u speakingUpdate) empty() bool {
	return !u.started && !u.stopped && !u.speakingChanged && !u.visualChanged
}

// speakingCoordinator reconciles control-channel events with the frame-size
// heuristic. It is not safe for concurrent use; the orchestrator serializes
// access under its own lock.
type speakingCoordinator struct {
	threshold int
	debounce  time.Duration

	// latched is one-way for the lifetime of a connection.
	latched        bool
	speaking       bool
	visual         bool
	awaitingVisual bool
	since          time.Time
}

func newSpeakingCoordinator(threshold int, debounce time.Duration) speakingCoordinator {
	if threshold <= 0 {
		threshold = SpeakingFrameThreshold
	}
	if debounce <= 0 {
		debounce = SpeakingEndDebounce
	}
	return speakingCoordinator{threshold: threshold, debounce: debounce}
}

func (c *speakingCoordinator) aboveThreshold(width, height int) bool {
	return width > c.threshold && height > c.threshold
}

// onControl applies an authoritative event. Ready and unknown events carry no
// speaking evidence.
func (c *speakingCoordinator) onControl(event media.ControlEvent) speakingUpdate {
	switch event {
	case media.ControlSpeechStarted:
		c.latched = true
		u := speakingUpdate{started: true, source: sourceControl, speakingChanged: !c.speaking}
		c.speaking = true
		if !c.visual {
			c.awaitingVisual = true
		}
		return u
	case media.ControlSpeechDone:
		c.latched = true
		u := speakingUpdate{stopped: true, source: sourceControl, speakingChanged: c.speaking, visualChanged: c.visual}
		c.speaking = false
		c.visual = false
		c.awaitingVisual = false
		return u
	default:
		return speakingUpdate{}
	}
}

// onDimensions applies one heuristic frame-size sample. It never changes
// anything once the latch is set.
func (c *speakingCoordinator) onDimensions(width, height int, now time.Time) speakingUpdate {
	if c.latched {
		return speakingUpdate{}
	}
	if c.aboveThreshold(width, height) {
		if c.speaking {
			return speakingUpdate{}
		}
		c.speaking = true
		c.since = now
		u := speakingUpdate{started: true, speakingChanged: true, source: sourceHeuristic}
		if !c.visual {
			c.visual = true
			c.awaitingVisual = false
			u.visualChanged = true
		}
		return u
	}
	if !c.speaking || now.Sub(c.since) <= c.debounce {
		return speakingUpdate{}
	}
	u := speakingUpdate{stopped: true, speakingChanged: true, visualChanged: c.visual, source: sourceHeuristic}
	c.speaking = false
	c.visual = false
	c.awaitingVisual = false
	return u
}

// onVisualFrame resolves a pending visual wait. It reports whether the visual
// flag flipped on.
func (c *speakingCoordinator) onVisualFrame(width, height int) bool {
	if !c.awaitingVisual || !c.aboveThreshold(width, height) {
		return false
	}
	c.awaitingVisual = false
	c.visual = true
	return true
}

func (c *speakingCoordinator) reset() {
	c.latched = false
	c.speaking = false
	c.visual = false
	c.awaitingVisual = false
	c.since = time.Time{}
}
