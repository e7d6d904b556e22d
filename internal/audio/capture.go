package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrDeviceUnavailable means no client audio source is attached.
	ErrDeviceUnavailable = errors.New("audio capture device unavailable")
	ErrAlreadyRecording  = errors.New("audio capture already recording")
	ErrNotRecording      = errors.New("audio capture not recording")
)

// Clip is one recorded utterance.
type Clip struct {
	Data       []byte
	MimeType   string
	SampleRate int
	Duration   time.Duration
}

// Capture is a start/stop audio recorder.
type Capture interface {
	Start(ctx context.Context) error
	Stop() (Clip, error)
	Recording() bool
}

// StreamCapture records PCM16 chunks pushed by a remote client.
type StreamCapture struct {
	mu         sync.Mutex
	sources    int
	recording  bool
	sampleRate int
	pcm        []byte
	maxBytes   int
}

// NewStreamCapture bounds a single recording to maxDuration at 16 kHz; later
// chunks are dropped.
func NewStreamCapture(maxDuration time.Duration) *StreamCapture {
	if maxDuration <= 0 {
		maxDuration = 2 * time.Minute
	}
	return &StreamCapture{
		sampleRate: DefaultSampleRate,
		maxBytes:   int(maxDuration.Seconds() * DefaultSampleRate * 2),
	}
}

// Attach registers a client audio source. The returned func detaches it; a
// recording in progress is abandoned when the last source goes away.
func (c *StreamCapture) Attach() func() {
	c.mu.Lock()
	c.sources++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.sources--
			if c.sources <= 0 {
				c.sources = 0
				c.recording = false
				c.pcm = nil
			}
		})
	}
}

// Write appends a chunk while recording and drops it otherwise.
func (c *StreamCapture) Write(pcm []byte, sampleRate int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return
	}
	if sampleRate > 0 {
		c.sampleRate = sampleRate
	}
	room := c.maxBytes - len(c.pcm)
	if room <= 0 {
		return
	}
	if len(pcm) > room {
		pcm = pcm[:room]
	}
	c.pcm = append(c.pcm, pcm...)
}

func (c *StreamCapture) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sources == 0 {
		return ErrDeviceUnavailable
	}
	if c.recording {
		return ErrAlreadyRecording
	}
	c.recording = true
	c.pcm = c.pcm[:0]
	return nil
}

func (c *StreamCapture) Stop() (Clip, error) {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return Clip{}, ErrNotRecording
	}
	c.recording = false
	pcm := c.pcm
	c.pcm = nil
	rate := c.sampleRate
	c.mu.Unlock()

	wav, err := EncodeWAVPCM16LE(pcm, rate)
	if err != nil {
		return Clip{}, err
	}
	return Clip{
		Data:       wav,
		MimeType:   "audio/wav",
		SampleRate: rate,
		Duration:   time.Duration(len(pcm)/2) * time.Second / time.Duration(rate),
	}, nil
}

func (c *StreamCapture) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}
