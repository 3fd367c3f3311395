package relay

import "time"

// ProduceFunc fills buf with frames frames of audio to be played
type ProduceFunc func(buf []byte, frames int)

// ConsumeFunc receives frames frames of recorded audio. buf is only valid
// for the duration of the call.
type ConsumeFunc func(buf []byte, frames int, ts time.Time)

// Direction is the direction-specific half of a pump tick
type Direction interface {
	// Name returns "playback" or "capture"
	Name() string

	// prepare readies slot b for posting. recorded reports whether b holds
	// capture data from its previous trip through the hardware.
	prepare(b *FrameBuffer, recorded bool)
}

// Playback pulls audio from the application before each post
type Playback struct {
	Produce ProduceFunc
}

// Name implements Direction
func (Playback) Name() string { return "playback" }

func (p Playback) prepare(b *FrameBuffer, _ bool) {
	b.Reset()
	region, _ := b.Reserve(b.Capacity())
	if p.Produce != nil {
		p.Produce(region, b.Capacity())
		return
	}
	clear(region)
}

// Capture pushes recorded audio to the application after each completion
type Capture struct {
	Consume ConsumeFunc
}

// Name implements Direction
func (Capture) Name() string { return "capture" }

func (c Capture) prepare(b *FrameBuffer, recorded bool) {
	if recorded && c.Consume != nil && b.Filled() > 0 {
		c.Consume(b.Frames(), b.Filled(), time.Now())
	}
	b.Reset()
}
