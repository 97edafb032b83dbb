package notify

import (
	"fmt"
	"math"

	"github.com/gen2brain/beeep"
)

const (
	chimeFreq      = 880.0
	chimeMaxMillis = 300
)

// Chime plays a short audio cue. volume is in [0, 1].
type Chime interface {
	Play(volume float64) error
}

// ToneChime plays a synthesized tone through the system speaker. The tone
// has no amplitude control, so volume scales its length.
type ToneChime struct {
	freq float64
	beep func(freq float64, millis int) error
}

func NewToneChime() *ToneChime {
	return &ToneChime{
		freq: chimeFreq,
		beep: beeep.Beep,
	}
}

func (c *ToneChime) Play(volume float64) error {
	millis := int(math.Round(clampVolume(volume) * chimeMaxMillis))
	if millis == 0 {
		return nil
	}

	if err := c.beep(c.freq, millis); err != nil {
		return fmt.Errorf("play chime: %w", err)
	}
	return nil
}

func clampVolume(v float64) float64 {
	return min(max(v, 0), 1)
}
