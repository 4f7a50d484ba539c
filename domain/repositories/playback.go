package repositories

import (
	"context"
	"time"
)

// Clip is a loaded audio resource ready for output
type Clip struct {
	Ref      string
	Data     []byte
	MimeType string
	Duration time.Duration
}

// AudioSource resolves an audio reference received from the server
type AudioSource interface {
	// Load fetches ref. Failures wrap domain.ErrLoad.
	Load(ctx context.Context, ref string) (*Clip, error)
}

// OutputDevice renders clips
type OutputDevice interface {
	// Play blocks until the clip finished or ctx is cancelled.
	Play(ctx context.Context, clip *Clip, volume float64) error
}
