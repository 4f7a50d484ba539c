package repositories

import "context"

// AudioFormat describes the raw PCM produced by an input device
type AudioFormat struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// Microphone abstracts the platform capture API
type Microphone interface {
	// Open acquires the input device. It fails with domain.ErrPermissionDenied
	// when access is declined or no device exists.
	Open(ctx context.Context) (AudioInput, error)
}

// AudioInput is a live input handle owned by whoever opened it
type AudioInput interface {
	Format() AudioFormat
	// Frames yields interleaved PCM16 frames. The channel is closed when the
	// device stops producing or is closed.
	Frames() <-chan []int16
	// Err reports why Frames was closed. Nil after Close or a clean end.
	Err() error
	// Close releases the device. Safe to call more than once.
	Close() error
}
