package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
	"github.com/satriahrh/voicechat/internal/metrics"
)

// DefaultVolume is the output volume used when none is configured
const DefaultVolume = 0.8

// ErrSuperseded is returned by Play when a later Play, a Stop or Close
// replaced the request before its audio finished loading.
var ErrSuperseded = errors.New("playback superseded")

// Observer is told about every playback state change, in order
type Observer func(messageID string, state entities.PlaybackState)

// pendingLoad is a Play request that has not started rendering yet
type pendingLoad struct {
	gen       uint64
	messageID string
}

type track struct {
	messageID string
	ref       string
	cancel    context.CancelFunc
	done      chan struct{}
}

// Arbiter guarantees that at most one message plays at a time
type Arbiter struct {
	source   repositories.AudioSource
	output   repositories.OutputDevice
	observer Observer
	logger   *zap.Logger

	mu      sync.Mutex
	volume  float64
	gen     uint64
	current *track
	pending *pendingLoad
	closed  bool
}

// NewArbiter creates an arbiter rendering to output. observer may be nil.
func NewArbiter(source repositories.AudioSource, output repositories.OutputDevice, observer Observer, logger *zap.Logger) *Arbiter {
	return &Arbiter{
		source:   source,
		output:   output,
		observer: observer,
		logger:   logger,
		volume:   DefaultVolume,
	}
}

// SetVolume sets the output volume, clamped to [0, 1]
func (a *Arbiter) SetVolume(volume float64) {
	switch {
	case volume < 0:
		volume = 0
	case volume > 1:
		volume = 1
	}
	a.mu.Lock()
	a.volume = volume
	a.mu.Unlock()
}

// Volume returns the output volume
func (a *Arbiter) Volume() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.volume
}

// Current returns the message that is playing, if any
func (a *Arbiter) Current() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return "", false
	}
	return a.current.messageID, true
}

// Pending returns the message waiting for its delay or load, if any
func (a *Arbiter) Pending() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return "", false
	}
	return a.pending.messageID, true
}

// Play stops whatever is playing, waits for it to stop, then loads ref and
// starts it for messageID. A load failure wraps domain.ErrLoad and leaves
// nothing playing.
func (a *Arbiter) Play(ctx context.Context, ref, messageID string) error {
	return a.PlayAfter(ctx, ref, messageID, 0)
}

// PlayAfter is Play preceded by a delay. From the moment it is called the
// request is pending: Stop(messageID), a later Play or Close discard it and
// it returns ErrSuperseded. Whatever is playing keeps playing until the
// delay elapsed.
func (a *Arbiter) PlayAfter(ctx context.Context, ref, messageID string, delay time.Duration) error {
	if ref == "" {
		return fmt.Errorf("play %s: empty audio reference: %w", messageID, domain.ErrLoad)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("play %s: arbiter closed: %w", messageID, domain.ErrInvalidState)
	}
	a.gen++
	gen := a.gen
	a.pending = &pendingLoad{gen: gen, messageID: messageID}
	a.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			a.settle(gen)
			return ctx.Err()
		}
	}

	a.mu.Lock()
	if a.gen != gen || a.closed {
		a.mu.Unlock()
		metrics.PlaybackLoads.WithLabelValues("superseded").Inc()
		return ErrSuperseded
	}
	prev := a.current
	a.current = nil
	a.mu.Unlock()

	if prev != nil {
		a.halt(prev)
	}

	clip, err := a.source.Load(ctx, ref)
	if err != nil {
		a.settle(gen)
		metrics.PlaybackLoads.WithLabelValues("load_error").Inc()
		a.logger.Warn("Failed to load audio",
			zap.String("messageID", messageID),
			zap.String("ref", ref),
			zap.Error(err))
		if !errors.Is(err, domain.ErrLoad) {
			err = fmt.Errorf("%w: %w", domain.ErrLoad, err)
		}
		return err
	}

	a.mu.Lock()
	if a.gen != gen || a.closed {
		a.mu.Unlock()
		metrics.PlaybackLoads.WithLabelValues("superseded").Inc()
		return ErrSuperseded
	}
	a.pending = nil
	playCtx, cancel := context.WithCancel(context.Background())
	t := &track{
		messageID: messageID,
		ref:       ref,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	a.current = t
	volume := a.volume
	a.mu.Unlock()

	metrics.PlaybackLoads.WithLabelValues("started").Inc()
	a.logger.Info("Playing audio",
		zap.String("messageID", messageID),
		zap.String("ref", ref),
		zap.Duration("duration", clip.Duration))
	a.notify(messageID, entities.PlaybackPlaying)

	go a.render(playCtx, t, clip, volume)
	return nil
}

// Stop halts messageID if it is playing or still pending. Otherwise it does
// nothing.
func (a *Arbiter) Stop(messageID string) {
	a.mu.Lock()
	if a.pending != nil && a.pending.messageID == messageID {
		a.gen++
		a.pending = nil
		a.logger.Debug("Pending playback cancelled", zap.String("messageID", messageID))
	}
	t := a.current
	if t == nil || t.messageID != messageID {
		a.mu.Unlock()
		return
	}
	a.current = nil
	a.mu.Unlock()

	a.halt(t)
}

// settle forgets the pending request gen if it is still the latest
func (a *Arbiter) settle(gen uint64) {
	a.mu.Lock()
	if a.pending != nil && a.pending.gen == gen {
		a.pending = nil
	}
	a.mu.Unlock()
}

// Close stops playback, discards pending loads and rejects further Play calls
func (a *Arbiter) Close() {
	a.mu.Lock()
	a.closed = true
	a.gen++
	a.pending = nil
	t := a.current
	a.current = nil
	a.mu.Unlock()

	if t != nil {
		a.halt(t)
	}
}

func (a *Arbiter) halt(t *track) {
	t.cancel()
	<-t.done
}

// render plays one clip and reports the message idle when it ends for any reason
func (a *Arbiter) render(ctx context.Context, t *track, clip *repositories.Clip, volume float64) {
	defer close(t.done)

	err := a.output.Play(ctx, clip, volume)
	stopped := ctx.Err() != nil
	t.cancel()

	a.mu.Lock()
	if a.current == t {
		a.current = nil
	}
	a.mu.Unlock()

	switch {
	case stopped:
		a.logger.Debug("Playback stopped", zap.String("messageID", t.messageID))
	case err != nil:
		metrics.PlaybackLoads.WithLabelValues("output_error").Inc()
		a.logger.Error("Playback failed", zap.String("messageID", t.messageID), zap.Error(err))
	default:
		a.logger.Debug("Playback finished", zap.String("messageID", t.messageID))
	}

	a.notify(t.messageID, entities.PlaybackIdle)
}

func (a *Arbiter) notify(messageID string, state entities.PlaybackState) {
	if a.observer != nil {
		a.observer(messageID, state)
	}
}
